package naming

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/roasbeef/xosc/internal/router"
	"github.com/roasbeef/xosc/internal/wire"
)

// Resolver defaults.
const (
	// DefaultLookupTTL bounds how long resolved refs are cached.
	DefaultLookupTTL = 30 * time.Second

	// DefaultLookupRetries is the per-resolve retry budget.
	DefaultLookupRetries = 3

	// lookupCacheSize bounds each per-pool cache.
	lookupCacheSize = 4096
)

// ResolverConfig holds resolver construction parameters.
type ResolverConfig struct {
	// Router issues the index queries.
	Router *router.Router

	// TTL bounds cache entry lifetime.
	TTL time.Duration

	// Retries is the per-resolve retry budget before ActorNotFound.
	Retries int
}

// Resolver answers "where does uid live" for remote pools, caching
// answers for the lookup TTL and dropping a pool's entries when its peer
// goes away.
type Resolver struct {
	cfg ResolverConfig

	mu     sync.Mutex
	caches map[string]*expirable.LRU[string, wire.ActorRef]
}

// NewResolver builds a resolver over the router.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLookupTTL
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultLookupRetries
	}

	return &Resolver{
		cfg:    cfg,
		caches: make(map[string]*expirable.LRU[string, wire.ActorRef]),
	}
}

func (r *Resolver) cacheFor(poolKey string) *expirable.LRU[string, wire.ActorRef] {
	r.mu.Lock()
	defer r.mu.Unlock()

	cache, ok := r.caches[poolKey]
	if !ok {
		cache = expirable.NewLRU[string, wire.ActorRef](
			lookupCacheSize, nil, r.cfg.TTL,
		)
		r.caches[poolKey] = cache
	}

	return cache
}

// Resolve maps a uid on a pool to its full ref, querying the pool's index
// server on cache misses. Exhausting the retry budget yields
// ActorNotFound.
func (r *Resolver) Resolve(ctx context.Context, pool wire.Address,
	uid string) (wire.ActorRef, error) {

	poolKey := pool.Base().String()
	cache := r.cacheFor(poolKey)

	if ref, ok := cache.Get(uid); ok {
		return ref, nil
	}

	// An external lookup is the signal that un-sticks a route the
	// router gave up on.
	r.cfg.Router.MarkRouteFresh(pool)

	var lastErr error
	for attempt := 0; attempt < r.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(
				time.Duration(attempt) * 50 * time.Millisecond,
			):
			case <-ctx.Done():
				return wire.ActorRef{}, wire.NewError(
					wire.KindActorNotFound,
					"lookup of %q cancelled: %v",
					uid, ctx.Err(),
				)
			}
		}

		ref, err := r.query(ctx, pool, uid)
		if err == nil {
			cache.Add(uid, ref)
			return ref, nil
		}
		lastErr = err

		// A definitive "not here" is not worth retrying.
		if wire.KindOf(err) == wire.KindActorNotFound {
			return wire.ActorRef{}, err
		}

		if wire.KindOf(err) == wire.KindPeerGone {
			r.Invalidate(pool)
		}
	}

	return wire.ActorRef{}, wire.NewError(
		wire.KindActorNotFound,
		"lookup of %q on %s failed after %d attempts: %v",
		uid, poolKey, r.cfg.Retries, lastErr,
	)
}

// query issues one index-server round trip.
func (r *Resolver) query(ctx context.Context, pool wire.Address,
	uid string) (wire.ActorRef, error) {

	env := &wire.Envelope{
		Kind: wire.KindSend,
		From: wire.ActorRef{
			Address: r.cfg.Router.PublicAddress().String(),
		},
		To: wire.ActorRef{
			UID:     IndexUID,
			Address: pool.Base().String(),
		},
		Payload: wire.EncodeTagged(LookupTag, []byte(uid)),
	}

	replyEnv, err := r.cfg.Router.Ask(ctx, env).Await(ctx).Unpack()
	if err != nil {
		return wire.ActorRef{}, err
	}

	reply, err := decodeLookupReply(replyEnv.Payload)
	if err != nil {
		return wire.ActorRef{}, err
	}
	if !reply.Found {
		return wire.ActorRef{}, wire.NewError(
			wire.KindActorNotFound,
			"no actor %q on pool %s", uid, pool.Base(),
		)
	}

	return wire.ActorRef{
		UID:          reply.UID,
		Address:      reply.Address,
		ProxyVersion: reply.ProxyVersion,
	}, nil
}

// Invalidate drops every cached ref for a pool, called on PeerGone.
func (r *Resolver) Invalidate(pool wire.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.caches, pool.Base().String())
}
