// Package router implements the per-process dispatch singleton: it owns
// the table of channels to peers, multiplexes outbound envelopes,
// demultiplexes inbound envelopes to the reply-waiter registry or the
// actor kernel, and drives reconnection with backoff.
package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/xosc/internal/dispatch"
	"github.com/roasbeef/xosc/internal/transport"
	"github.com/roasbeef/xosc/internal/wire"
)

// Reconnect schedule: exponential from 100ms to a 10s cap with full
// jitter, bounded overall by the configured deadline.
const (
	reconnectBase = 100 * time.Millisecond
	reconnectCap  = 10 * time.Second

	// DefaultReconnectDeadline bounds how long sends retry a dead
	// route before failing fast.
	DefaultReconnectDeadline = 30 * time.Second

	// DefaultIdleTimeout tears down channels with no traffic.
	DefaultIdleTimeout = 5 * time.Minute
)

// Dispatcher receives inbound envelopes that are not replies: Send, Tell,
// Cancel and kernel-level Control traffic.
type Dispatcher interface {
	// Deliver hands one inbound envelope to the kernel. The kernel
	// responds, if at all, by sending reply envelopes back through the
	// router.
	Deliver(env *wire.Envelope)
}

// Config holds router construction parameters.
type Config struct {
	// LocalAddress is this process's listen address.
	LocalAddress wire.Address

	// PublicAddress is the externally visible address of this process
	// when it differs from LocalAddress: a sub-pool worker listens on a
	// private endpoint but is addressed as pool/subpool/<i>. Zero means
	// LocalAddress is public.
	PublicAddress wire.Address

	// Transport carries the per-process channel parameters. The
	// router installs its own Dispatch and OnAccepted hooks.
	Transport transport.Config

	// ReconnectDeadline bounds connect retries per route.
	ReconnectDeadline time.Duration

	// IdleTimeout tears down channels with no traffic. Zero applies
	// the default; negative disables teardown.
	IdleTimeout time.Duration
}

// Stats is a point-in-time snapshot of router state.
type Stats struct {
	// OpenChannels is the number of live channels in the table.
	OpenChannels int

	// PendingReplies is the number of in-flight Sends.
	PendingReplies int

	// StaleRoutes is the number of routes currently failing fast.
	StaleRoutes int
}

// waiter tracks one in-flight Send until its reply, error, timeout or
// cancellation (I2: registered before the envelope leaves the process,
// cleared exactly once).
type waiter struct {
	correlation uint64
	routeKey    string
	to          wire.ActorRef
	promise     *dispatch.Promise[*wire.Envelope]
	timer       *time.Timer
}

// Router is the per-process dispatch singleton.
type Router struct {
	cfg  Config
	tcfg transport.Config

	mu       sync.RWMutex
	channels map[string]transport.Channel

	// connecting coordinates concurrent dial attempts per route.
	connecting map[string]chan struct{}

	// stale marks routes whose reconnect deadline expired; sends fail
	// immediately until a lookup refreshes the route.
	stale map[string]struct{}

	waiterMu sync.Mutex
	waiters  map[uint64]*waiter

	nextCorr  atomic.Uint64
	nextEnvID atomic.Uint64

	dispatcher atomic.Pointer[Dispatcher]

	listener transport.Listener

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a router. Start must be called before use.
func New(cfg Config) *Router {
	if cfg.ReconnectDeadline <= 0 {
		cfg.ReconnectDeadline = DefaultReconnectDeadline
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	r := &Router{
		cfg:        cfg,
		tcfg:       cfg.Transport,
		channels:   make(map[string]transport.Channel),
		connecting: make(map[string]chan struct{}),
		stale:      make(map[string]struct{}),
		waiters:    make(map[uint64]*waiter),
		quit:       make(chan struct{}),
	}
	r.tcfg.LocalAddress = cfg.LocalAddress
	r.tcfg.Dispatch = r.dispatchInbound
	r.tcfg.OnAccepted = r.adoptChannel

	return r
}

// SetDispatcher wires the kernel in after construction.
func (r *Router) SetDispatcher(d Dispatcher) {
	r.dispatcher.Store(&d)
}

// Start binds the local listener and launches housekeeping.
func (r *Router) Start() error {
	ln, err := transport.Listen(&r.tcfg, r.cfg.LocalAddress)
	if err != nil {
		return err
	}
	r.listener = ln

	// Adopt the bound address: a tcp://host:0 listen resolves to the
	// assigned port, and handshakes must announce the real endpoint.
	r.cfg.LocalAddress = ln.Addr()
	r.tcfg.LocalAddress = ln.Addr()

	if r.cfg.IdleTimeout > 0 {
		r.wg.Add(1)
		go r.idleReaper()
	}

	log.InfoS(context.Background(), "Router started",
		"addr", r.cfg.LocalAddress.String())

	return nil
}

// Stop closes the listener and all channels, failing in-flight waiters.
func (r *Router) Stop(ctx context.Context) error {
	r.quitOnce.Do(func() { close(r.quit) })

	if r.listener != nil {
		r.listener.Close()
	}

	r.mu.Lock()
	channels := make([]transport.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.channels = make(map[string]transport.Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Close(ctx)
	}

	r.failAllWaiters(wire.NewError(
		wire.KindPeerGone, "router shutting down",
	))
	r.wg.Wait()

	return nil
}

// NextEnvelopeID allocates a process-unique envelope id.
func (r *Router) NextEnvelopeID() uint64 {
	return r.nextEnvID.Add(1)
}

// LocalAddress returns the router's listen address.
func (r *Router) LocalAddress() wire.Address {
	return r.cfg.LocalAddress
}

// PublicAddress returns the address peers use to reach this process: the
// configured public alias if any, else the listen address. Refs minted
// here carry this address.
func (r *Router) PublicAddress() wire.Address {
	if r.cfg.PublicAddress.Host != "" {
		return r.cfg.PublicAddress
	}

	return r.cfg.LocalAddress
}

// SendTo routes an envelope via an explicit next-hop address instead of
// the envelope's destination, used by the pool supervisor to forward
// sub-pool traffic to the worker's private endpoint.
func (r *Router) SendTo(ctx context.Context, addr wire.Address,
	env *wire.Envelope) error {

	if env.ID == 0 {
		env.ID = r.NextEnvelopeID()
	}

	return r.route(ctx, addr, env)
}

// Stats returns a snapshot of router state.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	open, staleCount := len(r.channels), len(r.stale)
	r.mu.RUnlock()

	r.waiterMu.Lock()
	pending := len(r.waiters)
	r.waiterMu.Unlock()

	return Stats{
		OpenChannels:   open,
		PendingReplies: pending,
		StaleRoutes:    staleCount,
	}
}

// isLocal reports whether the destination address is this process: its
// listen address, or its public alias including the sub-pool index.
func (r *Router) isLocal(addr wire.Address) bool {
	local := r.cfg.LocalAddress.Base()
	if addr.Scheme == local.Scheme && addr.Host == local.Host {
		return true
	}

	pub := r.cfg.PublicAddress
	if pub.Host == "" {
		return false
	}

	return addr.Scheme == pub.Scheme && addr.Host == pub.Host &&
		addr.SubPool == pub.SubPool
}

// Ask sends a Send envelope and returns a future for the correlated reply.
// The waiter is registered before the envelope leaves the process; it is
// cleared exactly once by reply, error, timeout or cancel. On timeout the
// caller observes Error(Timeout) and a Cancel envelope chases the request.
func (r *Router) Ask(ctx context.Context,
	env *wire.Envelope) dispatch.Future[*wire.Envelope] {

	promise := dispatch.NewPromise[*wire.Envelope]()

	addr, err := wire.ParseAddress(env.To.Address)
	if err != nil {
		promise.Complete(fn.Err[*wire.Envelope](err))
		return promise.Future()
	}

	// Control requests (create, drain, index queries) ride Ask too, so
	// only default the kind.
	if env.Kind == 0 {
		env.Kind = wire.KindSend
	}
	if env.ID == 0 {
		env.ID = r.NextEnvelopeID()
	}
	env.Correlation = r.nextCorr.Add(1)

	w := &waiter{
		correlation: env.Correlation,
		routeKey:    addr.Base().String(),
		to:          env.To,
		promise:     promise,
	}

	// Honor the earlier of the envelope deadline and the context
	// deadline.
	expiry, hasExpiry := env.ExpiresAt()
	if ctxDeadline, ok := ctx.Deadline(); ok {
		if !hasExpiry || ctxDeadline.Before(expiry) {
			expiry, hasExpiry = ctxDeadline, true
		}
	}
	if hasExpiry {
		env.Deadline = expiry.UnixNano()
		w.timer = time.AfterFunc(
			time.Until(expiry), func() { r.expireWaiter(w) },
		)
	}

	r.waiterMu.Lock()
	r.waiters[env.Correlation] = w
	r.waiterMu.Unlock()

	if err := r.route(ctx, addr, env); err != nil {
		r.completeWaiter(env.Correlation, fn.Err[*wire.Envelope](err))
	}

	return promise.Future()
}

// Tell sends a fire-and-forget envelope. It returns once the envelope is
// enqueued on the channel.
func (r *Router) Tell(ctx context.Context, env *wire.Envelope) error {
	addr, err := wire.ParseAddress(env.To.Address)
	if err != nil {
		return err
	}

	env.Kind = wire.KindTell
	if env.ID == 0 {
		env.ID = r.NextEnvelopeID()
	}

	return r.route(ctx, addr, env)
}

// Send routes an already-formed envelope: replies, errors, cancels and
// control traffic.
func (r *Router) Send(ctx context.Context, env *wire.Envelope) error {
	addr, err := wire.ParseAddress(env.To.Address)
	if err != nil {
		return err
	}
	if env.ID == 0 {
		env.ID = r.NextEnvelopeID()
	}

	return r.route(ctx, addr, env)
}

// route places the envelope on the channel for the destination, dialing
// lazily. Local destinations short-circuit through the inbound path.
func (r *Router) route(ctx context.Context, addr wire.Address,
	env *wire.Envelope) error {

	if r.isLocal(addr) {
		r.deliverLocal(env)
		return nil
	}

	ch, err := r.channelFor(ctx, addr)
	if err != nil {
		return err
	}

	return ch.Send(ctx, env)
}

// deliverLocal feeds an envelope through the same inbound demux remote
// envelopes take, so local and remote calls share one code path.
func (r *Router) deliverLocal(env *wire.Envelope) {
	r.dispatchInbound(env, nil)
}

// dispatchInbound demultiplexes one inbound envelope: correlated replies
// and errors complete their waiter, everything else goes to the kernel.
func (r *Router) dispatchInbound(env *wire.Envelope, _ transport.Channel) {
	switch env.Kind {
	case wire.KindReply:
		if env.Correlation != 0 {
			r.completeWaiter(
				env.Correlation,
				fn.Ok(env),
			)

			return
		}

	case wire.KindError:
		if env.Correlation != 0 {
			werr, err := wire.DecodeError(env.Payload)
			if err != nil {
				werr = wire.NewError(
					wire.KindProtocolError,
					"undecodable error payload",
				)
			}
			r.completeWaiter(
				env.Correlation,
				fn.Err[*wire.Envelope](werr),
			)

			return
		}
	}

	if d := r.dispatcher.Load(); d != nil {
		(*d).Deliver(env)
		return
	}

	log.WarnS(context.Background(), "Inbound envelope with no dispatcher",
		nil, "kind", env.Kind.String(), "to", env.To.String())
}

// adoptChannel registers a listener-accepted channel in the table so
// replies and follow-up sends reuse it.
func (r *Router) adoptChannel(ch transport.Channel) {
	key := ch.RemoteAddr().String()

	r.mu.Lock()
	prev, hadPrev := r.channels[key]
	r.channels[key] = ch
	delete(r.stale, key)
	r.mu.Unlock()

	if hadPrev {
		prev.Kill(nil)
	}

	r.wg.Add(1)
	go r.watchChannel(key, ch)
}

// channelFor returns an open channel for the route, dialing with backoff
// if none exists. Routes past their reconnect deadline fail immediately
// until refreshed.
func (r *Router) channelFor(ctx context.Context,
	addr wire.Address) (transport.Channel, error) {

	key := addr.Base().String()

	for {
		r.mu.Lock()
		if ch, ok := r.channels[key]; ok {
			r.mu.Unlock()
			return ch, nil
		}
		if _, isStale := r.stale[key]; isStale {
			r.mu.Unlock()
			return nil, wire.NewError(
				wire.KindPeerGone,
				"route to %s is stale; awaiting refresh", key,
			)
		}

		if waitCh, inFlight := r.connecting[key]; inFlight {
			r.mu.Unlock()

			// Another sender owns the dial; wait for it.
			select {
			case <-waitCh:
				continue
			case <-ctx.Done():
				return nil, wire.NewError(
					wire.KindPeerGone,
					"connect to %s: %v", key, ctx.Err(),
				)
			case <-r.quit:
				return nil, wire.NewError(
					wire.KindPeerGone,
					"router shutting down",
				)
			}
		}

		waitCh := make(chan struct{})
		r.connecting[key] = waitCh
		r.mu.Unlock()

		ch, err := r.dialWithBackoff(ctx, addr)

		r.mu.Lock()
		delete(r.connecting, key)
		if err == nil {
			r.channels[key] = ch
			delete(r.stale, key)
		} else if ctx.Err() == nil {
			// The route itself is bad, not the caller: fail fast
			// until a lookup refreshes it.
			r.stale[key] = struct{}{}
		}
		r.mu.Unlock()
		close(waitCh)

		if err != nil {
			return nil, err
		}

		r.wg.Add(1)
		go r.watchChannel(key, ch)

		return ch, nil
	}
}

// dialWithBackoff retries the connect on an exponential schedule with full
// jitter until it succeeds or the reconnect deadline expires.
func (r *Router) dialWithBackoff(ctx context.Context,
	addr wire.Address) (transport.Channel, error) {

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectBase
	policy.MaxInterval = reconnectCap
	policy.RandomizationFactor = 1
	policy.MaxElapsedTime = r.cfg.ReconnectDeadline
	policy.Reset()

	var lastErr error
	for {
		ch, err := transport.Dial(ctx, &r.tcfg, addr)
		if err == nil {
			return ch, nil
		}
		lastErr = err

		next := policy.NextBackOff()
		if next == backoff.Stop {
			break
		}

		log.DebugS(ctx, "Connect failed, backing off",
			"peer", addr.String(),
			"retry_in", next.String())

		select {
		case <-time.After(next):
		case <-ctx.Done():
			return nil, wire.NewError(
				wire.KindPeerGone, "connect to %s: %v",
				addr, ctx.Err(),
			)
		case <-r.quit:
			return nil, wire.NewError(
				wire.KindPeerGone, "router shutting down",
			)
		}
	}

	return nil, wire.NewError(
		wire.KindPeerGone,
		"connect to %s failed past reconnect deadline: %v",
		addr, lastErr,
	)
}

// MarkRouteFresh clears the fail-fast flag for a route. The lookup layer
// calls this after an external resolution refreshes the address.
func (r *Router) MarkRouteFresh(addr wire.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.stale, addr.Base().String())
}

// watchChannel removes a dead channel from the table and fails every
// waiter routed over it with PeerGone.
func (r *Router) watchChannel(key string, ch transport.Channel) {
	defer r.wg.Done()

	select {
	case <-ch.Done():
	case <-r.quit:
		return
	}

	r.mu.Lock()
	if r.channels[key] == ch {
		delete(r.channels, key)
	}
	r.mu.Unlock()

	err := ch.Err()
	if err == nil {
		// Clean close: nothing to fail.
		return
	}

	r.failWaitersOnRoute(key, wire.AsError(err))
}

// failWaitersOnRoute completes every waiter on the given route with the
// error.
func (r *Router) failWaitersOnRoute(key string, werr *wire.Error) {
	r.waiterMu.Lock()
	var doomed []*waiter
	for _, w := range r.waiters {
		if w.routeKey == key {
			doomed = append(doomed, w)
		}
	}
	for _, w := range doomed {
		delete(r.waiters, w.correlation)
	}
	r.waiterMu.Unlock()

	for _, w := range doomed {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.promise.Complete(fn.Err[*wire.Envelope](werr))
	}

	if len(doomed) > 0 {
		log.InfoS(context.Background(),
			"Failed in-flight requests on dead route",
			"route", key, "count", len(doomed),
			"kind", werr.Kind.String())
	}
}

// failAllWaiters fails every in-flight request, used at shutdown.
func (r *Router) failAllWaiters(werr *wire.Error) {
	r.waiterMu.Lock()
	doomed := make([]*waiter, 0, len(r.waiters))
	for _, w := range r.waiters {
		doomed = append(doomed, w)
	}
	r.waiters = make(map[uint64]*waiter)
	r.waiterMu.Unlock()

	for _, w := range doomed {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.promise.Complete(fn.Err[*wire.Envelope](werr))
	}
}

// completeWaiter resolves and clears one waiter. Late or duplicate
// completions are ignored: the waiter is cleared exactly once.
func (r *Router) completeWaiter(correlation uint64,
	result fn.Result[*wire.Envelope]) {

	r.waiterMu.Lock()
	w, ok := r.waiters[correlation]
	if ok {
		delete(r.waiters, correlation)
	}
	r.waiterMu.Unlock()

	if !ok {
		return
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.promise.Complete(result)
}

// expireWaiter times out one in-flight request: the caller observes
// Error(Timeout) and a Cancel envelope chases the request so the
// destination can drop it if it has not started executing.
func (r *Router) expireWaiter(w *waiter) {
	r.waiterMu.Lock()
	_, live := r.waiters[w.correlation]
	if live {
		delete(r.waiters, w.correlation)
	}
	r.waiterMu.Unlock()

	if !live {
		return
	}

	w.promise.Complete(fn.Err[*wire.Envelope](wire.NewError(
		wire.KindTimeout, "request to %s timed out", w.to,
	)))

	cancel := &wire.Envelope{
		ID:          r.NextEnvelopeID(),
		Kind:        wire.KindCancel,
		To:          w.to,
		Correlation: w.correlation,
	}

	ctx, cancelFn := context.WithTimeout(
		context.Background(), 5*time.Second,
	)
	defer cancelFn()

	if err := r.Send(ctx, cancel); err != nil {
		log.DebugS(ctx, "Cancel chase failed",
			"to", w.to.String(), "err", err.Error())
	}
}

// idleReaper tears down channels with no traffic past the idle timeout.
func (r *Router) idleReaper() {
	defer r.wg.Done()

	interval := r.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-r.cfg.IdleTimeout)

			r.mu.Lock()
			var idle []transport.Channel
			for key, ch := range r.channels {
				if ch.LastActivity().Before(cutoff) {
					idle = append(idle, ch)
					delete(r.channels, key)
				}
			}
			r.mu.Unlock()

			for _, ch := range idle {
				go func(ch transport.Channel) {
					ctx, cancel := context.WithTimeout(
						context.Background(),
						10*time.Second,
					)
					defer cancel()

					log.DebugS(ctx, "Closing idle channel",
						"peer", ch.RemoteAddr().String())
					ch.Close(ctx)
				}(ch)
			}

		case <-r.quit:
			return
		}
	}
}
