// Package pool implements the host-level pool supervisor: it spawns and
// monitors sub-process workers, routes inbound traffic by sub-pool index,
// places new actors across sub-pools, and drives graceful pool shutdown.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/xosc/internal/router"
	"github.com/roasbeef/xosc/internal/transport"
	"github.com/roasbeef/xosc/internal/wire"
)

// RestartPolicy selects what happens when a sub-pool dies.
type RestartPolicy string

const (
	// RestartNever leaves a dead sub-pool down.
	RestartNever RestartPolicy = "never"

	// RestartOnFailure respawns a dead sub-pool worker. Its actors are
	// not reconstituted; clients re-create.
	RestartOnFailure RestartPolicy = "on_failure"
)

// SubPoolStatus is the supervisor's view of one worker.
type SubPoolStatus uint32

const (
	// SubPoolStarting: spawned, control channel not yet open.
	SubPoolStarting SubPoolStatus = iota

	// SubPoolUp: control channel open and heartbeating.
	SubPoolUp

	// SubPoolDown: worker lost.
	SubPoolDown
)

// String returns the status name.
func (s SubPoolStatus) String() string {
	switch s {
	case SubPoolStarting:
		return "Starting"
	case SubPoolUp:
		return "Up"
	case SubPoolDown:
		return "Down"
	default:
		return "Unknown"
	}
}

// DefaultGracefulDeadline bounds drain during pool shutdown.
const DefaultGracefulDeadline = 30 * time.Second

// Config holds supervisor construction parameters.
type Config struct {
	// BaseAddress is the pool's public base address.
	BaseAddress wire.Address

	// SubAddresses are the workers' private endpoints, one per
	// sub-pool.
	SubAddresses []wire.Address

	// Router is the main process router, used for forwarding and
	// control round trips.
	Router *router.Router

	// Spawner launches workers.
	Spawner Spawner

	// Transport parameterizes the supervisor's control channels;
	// heartbeat settings here are the failure detector.
	Transport transport.Config

	// RestartPolicy selects crash handling.
	RestartPolicy RestartPolicy

	// GracefulDeadline bounds drain during shutdown.
	GracefulDeadline time.Duration

	// DefaultPolicy places actors when a create names none.
	DefaultPolicy Policy

	// LocalDirectory resolves uids hosted by the main process itself,
	// consulted when no sub-pool owns the uid. May be nil.
	LocalDirectory func(uid string) (wire.ActorRef, bool)
}

// subPool is the supervisor's record of one worker.
type subPool struct {
	idx     int
	private wire.Address
	public  wire.Address

	status atomic.Uint32

	mu     sync.Mutex
	handle Handle
	ctrl   transport.Channel

	proxyVersion atomic.Uint32
	restarts     atomic.Uint32
}

func (sp *subPool) setStatus(s SubPoolStatus) {
	sp.status.Store(uint32(s))
}

// Status returns the worker's current status.
func (sp *subPool) Status() SubPoolStatus {
	return SubPoolStatus(sp.status.Load())
}

// Supervisor owns a pool's worker processes and actor placement index.
type Supervisor struct {
	cfg Config

	subs []*subPool

	// mu guards actorIndex: uid to sub-pool index. An assignment is
	// stable for the actor's lifetime (I4).
	mu         sync.RWMutex
	actorIndex map[string]int

	draining atomic.Bool

	// shutdownRequested closes when a remote ShutdownPool control
	// arrives; the daemon watches it.
	shutdownRequested chan struct{}
	shutdownOnce      sync.Once

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor constructs a supervisor. Start launches the workers.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.GracefulDeadline <= 0 {
		cfg.GracefulDeadline = DefaultGracefulDeadline
	}
	if cfg.DefaultPolicy == nil {
		cfg.DefaultPolicy = NewRoundRobin()
	}

	s := &Supervisor{
		cfg:               cfg,
		actorIndex:        make(map[string]int),
		shutdownRequested: make(chan struct{}),
		quit:              make(chan struct{}),
	}

	for idx, private := range cfg.SubAddresses {
		s.subs = append(s.subs, &subPool{
			idx:     idx,
			private: private,
			public:  cfg.BaseAddress.WithSubPool(idx),
		})
	}

	return s
}

// NumSubPools returns the configured worker count.
func (s *Supervisor) NumSubPools() int {
	return len(s.subs)
}

// ShutdownRequested closes when a remote pool shutdown arrives.
func (s *Supervisor) ShutdownRequested() <-chan struct{} {
	return s.shutdownRequested
}

// Start spawns every worker and begins monitoring.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, sp := range s.subs {
		if err := s.spawn(ctx, sp); err != nil {
			return err
		}

		s.wg.Add(1)
		go s.monitor(sp)
	}

	log.InfoS(ctx, "Pool supervisor started",
		"base", s.cfg.BaseAddress.String(),
		"sub_pools", len(s.subs))

	return nil
}

// spawn launches one worker process.
func (s *Supervisor) spawn(ctx context.Context, sp *subPool) error {
	handle, err := s.cfg.Spawner.Spawn(ctx, sp.idx, sp.private, sp.public)
	if err != nil {
		return err
	}

	sp.mu.Lock()
	sp.handle = handle
	sp.mu.Unlock()
	sp.setStatus(SubPoolStarting)

	return nil
}

// connectCtrl dials the worker's control channel, retrying until the
// worker is up or the supervisor quits. The channel's heartbeat is the
// failure detector: two missed beats kill it.
func (s *Supervisor) connectCtrl(sp *subPool) (transport.Channel, error) {
	tcfg := s.cfg.Transport

	// The control channel announces a distinct identity so the worker
	// keys it separately from the router's data channel to the same
	// main process; otherwise the later of the two accepted channels
	// would evict the other.
	ctrlAddr := s.cfg.Router.LocalAddress()
	ctrlAddr.Host += "#ctrl"
	tcfg.LocalAddress = ctrlAddr
	tcfg.Dispatch = func(env *wire.Envelope, _ transport.Channel) {
		// The control channel carries only heartbeats; any data
		// envelope here is a peer bug.
		log.WarnS(context.Background(),
			"Unexpected envelope on control channel", nil,
			"kind", env.Kind.String(), "sub_pool", sp.idx)
	}

	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		ch, err := transport.Dial(ctx, &tcfg, sp.private)
		cancel()

		if err == nil {
			return ch, nil
		}

		delay := time.Duration(attempt+1) * 100 * time.Millisecond
		if delay > time.Second {
			delay = time.Second
		}

		select {
		case <-time.After(delay):
		case <-s.quit:
			return nil, wire.NewError(
				wire.KindSubPoolLost,
				"supervisor shutting down",
			)
		}
	}
}

// monitor owns one worker's lifecycle: bring up the control channel, wait
// for it to die, fail the worker's actors, and restart per policy.
func (s *Supervisor) monitor(sp *subPool) {
	defer s.wg.Done()

	for {
		ctrl, err := s.connectCtrl(sp)
		if err != nil {
			return
		}

		sp.mu.Lock()
		sp.ctrl = ctrl
		sp.mu.Unlock()
		sp.setStatus(SubPoolUp)

		log.InfoS(context.Background(), "Sub-pool up",
			"sub_pool", sp.idx,
			"addr", sp.private.String())

		select {
		case <-ctrl.Done():

		case <-s.quit:
			ctrl.Close(context.Background())
			return
		}

		// The worker missed its heartbeats or closed: mark it down,
		// fail its actors, and deregister their refs. State is not
		// reconstituted; clients re-create.
		sp.setStatus(SubPoolDown)
		sp.proxyVersion.Add(1)
		lost := s.dropActorsOn(sp.idx)

		log.ErrorS(context.Background(), "Sub-pool lost",
			wire.NewError(
				wire.KindSubPoolLost,
				"sub-pool %d heartbeat lost", sp.idx,
			),
			"sub_pool", sp.idx,
			"actors_lost", lost)

		if s.cfg.RestartPolicy != RestartOnFailure ||
			s.draining.Load() {

			return
		}

		// Reap the old process before respawning.
		sp.mu.Lock()
		if sp.handle != nil {
			sp.handle.Kill()
		}
		sp.mu.Unlock()

		select {
		case <-s.quit:
			return
		default:
		}

		if err := s.spawn(context.Background(), sp); err != nil {
			log.ErrorS(context.Background(),
				"Sub-pool restart failed", err,
				"sub_pool", sp.idx)

			return
		}
		sp.restarts.Add(1)
	}
}

// dropActorsOn removes every actor assigned to a sub-pool from the index,
// returning how many were lost.
func (s *Supervisor) dropActorsOn(idx int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	lost := 0
	for uid, assigned := range s.actorIndex {
		if assigned == idx {
			delete(s.actorIndex, uid)
			lost++
		}
	}

	return lost
}

// Loads snapshots the per-sub-pool queued-envelope counts piggybacked on
// control heartbeats; down sub-pools report -1.
func (s *Supervisor) Loads() []int {
	loads := make([]int, len(s.subs))
	for idx, sp := range s.subs {
		if sp.Status() != SubPoolUp {
			loads[idx] = -1
			continue
		}

		sp.mu.Lock()
		ctrl := sp.ctrl
		sp.mu.Unlock()

		if ctrl == nil {
			loads[idx] = -1
			continue
		}
		loads[idx] = ctrl.PeerLoad()
	}

	return loads
}

// CreateActor places and creates an actor on one of the sub-pools,
// returning its pool-addressed ref. The sub-pool assignment is recorded
// and stays stable for the actor's lifetime.
func (s *Supervisor) CreateActor(ctx context.Context, classID string,
	initArgs []byte, uid fn.Option[string],
	policy Policy) (wire.ActorRef, error) {

	if policy == nil {
		policy = s.cfg.DefaultPolicy
	}

	name := uid.UnwrapOr("")
	if name == "" {
		name = "actor-" + uuid.NewString()
	}

	s.mu.RLock()
	_, exists := s.actorIndex[name]
	s.mu.RUnlock()
	if exists {
		return wire.ActorRef{}, wire.NewError(
			wire.KindDuplicate, "actor %q already exists", name,
		)
	}

	idx := policy.Pick(name, len(s.subs), s.Loads())
	if idx < 0 || idx >= len(s.subs) {
		return wire.ActorRef{}, wire.NewError(
			wire.KindInternal,
			"placement policy %s picked invalid index %d",
			policy.Name(), idx,
		)
	}

	sp := s.subs[idx]
	if sp.Status() != SubPoolUp {
		return wire.ActorRef{}, wire.NewError(
			wire.KindSubPoolLost, "sub-pool %d is %s",
			idx, sp.Status(),
		)
	}

	payload, err := wire.EncodeControl(&wire.ControlMsg{
		Op:       wire.ControlCreateActor,
		ClassID:  classID,
		InitArgs: initArgs,
		UID:      name,
	})
	if err != nil {
		return wire.ActorRef{}, err
	}

	env := &wire.Envelope{
		Kind: wire.KindControl,
		From: wire.ActorRef{
			Address: s.cfg.Router.PublicAddress().String(),
		},
		To:      wire.ActorRef{Address: sp.public.String()},
		Payload: payload,
	}

	if _, err := s.cfg.Router.Ask(ctx, env).Await(ctx).Unpack(); err != nil {
		return wire.ActorRef{}, err
	}

	ref := wire.ActorRef{
		UID:          name,
		Address:      sp.public.String(),
		ProxyVersion: sp.proxyVersion.Load(),
	}

	s.mu.Lock()
	s.actorIndex[name] = idx
	s.mu.Unlock()

	log.DebugS(ctx, "Actor placed",
		"uid", name, "class", classID,
		"sub_pool", idx, "policy", policy.Name())

	return ref, nil
}

// DestroyActor destroys a pool-hosted actor and releases its assignment.
// Unknown refs are a no-op.
func (s *Supervisor) DestroyActor(ctx context.Context,
	ref wire.ActorRef) error {

	s.mu.RLock()
	idx, ok := s.actorIndex[ref.UID]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	sp := s.subs[idx]
	if sp.Status() == SubPoolUp {
		payload, err := wire.EncodeControl(&wire.ControlMsg{
			Op:  wire.ControlDestroyActor,
			UID: ref.UID,
		})
		if err != nil {
			return err
		}

		env := &wire.Envelope{
			Kind: wire.KindControl,
			From: wire.ActorRef{
				Address: s.cfg.Router.PublicAddress().String(),
			},
			To: wire.ActorRef{
				UID:     ref.UID,
				Address: sp.public.String(),
			},
			Payload: payload,
		}

		res := s.cfg.Router.Ask(ctx, env).Await(ctx)
		if _, err := res.Unpack(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	delete(s.actorIndex, ref.UID)
	s.mu.Unlock()

	return nil
}

// SubPoolOf reports the stable sub-pool assignment for a uid.
func (s *Supervisor) SubPoolOf(uid string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.actorIndex[uid]

	return idx, ok
}

// LookupUID implements the naming directory across the pool: sub-pool
// assignments first, then the main process's own actors.
func (s *Supervisor) LookupUID(uid string) (wire.ActorRef, bool) {
	s.mu.RLock()
	idx, ok := s.actorIndex[uid]
	s.mu.RUnlock()

	if ok {
		sp := s.subs[idx]
		return wire.ActorRef{
			UID:          uid,
			Address:      sp.public.String(),
			ProxyVersion: sp.proxyVersion.Load(),
		}, true
	}

	if s.cfg.LocalDirectory != nil {
		return s.cfg.LocalDirectory(uid)
	}

	return wire.ActorRef{}, false
}

// Forward routes an envelope addressed to pool/subpool/<i> onto the
// worker's private endpoint. Traffic for a down sub-pool fails with
// SubPoolLost.
func (s *Supervisor) Forward(env *wire.Envelope, addr wire.Address) {
	idx := addr.SubPool
	if idx < 0 || idx >= len(s.subs) {
		s.bounce(env, wire.NewError(
			wire.KindActorNotFound,
			"no sub-pool %d on %s", idx, s.cfg.BaseAddress,
		))

		return
	}

	sp := s.subs[idx]
	if sp.Status() != SubPoolUp {
		s.bounce(env, wire.NewError(
			wire.KindSubPoolLost, "sub-pool %d is %s",
			idx, sp.Status(),
		))

		return
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), 30*time.Second,
	)
	defer cancel()

	if err := s.cfg.Router.SendTo(ctx, sp.private, env); err != nil {
		s.bounce(env, wire.AsError(err))
	}
}

// bounce reports a forwarding failure to the requester when a reply path
// exists.
func (s *Supervisor) bounce(env *wire.Envelope, werr *wire.Error) {
	if env.Correlation == 0 || env.From.IsZero() {
		log.DebugS(context.Background(), "Dropping unforwardable envelope",
			"kind", env.Kind.String(),
			"to", env.To.String(),
			"reason", werr.Error())

		return
	}

	out := &wire.Envelope{
		Kind:        wire.KindError,
		To:          env.From,
		Correlation: env.Correlation,
		Payload:     wire.EncodeError(werr),
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer cancel()

	if err := s.cfg.Router.Send(ctx, out); err != nil {
		log.DebugS(ctx, "Bounce undeliverable",
			"to", env.From.String(), "err", err.Error())
	}
}

// RequestShutdown marks the pool as shutting down on behalf of a remote
// ShutdownPool control; the daemon observes ShutdownRequested.
func (s *Supervisor) RequestShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownRequested)
	})
}

// Shutdown drains the sub-pools, waits up to the graceful deadline, then
// forcibly terminates whatever remains.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.quitOnce.Do(func() { close(s.quit) })

	deadline := time.Now().Add(s.cfg.GracefulDeadline)

	// Broadcast drain to every live worker.
	for _, sp := range s.subs {
		if sp.Status() != SubPoolUp {
			continue
		}

		payload, err := wire.EncodeControl(&wire.ControlMsg{
			Op: wire.ControlDrain,
		})
		if err != nil {
			continue
		}

		drainCtx, cancel := context.WithDeadline(ctx, deadline)
		env := &wire.Envelope{
			Kind: wire.KindControl,
			From: wire.ActorRef{
				Address: s.cfg.Router.PublicAddress().String(),
			},
			To:      wire.ActorRef{Address: sp.public.String()},
			Payload: payload,
		}
		s.cfg.Router.Ask(drainCtx, env).Await(drainCtx)
		cancel()
	}

	// Give the workers the rest of the deadline, then kill.
	var killWg sync.WaitGroup
	for _, sp := range s.subs {
		sp.mu.Lock()
		handle, ctrl := sp.handle, sp.ctrl
		sp.mu.Unlock()

		if ctrl != nil {
			closeCtx, cancel := context.WithDeadline(ctx, deadline)
			ctrl.Close(closeCtx)
			cancel()
		}
		if handle == nil {
			continue
		}

		killWg.Add(1)
		go func(h Handle) {
			defer killWg.Done()

			done := make(chan struct{})
			go func() {
				h.Wait()
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(time.Until(deadline)):
				h.Kill()
			}
		}(handle)
	}
	killWg.Wait()

	s.wg.Wait()

	log.InfoS(ctx, "Pool supervisor stopped",
		"base", s.cfg.BaseAddress.String())

	return nil
}
