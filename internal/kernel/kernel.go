// Package kernel implements the per-process actor container: it owns
// actor instances, guarantees serial execution per actor, drives the
// message loop, runs lifecycle hooks, and isolates handler failures.
package kernel

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/semaphore"

	"github.com/roasbeef/xosc/internal/dispatch"
	"github.com/roasbeef/xosc/internal/router"
	"github.com/roasbeef/xosc/internal/wire"
)

// Defaults for kernel configuration.
const (
	DefaultInboxSize       = 1024
	DefaultWatchdogStrikes = 3
	DefaultDestroyTimeout  = 5 * time.Second
)

// Config holds kernel construction parameters.
type Config struct {
	// Router carries every envelope in and out of the process.
	Router *router.Router

	// Classes resolves class ids to constructors.
	Classes *ClassRegistry

	// Workers caps concurrent handler execution across actors.
	// Defaults to the CPU count.
	Workers int

	// BlockingWorkers caps the separate pool used by RunBlocking.
	// Defaults to twice Workers.
	BlockingWorkers int

	// InboxSize is the per-actor inbox capacity.
	InboxSize int

	// WatchdogTimeout bounds a single handler invocation; zero
	// disables the watchdog.
	WatchdogTimeout time.Duration

	// WatchdogStrikes is the number of consecutive overruns before an
	// actor is quarantined.
	WatchdogStrikes int

	// DestroyTimeout bounds OnDestroy hooks.
	DestroyTimeout time.Duration

	// DefaultCodecID stamps outbound envelopes built by Send and Tell.
	DefaultCodecID uint8

	// ProxyVersion stamps refs minted by this kernel. It is fixed for
	// the kernel's lifetime; the pool supervisor stamps the refs it
	// mints from its own per-sub-pool counter, bumped on sub-pool loss.
	ProxyVersion uint32
}

// Stats is a point-in-time snapshot of kernel state.
type Stats struct {
	// Actors is the number of live registered actors.
	Actors int

	// QueuedEnvelopes is the total inbox depth across actors.
	QueuedEnvelopes int

	// DeadLetters counts undeliverable envelopes since startup.
	DeadLetters uint64
}

// Kernel is the per-process actor container.
type Kernel struct {
	cfg    Config
	router *router.Router

	mu     sync.RWMutex
	actors map[string]*instance

	workerSem   *semaphore.Weighted
	blockingSem *semaphore.Weighted

	uidCounter  atomic.Uint64
	deadLetters atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a kernel and installs it as the router's dispatcher.
func New(cfg Config) *Kernel {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.BlockingWorkers <= 0 {
		cfg.BlockingWorkers = 2 * cfg.Workers
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.WatchdogStrikes <= 0 {
		cfg.WatchdogStrikes = DefaultWatchdogStrikes
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = DefaultDestroyTimeout
	}
	if cfg.Classes == nil {
		cfg.Classes = NewClassRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())

	k := &Kernel{
		cfg:         cfg,
		router:      cfg.Router,
		actors:      make(map[string]*instance),
		workerSem:   semaphore.NewWeighted(int64(cfg.Workers)),
		blockingSem: semaphore.NewWeighted(int64(cfg.BlockingWorkers)),
		ctx:         ctx,
		cancel:      cancel,
	}
	cfg.Router.SetDispatcher(k)

	return k
}

// Classes returns the kernel's class registry.
func (k *Kernel) Classes() *ClassRegistry {
	return k.cfg.Classes
}

// Stats returns a snapshot of kernel state.
func (k *Kernel) Stats() Stats {
	k.mu.RLock()
	defer k.mu.RUnlock()

	queued := 0
	for _, inst := range k.actors {
		queued += inst.mailbox.Len()
	}

	return Stats{
		Actors:          len(k.actors),
		QueuedEnvelopes: queued,
		DeadLetters:     k.deadLetters.Load(),
	}
}

// QueuedEnvelopes reports the total inbox depth, the load signal
// piggybacked on heartbeats.
func (k *Kernel) QueuedEnvelopes() int {
	k.mu.RLock()
	defer k.mu.RUnlock()

	queued := 0
	for _, inst := range k.actors {
		queued += inst.mailbox.Len()
	}

	return queued
}

// Shutdown stops every actor and waits for their loops to exit, bounded
// by the context deadline.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	instances := make([]*instance, 0, len(k.actors))
	for _, inst := range k.actors {
		instances = append(instances, inst)
	}
	k.actors = make(map[string]*instance)
	k.mu.Unlock()

	log.InfoS(ctx, "Kernel shutting down", "num_actors", len(instances))

	for _, inst := range instances {
		inst.stop()
	}

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		k.cancel()
		return nil

	case <-ctx.Done():
		k.cancel()
		log.ErrorS(ctx, "Kernel shutdown incomplete", ctx.Err())

		return ctx.Err()
	}
}

// CreateActor instantiates an actor of the given class in this process,
// runs OnCreate, registers it, and returns its ref. A uid collision fails
// with Duplicate; an omitted uid is allocated.
func (k *Kernel) CreateActor(ctx context.Context, classID string,
	initArgs []byte, uid fn.Option[string]) (wire.ActorRef, error) {

	name := uid.UnwrapOr("")
	if name == "" {
		name = fmt.Sprintf("actor-%d", k.uidCounter.Add(1))
	}
	if len(name) > wire.MaxUIDLen {
		return wire.ActorRef{}, wire.NewError(
			wire.KindProtocolError,
			"uid %q exceeds %d bytes", name, wire.MaxUIDLen,
		)
	}

	behavior, err := k.cfg.Classes.New(classID, initArgs)
	if err != nil {
		return wire.ActorRef{}, err
	}

	ref := wire.ActorRef{
		UID:          name,
		Address:      k.router.PublicAddress().String(),
		ProxyVersion: k.cfg.ProxyVersion,
	}
	inst := newInstance(k, name, ref, behavior)

	// Reserve the uid before OnCreate so concurrent creates of the
	// same uid cannot both win.
	k.mu.Lock()
	if _, exists := k.actors[name]; exists {
		k.mu.Unlock()
		return wire.ActorRef{}, wire.NewError(
			wire.KindDuplicate, "actor %q already exists", name,
		)
	}
	k.actors[name] = inst
	k.mu.Unlock()

	if creatable, ok := behavior.(Creatable); ok {
		if err := creatable.OnCreate(ctx); err != nil {
			// Discard the partially-initialized instance.
			k.deregister(name)
			inst.cancel()

			return wire.ActorRef{}, wire.AsError(err)
		}
	}

	inst.setState(StateRunning)
	k.wg.Add(1)
	go inst.run()

	log.DebugS(ctx, "Actor created",
		"uid", name, "class", classID)

	return ref, nil
}

// DestroyActor schedules a stop: the actor finishes its current message,
// works off its queue, runs OnDestroy and is deregistered. Destroying an
// unknown ref is a no-op.
func (k *Kernel) DestroyActor(ctx context.Context, ref wire.ActorRef) error {
	k.mu.RLock()
	inst, ok := k.actors[ref.UID]
	k.mu.RUnlock()

	if !ok {
		return nil
	}

	inst.stop()
	k.deregister(ref.UID)

	log.DebugS(ctx, "Actor destroy scheduled", "uid", ref.UID)

	return nil
}

// HasActor reports whether the uid is registered locally.
func (k *Kernel) HasActor(ref wire.ActorRef) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()

	_, ok := k.actors[ref.UID]

	return ok
}

// ActorUIDs returns the registered uids, the payload of index queries.
func (k *Kernel) ActorUIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	uids := make([]string, 0, len(k.actors))
	for uid := range k.actors {
		uids = append(uids, uid)
	}

	return uids
}

// deregister removes a uid from the registry.
func (k *Kernel) deregister(uid string) {
	k.mu.Lock()
	delete(k.actors, uid)
	k.mu.Unlock()
}

// Send issues a request to the destination actor and returns a future for
// the decoded reply body. A handler calling its own actor synchronously
// fails with Reentrancy rather than deadlocking its own inbox.
func (k *Kernel) Send(ctx context.Context, to wire.ActorRef, tag string,
	body []byte) dispatch.Future[[]byte] {

	if self, ok := SelfFromContext(ctx); ok && self.Equal(to) {
		return dispatch.CompletedFuture(fn.Err[[]byte](wire.NewError(
			wire.KindReentrancy,
			"actor %s sent to itself synchronously", self,
		)))
	}

	env := &wire.Envelope{
		Kind:    wire.KindSend,
		From:    k.originRef(ctx),
		To:      to,
		CodecID: k.cfg.DefaultCodecID,
		Payload: wire.EncodeTagged(tag, body),
	}
	if deadline, ok := ctx.Deadline(); ok {
		env.Deadline = deadline.UnixNano()
	}

	replies := k.router.Ask(ctx, env)

	// The waiter itself enforces the deadline, so the completion hook
	// runs on the background context: the future resolves with the
	// waiter's verdict (Reply, Error, Timeout, PeerGone), never a bare
	// context error.
	promise := dispatch.NewPromise[[]byte]()
	replies.OnComplete(context.Background(), func(res fn.Result[*wire.Envelope]) {
		reply, err := res.Unpack()
		if err != nil {
			promise.Complete(fn.Err[[]byte](err))
			return
		}

		promise.Complete(fn.Ok(reply.Payload))
	})

	return promise.Future()
}

// Tell fire-and-forgets a message; it returns once the envelope is
// enqueued toward the destination.
func (k *Kernel) Tell(ctx context.Context, to wire.ActorRef, tag string,
	body []byte) error {

	env := &wire.Envelope{
		Kind:    wire.KindTell,
		From:    k.originRef(ctx),
		To:      to,
		CodecID: k.cfg.DefaultCodecID,
		Payload: wire.EncodeTagged(tag, body),
	}

	return k.router.Tell(ctx, env)
}

// Await blocks a handler on a future. It is the kernel's cooperative
// suspension point: while suspended the handler's worker slot is
// released, so an actor awaiting a downstream call never starves other
// actors of execution (and cannot deadlock a small worker pool on a
// request chain). Outside a handler it is a plain Await.
func Await[T any](ctx context.Context, k *Kernel,
	f dispatch.Future[T]) fn.Result[T] {

	state := permitFromContext(ctx)
	if state == nil || !state.held {
		return f.Await(ctx)
	}

	state.held = false
	k.releaseWorker()

	res := f.Await(ctx)

	// Re-acquire before resuming handler execution. The actor context
	// only dies with the kernel, in which case resuming is moot.
	if err := k.acquireWorker(ctx); err != nil {
		return fn.Err[T](err)
	}
	state.held = true

	return res
}

// RunBlocking executes f on the dedicated blocking pool so long external
// calls cannot head-of-line block the handler workers.
func (k *Kernel) RunBlocking(ctx context.Context, f func() error) error {
	if err := k.blockingSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer k.blockingSem.Release(1)

	return f()
}

// originRef identifies the sender of an outbound envelope: the executing
// actor when called from a handler, otherwise an anonymous process ref.
func (k *Kernel) originRef(ctx context.Context) wire.ActorRef {
	if self, ok := SelfFromContext(ctx); ok {
		return self
	}

	return wire.ActorRef{
		Address:      k.router.PublicAddress().String(),
		ProxyVersion: k.cfg.ProxyVersion,
	}
}

func (k *Kernel) acquireWorker(ctx context.Context) error {
	return k.workerSem.Acquire(ctx, 1)
}

func (k *Kernel) releaseWorker() {
	k.workerSem.Release(1)
}

// Deliver implements router.Dispatcher: it routes one inbound envelope to
// the owning actor or answers it directly for kernel-level control.
func (k *Kernel) Deliver(env *wire.Envelope) {
	switch env.Kind {
	case wire.KindSend, wire.KindTell:
		k.deliverMessage(env)

	case wire.KindCancel:
		k.deliverCancel(env)

	case wire.KindControl:
		k.deliverControl(env)

	default:
		// Replies with no waiter land here; late replies after a
		// timeout are expected noise.
		log.TraceS(k.ctx, "Dropping unroutable envelope",
			"kind", env.Kind.String(), "envelope_id", env.ID)
	}
}

// deliverMessage enqueues a Send or Tell on the owning actor's inbox.
func (k *Kernel) deliverMessage(env *wire.Envelope) {
	k.mu.RLock()
	inst, ok := k.actors[env.To.UID]
	k.mu.RUnlock()

	if !ok {
		k.failInbound(env, wire.NewError(
			wire.KindActorNotFound, "no actor %q at %s",
			env.To.UID, k.router.LocalAddress(),
		))

		return
	}

	// Enqueue on the delivering goroutine: inbox admission order is
	// what FIFO-per-actor is defined over, so it must match channel
	// arrival order. A full inbox blocks here, which is exactly how
	// backpressure propagates to the channel.
	if !inst.enqueue(k.ctx, env) {
		k.failInbound(env, wire.NewError(
			wire.KindActorNotFound,
			"actor %q is %s", env.To.UID, inst.State(),
		))

		return
	}

	// An acknowledged Tell replies as soon as the envelope is
	// accepted, not when it executes.
	if env.Kind == wire.KindTell && env.Flags&wire.FlagTellAck != 0 {
		k.reply(env, nil)
	}
}

// deliverCancel propagates a Cancel to the owning actor.
func (k *Kernel) deliverCancel(env *wire.Envelope) {
	k.mu.RLock()
	inst, ok := k.actors[env.To.UID]
	k.mu.RUnlock()

	if !ok || env.Correlation == 0 {
		return
	}

	inst.markCancelled(env.Correlation)
}

// deliverControl answers kernel-level control envelopes: create, destroy,
// existence checks, and pool drain.
func (k *Kernel) deliverControl(env *wire.Envelope) {
	msg, err := wire.DecodeControl(env.Payload)
	if err != nil {
		k.failInbound(env, wire.AsError(err))
		return
	}

	switch msg.Op {
	case wire.ControlCreateActor:
		k.wg.Add(1)
		go func() {
			defer k.wg.Done()

			uid := fn.None[string]()
			if msg.UID != "" {
				uid = fn.Some(msg.UID)
			}

			ref, err := k.CreateActor(
				k.ctx, msg.ClassID, msg.InitArgs, uid,
			)
			if err != nil {
				k.failInbound(env, wire.AsError(err))
				return
			}

			k.reply(env, []byte(ref.UID))
		}()

	case wire.ControlDestroyActor, wire.ControlStop:
		if err := k.DestroyActor(k.ctx, env.To); err != nil {
			k.failInbound(env, wire.AsError(err))
			return
		}
		k.reply(env, nil)

	case wire.ControlHasActor:
		if k.HasActor(wire.ActorRef{UID: msg.UID}) {
			k.reply(env, []byte{1})
		} else {
			k.reply(env, []byte{0})
		}

	case wire.ControlDrain:
		// Drain is acknowledged only: the kernel keeps accepting
		// creates and messages, and queued work runs on. The
		// supervisor follows up with process shutdown.
		k.reply(env, nil)

	default:
		k.failInbound(env, wire.NewError(
			wire.KindProtocolError,
			"unexpected control op %q", msg.Op,
		))
	}
}

// reply sends a Reply envelope carrying the encoded body back to the
// requester. Envelopes without a reply path are silently complete.
func (k *Kernel) reply(env *wire.Envelope, body []byte) {
	if env.Correlation == 0 || env.From.IsZero() {
		return
	}

	k.replyRaw(env, body)
}

// replyRaw sends a Reply envelope with a preassembled payload.
func (k *Kernel) replyRaw(env *wire.Envelope, payload []byte) {
	if env.Correlation == 0 || env.From.IsZero() {
		return
	}

	out := &wire.Envelope{
		Kind:        wire.KindReply,
		To:          env.From,
		Correlation: env.Correlation,
		CodecID:     env.CodecID,
		Flags:       env.Flags & wire.FlagCodecBypass,
		Payload:     payload,
	}

	ctx, cancel := context.WithTimeout(k.ctx, 30*time.Second)
	defer cancel()

	if err := k.router.Send(ctx, out); err != nil {
		k.deadLetters.Add(1)
		log.DebugS(ctx, "Reply undeliverable",
			"to", env.From.String(), "err", err.Error())
	}
}

// replyError sends an Error envelope back to the requester.
func (k *Kernel) replyError(env *wire.Envelope, werr *wire.Error) {
	if env.Correlation == 0 || env.From.IsZero() {
		return
	}

	out := &wire.Envelope{
		Kind:        wire.KindError,
		To:          env.From,
		Correlation: env.Correlation,
		Payload:     wire.EncodeError(werr),
	}

	ctx, cancel := context.WithTimeout(k.ctx, 30*time.Second)
	defer cancel()

	if err := k.router.Send(ctx, out); err != nil {
		k.deadLetters.Add(1)
		log.DebugS(ctx, "Error reply undeliverable",
			"to", env.From.String(), "err", err.Error())
	}
}

// failInbound reports a delivery failure for an inbound envelope: Sends
// get an Error reply, everything else counts as a dead letter.
func (k *Kernel) failInbound(env *wire.Envelope, werr *wire.Error) {
	if env.Correlation != 0 && !env.From.IsZero() {
		k.replyError(env, werr)
		return
	}

	k.deadLetters.Add(1)
	log.DebugS(k.ctx, "Dead letter",
		"kind", env.Kind.String(),
		"to", env.To.String(),
		"reason", werr.Error())
}
