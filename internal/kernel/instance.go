package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/xosc/internal/wire"
)

// ActorState is the lifecycle state of an actor instance.
type ActorState uint32

const (
	// StateCreating: constructor and OnCreate running.
	StateCreating ActorState = iota

	// StateRunning: processing messages.
	StateRunning

	// StateStopping: draining ahead of OnDestroy.
	StateStopping

	// StateStopped: terminal, deregistered.
	StateStopped

	// StateFailed: quarantined after repeated handler overruns.
	StateFailed
)

// String returns the state name.
func (s ActorState) String() string {
	switch s {
	case StateCreating:
		return "Creating"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// instance is one owned actor: its behavior, inbox and process loop. The
// loop is the only goroutine that executes handlers, which is what makes
// per-actor execution serial (I1); parallelism across actors is bounded by
// the kernel's worker semaphore.
type instance struct {
	uid      string
	ref      wire.ActorRef
	behavior Behavior
	handlers HandlerTable
	mailbox  *mailbox
	kernel   *Kernel

	stateMu sync.Mutex
	state   ActorState

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once

	// cancelledMu guards the set of correlation ids cancelled before
	// their envelope was dequeued, and the cancel hook of the message
	// currently executing.
	cancelledMu sync.Mutex
	cancelled   map[uint64]struct{}
	curCorr     uint64
	curCancel   context.CancelFunc

	// strikes counts consecutive watchdog overruns for quarantine.
	strikes int
}

func newInstance(k *Kernel, uid string, ref wire.ActorRef,
	behavior Behavior) *instance {

	ctx, cancel := context.WithCancel(k.ctx)

	return &instance{
		uid:       uid,
		ref:       ref,
		behavior:  behavior,
		handlers:  behavior.Handlers(),
		mailbox:   newMailbox(ctx, k.cfg.InboxSize),
		kernel:    k,
		ctx:       ctx,
		cancel:    cancel,
		cancelled: make(map[uint64]struct{}),
	}
}

// State returns the instance's lifecycle state.
func (a *instance) State() ActorState {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	return a.state
}

func (a *instance) setState(s ActorState) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
}

// enqueue places an inbound envelope on the inbox. Control stop envelopes
// are accepted in every live state; everything else requires Running.
func (a *instance) enqueue(ctx context.Context, env *wire.Envelope) bool {
	switch a.State() {
	case StateRunning:

	case StateStopping, StateCreating:
		if env.Kind != wire.KindControl {
			return false
		}

	default:
		return false
	}

	return a.mailbox.Send(ctx, env)
}

// markCancelled records a Cancel for a correlation id. If the message is
// currently executing, its context cancels so the handler observes it at
// the next suspension point; if it is still queued, it will be dropped at
// dequeue.
func (a *instance) markCancelled(correlation uint64) {
	a.cancelledMu.Lock()
	defer a.cancelledMu.Unlock()

	if a.curCorr == correlation && a.curCancel != nil {
		a.curCancel()
		return
	}

	a.cancelled[correlation] = struct{}{}
}

// takeCancelled consumes a pending cancellation mark for a correlation.
func (a *instance) takeCancelled(correlation uint64) bool {
	if correlation == 0 {
		return false
	}

	a.cancelledMu.Lock()
	defer a.cancelledMu.Unlock()

	if _, ok := a.cancelled[correlation]; ok {
		delete(a.cancelled, correlation)
		return true
	}

	return false
}

// stop triggers the drain-and-destroy sequence. Idempotent.
func (a *instance) stop() {
	a.stopOnce.Do(func() {
		a.setState(StateStopping)
		a.mailbox.Close()
	})
}

// run is the actor's process loop. Messages are handled strictly one at a
// time; the worker semaphore bounds how many actors execute concurrently.
func (a *instance) run() {
	defer a.kernel.wg.Done()

	for env := range a.mailbox.Receive(a.ctx) {
		a.step(env)

		if a.State() == StateStopping {
			break
		}
	}

	// Either the mailbox closed (graceful stop) or the kernel is
	// shutting down. Work off what is still queued, then destroy.
	a.mailbox.Close()
	for env := range a.mailbox.Drain() {
		if a.State() == StateFailed {
			a.failEnvelope(env, wire.NewError(
				wire.KindActorFailed,
				"actor %s quarantined", a.uid,
			))

			continue
		}

		a.step(env)
	}

	a.runDestroyHook()

	if a.State() != StateFailed {
		a.setState(StateStopped)
	}
	a.cancel()

	log.DebugS(a.ctx, "Actor terminated",
		"uid", a.uid, "state", a.State().String())
}

// runDestroyHook invokes OnDestroy with a bounded context. Errors are
// logged and destruction proceeds.
func (a *instance) runDestroyHook() {
	stoppable, ok := a.behavior.(Stoppable)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), a.kernel.cfg.DestroyTimeout,
	)
	defer cancel()

	if err := stoppable.OnDestroy(ctx); err != nil {
		log.WarnS(ctx, "Actor destroy hook failed", err,
			"uid", a.uid)
	}
}

// step executes one envelope under the kernel's worker cap.
func (a *instance) step(env *wire.Envelope) {
	// Dropped by a Cancel that raced ahead of the message.
	if a.takeCancelled(env.Correlation) {
		log.TraceS(a.ctx, "Dropping cancelled envelope",
			"uid", a.uid, "correlation", env.Correlation)

		return
	}

	// A deadline that lapsed while queued: the caller's waiter has
	// already timed out, so executing would be wasted work.
	if env.Expired(time.Now()) {
		log.TraceS(a.ctx, "Dropping expired envelope",
			"uid", a.uid, "envelope_id", env.ID)

		return
	}

	if env.Kind == wire.KindControl {
		a.stepControl(env)
		return
	}

	if err := a.kernel.acquireWorker(a.ctx); err != nil {
		return
	}

	// The handler may give its worker slot back at a suspension point
	// (kernel.Await); only release what is still held afterwards.
	permits := &permitState{held: true}
	defer func() {
		if permits.held {
			a.kernel.releaseWorker()
		}
	}()

	// Build the per-message context: actor lifecycle plus the caller's
	// deadline, cancellable by a chasing Cancel envelope.
	var (
		msgCtx context.Context
		cancel context.CancelFunc
	)
	if expiry, ok := env.ExpiresAt(); ok {
		msgCtx, cancel = context.WithDeadline(a.ctx, expiry)
	} else {
		msgCtx, cancel = context.WithCancel(a.ctx)
	}
	msgCtx = WithSelf(msgCtx, a.ref)
	msgCtx = withPermit(msgCtx, permits)

	a.cancelledMu.Lock()
	a.curCorr, a.curCancel = env.Correlation, cancel
	a.cancelledMu.Unlock()

	defer func() {
		a.cancelledMu.Lock()
		a.curCorr, a.curCancel = 0, nil
		a.cancelledMu.Unlock()
		cancel()
	}()

	watchdogFired := a.withWatchdog(env, func() {
		if env.Flags&wire.FlagBatch != 0 {
			a.stepBatch(msgCtx, env)
		} else {
			a.stepSingle(msgCtx, env)
		}
	})

	if watchdogFired {
		a.strikes++
		if a.strikes >= a.kernel.cfg.WatchdogStrikes {
			a.quarantine()
		}
	} else {
		a.strikes = 0
	}
}

// withWatchdog runs the step, reporting Timeout to the caller if it
// overruns the per-message watchdog while still letting the step finish.
// It returns true when the watchdog fired.
func (a *instance) withWatchdog(env *wire.Envelope, step func()) bool {
	timeout := a.kernel.cfg.WatchdogTimeout
	if timeout <= 0 {
		step()
		return false
	}

	fired := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		close(fired)

		if env.Kind == wire.KindSend {
			a.kernel.replyError(env, wire.NewError(
				wire.KindTimeout,
				"handler on %s exceeded watchdog %s",
				a.uid, timeout,
			))
		}

		log.WarnS(a.ctx, "Handler watchdog fired", nil,
			"uid", a.uid, "envelope_id", env.ID)
	})
	defer timer.Stop()

	step()

	select {
	case <-fired:
		return true
	default:
		return false
	}
}

// quarantine moves the actor to Failed, invalidates its registration, and
// lets the drain loop fail the remaining inbox with ActorFailed.
func (a *instance) quarantine() {
	log.ErrorS(a.ctx, "Quarantining actor after repeated overruns",
		nil, "uid", a.uid, "strikes", a.strikes)

	a.setState(StateFailed)
	a.mailbox.Close()
	a.kernel.deregister(a.uid)
}

// stepSingle dispatches one non-batch message to its handler.
func (a *instance) stepSingle(ctx context.Context, env *wire.Envelope) {
	result := a.invoke(ctx, env, env.Payload)

	reply, err := result.Unpack()
	switch env.Kind {
	case wire.KindSend:
		if err != nil {
			a.kernel.replyError(env, wire.AsError(err))
			return
		}
		a.kernel.reply(env, reply)

	case wire.KindTell:
		// Tell failures are logged, never surfaced (at-most-once).
		if err != nil {
			log.InfoS(ctx, "Tell handler failed",
				"uid", a.uid, "err", err.Error())
		}
	}
}

// stepBatch dispatches a coalesced batch: sub-calls run in order, a
// failure never aborts the items after it, and cancellation stops the
// items that have not begun executing.
func (a *instance) stepBatch(ctx context.Context, env *wire.Envelope) {
	items, err := wire.DecodeBatch(env.Payload)
	if err != nil {
		if env.Kind == wire.KindSend {
			a.kernel.replyError(env, wire.AsError(err))
		}

		return
	}

	results := make([]wire.BatchResult, 0, len(items))
	for _, item := range items {
		if ctx.Err() != nil {
			results = append(results, wire.BatchResult{
				Err: wire.NewError(
					wire.KindCancelled,
					"batch cancelled before item ran",
				),
			})

			continue
		}

		reply, err := a.invoke(ctx, env, item).Unpack()
		if err != nil {
			results = append(results, wire.BatchResult{
				Err: wire.AsError(err),
			})

			continue
		}

		results = append(results, wire.BatchResult{Payload: reply})
	}

	if env.Kind == wire.KindSend {
		a.kernel.replyRaw(env, wire.EncodeBatchResults(results))
	}
}

// invoke decodes the tag prefix and runs the matching handler, converting
// panics into Internal errors so a buggy handler never takes down the
// process.
func (a *instance) invoke(ctx context.Context, env *wire.Envelope,
	payload []byte) (result fn.Result[[]byte]) {

	tag, body, err := wire.DecodeTagged(payload)
	if err != nil {
		return fn.Err[[]byte](err)
	}

	handler, ok := a.handlers[tag]
	if !ok {
		return fn.Err[[]byte](wire.NewError(
			wire.KindProtocolError,
			"actor %s has no handler for tag %q", a.uid, tag,
		))
	}

	defer func() {
		if r := recover(); r != nil {
			result = fn.Err[[]byte](wire.NewError(
				wire.KindInternal,
				"handler %q panicked: %v", tag, r,
			))
		}
	}()

	return handler(ctx, &Request{
		Tag:     tag,
		Body:    body,
		CodecID: env.CodecID,
		From:    env.From,
		Self:    a.ref,
	})
}

// stepControl handles actor-directed control envelopes inside the serial
// loop, so a stop never interleaves with a running handler.
func (a *instance) stepControl(env *wire.Envelope) {
	msg, err := wire.DecodeControl(env.Payload)
	if err != nil {
		log.WarnS(a.ctx, "Malformed control envelope", err,
			"uid", a.uid)

		return
	}

	switch msg.Op {
	case wire.ControlStop:
		a.stop()

	default:
		log.WarnS(a.ctx, "Unexpected actor control op", nil,
			"uid", a.uid, "op", string(msg.Op))
	}
}

// failEnvelope reports a terminal error for an undeliverable envelope.
func (a *instance) failEnvelope(env *wire.Envelope, werr *wire.Error) {
	if env.Kind == wire.KindSend {
		a.kernel.replyError(env, werr)
		return
	}

	a.kernel.deadLetters.Add(1)
}
