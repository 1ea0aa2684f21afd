package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/roasbeef/xosc/internal/wire"
)

// TestAwaitReleasesWorker tests that a handler awaiting a downstream call
// through the kernel's suspension point does not starve the worker pool:
// with a single worker, actor A can still call actor B.
func TestAwaitReleasesWorker(t *testing.T) {
	t.Parallel()

	k, _ := newTestNode(t, Config{Workers: 1})

	k.Classes().Register("echo", func([]byte) (Behavior, error) {
		return FuncBehavior{
			"echo": func(_ context.Context,
				req *Request) fn.Result[[]byte] {

				return fn.Ok(req.Body)
			},
		}, nil
	})

	ctx := context.Background()
	downstream, err := k.CreateActor(ctx, "echo", nil, fn.Some("down"))
	require.NoError(t, err)

	k.Classes().Register("relay", func([]byte) (Behavior, error) {
		return FuncBehavior{
			"relay": func(ctx context.Context,
				req *Request) fn.Result[[]byte] {

				future := k.Send(
					ctx, downstream, "echo", req.Body,
				)

				return Await(ctx, k, future)
			},
		}, nil
	})

	relay, err := k.CreateActor(ctx, "relay", nil, fn.Some("relay"))
	require.NoError(t, err)

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	reply, err := k.Send(callCtx, relay, "relay", []byte("through")).
		Await(callCtx).Unpack()
	require.NoError(t, err)
	require.Equal(t, []byte("through"), reply)
}

// TestWatchdogQuarantine tests that a repeat watchdog offender reports
// Timeout to callers, is quarantined, and disappears from the registry.
func TestWatchdogQuarantine(t *testing.T) {
	t.Parallel()

	k, _ := newTestNode(t, Config{
		WatchdogTimeout: 50 * time.Millisecond,
		WatchdogStrikes: 2,
	})

	release := make(chan struct{})
	k.Classes().Register("laggard", func([]byte) (Behavior, error) {
		return FuncBehavior{
			"work": func(ctx context.Context,
				_ *Request) fn.Result[[]byte] {

				// Overrun the watchdog but finish the step.
				select {
				case <-release:
				case <-time.After(200 * time.Millisecond):
				}

				return fn.Ok[[]byte](nil)
			},
		}, nil
	})
	defer close(release)

	ctx := context.Background()
	ref, err := k.CreateActor(ctx, "laggard", nil, fn.Some("slow"))
	require.NoError(t, err)

	// Each overrun is reported to its caller as Timeout while the
	// step completes.
	for i := 0; i < 2; i++ {
		_, err := k.Send(ctx, ref, "work", nil).Await(ctx).Unpack()
		require.Error(t, err)
		require.Equal(t, wire.KindTimeout, wire.KindOf(err))
	}

	// Two strikes: the actor is quarantined and deregistered.
	require.Eventually(t, func() bool {
		return !k.HasActor(ref)
	}, 10*time.Second, 10*time.Millisecond)

	_, err = k.Send(ctx, ref, "work", nil).Await(ctx).Unpack()
	require.Error(t, err)
	require.Equal(t, wire.KindActorNotFound, wire.KindOf(err))
}

// TestRunBlocking tests that the blocking pool runs work off the handler
// workers and respects its cap via context cancellation.
func TestRunBlocking(t *testing.T) {
	t.Parallel()

	k, _ := newTestNode(t, Config{BlockingWorkers: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	go k.RunBlocking(context.Background(), func() error {
		close(started)
		<-release

		return nil
	})
	<-started

	// The single blocking slot is taken: a second call with a short
	// deadline fails at the semaphore rather than queueing forever.
	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	err := k.RunBlocking(ctx, func() error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)

	// Once released, the pool accepts work again.
	require.NoError(t, k.RunBlocking(
		context.Background(), func() error { return nil },
	))
}

// TestCancelDropsQueuedMessage tests that a Cancel arriving before its
// message is dequeued drops it without execution.
func TestCancelDropsQueuedMessage(t *testing.T) {
	t.Parallel()

	k, _ := newTestNode(t, Config{})

	executed := make(chan string, 16)
	gate := make(chan struct{})
	k.Classes().Register("gated", func([]byte) (Behavior, error) {
		return FuncBehavior{
			"first": func(context.Context,
				*Request) fn.Result[[]byte] {

				<-gate
				executed <- "first"

				return fn.Ok[[]byte](nil)
			},
			"second": func(_ context.Context,
				req *Request) fn.Result[[]byte] {

				executed <- string(req.Body)

				return fn.Ok[[]byte](nil)
			},
		}, nil
	})

	ctx := context.Background()
	ref, err := k.CreateActor(ctx, "gated", nil, fn.Some("g"))
	require.NoError(t, err)

	// Occupy the actor so the next Send stays queued.
	require.NoError(t, k.Tell(ctx, ref, "first", nil))

	// A Send with a short deadline expires while queued; the router
	// emits the chasing Cancel.
	callCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = k.Send(callCtx, ref, "second", []byte("doomed")).
		Await(ctx).Unpack()
	require.Error(t, err)
	require.Equal(t, wire.KindTimeout, wire.KindOf(err))

	// Give the Cancel time to land, then open the gate.
	time.Sleep(100 * time.Millisecond)
	close(gate)

	// Only the gated message and a sentinel execute; the cancelled
	// Send never runs.
	require.NoError(t, k.Tell(ctx, ref, "second", []byte("sentinel")))

	require.Equal(t, "first", <-executed)
	require.Equal(t, "sentinel", <-executed)

	select {
	case leaked := <-executed:
		t.Fatalf("cancelled message executed: %q", leaked)
	case <-time.After(300 * time.Millisecond):
	}
}
