package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/roasbeef/xosc/internal/router"
	"github.com/roasbeef/xosc/internal/wire"
)

var nodeCounter atomic.Uint64

// newTestNode spins up a router+kernel pair on a fresh inproc address.
func newTestNode(t *testing.T, cfg Config) (*Kernel, *router.Router) {
	t.Helper()

	addr, err := wire.ParseAddress(fmt.Sprintf(
		"inproc://test-node-%d", nodeCounter.Add(1),
	))
	require.NoError(t, err)

	rt := router.New(router.Config{LocalAddress: addr})
	require.NoError(t, rt.Start())

	cfg.Router = rt
	k := New(cfg)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		k.Shutdown(ctx)
		rt.Stop(ctx)
	})

	return k, rt
}

// echoBehavior replies with whatever body it received.
type echoBehavior struct{}

func (echoBehavior) Handlers() HandlerTable {
	return HandlerTable{
		"echo": func(_ context.Context,
			req *Request) fn.Result[[]byte] {

			return fn.Ok(req.Body)
		},
		"fail": func(_ context.Context,
			_ *Request) fn.Result[[]byte] {

			return fn.Err[[]byte](wire.NewError(
				wire.KindActorFailed, "requested failure",
			))
		},
	}
}

// TestLocalEcho is the local-echo scenario: create an echo actor and send
// it a message through the full router path.
func TestLocalEcho(t *testing.T) {
	t.Parallel()

	k, _ := newTestNode(t, Config{})
	k.Classes().Register("echo", func([]byte) (Behavior, error) {
		return echoBehavior{}, nil
	})

	ctx := context.Background()
	ref, err := k.CreateActor(ctx, "echo", nil, fn.Some("echo"))
	require.NoError(t, err)
	require.Equal(t, "echo", ref.UID)
	require.True(t, k.HasActor(ref))

	reply, err := k.Send(ctx, ref, "echo", []byte("hi")).
		Await(ctx).Unpack()
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), reply)
}

// TestSendToMissingActor tests that Sends to unknown uids fail with
// ActorNotFound.
func TestSendToMissingActor(t *testing.T) {
	t.Parallel()

	k, rt := newTestNode(t, Config{})

	ctx := context.Background()
	ghost := wire.ActorRef{
		UID:     "ghost",
		Address: rt.LocalAddress().String(),
	}

	_, err := k.Send(ctx, ghost, "echo", nil).Await(ctx).Unpack()
	require.Error(t, err)
	require.Equal(t, wire.KindActorNotFound, wire.KindOf(err))
}

// TestDuplicateCreate tests that creating a uid twice fails with
// Duplicate.
func TestDuplicateCreate(t *testing.T) {
	t.Parallel()

	k, _ := newTestNode(t, Config{})
	k.Classes().Register("echo", func([]byte) (Behavior, error) {
		return echoBehavior{}, nil
	})

	ctx := context.Background()
	_, err := k.CreateActor(ctx, "echo", nil, fn.Some("dup"))
	require.NoError(t, err)

	_, err = k.CreateActor(ctx, "echo", nil, fn.Some("dup"))
	require.Error(t, err)
	require.Equal(t, wire.KindDuplicate, wire.KindOf(err))
}

// failingCreate always fails OnCreate.
type failingCreate struct{}

func (failingCreate) Handlers() HandlerTable { return HandlerTable{} }

func (failingCreate) OnCreate(context.Context) error {
	return errors.New("init exploded")
}

// TestCreateHookFailure tests that a failing OnCreate discards the
// instance and releases the uid.
func TestCreateHookFailure(t *testing.T) {
	t.Parallel()

	k, _ := newTestNode(t, Config{})
	k.Classes().Register("bad", func([]byte) (Behavior, error) {
		return failingCreate{}, nil
	})
	k.Classes().Register("echo", func([]byte) (Behavior, error) {
		return echoBehavior{}, nil
	})

	ctx := context.Background()
	_, err := k.CreateActor(ctx, "bad", nil, fn.Some("x"))
	require.Error(t, err)
	require.False(t, k.HasActor(wire.ActorRef{UID: "x"}))

	// The uid is reusable after the failed create.
	_, err = k.CreateActor(ctx, "echo", nil, fn.Some("x"))
	require.NoError(t, err)
}

// counterBehavior accumulates increments and reports the total, tracking
// handler overlap to verify serial execution.
type counterBehavior struct {
	mu        sync.Mutex
	total     int
	inFlight  atomic.Int32
	overlaps  atomic.Int32
	destroyed atomic.Bool
}

func (c *counterBehavior) Handlers() HandlerTable {
	return HandlerTable{
		"incr": func(_ context.Context,
			_ *Request) fn.Result[[]byte] {

			if c.inFlight.Add(1) > 1 {
				c.overlaps.Add(1)
			}
			time.Sleep(time.Millisecond)
			c.mu.Lock()
			c.total++
			c.mu.Unlock()
			c.inFlight.Add(-1)

			return fn.Ok[[]byte](nil)
		},
		"get": func(_ context.Context,
			_ *Request) fn.Result[[]byte] {

			c.mu.Lock()
			defer c.mu.Unlock()

			return fn.Ok(fmt.Appendf(nil, "%d", c.total))
		},
	}
}

func (c *counterBehavior) OnDestroy(context.Context) error {
	c.destroyed.Store(true)
	return nil
}

// TestSerialExecutionAndFIFO tests that concurrent Tells to one actor
// never overlap and are all worked off before a trailing Send.
func TestSerialExecutionAndFIFO(t *testing.T) {
	t.Parallel()

	k, _ := newTestNode(t, Config{Workers: 8})

	ctr := &counterBehavior{}
	k.Classes().Register("counter", func([]byte) (Behavior, error) {
		return ctr, nil
	})

	ctx := context.Background()
	ref, err := k.CreateActor(ctx, "counter", nil, fn.Some("ctr"))
	require.NoError(t, err)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, k.Tell(ctx, ref, "incr", nil))
	}

	// The counter only reaches n once every Tell ahead of the Send has
	// executed; poll because inbox admission is asynchronous.
	require.Eventually(t, func() bool {
		reply, err := k.Send(ctx, ref, "get", nil).
			Await(ctx).Unpack()
		if err != nil {
			return false
		}

		return string(reply) == fmt.Sprintf("%d", n)
	}, 10*time.Second, 20*time.Millisecond)

	require.Zero(t, ctr.overlaps.Load(),
		"handlers of one actor overlapped")
}

// TestDestroyIdempotent tests that destroy runs OnDestroy once and that a
// second destroy of the same ref also reports success.
func TestDestroyIdempotent(t *testing.T) {
	t.Parallel()

	k, _ := newTestNode(t, Config{})

	ctr := &counterBehavior{}
	k.Classes().Register("counter", func([]byte) (Behavior, error) {
		return ctr, nil
	})

	ctx := context.Background()
	ref, err := k.CreateActor(ctx, "counter", nil, fn.Some("gone"))
	require.NoError(t, err)

	require.NoError(t, k.DestroyActor(ctx, ref))
	require.NoError(t, k.DestroyActor(ctx, ref))
	require.False(t, k.HasActor(ref))

	require.Eventually(t, func() bool {
		return ctr.destroyed.Load()
	}, 5*time.Second, 10*time.Millisecond)

	// Post-destroy sends resolve with ActorNotFound.
	_, err = k.Send(ctx, ref, "get", nil).Await(ctx).Unpack()
	require.Error(t, err)
	require.Equal(t, wire.KindActorNotFound, wire.KindOf(err))
}

// TestReentrancyRejected tests that a handler synchronously calling its
// own actor fails with Reentrancy instead of deadlocking.
func TestReentrancyRejected(t *testing.T) {
	t.Parallel()

	k, _ := newTestNode(t, Config{})

	var selfErr atomic.Value
	behavior := FuncBehavior{
		"poke": func(ctx context.Context,
			req *Request) fn.Result[[]byte] {

			_, err := k.Send(ctx, req.Self, "poke", nil).
				Await(ctx).Unpack()
			if err != nil {
				selfErr.Store(err)
			}

			return fn.Ok[[]byte](nil)
		},
	}
	k.Classes().Register("narcissist", func([]byte) (Behavior, error) {
		return behavior, nil
	})

	ctx := context.Background()
	ref, err := k.CreateActor(ctx, "narcissist", nil, fn.Some("me"))
	require.NoError(t, err)

	_, err = k.Send(ctx, ref, "poke", nil).Await(ctx).Unpack()
	require.NoError(t, err)

	stored, ok := selfErr.Load().(error)
	require.True(t, ok, "self-call did not fail")
	require.Equal(t, wire.KindReentrancy, wire.KindOf(stored))
}

// TestBatchMidFailure is the batch scenario: [ok, fail, ok] yields
// [Reply, Error, Reply] in order.
func TestBatchMidFailure(t *testing.T) {
	t.Parallel()

	k, rt := newTestNode(t, Config{})
	k.Classes().Register("echo", func([]byte) (Behavior, error) {
		return echoBehavior{}, nil
	})

	ctx := context.Background()
	ref, err := k.CreateActor(ctx, "echo", nil, fn.Some("batchy"))
	require.NoError(t, err)

	batch := wire.EncodeBatch([][]byte{
		wire.EncodeTagged("echo", []byte("one")),
		wire.EncodeTagged("fail", nil),
		wire.EncodeTagged("echo", []byte("three")),
	})

	env := &wire.Envelope{
		Kind:    wire.KindSend,
		From:    wire.ActorRef{Address: rt.LocalAddress().String()},
		To:      ref,
		Flags:   wire.FlagBatch,
		Payload: batch,
	}

	reply, err := rt.Ask(ctx, env).Await(ctx).Unpack()
	require.NoError(t, err)

	results, err := wire.DecodeBatchResults(reply.Payload)
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Nil(t, results[0].Err)
	require.Equal(t, []byte("one"), results[0].Payload)

	require.NotNil(t, results[1].Err)
	require.Equal(t, wire.KindActorFailed, results[1].Err.Kind)

	require.Nil(t, results[2].Err)
	require.Equal(t, []byte("three"), results[2].Payload)
}

// TestTellAck tests that FlagTellAck turns a Tell into an acknowledged
// enqueue.
func TestTellAck(t *testing.T) {
	t.Parallel()

	k, rt := newTestNode(t, Config{})

	ctr := &counterBehavior{}
	k.Classes().Register("counter", func([]byte) (Behavior, error) {
		return ctr, nil
	})

	ctx := context.Background()
	ref, err := k.CreateActor(ctx, "counter", nil, fn.Some("acked"))
	require.NoError(t, err)

	env := &wire.Envelope{
		Kind:    wire.KindTell,
		From:    wire.ActorRef{Address: rt.LocalAddress().String()},
		To:      ref,
		Flags:   wire.FlagTellAck,
		Payload: wire.EncodeTagged("incr", nil),
	}

	_, err = rt.Ask(ctx, env).Await(ctx).Unpack()
	require.NoError(t, err)
}

// TestHandlerPanicIsolation tests that a panicking handler surfaces as
// Internal to the caller and leaves the actor alive.
func TestHandlerPanicIsolation(t *testing.T) {
	t.Parallel()

	k, _ := newTestNode(t, Config{})

	behavior := FuncBehavior{
		"boom": func(context.Context, *Request) fn.Result[[]byte] {
			panic("kaboom")
		},
		"ok": func(context.Context, *Request) fn.Result[[]byte] {
			return fn.Ok([]byte("fine"))
		},
	}
	k.Classes().Register("panicky", func([]byte) (Behavior, error) {
		return behavior, nil
	})

	ctx := context.Background()
	ref, err := k.CreateActor(ctx, "panicky", nil, fn.Some("p"))
	require.NoError(t, err)

	_, err = k.Send(ctx, ref, "boom", nil).Await(ctx).Unpack()
	require.Error(t, err)
	require.Equal(t, wire.KindInternal, wire.KindOf(err))

	// The actor survives its handler's panic.
	reply, err := k.Send(ctx, ref, "ok", nil).Await(ctx).Unpack()
	require.NoError(t, err)
	require.Equal(t, []byte("fine"), reply)
}

// TestSendDeadline tests that an unanswered Send resolves with Timeout at
// its deadline.
func TestSendDeadline(t *testing.T) {
	t.Parallel()

	k, _ := newTestNode(t, Config{})

	block := make(chan struct{})
	behavior := FuncBehavior{
		"stall": func(ctx context.Context,
			_ *Request) fn.Result[[]byte] {

			select {
			case <-block:
			case <-ctx.Done():
			}

			return fn.Ok[[]byte](nil)
		},
	}
	k.Classes().Register("slow", func([]byte) (Behavior, error) {
		return behavior, nil
	})
	defer close(block)

	ctx := context.Background()
	ref, err := k.CreateActor(ctx, "slow", nil, fn.Some("molasses"))
	require.NoError(t, err)

	callCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = k.Send(callCtx, ref, "stall", nil).
		Await(context.Background()).Unpack()
	require.Error(t, err)
	require.Equal(t, wire.KindTimeout, wire.KindOf(err))
	require.Less(t, time.Since(start), 5*time.Second)
}
