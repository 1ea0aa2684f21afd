package dispatch_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/roasbeef/xosc/internal/dispatch"
	"github.com/roasbeef/xosc/internal/kernel"
	"github.com/roasbeef/xosc/internal/router"
	"github.com/roasbeef/xosc/internal/wire"
)

var nodeCounter atomic.Uint64

func newNode(t *testing.T) (*kernel.Kernel, *router.Router) {
	t.Helper()

	addr, err := wire.ParseAddress(fmt.Sprintf(
		"inproc://dispatch-node-%d", nodeCounter.Add(1),
	))
	require.NoError(t, err)

	rt := router.New(router.Config{LocalAddress: addr})
	require.NoError(t, rt.Start())
	k := kernel.New(kernel.Config{Router: rt})

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

// TestBatchRoundTrip tests that a coalesced batch yields ordered per-item
// results with failures isolated per item.
func TestBatchRoundTrip(t *testing.T) {
	t.Parallel()

	k, rt := newNode(t)
	k.Classes().Register("svc", func([]byte) (kernel.Behavior, error) {
		return kernel.FuncBehavior{
			"upper": func(_ context.Context,
				req *kernel.Request) fn.Result[[]byte] {

				out := make([]byte, len(req.Body))
				for i, c := range req.Body {
					if c >= 'a' && c <= 'z' {
						c -= 'a' - 'A'
					}
					out[i] = c
				}

				return fn.Ok(out)
			},
			"reject": func(context.Context,
				*kernel.Request) fn.Result[[]byte] {

				return fn.Err[[]byte](wire.NewError(
					wire.KindActorFailed, "nope",
				))
			},
		}, nil
	})

	ctx := context.Background()
	ref, err := k.CreateActor(ctx, "svc", nil, fn.Some("svc"))
	require.NoError(t, err)

	batch := dispatch.NewBatch(ref)
	require.Equal(t, 0, batch.Add("upper", []byte("one")))
	require.Equal(t, 1, batch.Add("reject", nil))
	require.Equal(t, 2, batch.Add("upper", []byte("two")))
	require.Equal(t, 3, batch.Len())

	results, err := batch.Send(ctx, rt).Await(ctx).Unpack()
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Nil(t, results[0].Err)
	require.Equal(t, []byte("ONE"), results[0].Payload)
	require.NotNil(t, results[1].Err)
	require.Equal(t, wire.KindActorFailed, results[1].Err.Kind)
	require.Nil(t, results[2].Err)
	require.Equal(t, []byte("TWO"), results[2].Payload)
}

// TestEmptyBatch tests that an empty batch resolves without touching the
// wire.
func TestEmptyBatch(t *testing.T) {
	t.Parallel()

	_, rt := newNode(t)

	batch := dispatch.NewBatch(wire.ActorRef{
		UID: "nobody", Address: "inproc://nowhere",
	})

	results, err := batch.Send(context.Background(), rt).
		Await(context.Background()).Unpack()
	require.NoError(t, err)
	require.Empty(t, results)
}

// TestCallHelpers tests Call and ParallelCall against live actors.
func TestCallHelpers(t *testing.T) {
	t.Parallel()

	k, rt := newNode(t)
	k.Classes().Register("svc", func([]byte) (kernel.Behavior, error) {
		return kernel.FuncBehavior{
			"echo": func(_ context.Context,
				req *kernel.Request) fn.Result[[]byte] {

				return fn.Ok(req.Body)
			},
		}, nil
	})

	ctx := context.Background()
	refA, err := k.CreateActor(ctx, "svc", nil, fn.Some("a"))
	require.NoError(t, err)
	refB, err := k.CreateActor(ctx, "svc", nil, fn.Some("b"))
	require.NoError(t, err)

	reply, err := dispatch.Call(ctx, rt, refA, "echo", []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), reply)

	results := dispatch.ParallelCall(
		ctx, rt, []wire.ActorRef{refA, refB}, "echo", []byte("x"),
	)
	require.Len(t, results, 2)
	for _, res := range results {
		val, err := res.Unpack()
		require.NoError(t, err)
		require.Equal(t, []byte("x"), val)
	}
}
