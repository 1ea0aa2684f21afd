package naming_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/roasbeef/xosc/internal/kernel"
	"github.com/roasbeef/xosc/internal/naming"
	"github.com/roasbeef/xosc/internal/router"
	"github.com/roasbeef/xosc/internal/wire"
)

// node is a full router+kernel process stand-in.
type node struct {
	rt *router.Router
	k  *kernel.Kernel
}

func startNode(t *testing.T, addr string) *node {
	t.Helper()

	parsed, err := wire.ParseAddress(addr)
	require.NoError(t, err)

	rt := router.New(router.Config{LocalAddress: parsed})
	k := kernel.New(kernel.Config{Router: rt})
	require.NoError(t, rt.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		k.Shutdown(ctx)
		rt.Stop(ctx)
	})

	return &node{rt: rt, k: k}
}

// counterClass is a stateful counter actor.
func counterClass(reg *kernel.ClassRegistry) {
	reg.Register("counter", func([]byte) (kernel.Behavior, error) {
		var total atomic.Int64

		return kernel.FuncBehavior{
			"add": func(_ context.Context,
				req *kernel.Request) fn.Result[[]byte] {

				n, err := strconv.Atoi(string(req.Body))
				if err != nil {
					return fn.Err[[]byte](err)
				}
				total.Add(int64(n))

				return fn.Ok[[]byte](nil)
			},
			"get": func(context.Context,
				*kernel.Request) fn.Result[[]byte] {

				return fn.Ok(fmt.Appendf(
					nil, "%d", total.Load(),
				))
			},
		}, nil
	})
}

// TestCrossProcessCounter is the unix-socket scenario: pool A tells a
// counter hosted on pool B three increments, then reads back 3, with the
// ref resolved through B's index server.
func TestCrossProcessCounter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	nodeA := startNode(t, "unix://"+filepath.Join(dir, "a.sock"))
	nodeB := startNode(t, "unix://"+filepath.Join(dir, "b.sock"))

	counterClass(nodeB.k.Classes())

	ctx := context.Background()

	// B registers its index server over its local directory.
	_, err := naming.RegisterIndexServer(
		ctx, nodeB.k, &naming.KernelDirectory{
			Kernel: nodeB.k,
			Addr:   nodeB.rt.PublicAddress(),
		},
	)
	require.NoError(t, err)

	_, err = nodeB.k.CreateActor(ctx, "counter", nil, fn.Some("ctr"))
	require.NoError(t, err)

	// A resolves the counter by uid via B's index server.
	resolver := naming.NewResolver(naming.ResolverConfig{
		Router: nodeA.rt,
	})
	ref, err := resolver.Resolve(ctx, nodeB.rt.PublicAddress(), "ctr")
	require.NoError(t, err)
	require.Equal(t, "ctr", ref.UID)

	// Three tells, then a read.
	for i := 0; i < 3; i++ {
		require.NoError(
			t, nodeA.k.Tell(ctx, ref, "add", []byte("1")),
		)
	}

	require.Eventually(t, func() bool {
		reply, err := nodeA.k.Send(ctx, ref, "get", nil).
			Await(ctx).Unpack()

		return err == nil && string(reply) == "3"
	}, 10*time.Second, 20*time.Millisecond)

	// Second resolve hits the cache.
	again, err := resolver.Resolve(ctx, nodeB.rt.PublicAddress(), "ctr")
	require.NoError(t, err)
	require.True(t, ref.Equal(again))
}

// TestResolveUnknownUID tests that a resolvable pool without the uid
// answers ActorNotFound without burning the retry budget.
func TestResolveUnknownUID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	nodeA := startNode(t, "unix://"+filepath.Join(dir, "a.sock"))
	nodeB := startNode(t, "unix://"+filepath.Join(dir, "b.sock"))

	ctx := context.Background()
	_, err := naming.RegisterIndexServer(
		ctx, nodeB.k, &naming.KernelDirectory{
			Kernel: nodeB.k,
			Addr:   nodeB.rt.PublicAddress(),
		},
	)
	require.NoError(t, err)

	resolver := naming.NewResolver(naming.ResolverConfig{
		Router: nodeA.rt,
	})

	start := time.Now()
	_, err = resolver.Resolve(ctx, nodeB.rt.PublicAddress(), "nobody")
	require.Error(t, err)
	require.Equal(t, wire.KindActorNotFound, wire.KindOf(err))
	require.Less(t, time.Since(start), 5*time.Second)
}

// TestResolveDeadPool tests that an unreachable pool exhausts the retry
// budget into ActorNotFound.
func TestResolveDeadPool(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	nodeA := startNode(t, "unix://"+filepath.Join(dir, "a.sock"))

	deadAddr, err := wire.ParseAddress(
		"unix://" + filepath.Join(dir, "dead.sock"),
	)
	require.NoError(t, err)

	resolver := naming.NewResolver(naming.ResolverConfig{
		Router:  nodeA.rt,
		Retries: 2,
	})

	ctx, cancel := context.WithTimeout(
		context.Background(), 2*time.Second,
	)
	defer cancel()

	_, err = resolver.Resolve(ctx, deadAddr, "ctr")
	require.Error(t, err)
	require.Equal(t, wire.KindActorNotFound, wire.KindOf(err))
}
