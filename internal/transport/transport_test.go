package transport

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/xosc/internal/wire"
)

func mustParse(t *testing.T, s string) wire.Address {
	t.Helper()

	addr, err := wire.ParseAddress(s)
	require.NoError(t, err)

	return addr
}

// collector gathers dispatched envelopes for assertions.
type collector struct {
	mu   sync.Mutex
	envs []*wire.Envelope
	ch   chan *wire.Envelope
}

func newCollector() *collector {
	return &collector{ch: make(chan *wire.Envelope, 128)}
}

func (c *collector) dispatch(env *wire.Envelope, _ Channel) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.ch <- env
}

func (c *collector) wait(t *testing.T, n int) []*wire.Envelope {
	t.Helper()

	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for envelope %d/%d",
				i+1, n)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*wire.Envelope, len(c.envs))
	copy(out, c.envs)

	return out
}

// TestInprocPair tests that dialing an inproc listener yields a connected
// pair that delivers envelopes in order without serialization.
func TestInprocPair(t *testing.T) {
	t.Parallel()

	serverSink := newCollector()
	serverCfg := &Config{
		LocalAddress: mustParse(t, "inproc://pair-srv"),
		ProcessID:    "srv",
		Dispatch:     serverSink.dispatch,
	}

	ln, err := Listen(serverCfg, serverCfg.LocalAddress)
	require.NoError(t, err)
	defer ln.Close()

	clientSink := newCollector()
	clientCfg := &Config{
		LocalAddress: mustParse(t, "inproc://pair-cli"),
		ProcessID:    "cli",
		Dispatch:     clientSink.dispatch,
	}

	ch, err := Dial(
		context.Background(), clientCfg, serverCfg.LocalAddress,
	)
	require.NoError(t, err)
	require.Equal(t, StateOpen, ch.State())
	require.Equal(t, "srv", ch.PeerID())

	// Codec-bypass envelopes are legal in-process.
	for i := 1; i <= 5; i++ {
		err := ch.Send(context.Background(), &wire.Envelope{
			ID:      uint64(i),
			Kind:    wire.KindTell,
			To:      wire.ActorRef{UID: "x", Address: "inproc://pair-srv"},
			Flags:   wire.FlagCodecBypass,
			Payload: []byte{byte(i)},
		})
		require.NoError(t, err)
	}

	envs := serverSink.wait(t, 5)
	for i, env := range envs {
		require.Equal(t, uint64(i+1), env.ID)
	}

	// Killing one side closes both with the same error.
	ch.Kill(wire.NewError(wire.KindPeerGone, "test kill"))
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("dial side did not close")
	}
}

// TestInprocDialUnbound tests that dialing an unbound inproc name fails
// with PeerGone.
func TestInprocDialUnbound(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		LocalAddress: mustParse(t, "inproc://nobody-home-cli"),
		Dispatch:     func(*wire.Envelope, Channel) {},
	}

	_, err := Dial(
		context.Background(), cfg,
		mustParse(t, "inproc://nobody-home"),
	)
	require.Error(t, err)
	require.Equal(t, wire.KindPeerGone, wire.KindOf(err))
}

// TestUnknownScheme tests that unregistered schemes fail with
// ProtocolError; ucx has no in-tree driver.
func TestUnknownScheme(t *testing.T) {
	t.Parallel()

	cfg := &Config{Dispatch: func(*wire.Envelope, Channel) {}}

	_, err := Dial(
		context.Background(), cfg, mustParse(t, "ucx://host:1"),
	)
	require.Error(t, err)
	require.Equal(t, wire.KindProtocolError, wire.KindOf(err))
}

// unixPair spins up a listener and a dialed channel over a unix socket in
// a temp dir, returning the dial-side channel and both sinks.
func unixPair(t *testing.T, serverCfg, clientCfg *Config) (Channel, Channel) {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "pool.sock")
	serverCfg.LocalAddress = mustParse(t, "unix://"+sock)

	accepted := make(chan Channel, 1)
	serverCfg.OnAccepted = func(ch Channel) { accepted <- ch }

	ln, err := Listen(serverCfg, serverCfg.LocalAddress)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	dialed, err := Dial(
		context.Background(), clientCfg, serverCfg.LocalAddress,
	)
	require.NoError(t, err)

	select {
	case srvCh := <-accepted:
		return dialed, srvCh
	case <-time.After(5 * time.Second):
		t.Fatal("no accepted channel")
		return nil, nil
	}
}

// TestUnixChannelRoundTrip tests handshake and ordered delivery over a
// unix domain socket.
func TestUnixChannelRoundTrip(t *testing.T) {
	t.Parallel()

	serverSink := newCollector()
	serverCfg := &Config{
		ProcessID: "srv-proc",
		Dispatch:  serverSink.dispatch,
	}
	clientSink := newCollector()
	clientCfg := &Config{
		LocalAddress: mustParse(t, "inproc://unused-cli"),
		ProcessID:    "cli-proc",
		Dispatch:     clientSink.dispatch,
	}

	dialed, srvCh := unixPair(t, serverCfg, clientCfg)
	require.Equal(t, "srv-proc", dialed.PeerID())
	require.Equal(t, "cli-proc", srvCh.PeerID())
	require.Equal(t, StateOpen, dialed.State())

	to := wire.ActorRef{UID: "ctr", Address: serverCfg.LocalAddress.String()}
	for i := 1; i <= 10; i++ {
		err := dialed.Send(context.Background(), &wire.Envelope{
			ID:      uint64(i),
			Kind:    wire.KindTell,
			To:      to,
			CodecID: 1,
			Payload: fmt.Appendf(nil, "msg-%d", i),
		})
		require.NoError(t, err)
	}

	envs := serverSink.wait(t, 10)
	for i, env := range envs {
		require.Equal(t, uint64(i+1), env.ID, "FIFO violated")
		require.Equal(t, to.UID, env.To.UID)
	}

	// Replies flow the other way on the same channel.
	err := srvCh.Send(context.Background(), &wire.Envelope{
		ID:          1,
		Kind:        wire.KindReply,
		To:          wire.ActorRef{UID: "caller", Address: "unix:///x"},
		Correlation: 42,
	})
	require.NoError(t, err)

	back := clientSink.wait(t, 1)
	require.Equal(t, uint64(42), back[0].Correlation)
}

// TestUnixChannelHeartbeatDeath tests that a silent peer kills the channel
// within the heartbeat-miss window with PeerGone.
func TestUnixChannelHeartbeatDeath(t *testing.T) {
	t.Parallel()

	serverSink := newCollector()
	serverCfg := &Config{
		ProcessID:         "srv",
		Dispatch:          serverSink.dispatch,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatMisses:   2,
	}
	clientCfg := &Config{
		LocalAddress:      mustParse(t, "inproc://hb-cli"),
		ProcessID:         "cli",
		Dispatch:          func(*wire.Envelope, Channel) {},
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatMisses:   2,
	}

	dialed, srvCh := unixPair(t, serverCfg, clientCfg)

	// Hard-kill the server side without any goodbye; the client's
	// keepalive or read loop must notice.
	srvCh.Kill(nil)

	select {
	case <-dialed.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not die after peer loss")
	}
	require.Equal(t, StateClosed, dialed.State())
	require.Equal(t, wire.KindPeerGone, wire.KindOf(dialed.Err()))
}

// TestUnixChannelBackpressure tests that a full outbound queue with an
// expiring context fails with Backpressure.
func TestUnixChannelBackpressure(t *testing.T) {
	t.Parallel()

	// The server never reads its socket after handshake: its dispatch
	// blocks forever, so frames pile up in the client's queue.
	blocked := make(chan struct{})
	serverCfg := &Config{
		ProcessID: "srv",
		Dispatch: func(*wire.Envelope, Channel) {
			<-blocked
		},
	}
	defer close(blocked)

	clientCfg := &Config{
		LocalAddress:       mustParse(t, "inproc://bp-cli"),
		ProcessID:          "cli",
		Dispatch:           func(*wire.Envelope, Channel) {},
		HighWaterEnvelopes: 2,
		HighWaterBytes:     1 << 10,
	}

	dialed, _ := unixPair(t, serverCfg, clientCfg)

	// Large payloads trip the byte mark once the kernel socket buffers
	// fill. Keep sending until Backpressure fires.
	payload := make([]byte, 8<<10)
	var gotBackpressure bool
	for i := 0; i < 200 && !gotBackpressure; i++ {
		ctx, cancel := context.WithTimeout(
			context.Background(), 50*time.Millisecond,
		)
		err := dialed.Send(ctx, &wire.Envelope{
			ID:      uint64(i + 1),
			Kind:    wire.KindTell,
			To:      wire.ActorRef{UID: "slow", Address: "unix:///s"},
			Payload: payload,
		})
		cancel()

		if err != nil {
			require.Equal(
				t, wire.KindBackpressure, wire.KindOf(err),
			)
			gotBackpressure = true
		}
	}

	require.True(t, gotBackpressure,
		"expected at least one Backpressure failure")
}
