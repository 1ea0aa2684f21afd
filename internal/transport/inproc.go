package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roasbeef/xosc/internal/wire"
)

// inprocDriver serves inproc:// addresses with paired unbounded queues and
// no serialization: payloads cross as-is with FlagCodecBypass semantics
// permitted. Liveness is trivial inside one process, so inproc channels
// carry no heartbeat.
type inprocDriver struct{}

var (
	inprocMu        sync.RWMutex
	inprocListeners = make(map[string]*inprocListener)
)

// Scheme returns the address scheme this driver serves.
func (*inprocDriver) Scheme() string {
	return wire.SchemeInproc
}

// Listen registers the address in the process-local listener table.
func (*inprocDriver) Listen(cfg *Config,
	addr wire.Address) (Listener, error) {

	inprocMu.Lock()
	defer inprocMu.Unlock()

	if _, exists := inprocListeners[addr.Host]; exists {
		return nil, wire.NewError(
			wire.KindProtocolError,
			"inproc address %q already bound", addr.Host,
		)
	}

	l := &inprocListener{cfg: cfg, addr: addr}
	inprocListeners[addr.Host] = l

	return l, nil
}

// Dial pairs a channel with the listener bound to the target name.
func (*inprocDriver) Dial(_ context.Context, cfg *Config,
	addr wire.Address) (Channel, error) {

	inprocMu.RLock()
	l, ok := inprocListeners[addr.Host]
	inprocMu.RUnlock()

	if !ok || l.closed.Load() {
		return nil, wire.NewError(
			wire.KindPeerGone,
			"no inproc listener at %q", addr.Host,
		)
	}

	dialSide := newInprocChannel(cfg, l.addr)
	acceptSide := newInprocChannel(l.cfg, cfg.LocalAddress)
	dialSide.peer, acceptSide.peer = acceptSide, dialSide

	dialSide.start()
	acceptSide.start()

	if l.cfg.OnAccepted != nil {
		l.cfg.OnAccepted(acceptSide)
	}

	return dialSide, nil
}

// inprocListener is an entry in the process-local listener table.
type inprocListener struct {
	cfg    *Config
	addr   wire.Address
	closed atomic.Bool
}

// Addr returns the bound address.
func (l *inprocListener) Addr() wire.Address {
	return l.addr
}

// Close removes the listener from the table.
func (l *inprocListener) Close() error {
	l.closed.Store(true)

	inprocMu.Lock()
	defer inprocMu.Unlock()

	if inprocListeners[l.addr.Host] == l {
		delete(inprocListeners, l.addr.Host)
	}

	return nil
}

// inprocChannel is one side of a paired in-process channel. Send appends
// to the peer's unbounded inbox; a pump goroutine drains the local inbox
// into the dispatcher, preserving order.
type inprocChannel struct {
	cfg      *Config
	peerAddr wire.Address
	peer     *inprocChannel

	mu    sync.Mutex
	inbox []*wire.Envelope
	wake  chan struct{}

	state    atomic.Uint32
	lastSeen atomic.Int64

	die     chan struct{}
	dieOnce sync.Once
	errMu   sync.Mutex
	err     error
}

func newInprocChannel(cfg *Config, peerAddr wire.Address) *inprocChannel {
	c := &inprocChannel{
		cfg:      cfg,
		peerAddr: peerAddr.Base(),
		wake:     make(chan struct{}, 1),
		die:      make(chan struct{}),
	}
	c.state.Store(uint32(StateOpen))
	c.lastSeen.Store(time.Now().UnixNano())

	return c
}

func (c *inprocChannel) start() {
	go c.pump()
}

// RemoteAddr returns the peer's base address.
func (c *inprocChannel) RemoteAddr() wire.Address {
	return c.peerAddr
}

// PeerID returns the peer's process identity; both ends share one process.
func (c *inprocChannel) PeerID() string {
	return c.peer.cfg.ProcessID
}

// State returns the current lifecycle state.
func (c *inprocChannel) State() State {
	return State(c.state.Load())
}

// PeerLoad reads the peer's load function directly.
func (c *inprocChannel) PeerLoad() int {
	if c.peer.cfg.LoadFn == nil {
		return 0
	}

	return c.peer.cfg.LoadFn()
}

// LastActivity returns the time an envelope last crossed the channel.
func (c *inprocChannel) LastActivity() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Send appends the envelope to the peer's inbox. The queue is unbounded,
// so Send never blocks on flow control.
func (c *inprocChannel) Send(_ context.Context, env *wire.Envelope) error {
	if c.State() != StateOpen {
		return wire.NewError(
			wire.KindPeerGone, "inproc channel to %s is %s",
			c.peerAddr, c.State(),
		)
	}

	c.lastSeen.Store(time.Now().UnixNano())
	c.peer.enqueue(env)

	return nil
}

func (c *inprocChannel) enqueue(env *wire.Envelope) {
	c.mu.Lock()
	c.inbox = append(c.inbox, env)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pump drains the inbox into the dispatcher in FIFO order.
func (c *inprocChannel) pump() {
	for {
		select {
		case <-c.wake:
		case <-c.die:
			return
		}

		for {
			c.mu.Lock()
			if len(c.inbox) == 0 {
				c.mu.Unlock()
				break
			}
			env := c.inbox[0]
			c.inbox = c.inbox[1:]
			c.mu.Unlock()

			c.lastSeen.Store(time.Now().UnixNano())
			c.cfg.Dispatch(env, c)
		}
	}
}

// Close drains and closes; the queue is unbounded so only the pump needs
// to finish the current batch.
func (c *inprocChannel) Close(_ context.Context) error {
	c.state.CompareAndSwap(uint32(StateOpen), uint32(StateDraining))
	c.Kill(nil)

	return nil
}

// Kill tears down both sides of the pair.
func (c *inprocChannel) Kill(err error) {
	c.dieOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		c.state.Store(uint32(StateClosed))
		close(c.die)

		// The pair dies together; the other side is killed with
		// the same error.
		if c.peer != nil {
			go c.peer.Kill(err)
		}
	})
}

// Done is closed once the channel reaches StateClosed.
func (c *inprocChannel) Done() <-chan struct{} {
	return c.die
}

// Err returns the terminal error after Done.
func (c *inprocChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	return c.err
}
