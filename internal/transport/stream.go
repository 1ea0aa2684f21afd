package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roasbeef/xosc/internal/wire"
)

// handshakeTimeout bounds the hello exchange on a fresh connection.
const handshakeTimeout = 10 * time.Second

// streamDriver serves unix:// and tcp:// addresses over net.Conn with XOSC
// framing.
type streamDriver struct {
	scheme  string
	network string
}

// Scheme returns the address scheme this driver serves.
func (d *streamDriver) Scheme() string {
	return d.scheme
}

// Dial connects to the peer, performs the hello exchange, and returns an
// open channel.
func (d *streamDriver) Dial(ctx context.Context, cfg *Config,
	addr wire.Address) (Channel, error) {

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, d.network, addr.Host)
	if err != nil {
		return nil, wire.NewError(
			wire.KindPeerGone, "dial %s: %v", addr, err,
		)
	}
	tuneConn(conn)

	ch := newStreamChannel(cfg, conn, addr)
	if err := ch.handshake(true); err != nil {
		conn.Close()
		return nil, err
	}
	ch.start()

	return ch, nil
}

// Listen binds the address and accepts inbound channels.
func (d *streamDriver) Listen(cfg *Config,
	addr wire.Address) (Listener, error) {

	ln, err := net.Listen(d.network, addr.Host)
	if err != nil {
		return nil, wire.NewError(
			wire.KindProtocolError, "listen %s: %v", addr, err,
		)
	}

	// Surface the kernel-assigned port for tcp://host:0 binds.
	if d.network == "tcp" {
		addr.Host = ln.Addr().String()
	}

	sl := &streamListener{cfg: cfg, addr: addr, ln: ln}
	go sl.acceptLoop()

	return sl, nil
}

// tuneConn applies per-connection socket options.
func tuneConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
}

// streamListener accepts connections and handshakes them into channels.
type streamListener struct {
	cfg  *Config
	addr wire.Address
	ln   net.Listener

	closed atomic.Bool
}

// Addr returns the bound address.
func (l *streamListener) Addr() wire.Address {
	return l.addr
}

// Close stops accepting new channels.
func (l *streamListener) Close() error {
	l.closed.Store(true)
	return l.ln.Close()
}

func (l *streamListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !l.closed.Load() {
				log.ErrorS(context.Background(),
					"Accept failed", err,
					"addr", l.addr.String())
			}

			return
		}
		tuneConn(conn)

		// Handshake in its own goroutine so one slow peer cannot
		// stall the accept loop.
		go func() {
			ch := newStreamChannel(l.cfg, conn, wire.Address{})
			if err := ch.handshake(false); err != nil {
				log.WarnS(context.Background(),
					"Inbound handshake failed", err,
					"remote", conn.RemoteAddr().String())
				conn.Close()

				return
			}
			ch.start()

			if l.cfg.OnAccepted != nil {
				l.cfg.OnAccepted(ch)
			}
		}()
	}
}

// streamChannel is a Channel over a framed net.Conn. One goroutine owns
// writes (sendLoop), one owns reads (readLoop), and a keepalive ticker
// emits pings and detects dead peers.
type streamChannel struct {
	cfg  *Config
	conn net.Conn

	// peerAddr is the peer's base address: the dial target on the
	// outbound side, the handshake-announced address on the inbound
	// side.
	peerAddr wire.Address
	peerID   string

	state atomic.Uint32

	// sendQ is the ordered outbound queue, bounded by the envelope
	// high-water mark. Control frames use ctrlQ so heartbeats bypass
	// data backpressure.
	sendQ chan *wire.Envelope
	ctrlQ chan *wire.Envelope

	// queuedBytes tracks payload bytes sitting in sendQ for the byte
	// half of the high-water mark.
	queuedBytes atomic.Int64

	// spaceCh is pulsed by the send loop after each write so blocked
	// senders re-check the byte mark.
	spaceCh chan struct{}

	// drainSignal is closed when Close moves the channel to Draining;
	// drained is closed by the send loop once the queue has flushed.
	drainSignal chan struct{}
	drainOnce   sync.Once
	drained     chan struct{}

	lastRecv atomic.Int64
	lastSent atomic.Int64
	peerLoad atomic.Int64

	die     chan struct{}
	dieOnce sync.Once
	errMu   sync.Mutex
	err     error

	envID atomic.Uint64
}

func newStreamChannel(cfg *Config, conn net.Conn,
	peerAddr wire.Address) *streamChannel {

	c := &streamChannel{
		cfg:      cfg,
		conn:     conn,
		peerAddr: peerAddr,
		sendQ: make(
			chan *wire.Envelope, cfg.HighWaterEnvelopes,
		),
		ctrlQ:       make(chan *wire.Envelope, 16),
		spaceCh:     make(chan struct{}, 1),
		drainSignal: make(chan struct{}),
		drained:     make(chan struct{}),
		die:         make(chan struct{}),
	}
	now := time.Now().UnixNano()
	c.lastRecv.Store(now)
	c.lastSent.Store(now)

	return c
}

// handshake performs the hello exchange. The initiator writes first; both
// sides validate the protocol version.
func (c *streamChannel) handshake(initiator bool) error {
	c.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.conn.SetDeadline(time.Time{})

	sendHello := func() error {
		payload, err := wire.EncodeControl(&wire.ControlMsg{
			Op:              wire.ControlHello,
			ProtocolVersion: wire.ProtocolVersion,
			ProcessID:       c.cfg.ProcessID,
			Address:         c.cfg.LocalAddress.String(),
		})
		if err != nil {
			return err
		}

		return c.writeFrame(&wire.Envelope{
			ID:      c.envID.Add(1),
			Kind:    wire.KindControl,
			Payload: payload,
		})
	}

	recvHello := func() error {
		env, err := wire.ReadFrame(c.conn, c.cfg.MaxEnvelopeSize)
		if err != nil {
			return wire.NewError(
				wire.KindProtocolError, "handshake read: %v",
				err,
			)
		}
		msg, err := wire.DecodeControl(env.Payload)
		if err != nil {
			return err
		}
		if msg.Op != wire.ControlHello {
			return wire.NewError(
				wire.KindProtocolError,
				"expected hello, got %q", msg.Op,
			)
		}
		if msg.ProtocolVersion != wire.ProtocolVersion {
			return wire.NewError(
				wire.KindProtocolError,
				"protocol version mismatch: ours=%d theirs=%d",
				wire.ProtocolVersion, msg.ProtocolVersion,
			)
		}

		c.peerID = msg.ProcessID
		if c.peerAddr.Host == "" && msg.Address != "" {
			addr, err := wire.ParseAddress(msg.Address)
			if err != nil {
				return err
			}
			c.peerAddr = addr.Base()
		}

		return nil
	}

	if initiator {
		if err := sendHello(); err != nil {
			return err
		}
		if err := recvHello(); err != nil {
			return err
		}
	} else {
		if err := recvHello(); err != nil {
			return err
		}
		if err := sendHello(); err != nil {
			return err
		}
	}

	c.state.Store(uint32(StateOpen))
	log.DebugS(context.Background(), "Channel open",
		"peer", c.peerAddr.String(),
		"peer_id", c.peerID)

	return nil
}

// start launches the channel's I/O loops. Called once after a successful
// handshake.
func (c *streamChannel) start() {
	go c.sendLoop()
	go c.readLoop()
	go c.keepalive()
}

// RemoteAddr returns the peer's base address.
func (c *streamChannel) RemoteAddr() wire.Address {
	return c.peerAddr
}

// PeerID returns the peer's process identity from the handshake.
func (c *streamChannel) PeerID() string {
	return c.peerID
}

// State returns the current lifecycle state.
func (c *streamChannel) State() State {
	return State(c.state.Load())
}

// PeerLoad returns the queued-envelope count the peer last piggybacked.
func (c *streamChannel) PeerLoad() int {
	return int(c.peerLoad.Load())
}

// LastActivity returns the later of the last send and last receive.
func (c *streamChannel) LastActivity() time.Time {
	sent, recvd := c.lastSent.Load(), c.lastRecv.Load()
	if recvd > sent {
		sent = recvd
	}

	return time.Unix(0, sent)
}

// Send enqueues an envelope for ordered delivery, honoring both halves of
// the high-water mark.
func (c *streamChannel) Send(ctx context.Context, env *wire.Envelope) error {
	if State(c.state.Load()) != StateOpen {
		return wire.NewError(
			wire.KindPeerGone, "channel to %s is %s",
			c.peerAddr, c.State(),
		)
	}

	// Wait out the byte high-water mark first. The envelope count mark
	// is enforced by the buffered queue itself below.
	for c.queuedBytes.Load() >= c.cfg.HighWaterBytes {
		select {
		case <-c.spaceCh:

		case <-ctx.Done():
			return wire.NewError(
				wire.KindBackpressure,
				"outbound queue to %s over high-water mark",
				c.peerAddr,
			)

		case <-c.die:
			return c.peerGoneErr()
		}
	}

	select {
	case c.sendQ <- env:
		c.queuedBytes.Add(int64(len(env.Payload)))
		return nil

	case <-ctx.Done():
		return wire.NewError(
			wire.KindBackpressure,
			"outbound queue to %s over high-water mark", c.peerAddr,
		)

	case <-c.die:
		return c.peerGoneErr()
	}
}

// sendControl enqueues a control frame ahead of data backpressure.
func (c *streamChannel) sendControl(msg *wire.ControlMsg) {
	payload, err := wire.EncodeControl(msg)
	if err != nil {
		log.ErrorS(context.Background(), "Encode control failed", err)
		return
	}

	select {
	case c.ctrlQ <- &wire.Envelope{
		ID:      c.envID.Add(1),
		Kind:    wire.KindControl,
		Payload: payload,
	}:
	case <-c.die:
	default:
		// Control queue full: the send loop is wedged and the
		// keepalive timer will tear the channel down.
	}
}

func (c *streamChannel) writeFrame(env *wire.Envelope) error {
	frame, err := wire.EncodeFrame(env, c.cfg.MaxEnvelopeSize)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return wire.NewError(
			wire.KindPeerGone, "write to %s: %v", c.peerAddr, err,
		)
	}
	c.lastSent.Store(time.Now().UnixNano())

	return nil
}

// sendLoop owns all writes after the handshake. Control frames win over
// data so heartbeats still flow under backpressure. When Close signals a
// drain, the remaining queue flushes and the loop exits.
func (c *streamChannel) sendLoop() {
	for {
		// Control frames first.
		select {
		case env := <-c.ctrlQ:
			if err := c.writeFrame(env); err != nil {
				c.Kill(err)
				return
			}
			continue
		default:
		}

		select {
		case env := <-c.ctrlQ:
			if err := c.writeFrame(env); err != nil {
				c.Kill(err)
				return
			}

		case env := <-c.sendQ:
			c.didWrite(env)
			if State(c.state.Load()) == StateClosed {
				return
			}

		case <-c.drainSignal:
			c.flushAndExit()
			return

		case <-c.die:
			return
		}
	}
}

// flushAndExit writes whatever is queued without blocking for more, then
// signals drain completion.
func (c *streamChannel) flushAndExit() {
	for {
		select {
		case env := <-c.sendQ:
			c.didWrite(env)
			if State(c.state.Load()) == StateClosed {
				return
			}

		default:
			close(c.drained)
			return
		}
	}
}

// didWrite writes one data envelope and updates flow-control accounting.
func (c *streamChannel) didWrite(env *wire.Envelope) {
	err := c.writeFrame(env)
	c.queuedBytes.Add(-int64(len(env.Payload)))

	select {
	case c.spaceCh <- struct{}{}:
	default:
	}

	if err != nil {
		c.Kill(err)
	}
}

// readLoop owns all reads after the handshake. Heartbeat control frames
// are consumed here; everything else goes to the dispatcher.
func (c *streamChannel) readLoop() {
	for {
		env, err := wire.ReadFrame(c.conn, c.cfg.MaxEnvelopeSize)
		if err != nil {
			select {
			case <-c.die:
				// Shutdown already in progress.
			default:
				c.Kill(wire.NewError(
					wire.KindPeerGone,
					"read from %s: %v", c.peerAddr, err,
				))
			}

			return
		}
		c.lastRecv.Store(time.Now().UnixNano())

		if env.Kind == wire.KindControl {
			if c.handleControl(env) {
				continue
			}
		}

		c.cfg.Dispatch(env, c)
	}
}

// handleControl consumes channel-internal control traffic. It returns true
// when the envelope was fully handled here.
func (c *streamChannel) handleControl(env *wire.Envelope) bool {
	msg, err := wire.DecodeControl(env.Payload)
	if err != nil {
		log.WarnS(context.Background(),
			"Malformed control envelope", err,
			"peer", c.peerAddr.String())

		return true
	}

	switch msg.Op {
	case wire.ControlPing:
		c.peerLoad.Store(int64(msg.Load))
		c.sendControl(&wire.ControlMsg{
			Op:   wire.ControlPong,
			Load: c.localLoad(),
		})

		return true

	case wire.ControlPong:
		c.peerLoad.Store(int64(msg.Load))
		return true

	default:
		return false
	}
}

func (c *streamChannel) localLoad() int {
	if c.cfg.LoadFn == nil {
		return 0
	}

	return c.cfg.LoadFn()
}

// keepalive emits a ping after each idle heartbeat interval and kills the
// channel once the peer misses the configured number of heartbeats.
func (c *streamChannel) keepalive() {
	interval := c.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deadAfter := time.Duration(c.cfg.HeartbeatMisses) * interval

	for {
		select {
		case <-ticker.C:
			now := time.Now()

			idleRecv := now.Sub(
				time.Unix(0, c.lastRecv.Load()),
			)
			if idleRecv > deadAfter {
				c.Kill(wire.NewError(
					wire.KindPeerGone,
					"peer %s missed %d heartbeats",
					c.peerAddr, c.cfg.HeartbeatMisses,
				))

				return
			}

			idleSent := now.Sub(
				time.Unix(0, c.lastSent.Load()),
			)
			if idleSent >= interval {
				c.sendControl(&wire.ControlMsg{
					Op:   wire.ControlPing,
					Load: c.localLoad(),
				})
			}

		case <-c.die:
			return
		}
	}
}

// Close drains the outbound queue and closes the channel gracefully,
// bounded by the context deadline.
func (c *streamChannel) Close(ctx context.Context) error {
	if State(c.state.Load()) == StateClosed {
		return nil
	}

	c.state.CompareAndSwap(uint32(StateOpen), uint32(StateDraining))
	c.drainOnce.Do(func() {
		close(c.drainSignal)
	})

	select {
	case <-c.drained:
	case <-ctx.Done():
	case <-c.die:
	}

	c.Kill(nil)

	return nil
}

// Kill tears the channel down immediately. A nil error records a clean
// close.
func (c *streamChannel) Kill(err error) {
	c.dieOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		c.state.Store(uint32(StateClosed))
		close(c.die)
		c.conn.Close()

		if err != nil {
			log.WarnS(context.Background(), "Channel died", err,
				"peer", c.peerAddr.String())
		} else {
			log.DebugS(context.Background(), "Channel closed",
				"peer", c.peerAddr.String())
		}
	})
}

// Done is closed once the channel reaches StateClosed.
func (c *streamChannel) Done() <-chan struct{} {
	return c.die
}

// Err returns the terminal error after Done.
func (c *streamChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	return c.err
}

func (c *streamChannel) peerGoneErr() error {
	if err := c.Err(); err != nil {
		return err
	}

	return wire.NewError(
		wire.KindPeerGone, "channel to %s closed", c.peerAddr,
	)
}
