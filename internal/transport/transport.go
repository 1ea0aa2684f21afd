// Package transport implements the channel contract and the concrete
// drivers behind it: an in-process queue pair, unix domain sockets, and
// TCP. A channel is a bidirectional, ordered envelope stream between two
// peers with handshake, heartbeat and close semantics. Drivers register by
// address scheme; ucx is reserved for an externally registered datapath.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/roasbeef/xosc/internal/wire"
)

// State is the lifecycle state of a channel.
type State uint32

const (
	// StateConnecting: dialing and handshaking.
	StateConnecting State = iota

	// StateOpen: handshake complete, envelopes flow.
	StateOpen

	// StateDraining: graceful close issued; no new outbound envelopes,
	// queued envelopes flush.
	StateDraining

	// StateClosed: terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// DispatchFunc receives every non-channel-internal inbound envelope.
type DispatchFunc func(env *wire.Envelope, ch Channel)

// Channel is a bidirectional, ordered envelope stream to one peer.
// Implementations are safe for concurrent use.
type Channel interface {
	// RemoteAddr returns the peer's base address.
	RemoteAddr() wire.Address

	// PeerID returns the peer's process identity from the handshake.
	PeerID() string

	// State returns the current lifecycle state.
	State() State

	// Send enqueues an envelope for ordered delivery. It blocks while
	// the outbound queue is above its high-water mark; if the context
	// expires while waiting, Backpressure is returned. A channel that
	// is draining or closed fails with PeerGone.
	Send(ctx context.Context, env *wire.Envelope) error

	// PeerLoad returns the queued-envelope count the peer last
	// piggybacked on its heartbeat.
	PeerLoad() int

	// LastActivity returns the time an envelope last crossed the
	// channel in either direction.
	LastActivity() time.Time

	// Close drains the outbound queue and closes the channel
	// gracefully, bounded by the context deadline.
	Close(ctx context.Context) error

	// Kill tears the channel down immediately.
	Kill(err error)

	// Done is closed once the channel reaches StateClosed.
	Done() <-chan struct{}

	// Err returns the terminal error after Done, nil for a clean close.
	Err() error
}

// Listener accepts inbound channels on a bound address.
type Listener interface {
	// Addr returns the bound address.
	Addr() wire.Address

	// Close stops accepting new channels.
	Close() error
}

// Config carries the per-process transport parameters. One Config is
// shared by every channel the process owns.
type Config struct {
	// LocalAddress is this process's listen address, exchanged in the
	// handshake.
	LocalAddress wire.Address

	// ProcessID is this process's identity, exchanged in the handshake.
	ProcessID string

	// MaxEnvelopeSize caps frame sizes in both directions.
	MaxEnvelopeSize int

	// HeartbeatInterval is the idle ping period.
	HeartbeatInterval time.Duration

	// HeartbeatMisses is the number of consecutive missed heartbeats
	// that kills the channel.
	HeartbeatMisses int

	// HighWaterEnvelopes bounds the outbound queue by envelope count.
	HighWaterEnvelopes int

	// HighWaterBytes bounds the outbound queue by payload bytes.
	HighWaterBytes int64

	// LoadFn reports this process's queued-envelope count for heartbeat
	// piggyback. May be nil.
	LoadFn func() int

	// Dispatch receives inbound envelopes. Required.
	Dispatch DispatchFunc

	// OnAccepted is invoked for every channel accepted by a listener.
	// May be nil.
	OnAccepted func(ch Channel)
}

// Default transport parameters.
const (
	DefaultHeartbeatInterval  = 10 * time.Second
	DefaultHeartbeatMisses    = 2
	DefaultHighWaterEnvelopes = 1024
	DefaultHighWaterBytes     = 64 << 20
)

// withDefaults fills unset config fields.
func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.MaxEnvelopeSize <= 0 {
		cfg.MaxEnvelopeSize = wire.DefaultMaxEnvelopeSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatMisses <= 0 {
		cfg.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if cfg.HighWaterEnvelopes <= 0 {
		cfg.HighWaterEnvelopes = DefaultHighWaterEnvelopes
	}
	if cfg.HighWaterBytes <= 0 {
		cfg.HighWaterBytes = DefaultHighWaterBytes
	}

	return &cfg
}

// Driver is a concrete transport behind one address scheme.
type Driver interface {
	// Scheme returns the address scheme this driver serves.
	Scheme() string

	// Listen binds the address and accepts inbound channels into the
	// config's dispatch path.
	Listen(cfg *Config, addr wire.Address) (Listener, error)

	// Dial connects and handshakes a channel to the peer.
	Dial(ctx context.Context, cfg *Config,
		addr wire.Address) (Channel, error)
}

var (
	driverMu sync.RWMutex
	drivers  = make(map[string]Driver)
)

// RegisterDriver installs a driver for its scheme. The ucx scheme has no
// in-tree driver; a collective-communication plug-in registers one here.
func RegisterDriver(d Driver) {
	driverMu.Lock()
	defer driverMu.Unlock()

	drivers[d.Scheme()] = d
}

// DriverFor resolves the driver for an address scheme.
func DriverFor(scheme string) (Driver, error) {
	driverMu.RLock()
	defer driverMu.RUnlock()

	d, ok := drivers[scheme]
	if !ok {
		return nil, wire.NewError(
			wire.KindProtocolError,
			"no transport driver registered for scheme %q", scheme,
		)
	}

	return d, nil
}

// Dial resolves the driver from the address scheme and connects.
func Dial(ctx context.Context, cfg *Config,
	addr wire.Address) (Channel, error) {

	d, err := DriverFor(addr.Scheme)
	if err != nil {
		return nil, err
	}

	return d.Dial(ctx, cfg.withDefaults(), addr.Base())
}

// Listen resolves the driver from the address scheme and binds.
func Listen(cfg *Config, addr wire.Address) (Listener, error) {
	d, err := DriverFor(addr.Scheme)
	if err != nil {
		return nil, err
	}

	return d.Listen(cfg.withDefaults(), addr.Base())
}

func init() {
	RegisterDriver(&inprocDriver{})
	RegisterDriver(&streamDriver{scheme: wire.SchemeUnix, network: "unix"})
	RegisterDriver(&streamDriver{scheme: wire.SchemeTCP, network: "tcp"})
}
