package pool

import (
	"context"
	"time"

	"github.com/roasbeef/xosc/internal/kernel"
	"github.com/roasbeef/xosc/internal/router"
	"github.com/roasbeef/xosc/internal/wire"
)

// Dispatcher is the main pool process's inbound demux: envelopes for a
// sub-pool index forward to the owning worker, pool-level control is
// handled here, and everything else lands on the main kernel.
type Dispatcher struct {
	kernel *kernel.Kernel
	sup    *Supervisor
	rt     *router.Router
}

// NewDispatcher wires the pool dispatcher between the router and the
// main kernel.
func NewDispatcher(rt *router.Router, k *kernel.Kernel,
	sup *Supervisor) *Dispatcher {

	d := &Dispatcher{kernel: k, sup: sup, rt: rt}
	rt.SetDispatcher(d)

	return d
}

// Deliver implements router.Dispatcher.
func (d *Dispatcher) Deliver(env *wire.Envelope) {
	// Sub-pool traffic forwards by index; the worker replies to the
	// requester directly.
	if addr, err := wire.ParseAddress(env.To.Address); err == nil &&
		addr.SubPool != wire.NoSubPool {

		d.sup.Forward(env, addr)
		return
	}

	if env.Kind == wire.KindControl && d.handlePoolControl(env) {
		return
	}

	d.kernel.Deliver(env)
}

// handlePoolControl consumes pool-level control messages, returning true
// when the envelope was handled here.
func (d *Dispatcher) handlePoolControl(env *wire.Envelope) bool {
	msg, err := wire.DecodeControl(env.Payload)
	if err != nil {
		return false
	}

	if msg.Op != wire.ControlShutdownPool {
		return false
	}

	log.InfoS(context.Background(), "Pool shutdown requested remotely")
	d.ack(env)
	d.sup.RequestShutdown()

	return true
}

// ack replies to a control request with an empty Reply when a reply path
// exists.
func (d *Dispatcher) ack(env *wire.Envelope) {
	if env.Correlation == 0 || env.From.IsZero() {
		return
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer cancel()

	d.rt.Send(ctx, &wire.Envelope{
		Kind:        wire.KindReply,
		To:          env.From,
		Correlation: env.Correlation,
	})
}
