package dispatch

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/xosc/internal/wire"
)

// Sender is the slice of the router the dispatcher needs. Satisfied by
// *router.Router.
type Sender interface {
	// Ask sends a request envelope and returns a future for the
	// correlated reply.
	Ask(ctx context.Context,
		env *wire.Envelope) Future[*wire.Envelope]

	// PublicAddress is the reply-to address stamped on outbound
	// envelopes.
	PublicAddress() wire.Address
}

// Batch coalesces logical calls to one actor into a single envelope. The
// destination processes the items in order; a failing item never aborts
// the items after it, and cancelling the batch cancels every item that
// has not begun executing.
type Batch struct {
	to    wire.ActorRef
	items [][]byte
}

// NewBatch starts an empty batch for the destination actor.
func NewBatch(to wire.ActorRef) *Batch {
	return &Batch{to: to}
}

// Add appends one logical call and returns its index in the results.
func (b *Batch) Add(tag string, body []byte) int {
	b.items = append(b.items, wire.EncodeTagged(tag, body))
	return len(b.items) - 1
}

// Len returns the number of coalesced calls.
func (b *Batch) Len() int {
	return len(b.items)
}

// Send delivers the batch as one envelope and returns a future for the
// ordered per-item results.
func (b *Batch) Send(ctx context.Context,
	s Sender) Future[[]wire.BatchResult] {

	promise := NewPromise[[]wire.BatchResult]()

	if len(b.items) == 0 {
		promise.Complete(fn.Ok([]wire.BatchResult{}))
		return promise.Future()
	}

	env := &wire.Envelope{
		Kind:    wire.KindSend,
		From:    wire.ActorRef{Address: s.PublicAddress().String()},
		To:      b.to,
		Flags:   wire.FlagBatch,
		Payload: wire.EncodeBatch(b.items),
	}

	s.Ask(ctx, env).OnComplete(
		context.Background(),
		func(res fn.Result[*wire.Envelope]) {
			reply, err := res.Unpack()
			if err != nil {
				promise.Complete(
					fn.Err[[]wire.BatchResult](err),
				)

				return
			}

			results, err := wire.DecodeBatchResults(reply.Payload)
			if err != nil {
				promise.Complete(
					fn.Err[[]wire.BatchResult](err),
				)

				return
			}

			promise.Complete(fn.Ok(results))
		},
	)

	return promise.Future()
}

// Call sends one request and blocks for the reply payload.
func Call(ctx context.Context, s Sender, to wire.ActorRef, tag string,
	body []byte) ([]byte, error) {

	env := &wire.Envelope{
		Kind:    wire.KindSend,
		From:    wire.ActorRef{Address: s.PublicAddress().String()},
		To:      to,
		Payload: wire.EncodeTagged(tag, body),
	}

	reply, err := s.Ask(ctx, env).Await(ctx).Unpack()
	if err != nil {
		return nil, err
	}

	return reply.Payload, nil
}

// ParallelCall issues the same request to several actors concurrently and
// collects the results in ref order.
func ParallelCall(ctx context.Context, s Sender, refs []wire.ActorRef,
	tag string, body []byte) []fn.Result[[]byte] {

	futures := make([]Future[*wire.Envelope], len(refs))
	for i, to := range refs {
		env := &wire.Envelope{
			Kind: wire.KindSend,
			From: wire.ActorRef{
				Address: s.PublicAddress().String(),
			},
			To:      to,
			Payload: wire.EncodeTagged(tag, body),
		}
		futures[i] = s.Ask(ctx, env)
	}

	results := make([]fn.Result[[]byte], len(futures))
	for i, future := range futures {
		reply, err := future.Await(ctx).Unpack()
		if err != nil {
			results[i] = fn.Err[[]byte](err)
			continue
		}

		results[i] = fn.Ok(reply.Payload)
	}

	return results
}
