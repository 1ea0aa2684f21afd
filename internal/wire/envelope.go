// Package wire defines the envelope model, the XOSC framing codec, the
// address syntax, and the error taxonomy shared by every layer of the
// runtime. Everything that crosses a process boundary is expressed in the
// types of this package.
package wire

import (
	"fmt"
	"time"
)

// ProtocolVersion is the wire protocol version exchanged during the channel
// handshake. Peers with mismatched versions refuse the connection.
const ProtocolVersion uint16 = 1

// MaxUIDLen bounds the size of an actor uid on the wire.
const MaxUIDLen = 64

// Kind discriminates the envelope types carried on a channel.
type Kind uint8

const (
	// KindSend is a request that expects a reply.
	KindSend Kind = 1

	// KindTell is fire-and-forget.
	KindTell Kind = 2

	// KindReply carries a successful response, matched by correlation id.
	KindReply Kind = 3

	// KindError carries a failed response, matched by correlation id.
	KindError Kind = 4

	// KindCancel asks the destination to drop or interrupt a prior Send.
	KindCancel Kind = 5

	// KindControl carries runtime-internal traffic: handshake, heartbeat,
	// lifecycle and pool management messages.
	KindControl Kind = 6
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSend:
		return "Send"
	case KindTell:
		return "Tell"
	case KindReply:
		return "Reply"
	case KindError:
		return "Error"
	case KindCancel:
		return "Cancel"
	case KindControl:
		return "Control"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Flags carries per-envelope option bits.
type Flags uint16

const (
	// FlagCodecBypass marks a payload that was never serialized. Only the
	// in-process transport sets it; stream transports reject it.
	FlagCodecBypass Flags = 1 << 0

	// FlagTellAck requests an empty Reply once a Tell has been enqueued
	// at the destination. Without it, Tell is strictly fire-and-forget.
	FlagTellAck Flags = 1 << 1

	// FlagBatch marks a payload holding an ordered list of sub-payloads
	// coalesced by the batch dispatcher.
	FlagBatch Flags = 1 << 2
)

// ActorRef is an opaque, value-typed handle to a live actor. Refs are cheap
// to copy and carry no lifetime tie to the referent; resolution always goes
// through the registry on the owning node. Equality is structural over
// (UID, Address).
type ActorRef struct {
	// UID uniquely identifies the actor within its owning pool. At most
	// MaxUIDLen bytes.
	UID string

	// Address is the owning pool endpoint, e.g. "tcp://host:port" or
	// "tcp://host:port/subpool/3".
	Address string

	// ProxyVersion invalidates routing caches after the owning sub-pool
	// restarts. It does not participate in equality.
	ProxyVersion uint32
}

// IsZero reports whether the ref is the absent value.
func (r ActorRef) IsZero() bool {
	return r.UID == "" && r.Address == ""
}

// Equal reports structural equality over (UID, Address).
func (r ActorRef) Equal(other ActorRef) bool {
	return r.UID == other.UID && r.Address == other.Address
}

// String renders the ref for logging.
func (r ActorRef) String() string {
	return r.Address + "#" + r.UID
}

// Envelope is the framed, typed message unit exchanged between processes.
// A zero Correlation means "absent"; correlation ids are allocated starting
// at 1. A zero Deadline means no deadline.
type Envelope struct {
	// ID is unique per sending process.
	ID uint64

	// Kind discriminates the envelope type.
	Kind Kind

	// From identifies the sending actor, if any.
	From ActorRef

	// To identifies the destination actor. Required for all kinds except
	// channel-internal control traffic.
	To ActorRef

	// Correlation ties a Reply, Error or Cancel to its originating Send.
	Correlation uint64

	// Deadline is the absolute expiry in unix nanoseconds, 0 if none.
	Deadline int64

	// CodecID selects the payload codec.
	CodecID uint8

	// Flags carries option bits.
	Flags Flags

	// Payload is the serialized message body. When FlagCodecBypass is
	// set the bytes were never produced by a codec and must not leave
	// the process.
	Payload []byte
}

// ExpiresAt returns the deadline as a time.Time and whether one is set.
func (e *Envelope) ExpiresAt() (time.Time, bool) {
	if e.Deadline == 0 {
		return time.Time{}, false
	}

	return time.Unix(0, e.Deadline), true
}

// Expired reports whether the envelope deadline has passed at now.
func (e *Envelope) Expired(now time.Time) bool {
	return e.Deadline != 0 && now.UnixNano() > e.Deadline
}
