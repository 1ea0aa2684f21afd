package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrorKind is the stable numeric code of a runtime error on the wire.
type ErrorKind uint16

const (
	// KindActorNotFound: the destination uid resolves to nothing on the
	// owning node.
	KindActorNotFound ErrorKind = 1

	// KindDuplicate: create_actor was given a uid that already exists.
	KindDuplicate ErrorKind = 2

	// KindPeerGone: the channel to the destination died before a reply
	// arrived.
	KindPeerGone ErrorKind = 3

	// KindTimeout: the per-call deadline expired.
	KindTimeout ErrorKind = 4

	// KindCancelled: the call was cancelled by the caller.
	KindCancelled ErrorKind = 5

	// KindBackpressure: the outbound queue high-water mark was exceeded
	// and the call carried a deadline, so it failed instead of waiting.
	KindBackpressure ErrorKind = 6

	// KindPayloadTooLarge: the encoded envelope exceeds the configured
	// maximum size.
	KindPayloadTooLarge ErrorKind = 7

	// KindUnsupportedCodec: the codec id in the header is unknown to the
	// receiving process.
	KindUnsupportedCodec ErrorKind = 8

	// KindReentrancy: a handler issued a synchronous call to its own
	// actor.
	KindReentrancy ErrorKind = 9

	// KindSubPoolLost: the sub-process hosting the actor died.
	KindSubPoolLost ErrorKind = 10

	// KindActorFailed: the actor was quarantined after repeated handler
	// failures and its inbox drained.
	KindActorFailed ErrorKind = 11

	// KindProtocolError: malformed frame, bad magic, handshake mismatch.
	KindProtocolError ErrorKind = 12

	// KindInternal: a runtime invariant was violated. Fatal to the
	// current handler only, never to the process.
	KindInternal ErrorKind = 13
)

var errKindNames = map[ErrorKind]string{
	KindActorNotFound:    "ActorNotFound",
	KindDuplicate:        "Duplicate",
	KindPeerGone:         "PeerGone",
	KindTimeout:          "Timeout",
	KindCancelled:        "Cancelled",
	KindBackpressure:     "Backpressure",
	KindPayloadTooLarge:  "PayloadTooLarge",
	KindUnsupportedCodec: "UnsupportedCodec",
	KindReentrancy:       "Reentrancy",
	KindSubPoolLost:      "SubPoolLost",
	KindActorFailed:      "ActorFailed",
	KindProtocolError:    "ProtocolError",
	KindInternal:         "Internal",
}

// String returns the symbolic name of the error kind.
func (k ErrorKind) String() string {
	if name, ok := errKindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("ErrorKind(%d)", uint16(k))
}

// Error is a runtime error with a stable wire code and a human-readable
// reason. It is the payload of every KindError envelope.
type Error struct {
	// Kind is the stable numeric code.
	Kind ErrorKind

	// Reason is a human-readable description. Not machine-parsed.
	Reason string
}

// NewError constructs an Error with a formatted reason.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind:   kind,
		Reason: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}

	return e.Kind.String() + ": " + e.Reason
}

// Is lets errors.Is match two wire errors by kind alone, so callers can
// write errors.Is(err, &wire.Error{Kind: wire.KindTimeout}).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}

	return e.Kind == other.Kind
}

// KindOf extracts the ErrorKind from any error. Errors that did not
// originate as wire errors map to KindInternal.
func KindOf(err error) ErrorKind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}

	return KindInternal
}

// AsError coerces any error into a wire Error, wrapping foreign errors as
// KindInternal so they can travel as an Error envelope payload.
func AsError(err error) *Error {
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}

	return &Error{Kind: KindInternal, Reason: err.Error()}
}

// EncodeError serializes an Error as a KindError envelope payload: a 2-byte
// big-endian kind followed by the UTF-8 reason.
func EncodeError(e *Error) []byte {
	buf := make([]byte, 2+len(e.Reason))
	binary.BigEndian.PutUint16(buf[:2], uint16(e.Kind))
	copy(buf[2:], e.Reason)

	return buf
}

// DecodeError parses a KindError envelope payload.
func DecodeError(payload []byte) (*Error, error) {
	if len(payload) < 2 {
		return nil, NewError(
			KindProtocolError, "error payload too short: %d bytes",
			len(payload),
		)
	}

	return &Error{
		Kind:   ErrorKind(binary.BigEndian.Uint16(payload[:2])),
		Reason: string(payload[2:]),
	}, nil
}
