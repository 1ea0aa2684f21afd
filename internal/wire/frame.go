package wire

import (
	"encoding/binary"
	"io"
)

// Frame layout:
//
//	magic      : 4 bytes "XOSC"
//	total_len  : u32 big-endian, header + payload length
//	header_len : u16 big-endian
//	header     : header_len bytes
//	payload    : total_len - header_len bytes
//
// The header packs the fixed fields in order, then a presence bitmap
// followed by the optional fields it announces:
//
//	envelope_id u64 | kind u8 | codec_id u8 | flags u16 | presence u8
//	[correlation u64] [deadline u64] [from ref] to ref
//
// A ref is: addr_len u16 | addr | uid_len u16 | uid | proxy_version u32.

// Magic identifies an XOSC frame.
var Magic = [4]byte{0x58, 0x4F, 0x53, 0x43}

// DefaultMaxEnvelopeSize caps the total frame size unless overridden by
// configuration.
const DefaultMaxEnvelopeSize = 256 << 20

// frameHeadLen is the fixed preamble before the header bytes.
const frameHeadLen = 4 + 4 + 2

// Presence bits in the header bitmap.
const (
	presCorrelation = 1 << 0
	presDeadline    = 1 << 1
	presFrom        = 1 << 2
)

func appendRef(buf []byte, ref ActorRef) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(ref.Address)))
	buf = append(buf, ref.Address...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(ref.UID)))
	buf = append(buf, ref.UID...)
	buf = binary.BigEndian.AppendUint32(buf, ref.ProxyVersion)

	return buf
}

func consumeRef(buf []byte) (ActorRef, []byte, error) {
	var ref ActorRef

	short := NewError(KindProtocolError, "truncated actor ref")

	if len(buf) < 2 {
		return ref, nil, short
	}
	addrLen := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < addrLen {
		return ref, nil, short
	}
	ref.Address = string(buf[:addrLen])
	buf = buf[addrLen:]

	if len(buf) < 2 {
		return ref, nil, short
	}
	uidLen := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if uidLen > MaxUIDLen {
		return ref, nil, NewError(
			KindProtocolError, "uid length %d exceeds %d",
			uidLen, MaxUIDLen,
		)
	}
	if len(buf) < uidLen {
		return ref, nil, short
	}
	ref.UID = string(buf[:uidLen])
	buf = buf[uidLen:]

	if len(buf) < 4 {
		return ref, nil, short
	}
	ref.ProxyVersion = binary.BigEndian.Uint32(buf)

	return ref, buf[4:], nil
}

// EncodeFrame serializes the envelope into a single wire frame. Envelopes
// whose encoded size would exceed maxSize fail with PayloadTooLarge before
// any bytes are produced. Envelopes carrying FlagCodecBypass never hit the
// wire and are rejected with ProtocolError.
func EncodeFrame(env *Envelope, maxSize int) ([]byte, error) {
	if env.Flags&FlagCodecBypass != 0 {
		return nil, NewError(
			KindProtocolError,
			"codec-bypass envelope cannot be framed",
		)
	}
	if len(env.To.UID) > MaxUIDLen || len(env.From.UID) > MaxUIDLen {
		return nil, NewError(
			KindProtocolError, "uid exceeds %d bytes", MaxUIDLen,
		)
	}

	header := make([]byte, 0, 64)
	header = binary.BigEndian.AppendUint64(header, env.ID)
	header = append(header, byte(env.Kind), env.CodecID)
	header = binary.BigEndian.AppendUint16(header, uint16(env.Flags))

	var presence byte
	if env.Correlation != 0 {
		presence |= presCorrelation
	}
	if env.Deadline != 0 {
		presence |= presDeadline
	}
	if !env.From.IsZero() {
		presence |= presFrom
	}
	header = append(header, presence)

	if presence&presCorrelation != 0 {
		header = binary.BigEndian.AppendUint64(header, env.Correlation)
	}
	if presence&presDeadline != 0 {
		header = binary.BigEndian.AppendUint64(
			header, uint64(env.Deadline),
		)
	}
	if presence&presFrom != 0 {
		header = appendRef(header, env.From)
	}
	header = appendRef(header, env.To)

	totalLen := len(header) + len(env.Payload)
	if maxSize > 0 && frameHeadLen+totalLen > maxSize {
		return nil, NewError(
			KindPayloadTooLarge,
			"envelope size %d exceeds limit %d",
			frameHeadLen+totalLen, maxSize,
		)
	}

	frame := make([]byte, 0, frameHeadLen+totalLen)
	frame = append(frame, Magic[:]...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(totalLen))
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(header)))
	frame = append(frame, header...)
	frame = append(frame, env.Payload...)

	return frame, nil
}

// DecodeFrame parses a complete frame back into an envelope. The input must
// contain exactly one frame.
func DecodeFrame(frame []byte) (*Envelope, error) {
	if len(frame) < frameHeadLen {
		return nil, NewError(
			KindProtocolError, "frame too short: %d bytes",
			len(frame),
		)
	}
	if [4]byte(frame[:4]) != Magic {
		return nil, NewError(KindProtocolError, "bad frame magic")
	}

	totalLen := int(binary.BigEndian.Uint32(frame[4:8]))
	headerLen := int(binary.BigEndian.Uint16(frame[8:10]))
	if len(frame) != frameHeadLen+totalLen || headerLen > totalLen {
		return nil, NewError(
			KindProtocolError,
			"frame length mismatch: total=%d header=%d have=%d",
			totalLen, headerLen, len(frame),
		)
	}

	header := frame[frameHeadLen : frameHeadLen+headerLen]
	payload := frame[frameHeadLen+headerLen:]

	return decodeHeader(header, payload)
}

func decodeHeader(header, payload []byte) (*Envelope, error) {
	short := NewError(KindProtocolError, "truncated frame header")

	if len(header) < 8+1+1+2+1 {
		return nil, short
	}

	env := &Envelope{
		ID:      binary.BigEndian.Uint64(header[:8]),
		Kind:    Kind(header[8]),
		CodecID: header[9],
		Flags:   Flags(binary.BigEndian.Uint16(header[10:12])),
	}
	if env.Kind < KindSend || env.Kind > KindControl {
		return nil, NewError(
			KindProtocolError, "unknown envelope kind %d",
			uint8(env.Kind),
		)
	}

	presence := header[12]
	rest := header[13:]

	var err error
	if presence&presCorrelation != 0 {
		if len(rest) < 8 {
			return nil, short
		}
		env.Correlation = binary.BigEndian.Uint64(rest)
		rest = rest[8:]
	}
	if presence&presDeadline != 0 {
		if len(rest) < 8 {
			return nil, short
		}
		env.Deadline = int64(binary.BigEndian.Uint64(rest))
		rest = rest[8:]
	}
	if presence&presFrom != 0 {
		env.From, rest, err = consumeRef(rest)
		if err != nil {
			return nil, err
		}
	}
	env.To, rest, err = consumeRef(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, NewError(
			KindProtocolError, "%d trailing header bytes",
			len(rest),
		)
	}

	if len(payload) > 0 {
		env.Payload = make([]byte, len(payload))
		copy(env.Payload, payload)
	}

	return env, nil
}

// ReadFrame reads one length-delimited frame from r and decodes it. maxSize
// bounds the accepted frame size; oversized or malformed preambles fail
// with ProtocolError so the channel can tear down rather than lose sync.
func ReadFrame(r io.Reader, maxSize int) (*Envelope, error) {
	var head [frameHeadLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	if [4]byte(head[:4]) != Magic {
		return nil, NewError(KindProtocolError, "bad frame magic")
	}

	totalLen := int(binary.BigEndian.Uint32(head[4:8]))
	if maxSize > 0 && frameHeadLen+totalLen > maxSize {
		return nil, NewError(
			KindProtocolError,
			"inbound frame size %d exceeds limit %d",
			frameHeadLen+totalLen, maxSize,
		)
	}

	body := make([]byte, totalLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	headerLen := int(binary.BigEndian.Uint16(head[8:10]))
	if headerLen > totalLen {
		return nil, NewError(
			KindProtocolError,
			"header length %d exceeds frame length %d",
			headerLen, totalLen,
		)
	}

	return decodeHeader(body[:headerLen], body[headerLen:])
}
