package wire

import "encoding/binary"

// Handler dispatch is by message tag, not method name: every Send/Tell
// payload is prefixed with the tag the destination class registered its
// handler under. Layout: tag_len u16 | tag | body.

// EncodeTagged prefixes a message body with its dispatch tag.
func EncodeTagged(tag string, body []byte) []byte {
	buf := make([]byte, 0, 2+len(tag)+len(body))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(tag)))
	buf = append(buf, tag...)
	buf = append(buf, body...)

	return buf
}

// DecodeTagged splits a tagged payload into its dispatch tag and body. The
// body aliases the input.
func DecodeTagged(payload []byte) (string, []byte, error) {
	if len(payload) < 2 {
		return "", nil, NewError(
			KindProtocolError, "truncated tagged payload",
		)
	}

	tagLen := int(binary.BigEndian.Uint16(payload))
	if len(payload) < 2+tagLen {
		return "", nil, NewError(
			KindProtocolError, "truncated message tag",
		)
	}

	return string(payload[2 : 2+tagLen]), payload[2+tagLen:], nil
}
