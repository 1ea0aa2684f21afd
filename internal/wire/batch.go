package wire

import "encoding/binary"

// Batch payload layout: count u32, then per item len u32 | bytes. A batch
// result payload reuses the same framing with a leading status byte per
// item (0 = value, 1 = encoded Error), so a mid-batch failure never aborts
// the items after it.

// BatchResult is one entry of a batch reply: either a value payload or a
// per-item error.
type BatchResult struct {
	// Err is the per-item failure, nil on success.
	Err *Error

	// Payload is the encoded sub-result when Err is nil.
	Payload []byte
}

// EncodeBatch packs ordered sub-payloads into a single batch payload.
func EncodeBatch(items [][]byte) []byte {
	size := 4
	for _, item := range items {
		size += 4 + len(item)
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(items)))
	for _, item := range items {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(item)))
		buf = append(buf, item...)
	}

	return buf
}

// DecodeBatch unpacks a batch payload into its ordered sub-payloads.
func DecodeBatch(payload []byte) ([][]byte, error) {
	short := NewError(KindProtocolError, "truncated batch payload")

	if len(payload) < 4 {
		return nil, short
	}
	count := int(binary.BigEndian.Uint32(payload))
	payload = payload[4:]

	items := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(payload) < 4 {
			return nil, short
		}
		n := int(binary.BigEndian.Uint32(payload))
		payload = payload[4:]
		if len(payload) < n {
			return nil, short
		}

		item := make([]byte, n)
		copy(item, payload[:n])
		items = append(items, item)
		payload = payload[n:]
	}
	if len(payload) != 0 {
		return nil, NewError(
			KindProtocolError, "%d trailing batch bytes",
			len(payload),
		)
	}

	return items, nil
}

// EncodeBatchResults packs per-item results into a batch reply payload.
func EncodeBatchResults(results []BatchResult) []byte {
	buf := binary.BigEndian.AppendUint32(nil, uint32(len(results)))
	for _, res := range results {
		item := res.Payload
		status := byte(0)
		if res.Err != nil {
			status = 1
			item = EncodeError(res.Err)
		}

		buf = append(buf, status)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(item)))
		buf = append(buf, item...)
	}

	return buf
}

// DecodeBatchResults unpacks a batch reply payload.
func DecodeBatchResults(payload []byte) ([]BatchResult, error) {
	short := NewError(KindProtocolError, "truncated batch result payload")

	if len(payload) < 4 {
		return nil, short
	}
	count := int(binary.BigEndian.Uint32(payload))
	payload = payload[4:]

	results := make([]BatchResult, 0, count)
	for i := 0; i < count; i++ {
		if len(payload) < 5 {
			return nil, short
		}
		status := payload[0]
		n := int(binary.BigEndian.Uint32(payload[1:5]))
		payload = payload[5:]
		if len(payload) < n {
			return nil, short
		}

		var res BatchResult
		if status == 1 {
			werr, err := DecodeError(payload[:n])
			if err != nil {
				return nil, err
			}
			res.Err = werr
		} else {
			res.Payload = make([]byte, n)
			copy(res.Payload, payload[:n])
		}

		results = append(results, res)
		payload = payload[n:]
	}

	return results, nil
}
