package codec

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/roasbeef/xosc/internal/wire"
)

// jsonAPI is configured for standard-library compatibility so payloads
// interoperate with peers using encoding/json.
var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonCodec serializes arbitrary values as JSON. It is the default payload
// codec.
type jsonCodec struct{}

// ID returns the codec id carried in envelope headers.
func (jsonCodec) ID() uint8 { return JSONID }

// Name returns the configuration name.
func (jsonCodec) Name() string { return "json" }

// Encode serializes a value into JSON payload bytes.
func (jsonCodec) Encode(value any) ([]byte, error) {
	payload, err := jsonAPI.Marshal(value)
	if err != nil {
		return nil, wire.NewError(
			wire.KindInternal, "json encode: %v", err,
		)
	}

	return payload, nil
}

// Decode deserializes JSON payload bytes into an any value.
func (jsonCodec) Decode(payload []byte) (any, error) {
	var value any
	if err := jsonAPI.Unmarshal(payload, &value); err != nil {
		return nil, wire.NewError(
			wire.KindProtocolError, "json decode: %v", err,
		)
	}

	return value, nil
}

// rawCodec passes []byte payloads through untouched. Used by callers that
// do their own serialization and by the in-process transport.
type rawCodec struct{}

// ID returns the codec id carried in envelope headers.
func (rawCodec) ID() uint8 { return RawID }

// Name returns the configuration name.
func (rawCodec) Name() string { return "raw" }

// Encode accepts []byte and string values only.
func (rawCodec) Encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, wire.NewError(
			wire.KindInternal,
			"raw codec requires []byte or string, got %T", value,
		)
	}
}

// Decode returns the payload bytes unchanged.
func (rawCodec) Decode(payload []byte) (any, error) {
	return payload, nil
}
