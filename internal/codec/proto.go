package codec

import (
	"google.golang.org/protobuf/proto"

	"github.com/roasbeef/xosc/internal/wire"
)

// protoCodec serializes proto.Message payloads. Decoding requires the
// caller to supply the target message, so the generic Decode surface
// returns the raw bytes; use DecodeProto with a concrete message type.
type protoCodec struct{}

// ID returns the codec id carried in envelope headers.
func (protoCodec) ID() uint8 { return ProtoID }

// Name returns the configuration name.
func (protoCodec) Name() string { return "proto" }

// Encode serializes a proto.Message value.
func (protoCodec) Encode(value any) ([]byte, error) {
	msg, ok := value.(proto.Message)
	if !ok {
		return nil, wire.NewError(
			wire.KindInternal,
			"proto codec requires proto.Message, got %T", value,
		)
	}

	payload, err := proto.Marshal(msg)
	if err != nil {
		return nil, wire.NewError(
			wire.KindInternal, "proto encode: %v", err,
		)
	}

	return payload, nil
}

// Decode returns the payload bytes for the caller to unmarshal into a
// concrete message via DecodeProto. Protobuf wire data is not
// self-describing, so a generic decode cannot produce a typed value.
func (protoCodec) Decode(payload []byte) (any, error) {
	return payload, nil
}

// DecodeProto unmarshals a proto payload into the supplied message.
func DecodeProto(payload []byte, msg proto.Message) error {
	if err := proto.Unmarshal(payload, msg); err != nil {
		return wire.NewError(
			wire.KindProtocolError, "proto decode: %v", err,
		)
	}

	return nil
}
