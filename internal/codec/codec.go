// Package codec provides the pluggable payload (de)serializers selected by
// the codec id of an envelope header. The runtime ships a raw passthrough,
// a JSON codec, and a protobuf codec; additional codecs register at init
// time.
package codec

import (
	"sync"

	"github.com/roasbeef/xosc/internal/wire"
)

// Well-known codec ids.
const (
	// RawID passes []byte payloads through untouched.
	RawID uint8 = 0

	// JSONID serializes any value as JSON.
	JSONID uint8 = 1

	// ProtoID serializes proto.Message payloads.
	ProtoID uint8 = 2
)

// Codec serializes message payloads. Implementations must be safe for
// concurrent use.
type Codec interface {
	// ID returns the codec id carried in envelope headers.
	ID() uint8

	// Name returns the codec name used in configuration.
	Name() string

	// Encode serializes a value into payload bytes.
	Encode(value any) ([]byte, error)

	// Decode deserializes payload bytes. The returned value's concrete
	// type is codec-specific: raw yields []byte, JSON yields the result
	// of unmarshalling into any.
	Decode(payload []byte) (any, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[uint8]Codec)
	byName     = make(map[string]Codec)
)

// Register adds a codec to the process-wide table. Registering a duplicate
// id panics: codec ids are wire constants and a collision is a programming
// error.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[c.ID()]; exists {
		panic("codec: duplicate codec id " + c.Name())
	}

	registry[c.ID()] = c
	byName[c.Name()] = c
}

// ByID resolves a codec by its wire id. Unknown ids fail with
// UnsupportedCodec.
func ByID(id uint8) (Codec, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	c, ok := registry[id]
	if !ok {
		return nil, wire.NewError(
			wire.KindUnsupportedCodec, "unknown codec id %d", id,
		)
	}

	return c, nil
}

// ByName resolves a codec by its configuration name.
func ByName(name string) (Codec, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	c, ok := byName[name]
	if !ok {
		return nil, wire.NewError(
			wire.KindUnsupportedCodec, "unknown codec %q", name,
		)
	}

	return c, nil
}

func init() {
	Register(rawCodec{})
	Register(jsonCodec{})
	Register(protoCodec{})
}
