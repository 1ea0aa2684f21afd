package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/xosc/internal/wire"
)

// TestRegistryLookup tests id and name resolution for the built-in codecs.
func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"raw", "json", "proto"} {
		c, err := ByName(name)
		require.NoError(t, err)

		byID, err := ByID(c.ID())
		require.NoError(t, err)
		require.Equal(t, name, byID.Name())
	}

	_, err := ByID(200)
	require.Error(t, err)
	require.Equal(t, wire.KindUnsupportedCodec, wire.KindOf(err))

	_, err = ByName("msgpack")
	require.Error(t, err)
	require.Equal(t, wire.KindUnsupportedCodec, wire.KindOf(err))
}

// TestJSONCodec tests JSON round-trips through the registry.
func TestJSONCodec(t *testing.T) {
	t.Parallel()

	c, err := ByID(JSONID)
	require.NoError(t, err)

	payload, err := c.Encode(map[string]any{"n": 3.0, "s": "hi"})
	require.NoError(t, err)

	value, err := c.Decode(payload)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": 3.0, "s": "hi"}, value)

	_, err = c.Decode([]byte("{broken"))
	require.Error(t, err)
	require.Equal(t, wire.KindProtocolError, wire.KindOf(err))
}

// TestRawCodec tests that the raw codec only passes bytes through.
func TestRawCodec(t *testing.T) {
	t.Parallel()

	c, err := ByID(RawID)
	require.NoError(t, err)

	payload, err := c.Encode([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, payload)

	payload, err = c.Encode("text")
	require.NoError(t, err)
	require.Equal(t, []byte("text"), payload)

	_, err = c.Encode(42)
	require.Error(t, err)

	value, err := c.Decode([]byte{9})
	require.NoError(t, err)
	require.Equal(t, []byte{9}, value)
}
