package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// TestProtoCodec tests proto.Message payload round-trips.
func TestProtoCodec(t *testing.T) {
	t.Parallel()

	c, err := ByID(ProtoID)
	require.NoError(t, err)

	payload, err := c.Encode(wrapperspb.String("compute-0"))
	require.NoError(t, err)

	var decoded wrapperspb.StringValue
	require.NoError(t, DecodeProto(payload, &decoded))
	require.Equal(t, "compute-0", decoded.GetValue())

	// Non-proto values are rejected.
	_, err = c.Encode("plain string")
	require.Error(t, err)
}
