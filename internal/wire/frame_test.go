package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestFrameRoundTrip tests that a fully populated envelope survives
// encode/decode unchanged.
func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	env := &Envelope{
		ID:          42,
		Kind:        KindSend,
		From:        ActorRef{UID: "caller", Address: "tcp://a:1"},
		To:          ActorRef{UID: "echo", Address: "tcp://b:2/subpool/3"},
		Correlation: 7,
		Deadline:    1234567890,
		CodecID:     1,
		Flags:       FlagBatch,
		Payload:     []byte("hello"),
	}

	frame, err := EncodeFrame(env, DefaultMaxEnvelopeSize)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(frame, Magic[:]))

	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, env, decoded)
}

// TestFrameRoundTripProperty exercises the frame codec across randomized
// envelopes: decode(encode(e)) == e for every envelope that passes the
// pre-send size checks.
func TestFrameRoundTripProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		env := &Envelope{
			ID:   rapid.Uint64().Draw(rt, "id"),
			Kind: Kind(rapid.IntRange(1, 6).Draw(rt, "kind")),
			To: ActorRef{
				UID: rapid.StringMatching(
					`[a-z0-9]{0,64}`,
				).Draw(rt, "to_uid"),
				Address: "tcp://" + rapid.StringMatching(
					`[a-z0-9:.]{1,32}`,
				).Draw(rt, "to_addr"),
				ProxyVersion: rapid.Uint32().Draw(rt, "pv"),
			},
			Correlation: rapid.Uint64().Draw(rt, "corr"),
			Deadline:    rapid.Int64Min(0).Draw(rt, "deadline"),
			CodecID:     rapid.Uint8().Draw(rt, "codec"),
			Flags: Flags(
				rapid.Uint16Range(0, 6).Draw(rt, "flags"),
			) &^ FlagCodecBypass,
			Payload: rapid.SliceOfN(
				rapid.Byte(), 0, 1<<10,
			).Draw(rt, "payload"),
		}
		if rapid.Bool().Draw(rt, "has_from") {
			env.From = ActorRef{
				UID:     "src",
				Address: "inproc://p0",
			}
		}
		if len(env.Payload) == 0 {
			env.Payload = nil
		}

		frame, err := EncodeFrame(env, DefaultMaxEnvelopeSize)
		if err != nil {
			rt.Fatalf("encode failed: %v", err)
		}

		decoded, err := DecodeFrame(frame)
		if err != nil {
			rt.Fatalf("decode failed: %v", err)
		}
		if !env.To.Equal(decoded.To) || decoded.ID != env.ID {
			rt.Fatalf("mismatch: %+v != %+v", decoded, env)
		}
		if !bytes.Equal(decoded.Payload, env.Payload) {
			rt.Fatalf("payload mismatch")
		}
		if decoded.Correlation != env.Correlation ||
			decoded.Deadline != env.Deadline ||
			decoded.Flags != env.Flags ||
			decoded.CodecID != env.CodecID {

			rt.Fatalf("header mismatch: %+v != %+v", decoded, env)
		}
	})
}

// TestFrameSizeLimit tests that oversized envelopes are rejected before
// send with PayloadTooLarge.
func TestFrameSizeLimit(t *testing.T) {
	t.Parallel()

	env := &Envelope{
		ID:      1,
		Kind:    KindSend,
		To:      ActorRef{UID: "a", Address: "tcp://b:1"},
		Payload: make([]byte, 1024),
	}

	_, err := EncodeFrame(env, 128)
	require.Error(t, err)
	require.Equal(t, KindPayloadTooLarge, KindOf(err))
}

// TestFrameRejectsCodecBypass tests that in-memory-only envelopes never
// reach the wire.
func TestFrameRejectsCodecBypass(t *testing.T) {
	t.Parallel()

	env := &Envelope{
		ID:    1,
		Kind:  KindTell,
		To:    ActorRef{UID: "a", Address: "inproc://p0"},
		Flags: FlagCodecBypass,
	}

	_, err := EncodeFrame(env, DefaultMaxEnvelopeSize)
	require.Error(t, err)
	require.Equal(t, KindProtocolError, KindOf(err))
}

// TestReadFrame tests frame extraction from a stream containing multiple
// frames back to back.
func TestReadFrame(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	for i := uint64(1); i <= 3; i++ {
		env := &Envelope{
			ID:      i,
			Kind:    KindTell,
			To:      ActorRef{UID: "ctr", Address: "unix:///tmp/b"},
			Payload: []byte{byte(i)},
		}
		frame, err := EncodeFrame(env, DefaultMaxEnvelopeSize)
		require.NoError(t, err)
		stream.Write(frame)
	}

	for i := uint64(1); i <= 3; i++ {
		env, err := ReadFrame(&stream, DefaultMaxEnvelopeSize)
		require.NoError(t, err)
		require.Equal(t, i, env.ID)
		require.Equal(t, []byte{byte(i)}, env.Payload)
	}
}

// TestReadFrameBadMagic tests that a corrupt preamble fails with
// ProtocolError rather than desyncing.
func TestReadFrameBadMagic(t *testing.T) {
	t.Parallel()

	_, err := ReadFrame(
		bytes.NewReader([]byte("garbage-not-a-frame")),
		DefaultMaxEnvelopeSize,
	)
	require.Error(t, err)
	require.Equal(t, KindProtocolError, KindOf(err))
}

// TestErrorRoundTrip tests the error payload codec and errors.Is matching
// by kind.
func TestErrorRoundTrip(t *testing.T) {
	t.Parallel()

	orig := NewError(KindPeerGone, "channel to %s died", "tcp://b:2")
	decoded, err := DecodeError(EncodeError(orig))
	require.NoError(t, err)
	require.Equal(t, orig.Kind, decoded.Kind)
	require.Equal(t, orig.Reason, decoded.Reason)

	require.True(t, errors.Is(decoded, &Error{Kind: KindPeerGone}))
	require.False(t, errors.Is(decoded, &Error{Kind: KindTimeout}))
	require.Equal(t, KindPeerGone, KindOf(decoded))
}
