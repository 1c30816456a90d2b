package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Purpose: Ping, Payload: []byte(`{"a":1}`)}
	encoded := Encode(f)
	decoded, err := DecodeOne(encoded)
	require.NoError(t, err)
	require.Equal(t, f.Purpose, decoded.Purpose)
	require.Equal(t, f.Payload, decoded.Payload)
}

func TestEncodeEmptyPayload(t *testing.T) {
	f := Frame{Purpose: DiscoverServer}
	encoded := Encode(f)
	require.Equal(t, "DISCOVER_SERVER 0 \n", string(encoded))
}

func TestDecoderStreamingArbitraryChunks(t *testing.T) {
	frames := []Frame{
		{Purpose: Ping},
		{Purpose: Message, Payload: []byte(`{"snowflake":1}`)},
		{Purpose: Pong},
	}
	var all []byte
	for _, f := range frames {
		all = append(all, Encode(f)...)
	}

	// Feed in arbitrarily small chunks to prove short reads don't break
	// correctness (spec.md §1, §8 framing invariants).
	d := NewDecoder()
	var got []Frame
	for i := 0; i < len(all); i++ {
		out, err := d.Feed(all[i : i+1])
		require.NoError(t, err)
		got = append(got, out...)
	}
	require.Len(t, got, len(frames))
	for i, f := range frames {
		require.Equal(t, f.Purpose, got[i].Purpose)
		require.Equal(t, f.Payload, got[i].Payload)
	}
	require.Equal(t, 0, d.buf.Len())
}

func TestDecoderEmptyResidualAfterFullBatch(t *testing.T) {
	f1 := Encode(Frame{Purpose: Ping})
	f2 := Encode(Frame{Purpose: Pong})
	d := NewDecoder()
	got, err := d.Feed(append(bytes.Clone(f1), f2...))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 0, d.buf.Len())
}

func TestMalformedFrameMissingNewline(t *testing.T) {
	bad := []byte("PING 3 abcX") // payload length 3 but terminator is 'X' not LF
	d := NewDecoder()
	_, err := d.Feed(bad)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestMalformedFrameMissingSpace(t *testing.T) {
	d := NewDecoder()
	// No space at all within a reasonable window — purpose token unterminated.
	_, err := d.Feed(bytes.Repeat([]byte("X"), 100))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestMalformedFrameEmptyPurpose(t *testing.T) {
	d := NewDecoder()
	_, err := d.Feed([]byte(" 3 abc\n"))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestFrameTooLarge(t *testing.T) {
	d := NewDecoder()
	_, err := d.Feed([]byte("PING 99999999 "))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestPartialFrameWaitsForMoreBytes(t *testing.T) {
	d := NewDecoder()
	out, err := d.Feed([]byte("PING 5 abc"))
	require.NoError(t, err)
	require.Empty(t, out)

	out, err = d.Feed([]byte("de\n"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, []byte("abcde"), out[0].Payload)
}
