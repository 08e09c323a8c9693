package isotp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleFrameRoundTrip(t *testing.T) {
	cfg := defaultConfig()
	body := []byte{1, 2, 3, 4, 5, 6, 7}
	raw, ok := encodeSingleFrame(cfg, body)
	require.True(t, ok)
	assert.Equal(t, byte(0x07), raw[0])

	got, err := decodeSingleFrame(cfg, raw)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestSingleFrameRejectsOverLength(t *testing.T) {
	cfg := defaultConfig()
	_, ok := encodeSingleFrame(cfg, make([]byte, 8))
	assert.False(t, ok)
}

func TestSingleFrameFDEscape(t *testing.T) {
	cfg := defaultConfig()
	cfg.fd = true
	cfg.maxDLen = 64
	body := make([]byte, 20)
	for i := range body {
		body[i] = byte(i)
	}
	raw, ok := encodeSingleFrame(cfg, body)
	require.True(t, ok)
	assert.Equal(t, byte(0x00), raw[0])
	assert.Equal(t, byte(20), raw[1])

	got, err := decodeSingleFrame(cfg, raw)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestFirstFrameRoundTrip(t *testing.T) {
	cfg := defaultConfig()
	body := make([]byte, 20)
	for i := range body {
		body[i] = byte(i)
	}
	hdrAndData := encodeFirstFrame(cfg, uint32(len(body)), body)
	assert.Len(t, hdrAndData, 8)

	totalLen, chunk, err := decodeFirstFrame(cfg, hdrAndData)
	require.NoError(t, err)
	assert.EqualValues(t, 20, totalLen)
	assert.Equal(t, body[:6], chunk)
}

func TestFirstFrameEscapeForLargeDatagrams(t *testing.T) {
	cfg := defaultConfig()
	cfg.fd = true
	cfg.maxDLen = 64
	body := make([]byte, 5000)
	hdrAndData := encodeFirstFrame(cfg, uint32(len(body)), body)
	assert.Equal(t, byte(0x10), hdrAndData[0])
	assert.Equal(t, byte(0x00), hdrAndData[1])

	totalLen, _, err := decodeFirstFrame(cfg, hdrAndData)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, totalLen)
}

func TestConsecutiveFrameRoundTrip(t *testing.T) {
	chunk := []byte{10, 11, 12, 13, 14, 15, 16}
	raw := encodeConsecutiveFrame(3, chunk)
	seq, got, err := decodeConsecutiveFrame(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 3, seq)
	assert.Equal(t, chunk, got)
}

func TestFlowControlRoundTrip(t *testing.T) {
	raw := encodeFlowControl(ContinueToSend, 8, 0x0A)
	status, bs, stmin, err := decodeFlowControl(raw)
	require.NoError(t, err)
	assert.Equal(t, ContinueToSend, status)
	assert.EqualValues(t, 8, bs)
	assert.Equal(t, 10*time.Millisecond, stmin)
}

func TestFlowControlSubMillisecondSTmin(t *testing.T) {
	raw := encodeFlowControl(ContinueToSend, 0, 0xF5)
	_, _, stmin, err := decodeFlowControl(raw)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Microsecond, stmin)
}

func TestEncodeSTminRoundTrips(t *testing.T) {
	cases := []time.Duration{0, time.Millisecond, 50 * time.Millisecond, 127 * time.Millisecond, 200 * time.Microsecond}
	for _, d := range cases {
		b := encodeSTmin(d)
		_, _, got, err := decodeFlowControl([]byte{byte(typeFlowControl) << 4, 0, b})
		require.NoError(t, err)
		assert.LessOrEqual(t, got, d+time.Millisecond)
	}
}

func TestDecodeFlowControlRejectsBadSTmin(t *testing.T) {
	_, _, _, err := decodeFlowControl([]byte{byte(typeFlowControl) << 4, 0, 0x80})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
