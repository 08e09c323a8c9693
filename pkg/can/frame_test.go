package can

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidDataLength(t *testing.T) {
	for _, n := range []int{0, 1, 8, 12, 64} {
		assert.True(t, IsValidDataLength(n), "expected %d to be valid", n)
	}
	for _, n := range []int{9, 10, 11, 13, 65, 100} {
		assert.False(t, IsValidDataLength(n), "expected %d to be invalid", n)
	}
}

func TestNextValidDataLength(t *testing.T) {
	assert.Equal(t, 0, NextValidDataLength(0))
	assert.Equal(t, 8, NextValidDataLength(8))
	assert.Equal(t, 12, NextValidDataLength(9))
	assert.Equal(t, 64, NextValidDataLength(50))
	assert.Equal(t, 64, NextValidDataLength(1000))
}

func TestIdentifierRange(t *testing.T) {
	_, err := NewStandardID(0x7FF)
	require.NoError(t, err)
	_, err = NewStandardID(0x800)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = NewExtendedID(0x1FFFFFFF)
	require.NoError(t, err)
	_, err = NewExtendedID(0x20000000)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestIdentifierCompare(t *testing.T) {
	lo, _ := NewStandardID(1)
	hi, _ := NewStandardID(2)
	ext, _ := NewExtendedID(0)

	assert.Equal(t, -1, lo.Compare(hi))
	assert.Equal(t, 1, hi.Compare(lo))
	assert.Equal(t, 0, lo.Compare(lo))
	assert.Equal(t, -1, hi.Compare(ext), "every standard id sorts before every extended id")
	assert.Equal(t, 1, ext.Compare(hi))
}

func TestNewFrameRejectsInvalidLength(t *testing.T) {
	id, _ := NewStandardID(0x100)
	_, err := NewFrame(0, id, make([]byte, 9))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestNewFrameDerivesFD(t *testing.T) {
	id, _ := NewStandardID(0x100)
	f, err := NewFrame(0, id, make([]byte, 8))
	require.NoError(t, err)
	assert.False(t, f.FD)

	f, err = NewFrame(0, id, make([]byte, 12))
	require.NoError(t, err)
	assert.True(t, f.FD)
}

func TestFrameEqualIgnoresLoopback(t *testing.T) {
	id, _ := NewStandardID(0x100)
	a, _ := NewFrame(0, id, []byte{1, 2, 3})
	b := a.WithLoopback(true)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Loopback)
	assert.True(t, b.Loopback)
}

func TestFrameDataIsCopied(t *testing.T) {
	id, _ := NewStandardID(0x100)
	data := []byte{1, 2, 3}
	f, err := NewFrame(0, id, data)
	require.NoError(t, err)
	data[0] = 0xFF
	assert.Equal(t, byte(1), f.Data[0], "NewFrame must not alias the caller's slice")
}
