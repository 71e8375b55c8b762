package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFrame(t *testing.T) {
	f := NewFrame(0x7E0, []byte{1, 2, 3})
	assert.Equal(t, uint32(0x7E0), f.ID)
	assert.False(t, f.Extended)
	assert.Equal(t, uint8(3), f.Length)
	assert.Equal(t, []byte{1, 2, 3}, f.Payload())
	assert.Equal(t, DirTx, f.Dir)

	ext := NewFrame(0x18DAF110, nil)
	assert.True(t, ext.Extended)
}

func TestValidFrameLength(t *testing.T) {
	for n := uint8(0); n <= 8; n++ {
		assert.True(t, validFrameLength(n))
	}
	assert.True(t, validFrameLength(12))
	assert.True(t, validFrameLength(64))
	assert.False(t, validFrameLength(9))
	assert.False(t, validFrameLength(63))
}

func TestFdLength(t *testing.T) {
	assert.Equal(t, uint8(8), fdLength(8))
	assert.Equal(t, uint8(12), fdLength(9))
	assert.Equal(t, uint8(64), fdLength(49))
	assert.Equal(t, uint8(48), fdLength(33))
}
