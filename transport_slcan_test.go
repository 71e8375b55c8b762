package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlcanEncode(t *testing.T) {
	f := NewFrame(0x7E0, []byte{0x02, 0x10, 0x03})
	assert.Equal(t, "t7E03021003\r", slcanEncode(f))

	ext := NewFrame(0x18DAF110, []byte{0xAA})
	assert.Equal(t, "T18DAF1101AA\r", slcanEncode(ext))
}

func TestSlcanParseLine(t *testing.T) {
	s := &Slcan{rx: make(chan Frame, 8)}

	s.parseLine("t7E88025003CCCCCCCCCC")
	f := <-s.rx
	assert.Equal(t, uint32(0x7E8), f.ID)
	assert.False(t, f.Extended)
	assert.Equal(t, uint8(8), f.Length)
	assert.Equal(t, []byte{0x02, 0x50, 0x03, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}, f.Data[:8])

	s.parseLine("T18DAF1102BEEF")
	f = <-s.rx
	assert.Equal(t, uint32(0x18DAF110), f.ID)
	assert.True(t, f.Extended)
	assert.Equal(t, []byte{0xBE, 0xEF}, f.Data[:2])
}

func TestSlcanParseLineGarbage(t *testing.T) {
	s := &Slcan{rx: make(chan Frame, 8)}
	for _, line := range []string{
		"z",           // unknown record
		"t7E8",        // truncated, no dlc
		"t7E89" + "0", // dlc 9 is invalid
		"t7E82AB",     // payload shorter than dlc
		"tXYZ100",     // bad id hex
	} {
		s.parseLine(line)
	}
	require.Empty(t, s.rx)
}

func TestSlcanEncodeRoundTrip(t *testing.T) {
	s := &Slcan{rx: make(chan Frame, 8)}
	f := NewFrame(0x123, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	record := slcanEncode(f)
	s.parseLine(record[:len(record)-1]) // strip the trailing CR
	got := <-s.rx
	assert.Equal(t, f.ID, got.ID)
	assert.Equal(t, f.Length, got.Length)
	assert.Equal(t, f.Data, got.Data)
}
