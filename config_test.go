package analyzer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, KindSocketCAN, cfg.Transport.Kind)
	assert.Equal(t, 100*time.Millisecond, cfg.Transport.RecvWindow)
	assert.Equal(t, byte(0xCC), cfg.IsoTP.PadByte)
	assert.True(t, cfg.IsoTP.Padding)
	assert.Equal(t, time.Second, cfg.Uds.P2)
	assert.Equal(t, 5*time.Second, cfg.Uds.P2Ext)
	assert.Equal(t, DefaultRingCapacity, cfg.RingCapacity)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analyzer.ini")
	content := `
[transport]
kind = slcan
device = /dev/ttyACM0
baud = 921600
bitrate = 250000
recv_window_ms = 50

[isotp]
block_size = 8
stmin = 10
pad_byte = 0
n_cr_ms = 250

[uds]
p2_ms = 500
p2_ext_ms = 2500
tester_present_ms = 1000
auto_tester_present = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, KindSlcan, cfg.Transport.Kind)
	assert.Equal(t, "/dev/ttyACM0", cfg.Transport.Device)
	assert.Equal(t, 921600, cfg.Transport.Baud)
	assert.Equal(t, 250000, cfg.Transport.Bitrate)
	assert.Equal(t, 50*time.Millisecond, cfg.Transport.RecvWindow)
	assert.Equal(t, uint8(8), cfg.IsoTP.BlockSize)
	assert.Equal(t, byte(10), cfg.IsoTP.STmin)
	assert.Equal(t, byte(0x00), cfg.IsoTP.PadByte)
	assert.Equal(t, 250*time.Millisecond, cfg.IsoTP.NCr)
	assert.Equal(t, time.Second, cfg.IsoTP.NBs) // untouched default
	assert.Equal(t, 500*time.Millisecond, cfg.Uds.P2)
	assert.Equal(t, 2500*time.Millisecond, cfg.Uds.P2Ext)
	assert.Equal(t, time.Second, cfg.Uds.TesterPresentPeriod)
	assert.False(t, cfg.Uds.AutoTesterPresent)
	// endpoint defaults inherit the diagnostic timers
	assert.Equal(t, 500*time.Millisecond, cfg.IsoTP.P2)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/analyzer.ini")
	assert.Error(t, err)
}

func TestOpenTransportUnknownKind(t *testing.T) {
	_, err := openTransport(TransportConfig{Kind: "pigeon"})
	assert.ErrorIs(t, err, ErrIllegalArgument)
}
