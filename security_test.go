package analyzer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrc16CcittReferenceVector(t *testing.T) {
	crc := Crc16Ccitt([]byte("123456789"))
	if crc != 0x29B1 {
		t.Errorf("was expecting 0x29B1, got %x", crc)
	}
}

func TestXorKey(t *testing.T) {
	key, err := XorAlgorithm(0x1234).Compute(1, []byte{0x12, 0x34, 0x56, 0x78})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x26, 0x26, 0x62, 0x6A}, key)
}

func TestXorIsInvolutive(t *testing.T) {
	seed := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}
	alg := XorAlgorithm(0xA55A)
	once, err := alg.Compute(1, seed)
	require.NoError(t, err)
	twice, err := alg.Compute(1, once)
	require.NoError(t, err)
	assert.Equal(t, seed, twice)
}

func TestAddKey(t *testing.T) {
	key, err := AddAlgorithm(0x0102).Compute(1, []byte{0xFF, 0x00})
	require.NoError(t, err)
	// low constant byte applies to even indices, high to odd
	assert.Equal(t, []byte{0x01, 0x01}, key)
}

func TestComplementIsInvolutive(t *testing.T) {
	seed := []byte{0x00, 0x7F, 0x80, 0xFF}
	alg := ComplementAlgorithm()
	once, err := alg.Compute(1, seed)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x80, 0x7F, 0x00}, once)
	twice, err := alg.Compute(1, once)
	require.NoError(t, err)
	assert.Equal(t, seed, twice)
}

func TestKeyLengthMatchesSeed(t *testing.T) {
	algs := []SeedKey{
		XorAlgorithm(0),
		AddAlgorithm(0),
		ComplementAlgorithm(),
		Crc16Algorithm(),
	}
	for _, alg := range algs {
		for _, n := range []int{1, 2, 3, 8, 16} {
			key, err := alg.Compute(1, make([]byte, n))
			require.NoError(t, err, "%v seed length %v", alg.Kind, n)
			assert.Len(t, key, n, "%v seed length %v", alg.Kind, n)
		}
	}
}

func TestCrc16KeyPadding(t *testing.T) {
	seed := []byte("123456789")
	key, err := Crc16Algorithm().Compute(1, seed)
	require.NoError(t, err)
	want := append([]byte{0x29, 0xB1}, make([]byte, len(seed)-2)...)
	assert.Equal(t, want, key)
}

func TestExternalProvider(t *testing.T) {
	alg := ExternalAlgorithm(func(level byte, seed []byte) ([]byte, error) {
		out := make([]byte, len(seed))
		for i, b := range seed {
			out[i] = b + level
		}
		return out, nil
	})
	key, err := alg.Compute(3, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6}, key)
}

func TestExternalProviderError(t *testing.T) {
	alg := ExternalAlgorithm(func(byte, []byte) ([]byte, error) {
		return nil, errors.New("hsm unreachable")
	})
	_, err := alg.Compute(1, []byte{1})
	assert.Equal(t, ErrSecurityProvider, err)
}

func TestExternalProviderDeadline(t *testing.T) {
	alg := ExternalAlgorithm(func(byte, []byte) ([]byte, error) {
		time.Sleep(5 * time.Second)
		return []byte{0}, nil
	})
	alg.Timeout = 50 * time.Millisecond
	start := time.Now()
	_, err := alg.Compute(1, []byte{1})
	assert.Equal(t, ErrSecurityProvider, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEngineLevelRegistry(t *testing.T) {
	engine := NewSecurityEngine()
	engine.Register(1, XorAlgorithm(0x1234))
	engine.Register(3, ComplementAlgorithm())

	key, err := engine.Compute(1, []byte{0x12, 0x34, 0x56, 0x78})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x26, 0x26, 0x62, 0x6A}, key)

	_, err = engine.Compute(5, []byte{1})
	assert.Equal(t, ErrIllegalArgument, err)
}
