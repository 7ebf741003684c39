package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTripUintVar(t *testing.T, value uint64, expectedSize int) {
	t.Helper()
	state := NewState()
	state.PreencodeUintVar(value)
	require.Equal(t, expectedSize, state.End)
	buffer := state.CreateBuffer()
	require.NoError(t, state.EncodeUintVar(value, buffer))
	require.Equal(t, state.End, state.Start)

	dec := NewStateFromBuffer(buffer)
	decoded, err := dec.DecodeUintVar(buffer)
	require.NoError(t, err)
	assert.Equal(t, value, decoded)
}

func TestUintVarBoundaries(t *testing.T) {
	tests := []struct {
		value uint64
		size  int
	}{
		{0, 1},
		{0xfc, 1},
		{0xfd, 3},
		{0xffff, 3},
		{0x10000, 5},
		{0xffffffff, 5},
		{0x100000000, 9},
		{0xffffffffffffffff, 9},
	}
	for _, tt := range tests {
		roundTripUintVar(t, tt.value, tt.size)
	}
}

func TestUintVarWire(t *testing.T) {
	state := NewState()
	state.PreencodeUintVar(0xfd)
	buffer := state.CreateBuffer()
	require.NoError(t, state.EncodeUintVar(0xfd, buffer))
	assert.Equal(t, []byte{0xfd, 0xfd, 0x00}, buffer)
}

func TestFixedIntegers(t *testing.T) {
	state, buffer := NewStateWithSize(12)
	require.NoError(t, state.EncodeU32(0xdeadbeef, buffer))
	require.NoError(t, state.EncodeU64(0x0102030405060708, buffer))

	dec := NewStateFromBuffer(buffer)
	u32, err := dec.DecodeU32(buffer)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), u32)
	u64, err := dec.DecodeU64(buffer)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), u64)

	// Little endian on the wire.
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, buffer[:4])
	assert.Equal(t, byte(0x08), buffer[4])
}

func TestBufferRoundTrip(t *testing.T) {
	value := []byte{1, 2, 3, 4, 5}
	state := NewState()
	state.PreencodeBuffer(value)
	buffer := state.CreateBuffer()
	require.NoError(t, state.EncodeBuffer(value, buffer))

	dec := NewStateFromBuffer(buffer)
	decoded, err := dec.DecodeBuffer(buffer)
	require.NoError(t, err)
	assert.Equal(t, value, decoded)
}

func TestStringArrayRoundTrip(t *testing.T) {
	value := []string{"first", "second", ""}
	state := NewState()
	state.PreencodeStringArray(value)
	buffer := state.CreateBuffer()
	require.NoError(t, state.EncodeStringArray(value, buffer))

	dec := NewStateFromBuffer(buffer)
	decoded, err := dec.DecodeStringArray(buffer)
	require.NoError(t, err)
	assert.Equal(t, value, decoded)
}

func TestFixed32RoundTrip(t *testing.T) {
	value := make([]byte, 32)
	for i := range value {
		value[i] = byte(i)
	}
	state := NewState()
	state.PreencodeFixed32()
	buffer := state.CreateBuffer()
	require.NoError(t, state.EncodeFixed32(value, buffer))

	dec := NewStateFromBuffer(buffer)
	decoded, err := dec.DecodeFixed32(buffer)
	require.NoError(t, err)
	assert.Equal(t, value, decoded)
}

func TestDecodeTruncated(t *testing.T) {
	dec := NewStateFromBuffer([]byte{0xff, 0x01})
	_, err := dec.DecodeUintVar([]byte{0xff, 0x01})
	require.Error(t, err)
	var encErr *Error
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, OutOfBounds, encErr.Kind)
}

func TestDecodeBufferBeyondEnd(t *testing.T) {
	// Claims 10 bytes of content but carries 2.
	buffer := []byte{10, 1, 2}
	dec := NewStateFromBuffer(buffer)
	_, err := dec.DecodeBuffer(buffer)
	require.Error(t, err)
}
