package packed_test

import (
	"testing"

	"github.com/capnproto-go/corerpc/packed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"single zero word", make([]byte, 8)},
		{"single nonzero word", []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{"mixed sparse word", []byte{0, 0, 1, 0, 0, 2, 0, 0}},
		{"many zero words", make([]byte, 8*10)},
		{"many nonzero words", bytesOf(8*10, func(i int) byte { return byte(i%251 + 1) })},
		{"zero then nonzero then sparse", append(append(make([]byte, 8), bytesOf(8, func(i int) byte { return byte(i + 1) })...), 0, 0, 9, 0, 0, 0, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed_ := packed.Pack(nil, tt.in)
			out, err := packed.Unpack(nil, packed_)
			require.NoError(t, err)
			assert.Equal(t, tt.in, out)
		})
	}
}

func TestUnpackOverrun(t *testing.T) {
	_, err := packed.Unpack(nil, []byte{0x00})
	assert.ErrorIs(t, err, packed.ErrOverrun)

	_, err = packed.Unpack(nil, []byte{0xFF, 1, 2, 3, 4, 5, 6, 7, 8})
	assert.ErrorIs(t, err, packed.ErrOverrun)
}

func TestUnpackSparseTagBitOrder(t *testing.T) {
	// mask bit i selects byte i of the word, low bit first.
	out, err := packed.Unpack(nil, []byte{0b00000101, 0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0, 0xBB, 0, 0, 0, 0, 0}, out)
}

func bytesOf(n int, f func(int) byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = f(i)
	}
	return b
}
