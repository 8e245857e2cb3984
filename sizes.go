package capnp

import "errors"

// Size is a size of a region of memory in bytes, always a multiple of
// wordSize once padded.
type Size uint32

const wordSize Size = 8

const maxInt = int(^uint(0) >> 1)

// maxSegmentSize is the largest size a single segment may be: the
// element/word-count fields in pointers are bounded to 29 bits worth of
// words.
const maxSegmentSize = Size((1 << 29) - 1) * wordSize

func maxAllocSize() Size {
	return maxSegmentSize
}

// padToWord rounds sz up to the next multiple of wordSize.
func (sz Size) padToWord() Size {
	return (sz + (wordSize - 1)) &^ (wordSize - 1)
}

func (sz Size) isZero() bool {
	return sz == 0
}

func (sz Size) times(n int32) (Size, bool) {
	if n < 0 {
		return 0, false
	}
	total := uint64(sz) * uint64(n)
	if total > uint64(maxSegmentSize) {
		return 0, false
	}
	return Size(total), true
}

// address is a byte offset within a single segment.
type address uint32

// addSize returns a+Address(sz), reporting whether the add overflowed
// the 32-bit address space or exceeds the maximum segment size.
func (a address) addSize(sz Size) (address, bool) {
	sum := uint64(a) + uint64(sz)
	if sum > uint64(maxSegmentSize) {
		return 0, false
	}
	return address(sum), true
}

func (a address) element(sz Size, i int32) (address, bool) {
	embed, ok := sz.times(i)
	if !ok {
		return 0, false
	}
	return a.addSize(embed)
}

// ObjectSize records the size of a struct's data and pointer sections,
// the two numbers that appear in a struct pointer.
type ObjectSize struct {
	DataSize     Size
	PointerCount uint16
}

func (sz ObjectSize) totalSize() Size {
	return sz.DataSize + Size(sz.PointerCount)*wordSize
}

func (sz ObjectSize) isZero() bool {
	return sz.DataSize == 0 && sz.PointerCount == 0
}

func (sz ObjectSize) isOneByte() bool {
	return sz.PointerCount == 0 && sz.DataSize == 1
}

// DataOffset is a byte offset within a struct's data section.
type DataOffset Size

var (
	errOverflow    = errors.New("capnp: address or size overflow")
	errOutOfBounds = errors.New("capnp: address out of bounds")
)
