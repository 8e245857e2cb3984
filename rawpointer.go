package capnp

// rawPointer is a 64-bit pointer as laid out on the wire: little-endian
// within a segment, interpreted here as a host uint64 once read.
//
// Tag (low 2 bits): 0 = struct, 1 = list, 2 = far, 3 = capability/other.
type rawPointer uint64

type pointerType uint8

const (
	structPointer pointerType = iota
	listPointer
	farPointer
	doubleFarPointer // far pointer whose landing pad is itself a far pointer + tag
	otherPointer
)

const (
	nearTagStruct     = 0
	nearTagList       = 1
	nearTagFar        = 2
	nearTagOther      = 3
	farPointerBitMask = 1 << 2 // bit 2 of a far pointer: 0=single, 1=double landing pad
)

func (p rawPointer) pointerType() pointerType {
	switch p & 3 {
	case nearTagStruct:
		return structPointer
	case nearTagList:
		return listPointer
	case nearTagFar:
		if p&farPointerBitMask != 0 {
			return doubleFarPointer
		}
		return farPointer
	default:
		return otherPointer
	}
}

// --- struct pointers ---
//
// bits 0-1: tag (0)
// bits 2-31: signed 30-bit offset, in words, from the end of the pointer
// bits 32-47: data section size, in words
// bits 48-63: pointer section size, in words

func rawStructPointer(off pointerOffset, sz ObjectSize) rawPointer {
	dataWords := sz.DataSize / wordSize
	return rawPointer(uint64(uint32(off)<<2) | uint64(nearTagStruct) | uint64(dataWords)<<32 | uint64(sz.PointerCount)<<48)
}

func (p rawPointer) offset() pointerOffset {
	return pointerOffset(int32(p) >> 2)
}

func (p rawPointer) withOffset(off pointerOffset) rawPointer {
	return rawPointer(uint64(p)&^0xFFFFFFFC | (uint64(uint32(off)<<2) & 0xFFFFFFFC))
}

func (p rawPointer) structSize() ObjectSize {
	return ObjectSize{
		DataSize:     Size(uint16(p>>32)) * wordSize,
		PointerCount: uint16(p >> 48),
	}
}

// --- list pointers ---
//
// bits 0-1: tag (1)
// bits 2-31: signed 30-bit offset
// bits 32-34: element size code
// bits 35-63: element count (29 bits); for composite lists, total word count

type elementSize uint8

const (
	voidElementSize elementSize = iota
	bit1ElementSize
	byte1ElementSize
	byte2ElementSize
	byte4ElementSize
	byte8ElementSize
	pointerElementSize
	compositeElementSize
)

func (sz elementSize) sizeBits() int {
	switch sz {
	case voidElementSize:
		return 0
	case bit1ElementSize:
		return 1
	case byte1ElementSize:
		return 8
	case byte2ElementSize:
		return 16
	case byte4ElementSize:
		return 32
	case byte8ElementSize, pointerElementSize:
		return 64
	default:
		return 0
	}
}

func rawListPointer(off pointerOffset, sz elementSize, n int32) rawPointer {
	return rawPointer(uint64(uint32(off)<<2) | uint64(nearTagList) | uint64(sz)<<32 | uint64(uint32(n))<<35)
}

func rawCompositeListPointer(off pointerOffset, totalWords int32) rawPointer {
	return rawPointer(uint64(uint32(off)<<2) | uint64(nearTagList) | uint64(compositeElementSize)<<32 | uint64(uint32(totalWords))<<35)
}

func (p rawPointer) listType() elementSize {
	return elementSize(p >> 32 & 7)
}

func (p rawPointer) numListElements() int32 {
	return int32(uint32(p>>35) & (1<<29 - 1))
}

func (p rawPointer) elementSize() ObjectSize {
	switch p.listType() {
	case voidElementSize:
		return ObjectSize{}
	case bit1ElementSize:
		return ObjectSize{DataSize: 0}
	case byte1ElementSize:
		return ObjectSize{DataSize: 1}
	case byte2ElementSize:
		return ObjectSize{DataSize: 2}
	case byte4ElementSize:
		return ObjectSize{DataSize: 4}
	case byte8ElementSize:
		return ObjectSize{DataSize: 8}
	case pointerElementSize:
		return ObjectSize{PointerCount: 1}
	default:
		return ObjectSize{}
	}
}

// totalListSize returns the number of bytes occupied by the list body
// (excluding any composite tag word).
func (p rawPointer) totalListSize() (Size, bool) {
	lt := p.listType()
	n := p.numListElements()
	if lt == compositeElementSize {
		sz, ok := wordSize.times(n)
		return sz, ok
	}
	if lt == bit1ElementSize {
		return Size((n + 7) / 8), true
	}
	return p.elementSize().totalSize().times(n)
}

// --- far pointers ---
//
// bits 0-1: tag (2)
// bit 2: landing pad is double (1) or single (0)
// bits 3-31: 29-bit word offset within the target segment
// bits 32-63: 32-bit target segment id

func rawFarPointer(segID SegmentID, off address) rawPointer {
	return rawPointer(uint64(nearTagFar) | uint64(off/address(wordSize))<<3 | uint64(segID)<<32)
}

func rawDoubleFarPointer(segID SegmentID, off address) rawPointer {
	return rawPointer(uint64(nearTagFar) | farPointerBitMask | uint64(off/address(wordSize))<<3 | uint64(segID)<<32)
}

func (p rawPointer) farAddress() address {
	return address(uint32(p)>>3&(1<<29-1)) * address(wordSize)
}

func (p rawPointer) farSegment() SegmentID {
	return SegmentID(p >> 32)
}

// asNearWithZeroOffset reinterprets a double-far tag word (whose own
// offset field is unused) as a near pointer whose offset is zero, so it
// can be resolved against a virtual pointer address immediately
// preceding the content.
func asNearWithZeroOffset(tag rawPointer) rawPointer {
	return rawPointer(uint64(tag) &^ 0xFFFFFFFC)
}

// --- capability pointers ---
//
// bits 0-1: tag (3), bit 2: other-pointer subtype (0 = capability)
// bits 32-63: capability index

func rawInterfacePointer(capID uint32) rawPointer {
	return rawPointer(uint64(nearTagOther) | uint64(capID)<<32)
}

func (p rawPointer) otherPointerType() uint8 {
	return uint8(p >> 2 & 3)
}

func (p rawPointer) capabilityIndex() uint32 {
	return uint32(p >> 32)
}

// pointerOffset is a signed word offset, as stored in the 30-bit offset
// field of a near pointer, relative to the end of that pointer's word.
type pointerOffset int32

// resolve computes the address the offset names, given the address of
// the pointer word itself (off). The target sits at (off+wordSize) +
// offset*wordSize.
func (o pointerOffset) resolve(off address) (address, bool) {
	base, ok := off.addSize(wordSize)
	if !ok {
		return 0, false
	}
	delta := int64(o) * int64(wordSize)
	target := int64(base) + delta
	if target < 0 || target > int64(maxSegmentSize) {
		return 0, false
	}
	return address(target), true
}

// nearPointerOffset computes the offset field value for a pointer word
// at ptrAddr referencing content at tgtAddr.
func nearPointerOffset(ptrAddr, tgtAddr address) pointerOffset {
	return pointerOffset((int64(tgtAddr) - int64(ptrAddr) - int64(wordSize)) / int64(wordSize))
}
