package capnp

import (
	"math"

	"github.com/capnproto-go/corerpc/exc"
)

type ptrType uint8

const (
	structPtrType ptrType = iota
	listPtrType
	interfacePtrType
)

// ptrFlags packs the pointer's variant tag plus a few list-shape bits
// that the unified Ptr/Struct/List representation needs to carry
// alongside a bare rawPointer.
type ptrFlags uint8

const (
	ptrTypeMask     ptrFlags = 0x3
	isListMember    ptrFlags = 1 << 2 // this struct/list is an element of a composite list
	isCompositeList ptrFlags = 1 << 3
	isBitList       ptrFlags = 1 << 4
)

func (f ptrFlags) ptrType() ptrType { return ptrType(f & ptrTypeMask) }

// Ptr is a reference to an object (struct, list, or capability) within a
// Message. The zero Ptr is the null pointer. Struct, List, and Interface
// are type-specific views over the same representation.
type Ptr struct {
	seg        *Segment
	off        address
	length     int32
	size       ObjectSize
	depthLimit uint
	flags      ptrFlags
	capID      uint32
}

// IsValid reports whether p is non-null.
func (p Ptr) IsValid() bool { return p.seg != nil }

func (p Ptr) Struct() Struct {
	if !p.IsValid() || p.flags.ptrType() != structPtrType {
		return Struct{}
	}
	return Struct(p)
}

func (p Ptr) List() List {
	if !p.IsValid() || p.flags.ptrType() != listPtrType {
		return List{}
	}
	return List(p)
}

func (p Ptr) Interface() Interface {
	if !p.IsValid() || p.flags.ptrType() != interfacePtrType {
		return Interface{}
	}
	return Interface{seg: p.seg, cap: p.capID}
}

// address returns the byte offset of the referenced object within its
// segment (meaningless for interfaces).
func (p Ptr) address() address { return p.off }

// value returns the near rawPointer encoding of p, as it would be
// written at off (i.e. relative to off+wordSize).
func (p Ptr) value(off address) rawPointer {
	switch p.flags.ptrType() {
	case structPtrType:
		return rawStructPointer(nearPointerOffset(off, p.off), p.size)
	case listPtrType:
		if p.flags&isCompositeList != 0 {
			n, _ := p.size.totalSize().times(p.length)
			totalWords := int32(n / wordSize)
			return rawCompositeListPointer(nearPointerOffset(off, p.off-address(wordSize)), totalWords)
		}
		if p.flags&isBitList != 0 {
			return rawListPointer(nearPointerOffset(off, p.off), bit1ElementSize, p.length)
		}
		return rawListPointer(nearPointerOffset(off, p.off), elementSizeCode(p.size), p.length)
	case interfacePtrType:
		return rawInterfacePointer(p.capID)
	default:
		return 0
	}
}

func elementSizeCode(sz ObjectSize) elementSize {
	switch {
	case sz.PointerCount > 0:
		return pointerElementSize
	case sz.DataSize == 0:
		return voidElementSize
	case sz.DataSize == 1:
		return byte1ElementSize
	case sz.DataSize == 2:
		return byte2ElementSize
	case sz.DataSize == 4:
		return byte4ElementSize
	default:
		return byte8ElementSize
	}
}

// Struct is a view of a struct object: a fixed-size data section followed
// by a fixed-size pointer section.
type Struct Ptr

func (p Struct) ToPtr() Ptr {
	pp := Ptr(p)
	pp.flags = (pp.flags &^ ptrTypeMask) | ptrFlags(structPtrType)
	return pp
}

func (p Struct) IsValid() bool { return p.seg != nil }

func (p Struct) Size() ObjectSize { return p.size }

func (p Struct) dataAddress(off DataOffset) (address, bool) {
	a, ok := p.off.addSize(Size(off))
	return a, ok
}

func (p Struct) Uint8(off DataOffset) uint8 {
	a, ok := p.dataAddress(off)
	if !ok || Size(off)+1 > p.size.DataSize {
		return 0
	}
	return p.seg.readUint8(a)
}

func (p Struct) Uint16(off DataOffset) uint16 {
	a, ok := p.dataAddress(off)
	if !ok || Size(off)+2 > p.size.DataSize {
		return 0
	}
	return p.seg.readUint16(a)
}

func (p Struct) Uint32(off DataOffset) uint32 {
	a, ok := p.dataAddress(off)
	if !ok || Size(off)+4 > p.size.DataSize {
		return 0
	}
	return p.seg.readUint32(a)
}

func (p Struct) Uint64(off DataOffset) uint64 {
	a, ok := p.dataAddress(off)
	if !ok || Size(off)+8 > p.size.DataSize {
		return 0
	}
	return p.seg.readUint64(a)
}

func (p Struct) Float32(off DataOffset) float32 { return math.Float32frombits(p.Uint32(off)) }
func (p Struct) Float64(off DataOffset) float64 { return math.Float64frombits(p.Uint64(off)) }

func (p Struct) Bit(off BitOffset) bool {
	byteOff := DataOffset(off / 8)
	if !p.IsValid() || Size(byteOff)+1 > p.size.DataSize {
		return false
	}
	return p.Uint8(byteOff)&(1<<(off%8)) != 0
}

func (p Struct) SetUint8(off DataOffset, v uint8) {
	if a, ok := p.dataAddress(off); ok {
		p.seg.writeUint8(a, v)
	}
}
func (p Struct) SetUint16(off DataOffset, v uint16) {
	if a, ok := p.dataAddress(off); ok {
		p.seg.writeUint16(a, v)
	}
}
func (p Struct) SetUint32(off DataOffset, v uint32) {
	if a, ok := p.dataAddress(off); ok {
		p.seg.writeUint32(a, v)
	}
}
func (p Struct) SetUint64(off DataOffset, v uint64) {
	if a, ok := p.dataAddress(off); ok {
		p.seg.writeUint64(a, v)
	}
}
func (p Struct) SetFloat32(off DataOffset, v float32) { p.SetUint32(off, math.Float32bits(v)) }
func (p Struct) SetFloat64(off DataOffset, v float64) { p.SetUint64(off, math.Float64bits(v)) }

func (p Struct) SetBit(off BitOffset, v bool) {
	byteOff := DataOffset(off / 8)
	cur := p.Uint8(byteOff)
	mask := uint8(1 << (off % 8))
	if v {
		cur |= mask
	} else {
		cur &^= mask
	}
	p.SetUint8(byteOff, cur)
}

// BitOffset is a bit offset within a struct's data section.
type BitOffset uint32

func (p Struct) pointerAddress(i uint16) address {
	base := p.off + address(p.size.DataSize)
	return base + address(i)*address(wordSize)
}

func (p Struct) HasPtr(i uint16) bool {
	if i >= p.size.PointerCount {
		return false
	}
	return p.seg.readRawPointer(p.pointerAddress(i)) != 0
}

func (p Struct) Ptr(i uint16) (Ptr, error) {
	if i >= p.size.PointerCount {
		return Ptr{}, nil
	}
	return p.seg.readPtr(p.pointerAddress(i), p.depthLimitOrDefault())
}

func (p Struct) depthLimitOrDefault() uint {
	if p.depthLimit == 0 {
		return p.seg.msg.depthLimit()
	}
	return p.depthLimit
}

func (p Struct) SetPtr(i uint16, src Ptr) error {
	if i >= p.size.PointerCount {
		return exc.New(exc.Failed, "capnp", "pointer index out of range")
	}
	return p.seg.writePtr(p.pointerAddress(i), src, false)
}

// List is a view of a list object: a sequence of fixed-shape elements.
type List Ptr

func (p List) ToPtr() Ptr {
	pp := Ptr(p)
	pp.flags = (pp.flags &^ ptrTypeMask) | ptrFlags(listPtrType)
	return pp
}

func (p List) IsValid() bool  { return p.seg != nil }
func (p List) Len() int       { return int(p.length) }
func (p List) elementSize() ObjectSize {
	if p.flags&isCompositeList != 0 {
		return p.size
	}
	return p.size
}

// allocSize returns the number of bytes the list's element storage
// occupies, excluding any composite tag word.
func (p List) allocSize() Size {
	if p.flags&isCompositeList != 0 {
		sz, _ := p.size.totalSize().times(p.length)
		return sz
	}
	if p.flags&isBitList != 0 {
		return Size((p.length + 7) / 8)
	}
	sz, _ := p.size.totalSize().times(p.length)
	return sz
}

func (p List) eltAddress(i int) address {
	if p.flags&isCompositeList != 0 {
		a, _ := p.off.element(p.size.totalSize(), int32(i))
		return a
	}
	a, _ := p.off.element(p.size.totalSize(), int32(i))
	return a
}

func (p List) Struct(i int) Struct {
	if i < 0 || i >= p.Len() {
		return Struct{}
	}
	return Struct{seg: p.seg, off: p.eltAddress(i), size: p.size, depthLimit: p.depthLimit, flags: ptrFlags(structPtrType) | isListMember}
}

// BitAt returns the i'th bit of a bit list.
func (p List) BitAt(i int) bool {
	if p.flags&isBitList == 0 || i < 0 || i >= p.Len() {
		return false
	}
	byteAddr, _ := p.off.addSize(Size(i / 8))
	return p.seg.readUint8(byteAddr)&(1<<(uint(i)%8)) != 0
}

func (p List) SetBitAt(i int, v bool) {
	if p.flags&isBitList == 0 || i < 0 || i >= p.Len() {
		return
	}
	byteAddr, _ := p.off.addSize(Size(i / 8))
	cur := p.seg.readUint8(byteAddr)
	mask := uint8(1 << (uint(i) % 8))
	if v {
		cur |= mask
	} else {
		cur &^= mask
	}
	p.seg.writeUint8(byteAddr, cur)
}

// PointerList is a list whose elements are themselves pointers.
type PointerList List

func (p PointerList) ToPtr() Ptr { return List(p).ToPtr() }
func (p PointerList) Len() int   { return List(p).Len() }

func (p PointerList) At(i int) (Ptr, error) {
	if i < 0 || i >= p.Len() {
		return Ptr{}, exc.New(exc.Failed, "capnp", "list index out of range")
	}
	return p.seg.readPtr(p.eltAddr(i), p.depthLimit)
}

func (p PointerList) Set(i int, v Ptr) error {
	if i < 0 || i >= p.Len() {
		return exc.New(exc.Failed, "capnp", "list index out of range")
	}
	return p.seg.writePtr(p.eltAddr(i), v, false)
}

func (p PointerList) eltAddr(i int) address {
	a, _ := p.off.element(wordSize, int32(i))
	return a
}

// Interface is a reference to a capability, encoded as an index into the
// message's capability table.
type Interface struct {
	seg *Segment
	cap uint32
}

func NewInterface(s *Segment, capID uint32) Interface {
	return Interface{seg: s, cap: capID}
}

func (i Interface) IsValid() bool { return i.seg != nil }
func (i Interface) Capability() uint32 { return i.cap }
func (i Interface) Message() *Message  { return i.seg.msg }

func (i Interface) Client() Client {
	tab := i.seg.msg.CapTable()
	return tab.At(int(i.cap))
}

func (i Interface) ToPtr() Ptr {
	return Ptr{seg: i.seg, capID: i.cap, flags: ptrFlags(interfacePtrType)}
}

func (i Interface) value(off address) rawPointer {
	return rawInterfacePointer(i.cap)
}

func (i Interface) seg0() *Segment { return i.seg }

// NewStruct allocates a new struct of the given size in segment s.
func NewStruct(s *Segment, sz ObjectSize) (Struct, error) {
	if sz.DataSize > 0xffff*Size(wordSize) || sz.PointerCount > 0xffff {
		return Struct{}, exc.New(exc.Failed, "capnp", "struct size too large")
	}
	sz.DataSize = sz.DataSize.padToWord()
	seg, addr, err := alloc(s, sz.totalSize())
	if err != nil {
		return Struct{}, exc.WrapError("new struct", err)
	}
	return Struct{seg: seg, off: addr, size: sz, depthLimit: maxDepth, flags: ptrFlags(structPtrType)}, nil
}

// NewRootStruct allocates a struct in s's message and sets it as the
// message's root.
func NewRootStruct(s *Segment, sz ObjectSize) (Struct, error) {
	st, err := NewStruct(s, sz)
	if err != nil {
		return Struct{}, err
	}
	if err := s.msg.SetRoot(st.ToPtr()); err != nil {
		return Struct{}, err
	}
	return st, nil
}

// NewPointerList allocates a new list of n pointers.
func NewPointerList(s *Segment, n int32) (PointerList, error) {
	sz := ObjectSize{PointerCount: 1}
	total, ok := sz.totalSize().times(n)
	if !ok {
		return PointerList{}, errOverflow
	}
	seg, addr, err := alloc(s, total)
	if err != nil {
		return PointerList{}, err
	}
	return PointerList{seg: seg, off: addr, length: n, size: sz, depthLimit: maxDepth}, nil
}

// NewCompositeList allocates a new inline-composite list of n elements of
// the given per-element size, writing the tag word that precedes them.
func NewCompositeList(s *Segment, sz ObjectSize, n int32) (List, error) {
	sz.DataSize = sz.DataSize.padToWord()
	elemTotal, ok := sz.totalSize().times(n)
	if !ok {
		return List{}, errOverflow
	}
	total, ok := elemTotal.addSizeOverflowCheck(wordSize)
	if !ok {
		return List{}, errOverflow
	}
	seg, addr, err := alloc(s, total)
	if err != nil {
		return List{}, err
	}
	seg.writeRawPointer(addr, rawStructPointer(pointerOffset(n), sz))
	eltAddr, ok := addr.addSize(wordSize)
	if !ok {
		return List{}, errOverflow
	}
	return List{seg: seg, off: eltAddr, length: n, size: sz, flags: isCompositeList, depthLimit: maxDepth}, nil
}

func (sz Size) addSizeOverflowCheck(other Size) (Size, bool) {
	total := uint64(sz) + uint64(other)
	if total > uint64(maxSegmentSize) {
		return 0, false
	}
	return Size(total), true
}

// copyStruct copies src's data and pointer sections into dst, which must
// already be allocated with dst.size >= the space needed (extra space is
// left zeroed).
func copyStruct(dst, src Struct) error {
	n := src.size.DataSize
	if dst.size.DataSize < n {
		n = dst.size.DataSize
	}
	copy(dst.seg.slice(dst.off, dst.size.DataSize), src.seg.slice(src.off, n))
	pn := src.size.PointerCount
	if dst.size.PointerCount < pn {
		pn = dst.size.PointerCount
	}
	for i := uint16(0); i < pn; i++ {
		p, err := src.Ptr(i)
		if err != nil {
			return err
		}
		if err := dst.SetPtr(i, p); err != nil {
			return err
		}
	}
	return nil
}
