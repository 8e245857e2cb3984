package capnp

import (
	"encoding/binary"

	"github.com/capnproto-go/corerpc/exc"
	"github.com/capnproto-go/corerpc/internal/str"
)

// A SegmentID is a numeric identifier for a Segment within a Message.
type SegmentID uint32

// A Segment is a contiguous, word-aligned byte buffer that is part of a
// Message. Pointers within a segment are resolved relative to it; a
// pointer may also name another segment via a far pointer.
type Segment struct {
	msg  *Message
	id   SegmentID
	data []byte
}

// Message returns the message that contains s.
func (s *Segment) Message() *Message { return s.msg }

// ID returns the segment's ID.
func (s *Segment) ID() SegmentID { return s.id }

// Data returns the raw bytes backing the segment.
func (s *Segment) Data() []byte { return s.data }

func (s *Segment) inBounds(addr address) bool {
	return addr < address(len(s.data))
}

func (s *Segment) regionInBounds(base address, sz Size) bool {
	end, ok := base.addSize(sz)
	if !ok {
		return false
	}
	return end <= address(len(s.data))
}

func (s *Segment) slice(base address, sz Size) []byte {
	return s.data[base : base+address(sz)]
}

func (s *Segment) readUint8(addr address) uint8  { return s.slice(addr, 1)[0] }
func (s *Segment) readUint16(addr address) uint16 {
	return binary.LittleEndian.Uint16(s.slice(addr, 2))
}
func (s *Segment) readUint32(addr address) uint32 {
	return binary.LittleEndian.Uint32(s.slice(addr, 4))
}
func (s *Segment) readUint64(addr address) uint64 {
	return binary.LittleEndian.Uint64(s.slice(addr, 8))
}
func (s *Segment) readRawPointer(addr address) rawPointer {
	return rawPointer(s.readUint64(addr))
}

func (s *Segment) writeUint8(addr address, v uint8)  { s.slice(addr, 1)[0] = v }
func (s *Segment) writeUint16(addr address, v uint16) {
	binary.LittleEndian.PutUint16(s.slice(addr, 2), v)
}
func (s *Segment) writeUint32(addr address, v uint32) {
	binary.LittleEndian.PutUint32(s.slice(addr, 4), v)
}
func (s *Segment) writeUint64(addr address, v uint64) {
	binary.LittleEndian.PutUint64(s.slice(addr, 8), v)
}
func (s *Segment) writeRawPointer(addr address, v rawPointer) {
	s.writeUint64(addr, uint64(v))
}

// root returns the one-element pointer list at offset 0, used to reach
// the message's root pointer. Only meaningful on segment 0.
func (s *Segment) root() (PointerList, bool) {
	sz := ObjectSize{PointerCount: 1}
	if !s.regionInBounds(0, sz.totalSize()) {
		return PointerList{}, false
	}
	return PointerList(List{
		seg:        s,
		length:     1,
		size:       sz,
		depthLimit: s.msg.depthLimit(),
	}), true
}

func (s *Segment) lookupSegment(id SegmentID) (*Segment, error) {
	if s.id == id {
		return s, nil
	}
	return s.msg.Segment(id)
}

// readPtr decodes the pointer stored at off, following any far/double-far
// indirection, and returns the resolved Ptr.
func (s *Segment) readPtr(off address, depthLimit uint) (Ptr, error) {
	val := s.readRawPointer(off)
	rs, roff, val, err := s.resolveFarPointer(off, val)
	if err != nil {
		return Ptr{}, err
	}
	if val == 0 {
		return Ptr{}, nil
	}
	if depthLimit == 0 {
		return Ptr{}, exc.New(exc.Failed, "capnp", "nesting limit exceeded")
	}
	switch val.pointerType() {
	case structPointer:
		sp, err := rs.readStructPtr(roff, val)
		if err != nil {
			return Ptr{}, err
		}
		if !rs.msg.canRead(sp.size.totalSize()) {
			return Ptr{}, errTraversalLimit
		}
		sp.depthLimit = depthLimit - 1
		return sp.ToPtr(), nil
	case listPointer:
		lp, err := rs.readListPtr(roff, val)
		if err != nil {
			return Ptr{}, err
		}
		lsz, _ := val.totalListSize()
		if !rs.msg.canRead(lsz) {
			return Ptr{}, errTraversalLimit
		}
		lp.depthLimit = depthLimit - 1
		return lp.ToPtr(), nil
	case otherPointer:
		if val.otherPointerType() != 0 {
			return Ptr{}, exc.New(exc.Failed, "capnp", "unknown pointer-in-pointer type")
		}
		return Interface{seg: rs, cap: val.capabilityIndex()}.ToPtr(), nil
	default:
		return Ptr{}, errBadLandingPad
	}
}

func (s *Segment) readStructPtr(off address, val rawPointer) (Struct, error) {
	addr, ok := val.offset().resolve(off)
	if !ok {
		return Struct{}, errPointerAddress
	}
	sz := val.structSize()
	if !s.regionInBounds(addr, sz.totalSize()) {
		return Struct{}, errPointerAddress
	}
	return Struct{seg: s, off: addr, size: sz}, nil
}

func (s *Segment) readListPtr(off address, val rawPointer) (List, error) {
	addr, ok := val.offset().resolve(off)
	if !ok {
		return List{}, errPointerAddress
	}
	lsize, ok := val.totalListSize()
	if !ok {
		return List{}, errOverflow
	}
	if !s.regionInBounds(addr, lsize) {
		return List{}, errPointerAddress
	}
	lt := val.listType()
	if lt == compositeElementSize {
		hdr := s.readRawPointer(addr)
		addr, ok = addr.addSize(wordSize)
		if !ok {
			return List{}, errOverflow
		}
		if hdr.pointerType() != structPointer {
			return List{}, errBadTag
		}
		sz := hdr.structSize()
		n := int32(hdr.offset())
		tsize, ok := sz.totalSize().times(n)
		if !ok {
			return List{}, errOverflow
		}
		if !s.regionInBounds(addr, tsize) {
			return List{}, errPointerAddress
		}
		return List{seg: s, size: sz, off: addr, length: n, flags: isCompositeList}, nil
	}
	if lt == bit1ElementSize {
		return List{seg: s, off: addr, length: val.numListElements(), flags: isBitList}, nil
	}
	return List{seg: s, size: val.elementSize(), off: addr, length: val.numListElements()}, nil
}

// resolveFarPointer follows far/double-far indirection starting from the
// pointer word val located at off in s, returning the segment, address,
// and raw value of the (now-local) pointer the content actually
// describes.
func (s *Segment) resolveFarPointer(off address, val rawPointer) (*Segment, address, rawPointer, error) {
	switch val.pointerType() {
	case doubleFarPointer:
		segID, faddr := val.farSegment(), val.farAddress()
		ts, err := s.lookupSegment(segID)
		if err != nil {
			return nil, 0, 0, err
		}
		if !ts.regionInBounds(faddr, wordSize*2) {
			return nil, 0, 0, errPointerAddress
		}
		land := ts.readRawPointer(faddr)
		tag := ts.readRawPointer(faddr + address(wordSize))
		if land.pointerType() != farPointer {
			return nil, 0, 0, errBadLandingPad
		}
		cs, err := ts.lookupSegment(land.farSegment())
		if err != nil {
			return nil, 0, 0, err
		}
		// The first landing word names the content's address; the tag
		// word describes it. Give the tag an offset of -1 and resolve it
		// from the content address itself, so the ordinary
		// offset-resolution machinery lands exactly on the content.
		return cs, land.farAddress(), tag.withOffset(-1), nil
	case farPointer:
		segID, faddr := val.farSegment(), val.farAddress()
		ts, err := s.lookupSegment(segID)
		if err != nil {
			return nil, 0, 0, err
		}
		if !ts.regionInBounds(faddr, wordSize) {
			return nil, 0, 0, errPointerAddress
		}
		return ts, faddr, ts.readRawPointer(faddr), nil
	default:
		return s, off, val, nil
	}
}

func (s *Segment) writePtr(off address, src Ptr, forceCopy bool) error {
	if !src.IsValid() {
		s.writeRawPointer(off, 0)
		return nil
	}
	switch src.flags.ptrType() {
	case structPtrType:
		st := src.Struct()
		if forceCopy || st.seg.msg != s.msg || st.flags&isListMember != 0 {
			newSeg, newAddr, err := alloc(s, st.size.totalSize())
			if err != nil {
				return err
			}
			dst := Struct{seg: newSeg, off: newAddr, size: st.size, depthLimit: maxDepth}
			if err := copyStruct(dst, st); err != nil {
				return err
			}
			src = dst.ToPtr()
		}
	case listPtrType:
		l := src.List()
		if forceCopy || l.seg.msg != s.msg {
			sz := l.allocSize()
			newSeg, newAddr, err := alloc(s, sz)
			if err != nil {
				return err
			}
			dst := List{seg: newSeg, off: newAddr, length: l.length, size: l.size, flags: l.flags, depthLimit: maxDepth}
			if dst.flags&isCompositeList != 0 {
				newSeg.writeRawPointer(newAddr, l.seg.readRawPointer(l.off-address(wordSize)))
				var ok bool
				dst.off, ok = dst.off.addSize(wordSize)
				if !ok {
					return errOverflow
				}
				sz -= wordSize
			}
			if dst.flags&isBitList != 0 || dst.size.PointerCount == 0 {
				end, _ := l.off.addSize(sz)
				copy(newSeg.data[dst.off:], l.seg.data[l.off:end])
			} else {
				for i := 0; i < l.Len(); i++ {
					if err := copyStruct(dst.Struct(i), l.Struct(i)); err != nil {
						return err
					}
				}
			}
			src = dst.ToPtr()
		}
	case interfacePtrType:
		iface := src.Interface()
		if iface.seg.msg != s.msg {
			c := s.msg.CapTable().Add(iface.Client())
			iface = NewInterface(s, c)
		}
		s.writeRawPointer(off, iface.value(off))
		return nil
	default:
		return exc.New(exc.Failed, "capnp", "unreachable pointer type")
	}

	if src.seg != s {
		if !hasCapacity(src.seg.data, wordSize) {
			const landingSize = wordSize * 2
			t, dstAddr, err := alloc(s, landingSize)
			if err != nil {
				return err
			}
			srcSeg := src.seg
			srcAddr := src.address()
			t.writeRawPointer(dstAddr, rawFarPointer(srcSeg.id, srcAddr))
			t.writeRawPointer(dstAddr+address(wordSize), src.value(srcAddr-address(wordSize)))
			s.writeRawPointer(off, rawDoubleFarPointer(t.id, dstAddr))
			return nil
		}
		srcSeg := src.seg
		_, srcAddr, err := alloc(srcSeg, wordSize)
		if err != nil {
			return err
		}
		srcSeg.writeRawPointer(srcAddr, src.value(srcAddr))
		s.writeRawPointer(off, rawFarPointer(srcSeg.id, srcAddr))
		return nil
	}

	s.writeRawPointer(off, src.value(off))
	return nil
}

func hasCapacity(data []byte, sz Size) bool {
	return Size(cap(data)-len(data)) >= sz
}

var (
	errPointerAddress = exc.New(exc.Failed, "capnp", "invalid pointer address")
	errBadLandingPad  = exc.New(exc.Failed, "capnp", "invalid far pointer landing pad")
	errBadTag         = exc.New(exc.Failed, "capnp", "invalid composite list tag word")
	errTraversalLimit = exc.New(exc.Failed, "capnp", "read traversal limit exceeded")
)

// segmentOutOfBoundsError reports addr as an out-of-bounds access in seg,
// named consistently with the rest of the package's error style.
func segmentOutOfBoundsError(seg SegmentID, addr address) error {
	return exc.New(exc.Failed, "capnp", "segment "+str.Utod(uint32(seg))+": address "+str.Utod(uint32(addr))+" out of bounds")
}
