package capnp

import "github.com/capnproto-go/corerpc/exc"

// An Arena loads and allocates segments for a Message.
type Arena interface {
	// NumSegments returns the number of segments the arena currently has.
	NumSegments() int64
	// Segment returns the segment with the given ID, or nil if it
	// does not exist.
	Segment(id SegmentID) *Segment
	// Allocate returns a segment with at least sz bytes of capacity,
	// preferring pref if non-nil and it has room. It returns the
	// segment along with the address at which the caller may write sz
	// bytes.
	Allocate(sz Size, msg *Message, pref *Segment) (*Segment, address, error)
	// Release releases any resources associated with the arena.
	Release()
}

type roSingleSegment struct {
	seg *Segment
}

// SingleSegment constructs an Arena that allocates and reads from a
// single contiguous buffer. b may be nil for a fresh builder arena, or
// non-empty when reading an existing message's data.
func SingleSegment(b []byte) Arena {
	a := &roSingleSegment{seg: &Segment{id: 0, data: b}}
	return a
}

func (a *roSingleSegment) NumSegments() int64 {
	if a.seg == nil {
		return 0
	}
	return 1
}

func (a *roSingleSegment) Segment(id SegmentID) *Segment {
	if id != 0 || a.seg == nil {
		return nil
	}
	return a.seg
}

func (a *roSingleSegment) Allocate(sz Size, msg *Message, pref *Segment) (*Segment, address, error) {
	if a.seg == nil {
		a.seg = &Segment{id: 0}
	}
	if pref != nil && pref != a.seg {
		return nil, 0, exc.New(exc.Failed, "capnp", "arena: preferred segment not in single-segment arena")
	}
	data := a.seg.data
	if hasCapacity(data, sz) {
		addr := address(len(data))
		a.seg.data = data[:len(data)+int(sz)]
		return a.seg, addr, nil
	}
	// Grow: single-segment arenas must keep everything in one segment,
	// so double the capacity (at least enough for sz) and copy.
	newCap := len(data)*2 + int(sz)
	if newCap < int(sz) {
		newCap = int(sz)
	}
	newData := make([]byte, len(data), newCap)
	copy(newData, data)
	addr := address(len(data))
	newData = newData[:len(data)+int(sz)]
	a.seg.data = newData
	return a.seg, addr, nil
}

func (a *roSingleSegment) Release() {
	a.seg = nil
}

type multiSegment struct {
	segs []*Segment
}

// MultiSegment constructs an Arena that can hold more than one segment,
// growing by appending new segments rather than reallocating existing
// ones (so far pointers remain valid for the arena's lifetime).
func MultiSegment(bs [][]byte) Arena {
	m := &multiSegment{}
	for i, b := range bs {
		m.segs = append(m.segs, &Segment{id: SegmentID(i), data: b})
	}
	return m
}

func (m *multiSegment) NumSegments() int64 {
	return int64(len(m.segs))
}

func (m *multiSegment) Segment(id SegmentID) *Segment {
	if int64(id) >= int64(len(m.segs)) {
		return nil
	}
	return m.segs[id]
}

func (m *multiSegment) Allocate(sz Size, msg *Message, pref *Segment) (*Segment, address, error) {
	if pref != nil {
		if hasCapacity(pref.data, sz) {
			addr := address(len(pref.data))
			pref.data = pref.data[:len(pref.data)+int(sz)]
			return pref, addr, nil
		}
	}
	for _, s := range m.segs {
		if hasCapacity(s.data, sz) {
			addr := address(len(s.data))
			s.data = s.data[:len(s.data)+int(sz)]
			return s, addr, nil
		}
	}
	newCap := int(sz)
	if newCap < 4096 {
		newCap = 4096
	}
	s := &Segment{id: SegmentID(len(m.segs)), data: make([]byte, 0, newCap)}
	s.data = s.data[:sz]
	m.segs = append(m.segs, s)
	return s, 0, nil
}

func (m *multiSegment) Release() {
	m.segs = nil
}
