package capnp

import "github.com/capnproto-go/corerpc/exc"

// NewData allocates a new data (byte list) value in s containing a copy
// of v.
func NewData(s *Segment, v []byte) (List, error) {
	l, err := newByteList(s, len(v))
	if err != nil {
		return List{}, err
	}
	copy(l.seg.slice(l.off, Size(len(v))), v)
	return l, nil
}

// NewText allocates a new text value in s containing v plus a trailing
// NUL, matching Cap'n Proto's text-is-a-NUL-terminated-byte-list
// encoding.
func NewText(s *Segment, v string) (List, error) {
	l, err := newByteList(s, len(v)+1)
	if err != nil {
		return List{}, err
	}
	copy(l.seg.slice(l.off, Size(len(v))), v)
	return l, nil
}

func newByteList(s *Segment, n int) (List, error) {
	sz := ObjectSize{DataSize: 1}
	total, ok := sz.totalSize().times(int32(n))
	if !ok {
		return List{}, errOverflow
	}
	seg, addr, err := alloc(s, total)
	if err != nil {
		return List{}, err
	}
	return List{seg: seg, off: addr, length: int32(n), size: sz, depthLimit: maxDepth}, nil
}

// DataBytes returns a copy of the bytes referenced by p, interpreting it
// as a data value (a list of byte-sized elements).
func (p Ptr) DataBytes() ([]byte, error) {
	if !p.IsValid() {
		return nil, nil
	}
	l := p.List()
	if !l.IsValid() {
		return nil, exc.New(exc.Failed, "capnp", "not a data value")
	}
	n := l.Len()
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		a, _ := l.off.addSize(Size(i))
		out[i] = l.seg.readUint8(a)
	}
	return out, nil
}

// TextString returns the string referenced by p, interpreting it as a
// text value (a NUL-terminated data value) and stripping the trailing
// NUL.
func (p Ptr) TextString() (string, error) {
	b, err := p.DataBytes()
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", nil
	}
	if b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b), nil
}
