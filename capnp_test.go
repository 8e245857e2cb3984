package capnp_test

import (
	"bytes"
	"testing"

	capnp "github.com/capnproto-go/corerpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructScalarRoundTrip(t *testing.T) {
	_, seg := capnp.NewSingleSegmentMessage(nil)
	s, err := capnp.NewRootStruct(seg, capnp.ObjectSize{DataSize: 16, PointerCount: 1})
	require.NoError(t, err)

	s.SetUint64(0, 0xDEADBEEFCAFEBABE)
	s.SetUint32(8, 42)
	s.SetBit(96, true)

	assert.Equal(t, uint64(0xDEADBEEFCAFEBABE), s.Uint64(0))
	assert.Equal(t, uint32(42), s.Uint32(8))
	assert.True(t, s.Bit(96))
	assert.False(t, s.Bit(97))
}

func TestTextRoundTrip(t *testing.T) {
	_, seg := capnp.NewSingleSegmentMessage(nil)
	s, err := capnp.NewRootStruct(seg, capnp.ObjectSize{PointerCount: 1})
	require.NoError(t, err)

	txt, err := capnp.NewText(seg, "hello, capnp")
	require.NoError(t, err)
	require.NoError(t, s.SetPtr(0, txt.ToPtr()))

	p, err := s.Ptr(0)
	require.NoError(t, err)
	out, err := p.TextString()
	require.NoError(t, err)
	assert.Equal(t, "hello, capnp", out)
}

func TestPointerListRoundTrip(t *testing.T) {
	_, seg := capnp.NewSingleSegmentMessage(nil)
	root, err := capnp.NewRootStruct(seg, capnp.ObjectSize{PointerCount: 1})
	require.NoError(t, err)

	lst, err := capnp.NewPointerList(seg, 3)
	require.NoError(t, err)
	for i, word := range []string{"a", "bb", "ccc"} {
		txt, err := capnp.NewText(seg, word)
		require.NoError(t, err)
		require.NoError(t, lst.Set(i, txt.ToPtr()))
	}
	require.NoError(t, root.SetPtr(0, lst.ToPtr()))

	p, err := root.Ptr(0)
	require.NoError(t, err)
	got := capnp.PointerList(p.List())
	require.Equal(t, 3, got.Len())
	for i, want := range []string{"a", "bb", "ccc"} {
		ep, err := got.At(i)
		require.NoError(t, err)
		s, err := ep.TextString()
		require.NoError(t, err)
		assert.Equal(t, want, s)
	}
}

func TestCompositeListRoundTrip(t *testing.T) {
	_, seg := capnp.NewSingleSegmentMessage(nil)
	root, err := capnp.NewRootStruct(seg, capnp.ObjectSize{PointerCount: 1})
	require.NoError(t, err)

	lst, err := capnp.NewCompositeList(seg, capnp.ObjectSize{DataSize: 8}, 4)
	require.NoError(t, err)
	for i := 0; i < lst.Len(); i++ {
		lst.Struct(i).SetUint64(0, uint64(i*i))
	}
	require.NoError(t, root.SetPtr(0, lst.ToPtr()))

	p, err := root.Ptr(0)
	require.NoError(t, err)
	out := p.List()
	require.Equal(t, 4, out.Len())
	for i := 0; i < out.Len(); i++ {
		assert.Equal(t, uint64(i*i), out.Struct(i).Uint64(0))
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	msg, seg := capnp.NewSingleSegmentMessage(nil)
	root, err := capnp.NewRootStruct(seg, capnp.ObjectSize{DataSize: 8, PointerCount: 1})
	require.NoError(t, err)
	root.SetUint64(0, 12345)
	txt, err := capnp.NewText(seg, "round trip")
	require.NoError(t, err)
	require.NoError(t, root.SetPtr(0, txt.ToPtr()))

	var buf bytes.Buffer
	require.NoError(t, capnp.NewEncoder(&buf).Encode(msg))

	out, err := capnp.NewDecoder(&buf).Decode()
	require.NoError(t, err)
	rp, err := out.Root()
	require.NoError(t, err)
	rs := rp.Struct()
	assert.Equal(t, uint64(12345), rs.Uint64(0))
	tp, err := rs.Ptr(0)
	require.NoError(t, err)
	s, err := tp.TextString()
	require.NoError(t, err)
	assert.Equal(t, "round trip", s)
}

func TestMultiSegmentFarPointer(t *testing.T) {
	msg, seg0, err := capnp.NewMessage(capnp.MultiSegment(nil))
	require.NoError(t, err)

	root, err := capnp.NewRootStruct(seg0, capnp.ObjectSize{PointerCount: 1})
	require.NoError(t, err)

	// Exhaust segment 0's spare capacity so the next allocation lands on
	// a fresh segment, forcing the root's pointer to the text value to be
	// encoded as a far pointer.
	_, _, err = msg.Arena.Allocate(capnp.Size(4096-16), msg, seg0)
	require.NoError(t, err)

	txt, err := capnp.NewText(seg0, "far pointer target")
	require.NoError(t, err)
	require.NoError(t, root.SetPtr(0, txt.ToPtr()))

	p, err := root.Ptr(0)
	require.NoError(t, err)
	s, err := p.TextString()
	require.NoError(t, err)
	assert.Equal(t, "far pointer target", s)
}

func TestCanonicalizeIsStable(t *testing.T) {
	build := func() capnp.Struct {
		_, seg := capnp.NewSingleSegmentMessage(nil)
		s, err := capnp.NewRootStruct(seg, capnp.ObjectSize{DataSize: 16, PointerCount: 2})
		require.NoError(t, err)
		s.SetUint32(0, 7)
		txt, err := capnp.NewText(seg, "x")
		require.NoError(t, err)
		require.NoError(t, s.SetPtr(0, txt.ToPtr()))
		return s
	}

	a, err := capnp.Canonicalize(build())
	require.NoError(t, err)
	b, err := capnp.Canonicalize(build())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalizeTrimsTrailingZeros(t *testing.T) {
	_, seg := capnp.NewSingleSegmentMessage(nil)
	s, err := capnp.NewRootStruct(seg, capnp.ObjectSize{DataSize: 64, PointerCount: 8})
	require.NoError(t, err)
	s.SetUint8(0, 1)

	out, err := capnp.Canonicalize(s)
	require.NoError(t, err)
	// One word for the root pointer, one word for the trimmed struct's
	// data section; no pointer section survives since every pointer is
	// null.
	assert.Equal(t, 16, len(out))
}

func TestTraversalLimitExceeded(t *testing.T) {
	msg, seg := capnp.NewSingleSegmentMessage(nil)
	root, err := capnp.NewRootStruct(seg, capnp.ObjectSize{DataSize: 8})
	require.NoError(t, err)
	root.SetUint64(0, 1)

	size := root.Size()
	total := uint64(size.DataSize) + uint64(size.PointerCount)*8

	msg.ResetReadLimit(total - 1)
	_, err = msg.Root()
	assert.Error(t, err)
}

func TestTraversalLimitAllows(t *testing.T) {
	msg, seg := capnp.NewSingleSegmentMessage(nil)
	root, err := capnp.NewRootStruct(seg, capnp.ObjectSize{DataSize: 8})
	require.NoError(t, err)
	root.SetUint64(0, 1)

	size := root.Size()
	total := uint64(size.DataSize) + uint64(size.PointerCount)*8

	msg.ResetReadLimit(total)
	p, err := msg.Root()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Struct().Uint64(0))
}
