package capnp

import (
	"encoding/binary"
	"io"

	"github.com/capnproto-go/corerpc/exc"
)

// streamHeaderSize returns the size, in bytes, of the segment-table
// header for a message with (maxSegID+1) segments: a 4-byte segment
// count word, one 4-byte word count per segment, padded to a whole
// number of words.
func streamHeaderSize(maxSegID SegmentID) uint64 {
	n := uint64(maxSegID) + 1
	return ((n/2 + 1) * 2) * 4
}

// An Encoder writes the Cap'n Proto stream framing (§3/§6: a segment
// table followed by each segment's bytes) to an io.Writer.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes m's framed form to the encoder's writer.
func (e *Encoder) Encode(m *Message) error {
	buf, err := m.Marshal()
	if err != nil {
		return exc.WrapError("encode", err)
	}
	_, err = e.w.Write(buf)
	return err
}

// A Decoder reads framed Cap'n Proto messages (§3/§6) from an io.Reader.
type Decoder struct {
	r             io.Reader
	MaxMessageSize uint64
}

// NewDecoder returns a Decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, MaxMessageSize: defaultDecodeLimit}
}

// Decode reads one framed message from the decoder's reader.
func (d *Decoder) Decode() (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return nil, err
	}
	segCount := binary.LittleEndian.Uint32(hdr[:]) + 1
	if segCount == 0 {
		return nil, exc.New(exc.Failed, "capnp", "decode: segment count overflow")
	}
	tableSize := streamHeaderSize(SegmentID(segCount - 1))
	rest := make([]byte, tableSize-4)
	if _, err := io.ReadFull(d.r, rest); err != nil {
		return nil, err
	}
	sizes := make([]uint32, segCount)
	for i := range sizes {
		sizes[i] = binary.LittleEndian.Uint32(rest[i*4:])
	}
	var total uint64
	segs := make([][]byte, segCount)
	for i, ws := range sizes {
		n := uint64(ws) * uint64(wordSize)
		total += n
		if d.MaxMessageSize != 0 && total > d.MaxMessageSize {
			return nil, exc.New(exc.Failed, "capnp", "decode: message exceeds size limit")
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(d.r, b); err != nil {
			return nil, err
		}
		segs[i] = b
	}
	msg := new(Message)
	msg.ResetForRead(MultiSegment(segs))
	return msg, nil
}
