// Package transport implements the RPC framing layer (spec.md §4.3): a
// length-prefixed segment-table frame format layered over an ordered,
// reliable byte stream, plus an in-memory pipe for tests.
package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"sync"

	"github.com/capnproto-go/corerpc/exc"
	"github.com/capnproto-go/corerpc/rpc/rpccp"
)

// DefaultMaxFrameWords bounds a single frame's total segment word count,
// matching spec.md §4.3's "configurable, default roughly 64 MiB".
const DefaultMaxFrameWords = (64 << 20) / 8

// Framer assembles complete frames out of a byte stream delivered via
// repeated Push calls, per spec.md §4.3's push/pop_frame contract.
type Framer struct {
	MaxFrameWords uint64

	buf []byte
}

// NewFramer returns a Framer with the default frame size limit.
func NewFramer() *Framer {
	return &Framer{MaxFrameWords: DefaultMaxFrameWords}
}

// Push appends b to the framer's internal buffer.
func (f *Framer) Push(b []byte) {
	f.buf = append(f.buf, b...)
}

// PopFrame returns the next complete frame (segment table plus segment
// bytes) as an owned buffer, and true, if one is fully buffered; it
// returns (nil, false) if more data is needed. Errors are fatal: per the
// fuzz contract, the caller must Reset the framer before pushing more
// data after an error.
func (f *Framer) PopFrame() ([]byte, bool, error) {
	if len(f.buf) < 4 {
		return nil, false, nil
	}
	segCountMinus1 := binary.LittleEndian.Uint32(f.buf[:4])
	if segCountMinus1 == 0xFFFFFFFF {
		return nil, false, errInvalidFrame
	}
	segCount := uint64(segCountMinus1) + 1
	tableWords := segCount/2 + 1
	tableSize := tableWords * 8
	if uint64(len(f.buf)) < tableSize {
		return nil, false, nil
	}
	var totalWords uint64
	for i := uint64(0); i < segCount; i++ {
		off := 4 + i*4
		totalWords += uint64(binary.LittleEndian.Uint32(f.buf[off : off+4]))
	}
	limit := f.MaxFrameWords
	if limit == 0 {
		limit = DefaultMaxFrameWords
	}
	if totalWords > limit {
		return nil, false, errFrameTooLarge
	}
	frameSize := tableSize + totalWords*8
	if uint64(len(f.buf)) < frameSize {
		return nil, false, nil
	}
	frame := make([]byte, frameSize)
	copy(frame, f.buf[:frameSize])
	f.buf = f.buf[frameSize:]
	return frame, true, nil
}

// Reset discards any buffered, unparseable data. Call after PopFrame
// returns an error.
func (f *Framer) Reset() {
	f.buf = nil
}

var (
	errInvalidFrame  = exc.New(exc.Failed, "transport", "invalid frame: segment count overflow")
	errFrameTooLarge = exc.New(exc.Failed, "transport", "frame exceeds maximum size")
)

// Transport sends and receives RPC messages over an ordered byte stream.
// It's the host hook named in spec.md §6 ("send_frame"/implicit
// recv)-shaped as a small synchronous interface rather than bare
// byte callbacks, matching the teacher's rpc.Transport.
type Transport interface {
	SendMessage(msg *rpccp.Message) error
	RecvMessage() (*rpccp.Message, error)
	Close() error
}

// streamTransport frames rpccp.Message values (gob-encoded — see
// DESIGN.md "Dropped/stdlib justifications" for why the real schema-compiled
// rpc.capnp marshaling is out of scope here) using the Framer's wire
// layout over an io.ReadWriteCloser.
type streamTransport struct {
	rw     io.ReadWriteCloser
	framer *Framer
	rbuf   [4096]byte
}

// NewStreamTransport wraps an io.ReadWriteCloser (e.g. a net.Conn) as a
// Transport.
func NewStreamTransport(rw io.ReadWriteCloser) Transport {
	return &streamTransport{rw: rw, framer: NewFramer()}
}

func (t *streamTransport) SendMessage(msg *rpccp.Message) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(msg); err != nil {
		return exc.WrapError("transport: encode", err)
	}
	payload := body.Bytes()
	words := (len(payload) + 7) / 8
	padded := make([]byte, words*8)
	copy(padded, payload)

	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, uint32(0)) // segCountMinus1 = 0 (one segment)
	binary.Write(&hdr, binary.LittleEndian, uint32(words)) // one-entry table: header is already one word, no padding
	if _, err := t.rw.Write(hdr.Bytes()); err != nil {
		return err
	}
	_, err := t.rw.Write(padded)
	return err
}

func (t *streamTransport) RecvMessage() (*rpccp.Message, error) {
	for {
		frame, ok, err := t.framer.PopFrame()
		if err != nil {
			t.framer.Reset()
			return nil, err
		}
		if ok {
			return decodeFrame(frame)
		}
		n, err := t.rw.Read(t.rbuf[:])
		if n > 0 {
			t.framer.Push(t.rbuf[:n])
		}
		if err != nil {
			if n > 0 {
				continue
			}
			return nil, err
		}
	}
}

func decodeFrame(frame []byte) (*rpccp.Message, error) {
	segCountMinus1 := binary.LittleEndian.Uint32(frame[:4])
	segCount := uint64(segCountMinus1) + 1
	tableWords := segCount/2 + 1
	tableSize := tableWords * 8
	wordCount := binary.LittleEndian.Uint32(frame[4:8])
	payload := frame[tableSize : tableSize+uint64(wordCount)*8]
	var msg rpccp.Message
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&msg); err != nil {
		return nil, exc.WrapError("transport: decode", err)
	}
	return &msg, nil
}

func (t *streamTransport) Close() error { return t.rw.Close() }

// pipe is an in-memory, synchronous Transport pair, grounded on the
// teacher's transport.NewPipe used throughout rpc/*_test.go.
type pipeHalf struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*rpccp.Message
	closed bool
	peer   *pipeHalf
}

// NewPipe returns two connected Transports such that messages sent on
// one are received on the other, with a queue depth of bufSize before
// SendMessage blocks-equivalent behavior (here: unbounded, since the
// core RPC layer never blocks — see spec.md §5).
func NewPipe(bufSize int) (Transport, Transport) {
	a := &pipeHalf{}
	b := &pipeHalf{}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeHalf) SendMessage(msg *rpccp.Message) error {
	p.peer.mu.Lock()
	defer p.peer.mu.Unlock()
	if p.peer.closed {
		return exc.New(exc.Disconnected, "transport", "pipe closed")
	}
	p.peer.queue = append(p.peer.queue, msg)
	p.peer.cond.Signal()
	return nil
}

func (p *pipeHalf) RecvMessage() (*rpccp.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, io.EOF
	}
	msg := p.queue[0]
	p.queue = p.queue[1:]
	return msg, nil
}

func (p *pipeHalf) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.peer.mu.Lock()
	p.peer.closed = true
	p.peer.mu.Unlock()
	p.peer.cond.Broadcast()
	return nil
}
