package capnp

import (
	"sync"
	"unsafe"

	"github.com/capnproto-go/corerpc/exc"
)

// ClientHook is the interface a capability implementation provides. A
// Client wraps a ClientHook and is reference-counted.
type ClientHook interface {
	// Send dispatches a method call and returns a future for its
	// results. Implementations used purely as codec test fixtures may
	// leave this returning an "unimplemented" error.
	Send(ctx CallContext) (Answer, error)
	// Close releases any resources held by the hook. Called once the
	// client's reference count reaches zero.
	Close() error
}

// CallContext carries a single RPC call's method identifier and
// parameter payload through to a ClientHook.
type CallContext struct {
	Method Method
	Params Ptr
}

// Answer is the result of a call: either a payload or an error.
type Answer struct {
	Results Ptr
	Err     error
}

// Method identifies an interface method by interface ID and ordinal, the
// same pair a schema's CodeGeneratorRequest would assign.
type Method struct {
	InterfaceID uint64
	MethodID    uint16
	Name        string
}

// Client is a reference-counted handle to a capability. The zero Client
// is a null capability: calling any method on it returns an
// Unimplemented-typed error.
type Client struct {
	state *clientState
}

type clientState struct {
	mu       sync.Mutex
	hook     ClientHook
	refs     int
	released bool
}

// NewClient wraps hook in a Client with an initial reference count of 1.
func NewClient(hook ClientHook) Client {
	if hook == nil {
		return Client{}
	}
	return Client{state: &clientState{hook: hook, refs: 1}}
}

// IsValid reports whether c refers to a hook (is not the null capability).
func (c Client) IsValid() bool { return c.state != nil }

// SendCall dispatches a method call to c's underlying hook. Calling it on
// the null Client returns an Unimplemented error.
func (c Client) SendCall(ctx CallContext) (Answer, error) {
	if c.state == nil {
		return Answer{}, exc.New(exc.Unimplemented, "capnp", "call on null capability")
	}
	c.state.mu.Lock()
	hook := c.state.hook
	c.state.mu.Unlock()
	return hook.Send(ctx)
}

// AddRef increments c's reference count and returns c.
func (c Client) AddRef() Client {
	if c.state == nil {
		return c
	}
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.refs++
	return c
}

// Release decrements c's reference count, closing the underlying hook
// when it reaches zero.
func (c Client) Release() error {
	if c.state == nil {
		return nil
	}
	c.state.mu.Lock()
	c.state.refs--
	shouldClose := c.state.refs <= 0 && !c.state.released
	if shouldClose {
		c.state.released = true
	}
	c.state.mu.Unlock()
	if shouldClose {
		return c.state.hook.Close()
	}
	return nil
}

// AttachReleaser arranges for release to be invoked (in addition to the
// normal Close) once c's reference count reaches zero. Used so that a
// Client built atop a throwaway Message can free that message's memory
// when the capability itself is no longer needed.
func (c Client) AttachReleaser(release func()) {
	if c.state == nil || release == nil {
		return
	}
	inner := c.state.hook
	c.state.hook = releaseWrapper{ClientHook: inner, extra: release}
}

type releaseWrapper struct {
	ClientHook
	extra func()
}

func (r releaseWrapper) Close() error {
	r.extra()
	if r.ClientHook == nil {
		return nil
	}
	return r.ClientHook.Close()
}

// IsSame reports whether a and b refer to the same underlying hook
// state, i.e. originated from the same NewClient/AddRef chain.
func (c Client) IsSame(other Client) bool {
	return c.state == other.state
}

// Key returns an opaque, comparable value that's equal for any two
// Clients sharing the same underlying hook state (and thus IsSame). Used
// by the RPC layer to dedup re-exports of an already-exported capability
// (spec.md §4.4).
func (c Client) Key() uintptr {
	return uintptr(unsafe.Pointer(c.state))
}

// CapTable is the per-message list of capabilities referenced by
// capability pointers in that message. It's populated by the RPC layer
// when decoding/encoding payloads that cross the wire (§3 "Cap Table").
type CapTable struct {
	mu      sync.Mutex
	clients []Client
}

// Add appends c to the table and returns its index.
func (t *CapTable) Add(c Client) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients = append(t.clients, c)
	return uint32(len(t.clients) - 1)
}

// At returns the client at index i, or the null Client if out of range.
func (t *CapTable) At(i int) Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.clients) {
		return Client{}
	}
	return t.clients[i]
}

// Len returns the number of entries in the table.
func (t *CapTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// Reset releases every client in the table and empties it.
func (t *CapTable) Reset() {
	t.mu.Lock()
	clients := t.clients
	t.clients = nil
	t.mu.Unlock()
	for _, c := range clients {
		c.Release()
	}
}
