// Package server implements the responder side of an RPC capability: a
// method dispatch table plus the two call shapes a ClientHook needs to
// support (spec.md §4.6's "RPC-stub description").
//
// The teacher's generated `_ServerToClient` constructors build a
// `server.Server` whose method table is keyed by a schema-derived
// per-interface Go type; that code-generation backend is out of scope
// here (spec.md §1 Non-goals), so Handler is keyed directly by
// capnp.Method and works with bare capnp.Ptr parameters/results instead
// of generated Params/Results structs.
package server

import (
	"context"
	"sync"

	capnp "github.com/capnproto-go/corerpc"
	"github.com/capnproto-go/corerpc/exc"
)

// MethodFunc answers a call synchronously: it's invoked with the
// decoded parameter struct and returns the result struct (or an error,
// which propagates to the caller as an Exception).
type MethodFunc func(ctx context.Context, params capnp.Ptr) (capnp.Ptr, error)

// ReturnSender lets a DeferredMethodFunc hand back its result once
// available, instead of blocking the call that invoked it.
type ReturnSender interface {
	Return(results capnp.Ptr, err error)
}

// DeferredMethodFunc is a MethodFunc variant for handlers whose result
// isn't ready by the time the method starts: for example, one that must
// itself wait on another capability's promise before answering. The
// handler is expected to call ret.Return exactly once, from any
// goroutine.
//
// Note: Handler.Send blocks its caller until Return is called, so a
// DeferredMethodFunc mustn't be registered on a capability exported
// directly into an rpc.Conn's dispatch path (that would stall the
// connection's single receive loop) — it's meant for capabilities
// invoked from host application code that owns its own goroutine.
type DeferredMethodFunc func(ctx context.Context, params capnp.Ptr, ret ReturnSender)

type methodEntry struct {
	fn         MethodFunc
	deferredFn DeferredMethodFunc
}

// Handler dispatches calls by (InterfaceID, MethodID) to a registered
// MethodFunc or DeferredMethodFunc, and implements capnp.ClientHook so
// it can be wrapped directly in a capnp.Client via capnp.NewClient.
type Handler struct {
	mu       sync.Mutex
	methods  map[capnp.Method]methodEntry
	shutdown func()
}

// New returns an empty Handler.
func New() *Handler {
	return &Handler{methods: make(map[capnp.Method]methodEntry)}
}

// Register adds fn as the handler for m, replacing any existing
// registration.
func (h *Handler) Register(m capnp.Method, fn MethodFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[m] = methodEntry{fn: fn}
}

// RegisterDeferred is like Register, for a handler that answers
// asynchronously via ReturnSender.
func (h *Handler) RegisterDeferred(m capnp.Method, fn DeferredMethodFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[m] = methodEntry{deferredFn: fn}
}

// OnShutdown registers fn to run once, the first time Close is called —
// the teacher's per-capability Shutdown() hook (see
// rpc/senderpromise_test.go's emptyShutdowner.Shutdown), generalized
// since this core has no generated Shutdown method to call into.
func (h *Handler) OnShutdown(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdown = fn
}

// Send implements capnp.ClientHook.
func (h *Handler) Send(ctx capnp.CallContext) (capnp.Answer, error) {
	h.mu.Lock()
	entry, ok := h.methods[ctx.Method]
	h.mu.Unlock()
	if !ok {
		return capnp.Answer{}, exc.New(exc.Unimplemented, "server",
			"method %d.%d not implemented", ctx.Method.InterfaceID, ctx.Method.MethodID)
	}
	if entry.fn != nil {
		results, err := entry.fn(context.Background(), ctx.Params)
		if err != nil {
			return capnp.Answer{}, err
		}
		return capnp.Answer{Results: results}, nil
	}

	done := make(chan capnp.Answer, 1)
	entry.deferredFn(context.Background(), ctx.Params, chanReturnSender{done})
	a := <-done
	if a.Err != nil {
		return capnp.Answer{}, a.Err
	}
	return a, nil
}

type chanReturnSender struct {
	ch chan capnp.Answer
}

func (c chanReturnSender) Return(results capnp.Ptr, err error) {
	c.ch <- capnp.Answer{Results: results, Err: err}
}

// Close runs the registered shutdown hook, if any, exactly once.
func (h *Handler) Close() error {
	h.mu.Lock()
	fn := h.shutdown
	h.shutdown = nil
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Client wraps h in a capnp.Client with an initial reference count of 1,
// matching the teacher's `_ServerToClient` constructors' return shape
// minus the generated interface type.
func Client(h *Handler) capnp.Client {
	return capnp.NewClient(h)
}
