package capnp

import "sync"

// Promise is a ClientHook for a capability that will resolve to some
// other capability later. Calls made before resolution are queued on an
// AnswerQueue and forwarded once Fulfill or Reject is called.
//
// This is a simplified, non-generic cousin of the teacher's
// `NewLocalPromise[C ~ClientKind]`: the code-generation backend that
// would supply typed client wrappers is out of scope (spec.md §1), so
// callers work with the bare Client/ClientHook pair instead of a
// generated interface type.
type Promise struct {
	method Method
	aq     *AnswerQueue

	mu       sync.Mutex
	resolved bool
	target   Client
	err      error
	watchers []func(Client, error)
}

// NewPromise creates a Promise for calls against method, queued on aq
// until Fulfill or Reject is called.
func NewPromise(method Method, aq *AnswerQueue) *Promise {
	return &Promise{method: method, aq: aq}
}

func (p *Promise) Send(ctx CallContext) (Answer, error) {
	p.mu.Lock()
	if p.resolved {
		target, err := p.target, p.err
		p.mu.Unlock()
		if err != nil {
			return Answer{}, err
		}
		return target.state.hook.Send(ctx)
	}
	p.mu.Unlock()
	return p.aq.Enqueue(ctx), nil
}

func (p *Promise) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved && p.target.IsValid() {
		return p.target.Release()
	}
	return nil
}

// Fulfill resolves the promise to target, flushing any queued calls.
func (p *Promise) Fulfill(target Client) {
	p.mu.Lock()
	p.resolved = true
	p.target = target
	watchers := p.watchers
	p.watchers = nil
	p.mu.Unlock()
	p.aq.Flush(target, nil)
	for _, w := range watchers {
		w(target, nil)
	}
}

// Reject resolves the promise to a permanent error, flushing any queued
// calls with that error.
func (p *Promise) Reject(err error) {
	p.mu.Lock()
	p.resolved = true
	p.err = err
	watchers := p.watchers
	p.watchers = nil
	p.mu.Unlock()
	p.aq.Flush(Client{}, err)
	for _, w := range watchers {
		w(Client{}, err)
	}
}

// Watch registers fn to run once the promise resolves, with the final
// target (or error). If the promise has already resolved, fn runs
// immediately. Used by the RPC layer to emit a Resolve message when a
// senderPromise export settles (spec.md §9).
func (p *Promise) Watch(fn func(Client, error)) {
	p.mu.Lock()
	if p.resolved {
		target, err := p.target, p.err
		p.mu.Unlock()
		fn(target, err)
		return
	}
	p.watchers = append(p.watchers, fn)
	p.mu.Unlock()
}

// ReleaseClients releases any capability references the promise's queued
// calls were holding, without otherwise disturbing resolution state.
func (p *Promise) ReleaseClients() {
	p.aq.Close()
}

// AnswerQueue buffers calls made against a capability whose target isn't
// known yet (a promised answer, §9 "Promise pipelining"). Calls are
// replayed against the resolved target in FIFO order.
type AnswerQueue struct {
	method Method

	mu     sync.Mutex
	closed bool
	queue  []queuedCall
}

type queuedCall struct {
	ctx    CallContext
	result chan Answer
}

// NewAnswerQueue creates an empty queue for calls against method.
func NewAnswerQueue(method Method) *AnswerQueue {
	return &AnswerQueue{method: method}
}

// Enqueue buffers ctx and blocks until Flush delivers its Answer. If the
// queue is already closed it returns at once with an error. A call still
// buffered when Close discards the queue is never answered, so Enqueue
// does not return for it.
func (q *AnswerQueue) Enqueue(ctx CallContext) Answer {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Answer{Err: errQueueClosed}
	}
	result := make(chan Answer, 1)
	q.queue = append(q.queue, queuedCall{ctx: ctx, result: result})
	q.mu.Unlock()
	return <-result
}

// Flush delivers every queued call, in order, to target (or err if
// target is invalid), then marks the queue closed.
func (q *AnswerQueue) Flush(target Client, err error) {
	q.mu.Lock()
	pending := q.queue
	q.queue = nil
	q.closed = true
	q.mu.Unlock()
	for _, qc := range pending {
		var a Answer
		switch {
		case err != nil:
			a = Answer{Err: err}
		case target.IsValid():
			a, _ = target.state.hook.Send(qc.ctx)
		default:
			a = Answer{Err: errQueueClosed}
		}
		qc.result <- a
	}
}

// Close discards any queued calls without delivering them.
func (q *AnswerQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.queue = nil
	q.mu.Unlock()
}

// Resolver fulfills or rejects a Promise created by NewLocalPromise.
type Resolver struct {
	p *Promise
}

func (r Resolver) Fulfill(c Client) { r.p.Fulfill(c) }
func (r Resolver) Reject(err error) { r.p.Reject(err) }

// NewLocalPromise returns a Client that will eventually resolve to a
// capability supplied via the returned Resolver.
//
// bad name, kept from the teacher's own comment: this is a "promise with
// a local resolver", not (necessarily) a "promise created locally".
func NewLocalPromise() (Client, Resolver) {
	aq := NewAnswerQueue(Method{})
	p := NewPromise(Method{}, aq)
	c := NewClient(p)
	return c, Resolver{p: p}
}

// AsPromise reports whether c wraps a *Promise (i.e. is unresolved, or
// was built by NewLocalPromise/NewPromise), returning it if so. The RPC
// layer uses this to decide whether to export a capability as
// senderHosted or senderPromise (spec.md §9).
func AsPromise(c Client) (*Promise, bool) {
	if c.state == nil {
		return nil, false
	}
	p, ok := c.state.hook.(*Promise)
	return p, ok
}
