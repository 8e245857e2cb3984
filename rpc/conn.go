// Package rpc implements the four-party object-capability RPC protocol
// layered on the wire codec (spec.md §3/§4.4–§4.5/§9): promise
// pipelining, embargoes, and third-party handoff via provide/accept/join.
//
// The protocol state machine itself is synchronous and non-blocking
// (spec.md §5): handleMessage never blocks on I/O or on another message's
// resolution, and every reaction to an inbound message is expressed as a
// finite sequence of table updates plus zero or more outbound sends.
// Conn wraps that state machine in a single background goroutine that
// repeatedly calls transport.RecvMessage and feeds the result to
// handleMessage — one goroutine per connection, not one per call or
// per question the way the teacher's rpc.Conn spawns them. DESIGN.md's
// rpc/conn.go entry records this choice.
package rpc

import (
	"sync"

	capnp "github.com/capnproto-go/corerpc"
	"github.com/capnproto-go/corerpc/exc"
	"github.com/capnproto-go/corerpc/rpc/rpccp"
	"github.com/capnproto-go/corerpc/rpc/transport"
	"github.com/rs/xid"
)

// PeerID names a vat for third-party handoff purposes (spec.md §3's
// "introductions" carry the introducee's PeerID).
type PeerID struct {
	Value string
}

// Logger is the ambient logging hook, matching the teacher's
// Options.ErrorReporter/Logger convention: callers supply whatever
// structured-logging backend they use (e.g. a zerolog/zap adapter), and
// the rpc package only ever calls Infof/Errorf.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// nopLogger discards everything; used when Options.Logger is nil.
type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// Options configures a Conn.
type Options struct {
	// Logger receives diagnostic messages. Defaults to a no-op logger.
	Logger Logger
	// BootstrapClient is returned (possibly still resolving) in response
	// to a Bootstrap message from the peer. May be the zero Client, in
	// which case Bootstrap requests fail with Unimplemented.
	BootstrapClient capnp.Client
	// RemotePeerID identifies the peer on the other end, used when
	// minting third-party handoff tokens that name it.
	RemotePeerID PeerID
}

// NewTransport adapts t for use with NewConn. The teacher's NewTransport
// wraps a raw byte Transport with rpc.capnp message marshaling; here
// rpc/transport.Transport already operates at the rpccp.Message level
// (see rpc/transport's package doc for why), so this is an identity
// wrapper kept only so call sites read the same way as the teacher's.
func NewTransport(t transport.Transport) transport.Transport { return t }

// Conn is one end of a connection speaking the RPC protocol.
type Conn struct {
	t    transport.Transport
	opts Options

	mu     sync.Mutex
	tabs   *tables
	closed bool
	abortErr error

	done chan struct{}
}

// NewConn creates a Conn operating over t and starts its receive loop.
// Close, or the transport returning an error, stops the loop and tears
// the connection's tables down as Close describes.
func NewConn(t transport.Transport, opts *Options) *Conn {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
	if o.RemotePeerID.Value == "" {
		// A vat that doesn't name its peer still needs a stable handle to
		// put in third-party handoff tokens (spec.md §3); mint one.
		o.RemotePeerID.Value = xid.New().String()
	}
	c := &Conn{
		t:    t,
		opts: o,
		tabs: newTables(),
		done: make(chan struct{}),
	}
	connsStarted.Inc()
	go c.recvLoop()
	return c
}

func (c *Conn) recvLoop() {
	defer close(c.done)
	for {
		msg, err := c.t.RecvMessage()
		if err != nil {
			c.teardown(err)
			return
		}
		if err := c.handleMessage(msg); err != nil {
			return
		}
	}
}

// Bootstrap sends a Bootstrap message and returns a Client that pipelines
// calls until the Return arrives (spec.md §9 "Promise pipelining").
func (c *Conn) Bootstrap() capnp.Client {
	c.mu.Lock()
	qid := c.tabs.newQuestionID()
	aq := capnp.NewAnswerQueue(capnp.Method{})
	p := capnp.NewPromise(capnp.Method{}, aq)
	c.tabs.questions[qid] = &question{id: qid, aq: aq}
	c.mu.Unlock()

	c.send(&rpccp.Message{
		Which:     rpccp.Message_Which_bootstrap,
		Bootstrap: &rpccp.Bootstrap{QuestionID: qid},
	})
	return capnp.NewClient(p)
}

// Close tears the connection down: every outstanding question fails with
// a Disconnected error, every export is released, every table is
// cleared, and the underlying transport is closed. Imported capabilities
// are dropped from the table without sending the peer a Release.
func (c *Conn) Close() error {
	c.teardown(exc.New(exc.Disconnected, "rpc", "connection closed"))
	err := c.t.Close()
	<-c.done
	return err
}

func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.abortErr = cause
	qs := c.tabs.questions
	ex := c.tabs.exports
	c.tabs = newTables()
	c.mu.Unlock()

	for _, q := range qs {
		if q.aq != nil {
			q.aq.Flush(capnp.Client{}, cause)
		}
	}
	for _, e := range ex {
		e.client.Release()
	}
}

func (c *Conn) send(msg *rpccp.Message) {
	if err := c.t.SendMessage(msg); err != nil {
		c.opts.Logger.Errorf("rpc: send failed: %v", err)
		return
	}
	messagesSent.WithLabelValues(msg.Which.String()).Inc()
}

// ErrDuplicateProvideRecipient and ErrInvalidThirdPartyAnswerID name the
// two protocol-structural violations spec.md §7/§8 requires handle_frame
// to surface to its caller, distinct from handler-originated exceptions
// (which ride a Return and never reach this return value).
var (
	ErrDuplicateProvideRecipient = exc.New(exc.Failed, "rpc", "duplicate provide recipient")
	ErrInvalidThirdPartyAnswerID = exc.New(exc.Failed, "rpc", "invalid thirdPartyAnswer answerId")
)

// handleMessage dispatches one inbound message per spec.md §4.5's
// per-kind reaction table. It never blocks. A non-nil return is always
// one of ErrDuplicateProvideRecipient or ErrInvalidThirdPartyAnswerID —
// the two protocol-structural violations that are fatal for the
// connection (spec.md §7 "Fatal vs recoverable"); handleMessage has
// already sent an Abort and torn the connection down by the time it
// returns either.
func (c *Conn) handleMessage(msg *rpccp.Message) (err error) {
	messagesReceived.WithLabelValues(msg.Which.String()).Inc()
	switch msg.Which {
	case rpccp.Message_Which_bootstrap:
		c.handleBootstrap(msg.Bootstrap)
	case rpccp.Message_Which_call:
		c.handleCall(msg.Call)
	case rpccp.Message_Which_return:
		c.handleReturn(msg.Return)
	case rpccp.Message_Which_finish:
		c.handleFinish(msg.Finish)
	case rpccp.Message_Which_resolve:
		c.handleResolve(msg.Resolve)
	case rpccp.Message_Which_release:
		c.handleRelease(msg.Release)
	case rpccp.Message_Which_disembargo:
		c.handleDisembargo(msg.Disembargo)
	case rpccp.Message_Which_provide:
		err = c.handleProvide(msg.Provide)
	case rpccp.Message_Which_accept:
		c.handleAccept(msg.Accept)
	case rpccp.Message_Which_join:
		c.handleJoin(msg.Join)
	case rpccp.Message_Which_thirdPartyAnswer:
		err = c.handleThirdPartyAnswer(msg.ThirdPartyAnswer)
	case rpccp.Message_Which_abort:
		reason := "connection aborted by peer"
		if msg.Abort != nil {
			reason = msg.Abort.Reason
		}
		c.teardown(exc.New(exc.Disconnected, "rpc", "%s", reason))
	case rpccp.Message_Which_unimplemented:
		// The peer didn't understand a message we sent; nothing
		// in the core protocol requires a reaction beyond logging
		// (callers building on Resolve-of-senderPromise drop the
		// capability themselves when they see this for a Resolve).
		c.opts.Logger.Infof("rpc: peer reported unimplemented message")
	default:
		c.send(&rpccp.Message{Which: rpccp.Message_Which_unimplemented, Unimplemented: msg})
	}
	return err
}

// abortWith sends an Abort frame with reason and tears the connection
// down, then returns cause so the caller (handleMessage) can propagate
// it past the recv loop (spec.md §7 "protocol-structural errors ... are
// fatal for the connection and trigger Abort").
func (c *Conn) abortWith(reason string, cause error) error {
	c.send(&rpccp.Message{Which: rpccp.Message_Which_abort, Abort: &rpccp.Exception{
		Type: rpccp.Exception_Type_failed, Reason: reason,
	}})
	c.teardown(cause)
	return cause
}

func (c *Conn) handleBootstrap(b *rpccp.Bootstrap) {
	c.mu.Lock()
	client := c.opts.BootstrapClient
	c.mu.Unlock()

	if !client.IsValid() {
		c.send(&rpccp.Message{
			Which: rpccp.Message_Which_return,
			Return: &rpccp.Return{
				AnswerID: b.QuestionID,
				Which:    rpccp.Return_Which_exception,
				Exception: rpccp.Exception{
					Type:   rpccp.Exception_Type_unimplemented,
					Reason: "no bootstrap interface",
				},
			},
		})
		return
	}

	c.mu.Lock()
	id := c.tabs.findOrAddExport(client)
	c.tabs.answers[b.QuestionID] = &answer{id: b.QuestionID, resultCaps: []capnp.Client{client}, sent: true}

	var caps capnp.CapTable
	caps.Add(client)
	if p, ok := capnp.AsPromise(client); ok {
		// mark_export_promise (spec.md §4.4): the bootstrap object
		// itself hasn't resolved yet, so encode_call_payload_caps must
		// describe it as senderPromise, not senderHosted.
		c.tabs.markExportPromise(id)
		capTable := c.tabs.encodeCallPayloadCaps(&caps)
		c.mu.Unlock()

		p.Watch(func(target capnp.Client, err error) {
			c.emitResolve(id, target, err)
		})
		c.send(&rpccp.Message{
			Which: rpccp.Message_Which_return,
			Return: &rpccp.Return{
				AnswerID: b.QuestionID,
				Which:    rpccp.Return_Which_results,
				Results:  rpccp.Payload{CapTable: capTable},
			},
		})
		return
	}
	capTable := c.tabs.encodeCallPayloadCaps(&caps)
	c.mu.Unlock()

	c.send(&rpccp.Message{
		Which: rpccp.Message_Which_return,
		Return: &rpccp.Return{
			AnswerID: b.QuestionID,
			Which:    rpccp.Return_Which_results,
			Results:  rpccp.Payload{CapTable: capTable},
		},
	})
}

// emitResolve sends a Resolve message once a senderPromise export
// settles, per spec.md §9.
func (c *Conn) emitResolve(exportID uint32, target capnp.Client, err error) {
	if err != nil {
		c.send(&rpccp.Message{
			Which: rpccp.Message_Which_resolve,
			Resolve: &rpccp.Resolve{
				PromiseID: exportID,
				Which:     rpccp.Resolve_Which_exception,
				Exception: rpccp.Exception{Type: wireExceptionTypeFor(err), Reason: err.Error()},
			},
		})
		return
	}
	c.mu.Lock()
	newID := c.tabs.findOrAddExport(target)
	c.mu.Unlock()
	c.send(&rpccp.Message{
		Which: rpccp.Message_Which_resolve,
		Resolve: &rpccp.Resolve{
			PromiseID: exportID,
			Which:     rpccp.Resolve_Which_cap,
			Cap:       rpccp.CapDescriptor{Which: rpccp.CapDescriptor_Which_senderHosted, SenderHosted: newID},
		},
	})
}

func (c *Conn) resolveTarget(t rpccp.MessageTarget) (capnp.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch t.Which {
	case rpccp.MessageTarget_Which_importedCap:
		e, ok := c.tabs.exports[t.ImportedCap]
		if !ok {
			return capnp.Client{}, false
		}
		return e.client, true
	case rpccp.MessageTarget_Which_promisedAnswer:
		a, ok := c.tabs.answers[t.PromisedAnswer.QuestionID]
		if !ok || len(a.resultCaps) == 0 {
			return capnp.Client{}, false
		}
		// The transform is not inspected: every promisedAnswer target
		// resolves to the answer's first result capability.
		return a.resultCaps[0], true
	default:
		return capnp.Client{}, false
	}
}

func (c *Conn) handleCall(call *rpccp.Call) {
	if call.Target.Which == rpccp.MessageTarget_Which_promisedAnswer {
		c.mu.Lock()
		tag, embargoed := c.tabs.answerToTag[call.Target.PromisedAnswer.QuestionID]
		if embargoed {
			pa := c.tabs.embargoesByTag[tag]
			pa.pending = append(pa.pending, call)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
	target, ok := c.resolveTarget(call.Target)
	if !ok {
		c.send(&rpccp.Message{
			Which: rpccp.Message_Which_return,
			Return: &rpccp.Return{
				AnswerID: call.QuestionID,
				Which:    rpccp.Return_Which_exception,
				Exception: rpccp.Exception{
					Type:   rpccp.Exception_Type_failed,
					Reason: "no such target",
				},
			},
		})
		return
	}

	ans, err := target.SendCall(capnp.CallContext{
		Method: capnp.Method{InterfaceID: call.InterfaceID, MethodID: call.MethodID},
	})

	c.mu.Lock()
	c.tabs.answers[call.QuestionID] = &answer{id: call.QuestionID, sent: true}
	c.mu.Unlock()

	if err != nil {
		c.send(&rpccp.Message{
			Which: rpccp.Message_Which_return,
			Return: &rpccp.Return{
				AnswerID: call.QuestionID,
				Which:    rpccp.Return_Which_exception,
				Exception: rpccp.Exception{Type: wireExceptionTypeFor(err), Reason: err.Error()},
			},
		})
		return
	}

	var capTable []rpccp.CapDescriptor
	if ans.Results.IsValid() {
		if iface := ans.Results.Interface(); iface.IsValid() {
			rc := iface.Client()
			var caps capnp.CapTable
			caps.Add(rc)
			c.mu.Lock()
			c.tabs.answers[call.QuestionID].resultCaps = []capnp.Client{rc}
			capTable = c.tabs.encodeCallPayloadCaps(&caps)
			c.mu.Unlock()
		}
	}
	c.send(&rpccp.Message{
		Which: rpccp.Message_Which_return,
		Return: &rpccp.Return{
			AnswerID: call.QuestionID,
			Which:    rpccp.Return_Which_results,
			Results:  rpccp.Payload{CapTable: capTable},
		},
	})
}

func (c *Conn) handleReturn(ret *rpccp.Return) {
	c.mu.Lock()
	q, ok := c.tabs.questions[ret.AnswerID]
	c.mu.Unlock()
	if !ok {
		return
	}
	switch ret.Which {
	case rpccp.Return_Which_exception:
		err := exc.New(exc.Failed, "rpc", "%s", ret.Exception.Reason)
		q.aq.Flush(capnp.Client{}, err)
	default:
		var target capnp.Client
		if len(ret.Results.CapTable) > 0 {
			target = c.importClientFor(ret.Results.CapTable[0])
		}
		q.aq.Flush(target, nil)
	}
	c.mu.Lock()
	q.resolved = true
	c.mu.Unlock()
}

// importClientFor wraps a senderHosted or senderPromise CapDescriptor
// received from the peer as an import Client (see importHook), recording
// it in the imports table so it can be released later. Other descriptor
// kinds yield the null Client.
func (c *Conn) importClientFor(d rpccp.CapDescriptor) capnp.Client {
	var id uint32
	switch d.Which {
	case rpccp.CapDescriptor_Which_senderHosted, rpccp.CapDescriptor_Which_senderPromise:
		id = d.SenderHosted
		if d.Which == rpccp.CapDescriptor_Which_senderPromise {
			id = d.SenderPromise
		}
	default:
		return capnp.Client{}
	}
	c.mu.Lock()
	if im, ok := c.tabs.imports[id]; ok {
		im.wireRefs++
		c.mu.Unlock()
		return im.client
	}
	c.mu.Unlock()

	hook := &importHook{conn: c, id: id}
	client := capnp.NewClient(hook)
	c.mu.Lock()
	c.tabs.imports[id] = &importEntry{id: id, client: client, wireRefs: 1}
	c.mu.Unlock()
	return client
}

// importHook is the ClientHook behind an imported capability. Send does
// not forward the call to the peer: it returns an Unimplemented error.
// Close removes the import from the table and sends the peer a Release.
type importHook struct {
	conn *Conn
	id   uint32
}

func (h *importHook) Send(ctx capnp.CallContext) (capnp.Answer, error) {
	return capnp.Answer{}, exc.New(exc.Unimplemented, "rpc",
		"outbound calls on an imported capability require a decoded parameter payload, which this core leaves to the host application")
}

func (h *importHook) Close() error {
	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()
	delete(h.conn.tabs.imports, h.id)
	h.conn.send(&rpccp.Message{
		Which:   rpccp.Message_Which_release,
		Release: &rpccp.Release{ID: h.id, ReferenceCount: 1},
	})
	return nil
}

func (c *Conn) handleFinish(f *rpccp.Finish) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A Finish for an embargoed Accept's answer id cancels the embargo
	// silently: the later Disembargo.accept(tag) finds nothing and emits
	// nothing (spec.md §5 "Cancellation", §4.5 invariant 3).
	if tag, ok := c.tabs.answerToTag[f.QuestionID]; ok {
		delete(c.tabs.answerToTag, f.QuestionID)
		delete(c.tabs.embargoesByTag, tag)
	}
	a, ok := c.tabs.answers[f.QuestionID]
	if !ok {
		return
	}
	a.finished = true
	if f.ReleaseResultCaps {
		for _, rc := range a.resultCaps {
			rc.Release()
		}
	}
	delete(c.tabs.answers, f.QuestionID)
}

func (c *Conn) handleRelease(r *rpccp.Release) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tabs.releaseExport(r.ID, r.ReferenceCount)
}

func (c *Conn) handleResolve(r *rpccp.Resolve) {
	c.mu.Lock()
	im, ok := c.tabs.imports[r.PromiseID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if p, isPromise := capnp.AsPromise(im.client); isPromise {
		if r.Which == rpccp.Resolve_Which_exception {
			p.Reject(exc.New(exc.Failed, "rpc", "%s", r.Exception.Reason))
			return
		}
		p.Fulfill(c.importClientFor(r.Cap))
	}
}

// handleDisembargo implements only the .accept loopback variant (spec.md
// §9 Open Question: other Disembargo.context variants aren't needed by
// the single-hop tests this core targets, and are rejected explicitly
// rather than silently ignored).
func (c *Conn) handleDisembargo(d *rpccp.Disembargo) {
	if d.Context != rpccp.Disembargo_Context_Which_accept {
		c.send(&rpccp.Message{
			Which: rpccp.Message_Which_return,
			Return: &rpccp.Return{
				Which: rpccp.Return_Which_exception,
				Exception: rpccp.Exception{
					Type:   rpccp.Exception_Type_unimplemented,
					Reason: "UnsupportedDisembargo: only .accept loopback is implemented",
				},
			},
		})
		return
	}
	c.mu.Lock()
	if e, ok := c.tabs.embargoes[d.EmbargoID]; ok {
		e.lifted = true
		if e.release != nil {
			e.release()
		}
		delete(c.tabs.embargoes, d.EmbargoID)
	}
	pa, ok := c.tabs.embargoesByTag[d.AcceptTag]
	if ok {
		delete(c.tabs.embargoesByTag, d.AcceptTag)
		delete(c.tabs.answerToTag, pa.answerID)
	}
	c.mu.Unlock()
	if !ok {
		// Either an unknown tag, or one a Finish already canceled
		// (spec.md §5 "Cancellation"): emit nothing either way.
		return
	}
	c.send(&rpccp.Message{
		Which: rpccp.Message_Which_return,
		Return: &rpccp.Return{
			AnswerID: pa.answerID,
			Which:    rpccp.Return_Which_results,
			Results:  rpccp.Payload{CapTable: []rpccp.CapDescriptor{{Which: rpccp.CapDescriptor_Which_senderHosted, SenderHosted: pa.exportID}}},
		},
	})
	// Replay pipelined calls queued against this answer id, in arrival
	// order (spec.md §4.5 invariant 1, §5 "Ordering guarantees").
	for _, call := range pa.pending {
		c.handleCall(call)
	}
}

// handleProvide records target under an opaque recipient token so a
// matching Accept (from the introduced third party) can claim it
// (spec.md §3 "Third-party handoff"). A second Provide for a recipient
// that already has a live provision is a protocol violation (spec.md §3
// "Uniqueness invariant"): it aborts the connection and reports
// ErrDuplicateProvideRecipient (spec.md §8 "RPC duplicate provide").
func (c *Conn) handleProvide(p *rpccp.Provide) error {
	c.mu.Lock()
	if prev, ok := c.tabs.provisions[p.Recipient]; ok && !prev.claimed {
		c.mu.Unlock()
		return c.abortWith("duplicate provide recipient", ErrDuplicateProvideRecipient)
	}
	c.mu.Unlock()

	target, ok := c.resolveTarget(p.Target)
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.tabs.provisions[p.Recipient] = &provision{recipient: p.Recipient, client: target.AddRef()}
	c.mu.Unlock()
	// No frame is emitted on success (spec.md §4.5 "Provide"): the
	// introduced capability is claimed later via Accept.
	return nil
}

// handleThirdPartyAnswer implements spec.md §4.5's ThirdPartyAnswer
// reaction: an answer id that names no live answer is a protocol
// violation (spec.md §8 "RPC invalid third-party answer").
func (c *Conn) handleThirdPartyAnswer(t *rpccp.ThirdPartyAnswer) error {
	c.mu.Lock()
	_, ok := c.tabs.answers[t.AnswerID]
	c.mu.Unlock()
	if !ok {
		return c.abortWith("invalid thirdPartyAnswer answerId", ErrInvalidThirdPartyAnswerID)
	}
	return nil
}

// handleAccept claims a capability previously Provide'd under
// Recipient, exporting it to the asker.
func (c *Conn) handleAccept(a *rpccp.Accept) {
	c.mu.Lock()
	prov, ok := c.tabs.provisions[a.Recipient]
	if ok && prov.claimed {
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		c.send(&rpccp.Message{
			Which: rpccp.Message_Which_return,
			Return: &rpccp.Return{
				AnswerID: a.QuestionID,
				Which:    rpccp.Return_Which_exception,
				Exception: rpccp.Exception{Type: rpccp.Exception_Type_failed, Reason: "no such provision, or already accepted"},
			},
		})
		return
	}
	c.mu.Lock()
	prov.claimed = true
	id := c.tabs.findOrAddExport(prov.client)
	if a.EmbargoTag != "" {
		// Withhold the Return until the matching Disembargo.accept
		// arrives (spec.md §4.5 "RPC embargo ordering"); pipelined calls
		// against this answer id queue in handleCall in the meantime.
		c.tabs.embargoesByTag[a.EmbargoTag] = &pendingAccept{answerID: a.QuestionID, exportID: id}
		c.tabs.answerToTag[a.QuestionID] = a.EmbargoTag
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.send(&rpccp.Message{
		Which: rpccp.Message_Which_return,
		Return: &rpccp.Return{
			AnswerID: a.QuestionID,
			Which:    rpccp.Return_Which_results,
			Results:  rpccp.Payload{CapTable: []rpccp.CapDescriptor{{Which: rpccp.CapDescriptor_Which_senderHosted, SenderHosted: id}}},
		},
	})
}

// handleJoin implements only the single-key-part case; a Join spanning
// multiple paths (KeyPart > 0 expected) replies Unimplemented, per the
// Open Question decision recorded in SPEC_FULL.md.
func (c *Conn) handleJoin(j *rpccp.Join) {
	if j.KeyPart != 0 {
		c.send(&rpccp.Message{
			Which: rpccp.Message_Which_return,
			Return: &rpccp.Return{
				AnswerID: j.QuestionID,
				Which:    rpccp.Return_Which_exception,
				Exception: rpccp.Exception{Type: rpccp.Exception_Type_unimplemented, Reason: "multi-key-part Join is unimplemented"},
			},
		})
		return
	}
	target, ok := c.resolveTarget(j.Target)
	if !ok {
		c.send(&rpccp.Message{
			Which: rpccp.Message_Which_return,
			Return: &rpccp.Return{
				AnswerID: j.QuestionID,
				Which:    rpccp.Return_Which_exception,
				Exception: rpccp.Exception{Type: rpccp.Exception_Type_failed, Reason: "no such target"},
			},
		})
		return
	}
	c.mu.Lock()
	id := c.tabs.findOrAddExport(target)
	c.mu.Unlock()
	c.send(&rpccp.Message{
		Which: rpccp.Message_Which_return,
		Return: &rpccp.Return{
			AnswerID: j.QuestionID,
			Which:    rpccp.Return_Which_results,
			Results:  rpccp.Payload{CapTable: []rpccp.CapDescriptor{{Which: rpccp.CapDescriptor_Which_senderHosted, SenderHosted: id}}},
		},
	})
}
