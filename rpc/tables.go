package rpc

import (
	capnp "github.com/capnproto-go/corerpc"
	"github.com/capnproto-go/corerpc/exc"
	"github.com/capnproto-go/corerpc/rpc/rpccp"
)

// question is a call this vat made that hasn't received its Return yet
// (spec.md §3 "questions table").
type question struct {
	id         uint32
	method     capnp.Method
	paramCaps  []capnp.Client
	aq         *capnp.AnswerQueue // pipelined calls queue here until the Return arrives
	resolved   bool
	result     capnp.Client
	err        error
	finishSent bool
}

// answer is a call this vat received and is (or was) processing
// (spec.md §3 "answers table").
type answer struct {
	id           uint32
	resultCaps   []capnp.Client
	sent         bool
	finished     bool
	releaseCaps  bool
}

// export is a capability this vat has made available to the peer under a
// stable ID (spec.md §3 "exports table").
type export struct {
	id       uint32
	client   capnp.Client
	refCount uint32
}

// importEntry is a capability the peer has made available to this vat
// (spec.md §3 "imports table").
type importEntry struct {
	id     uint32
	client capnp.Client
	wireRefs uint32
}

// embargo is an ordering barrier placed on a capability that was returned
// then re-delivered to us via a different path, per spec.md §9
// "Embargoes". It's lifted when the matching Disembargo.accept arrives.
type embargo struct {
	id      uint32
	tag     string
	lifted  bool
	release func()
}

// pendingAccept is an Accept we haven't answered yet because it named a
// non-empty EmbargoTag (spec.md §3 "Embargoes", §4.5 "Accept"). Its
// Return is withheld, and any Call that pipelines against its answer id
// is queued in arrival order, until the matching Disembargo.accept(tag)
// arrives (spec.md §4.5 "RPC embargo ordering").
type pendingAccept struct {
	answerID uint32
	exportID uint32
	pending  []*rpccp.Call
}

// provision is a capability this vat Provide'd to a third party, keyed by
// the opaque recipient token handed to the eventual Accept (spec.md §3
// "Third-party handoff").
type provision struct {
	recipient string
	client    capnp.Client
	claimed   bool
}

// receiverAnswer is the stable copy note_receiver_answer makes of a
// PromisedAnswer's transform ops (spec.md §4.4), so a later frame that
// refers to this answer by handle keeps working once the frame that
// originally carried the PromisedAnswer is gone.
type receiverAnswer struct {
	answerID uint32
	ops      []rpccp.PromisedAnswerOp
}

// tables holds the five per-connection tables plus the provide/accept
// recipient map and the embargo map, per spec.md §3/§4.4.
type tables struct {
	questions map[uint32]*question
	answers   map[uint32]*answer
	exports   map[uint32]*export
	imports   map[uint32]*importEntry
	embargoes map[uint32]*embargo

	provisions map[string]*provision

	// embargoesByTag holds Accepts awaiting a Disembargo.accept, keyed by
	// the opaque tag the Accept named (spec.md §3/§9).
	embargoesByTag map[string]*pendingAccept
	// answerToTag lets Finish(answerID) find and cancel the pendingAccept
	// (if any) for that answer id without a linear scan (spec.md §5
	// "Cancellation").
	answerToTag map[uint32]string

	nextQuestionID uint32
	nextExportID   uint32
	nextEmbargoID  uint32

	// exportByClient dedups re-exporting the same capability (spec.md
	// §4.4 "reuse existing export IDs" testable property).
	exportByClient map[uintptr]uint32

	// exportsToPromise is the set of export IDs whose objects are
	// promises (spec.md §3 "exports_to_promise"): descriptors built for
	// them use senderPromise instead of senderHosted.
	exportsToPromise map[uint32]struct{}

	// receiverAnswers is note_receiver_answer's stable storage, keyed by
	// the handle it hands back (spec.md §4.4).
	receiverAnswers      map[uint32]*receiverAnswer
	nextReceiverAnswerID uint32
}

func newTables() *tables {
	return &tables{
		questions:        make(map[uint32]*question),
		answers:          make(map[uint32]*answer),
		exports:          make(map[uint32]*export),
		imports:          make(map[uint32]*importEntry),
		embargoes:        make(map[uint32]*embargo),
		provisions:       make(map[string]*provision),
		embargoesByTag:   make(map[string]*pendingAccept),
		answerToTag:      make(map[uint32]string),
		exportByClient:   make(map[uintptr]uint32),
		exportsToPromise: make(map[uint32]struct{}),
		receiverAnswers:  make(map[uint32]*receiverAnswer),
	}
}

func (t *tables) newQuestionID() uint32 {
	id := t.nextQuestionID
	t.nextQuestionID++
	return id
}

func (t *tables) newEmbargoID() uint32 {
	id := t.nextEmbargoID
	t.nextEmbargoID++
	return id
}

// findOrAddExport returns an existing export ID for client if one was
// already handed out, otherwise allocates a fresh one.
func (t *tables) findOrAddExport(c capnp.Client) uint32 {
	key := c.Key()
	if id, ok := t.exportByClient[key]; ok {
		if e, ok := t.exports[id]; ok {
			e.refCount++
			return id
		}
	}
	id := t.nextExportID
	t.nextExportID++
	t.exports[id] = &export{id: id, client: c.AddRef(), refCount: 1}
	t.exportByClient[key] = id
	return id
}

func (t *tables) releaseExport(id uint32, count uint32) {
	e, ok := t.exports[id]
	if !ok {
		return
	}
	if count >= e.refCount {
		delete(t.exports, id)
		delete(t.exportByClient, e.client.Key())
		delete(t.exportsToPromise, id)
		e.client.Release()
		return
	}
	e.refCount -= count
}

// markExportPromise records that the capability at export id resolves
// later (spec.md §4.4 "mark_export_promise"). encodeCallPayloadCaps
// consults this set to choose senderPromise over senderHosted.
func (t *tables) markExportPromise(id uint32) {
	t.exportsToPromise[id] = struct{}{}
}

// encodeCallPayloadCaps implements spec.md §4.4's "encode_call_payload_caps":
// caps already holds its clients in dense 0..N-1 order (capnp.CapTable.Add
// assigns indices in insertion order), so this only has to resolve each
// client to a stable export id and pick its wire tag, never renumber
// anything itself. A marked-promise export is described with
// senderPromise; everything else is senderHosted.
func (t *tables) encodeCallPayloadCaps(caps *capnp.CapTable) []rpccp.CapDescriptor {
	if caps == nil || caps.Len() == 0 {
		return nil
	}
	out := make([]rpccp.CapDescriptor, caps.Len())
	for i := 0; i < caps.Len(); i++ {
		client := caps.At(i)
		if !client.IsValid() {
			out[i] = rpccp.CapDescriptor{Which: rpccp.CapDescriptor_Which_none}
			continue
		}
		id := t.findOrAddExport(client)
		if _, ok := t.exportsToPromise[id]; ok {
			out[i] = rpccp.CapDescriptor{Which: rpccp.CapDescriptor_Which_senderPromise, SenderPromise: id}
		} else {
			out[i] = rpccp.CapDescriptor{Which: rpccp.CapDescriptor_Which_senderHosted, SenderHosted: id}
		}
	}
	return out
}

// noteReceiverAnswer implements spec.md §4.4's "note_receiver_answer": it
// copies pa's transform ops into stable storage under a fresh handle, so
// a receiverAnswer descriptor built from that handle keeps resolving once
// the frame that carried pa is gone.
func (t *tables) noteReceiverAnswer(pa rpccp.PromisedAnswer) uint32 {
	handle := t.nextReceiverAnswerID
	t.nextReceiverAnswerID++
	ops := make([]rpccp.PromisedAnswerOp, len(pa.Transform))
	copy(ops, pa.Transform)
	t.receiverAnswers[handle] = &receiverAnswer{answerID: pa.QuestionID, ops: ops}
	return handle
}

// lookupReceiverAnswer returns the receiverAnswer noted under handle, if
// any note_receiver_answer call produced it.
func (t *tables) lookupReceiverAnswer(handle uint32) (*receiverAnswer, bool) {
	ra, ok := t.receiverAnswers[handle]
	return ra, ok
}

func wireExceptionTypeFor(err error) rpccp.ExceptionType {
	var e *exc.Error
	if ex, ok := err.(*exc.Error); ok {
		e = ex
	} else {
		return rpccp.Exception_Type_failed
	}
	switch e.Type {
	case exc.Overloaded:
		return rpccp.Exception_Type_overloaded
	case exc.Disconnected:
		return rpccp.Exception_Type_disconnected
	case exc.Unimplemented:
		return rpccp.Exception_Type_unimplemented
	default:
		return rpccp.Exception_Type_failed
	}
}
