// Package rpccp holds the in-memory message shapes for the Cap'n Proto
// RPC protocol (spec.md §6, conforming to rpc.capnp's message union).
//
// These are plain Go structs rather than capnp-generated accessors: the
// schema compiler and code-emission backend that would normally produce
// this package from rpc.capnp are out of scope (spec.md §1 Non-goals).
// The wire-format fidelity spec.md cares about testing (segment/pointer
// codec, framing, canonicalization) lives in the root package and
// rpc/transport; this package only needs to carry the same fields the
// protocol messages do, with the same names, so rpc.Conn's logic reads
// the way a generated accessor layer's caller would.
package rpccp

// Which identifies which variant of the top-level Message union is
// populated.
type Which int

const (
	Message_Which_unimplemented Which = iota
	Message_Which_abort
	Message_Which_bootstrap
	Message_Which_call
	Message_Which_return
	Message_Which_finish
	Message_Which_resolve
	Message_Which_release
	Message_Which_disembargo
	Message_Which_provide
	Message_Which_accept
	Message_Which_join
	Message_Which_thirdPartyAnswer
)

var whichNames = [...]string{
	"unimplemented", "abort", "bootstrap", "call", "return", "finish",
	"resolve", "release", "disembargo", "provide", "accept", "join",
	"thirdPartyAnswer",
}

// String names the variant the way rpc.capnp's own Message.Which enum
// does, for use in metric labels and log lines.
func (w Which) String() string {
	if w < 0 || int(w) >= len(whichNames) {
		return "unknown"
	}
	return whichNames[w]
}

// Message is the top-level tagged union of RPC messages.
type Message struct {
	Which Which

	Abort           *Exception
	Bootstrap       *Bootstrap
	Call            *Call
	Return          *Return
	Finish          *Finish
	Resolve         *Resolve
	Release         *Release
	Disembargo      *Disembargo
	Provide         *Provide
	Accept          *Accept
	Join            *Join
	ThirdPartyAnswer *ThirdPartyAnswer

	// Unimplemented, when Which is Message_Which_unimplemented, echoes
	// back the message the sender didn't understand.
	Unimplemented *Message
}

// ExceptionType mirrors exc.Type so rpccp doesn't import the root
// module's exc package (kept dependency-free, as a generated package
// would be).
type ExceptionType int

const (
	Exception_Type_failed ExceptionType = iota
	Exception_Type_overloaded
	Exception_Type_disconnected
	Exception_Type_unimplemented
)

// Exception is the wire shape of an RPC-level error.
type Exception struct {
	Type   ExceptionType
	Reason string
}

// Bootstrap requests the connection's main/bootstrap interface.
type Bootstrap struct {
	QuestionID uint32
}

// MessageTarget names what a Call is directed at: either an imported
// export, or a field reachable through a promised (in-flight) answer.
type MessageTargetWhich int

const (
	MessageTarget_Which_importedCap MessageTargetWhich = iota
	MessageTarget_Which_promisedAnswer
)

type MessageTarget struct {
	Which          MessageTargetWhich
	ImportedCap    uint32
	PromisedAnswer PromisedAnswer
}

// PromisedAnswer refers to the (pending) result of an in-flight call,
// optionally a field within it, per spec.md §9 "Promise pipelining".
type PromisedAnswer struct {
	QuestionID uint32
	Transform  []PromisedAnswerOp
}

type PromisedAnswerOpWhich int

const (
	PromisedAnswerOp_Which_noop PromisedAnswerOpWhich = iota
	PromisedAnswerOp_Which_getPointerField
)

type PromisedAnswerOp struct {
	Which            PromisedAnswerOpWhich
	PointerFieldIndex uint16
}

// CapDescriptorWhich identifies how a capability crossing the wire is
// described, per spec.md §6.
type CapDescriptorWhich int

const (
	CapDescriptor_Which_none CapDescriptorWhich = iota
	CapDescriptor_Which_senderHosted
	CapDescriptor_Which_senderPromise
	CapDescriptor_Which_receiverHosted
	CapDescriptor_Which_receiverAnswer
	CapDescriptor_Which_thirdPartyHosted
)

type CapDescriptor struct {
	Which          CapDescriptorWhich
	SenderHosted   uint32
	SenderPromise  uint32
	ReceiverHosted uint32
	ReceiverAnswer PromisedAnswer
}

// Payload is a result/parameter value plus the table of capabilities its
// pointers reference (spec.md §4.4 "encode_call_payload_caps").
type Payload struct {
	Content  []byte // placeholder for the AnyPointer content's canonical bytes
	CapTable []CapDescriptor
}

// Call is an outbound method invocation.
type Call struct {
	QuestionID       uint32
	Target           MessageTarget
	InterfaceID      uint64
	MethodID         uint16
	Params           Payload
	SendResultsTo    SendResultsTo
	AllowThirdPartyTailCall bool
}

type SendResultsToWhich int

const (
	SendResultsTo_Which_caller SendResultsToWhich = iota
	SendResultsTo_Which_yourself
	SendResultsTo_Which_thirdParty
)

type SendResultsTo struct {
	Which SendResultsToWhich
}

type ReturnWhich int

const (
	Return_Which_results ReturnWhich = iota
	Return_Which_exception
	Return_Which_canceled
	Return_Which_resultsSentElsewhere
	Return_Which_takeFromOtherQuestion
	Return_Which_acceptFromThirdParty
)

// Return completes an outstanding Call.
type Return struct {
	AnswerID         uint32
	ReleaseParamCaps bool
	Which            ReturnWhich
	Results          Payload
	Exception        Exception
}

// Finish releases an answer (and, optionally, its param caps).
type Finish struct {
	QuestionID       uint32
	ReleaseResultCaps bool
}

type ResolveWhich int

const (
	Resolve_Which_cap ResolveWhich = iota
	Resolve_Which_exception
)

// Resolve updates a previously senderPromise export to its final value.
type Resolve struct {
	PromiseID uint32
	Which     ResolveWhich
	Cap       CapDescriptor
	Exception Exception
}

// Release decrements an export's refcount by ReferenceCount.
type Release struct {
	ID             uint32
	ReferenceCount uint32
}

// DisembargoContextWhich identifies which context an embargo was raised in.
// Only .accept is implemented; see spec.md §9 Open Question.
type DisembargoContextWhich int

const (
	Disembargo_Context_Which_senderLoopback DisembargoContextWhich = iota
	Disembargo_Context_Which_receiverLoopback
	Disembargo_Context_Which_accept
)

type Disembargo struct {
	Target  MessageTarget
	Context DisembargoContextWhich
	// EmbargoID names the outstanding embargo for senderLoopback/
	// receiverLoopback; AcceptTag names it for the .accept variant
	// (an opaque token minted by the introducer, per spec.md §3).
	EmbargoID uint32
	AcceptTag string
}

// Provide introduces a locally-hosted capability to a third party.
type Provide struct {
	QuestionID uint32
	Target     MessageTarget
	Recipient  string // opaque AnyPointer key, per spec.md §3
}

// Accept claims a capability previously Provide'd to this vat.
type Accept struct {
	QuestionID uint32
	Recipient  string
	EmbargoTag string // non-empty iff the accept is embargoed
}

// Join requests a capability be resolved identically across multiple
// paths; only the single-key form is implemented (spec.md §9).
type Join struct {
	QuestionID uint32
	Target     MessageTarget
	KeyPart    uint16
	Recipient  string
}

// ThirdPartyAnswer names an answer another vat should treat as a
// third-party introduction result.
type ThirdPartyAnswer struct {
	AnswerID uint32
}
