package rpc

import (
	"errors"
	"sync"
	"testing"

	capnp "github.com/capnproto-go/corerpc"
	"github.com/capnproto-go/corerpc/rpc/rpccp"
	"github.com/capnproto-go/corerpc/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTransport captures every message SendMessage is given, for
// assertions about exact frame order (spec.md §8's RPC testable
// properties). RecvMessage is never driven in these tests: each test
// calls Conn.handleMessage directly instead of going through the
// background recv loop, so the ordering it asserts on isn't at the mercy
// of goroutine scheduling.
type recordingTransport struct {
	mu   sync.Mutex
	sent []*rpccp.Message
}

func (r *recordingTransport) SendMessage(msg *rpccp.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingTransport) RecvMessage() (*rpccp.Message, error) {
	select {}
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) messages() []*rpccp.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*rpccp.Message, len(r.sent))
	copy(out, r.sent)
	return out
}

func newTestConn(t *testing.T) (*Conn, *recordingTransport) {
	t.Helper()
	rt := &recordingTransport{}
	c := NewConn(rt, nil)
	t.Cleanup(func() { c.teardown(errors.New("test done")) })
	return c, rt
}

// nopHook is a ClientHook that answers every call with an empty struct.
type nopHook struct{}

func (nopHook) Send(ctx capnp.CallContext) (capnp.Answer, error) {
	_, seg := capnp.NewSingleSegmentMessage(nil)
	root, _ := capnp.NewRootStruct(seg, capnp.ObjectSize{})
	return capnp.Answer{Results: root.ToPtr()}, nil
}
func (nopHook) Close() error { return nil }

func exportLocal(t *testing.T, c *Conn) uint32 {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tabs.findOrAddExport(capnp.NewClient(nopHook{}))
}

// TestProvideAccept checks the testable property from spec.md §8: after
// Provide(Q=100, recipient=R) and Accept(Q=101, recipient=R), a single
// Return(101, results=<cap>) is emitted whose cap descriptor is
// sender_hosted with the provided export id, and Provide itself produces
// no frame.
func TestProvideAccept(t *testing.T) {
	c, rt := newTestConn(t)
	expID := exportLocal(t, c)

	err := c.handleMessage(&rpccp.Message{
		Which: rpccp.Message_Which_provide,
		Provide: &rpccp.Provide{
			QuestionID: 100,
			Target:     rpccp.MessageTarget{Which: rpccp.MessageTarget_Which_importedCap, ImportedCap: expID},
			Recipient:  "R",
		},
	})
	require.NoError(t, err)
	assert.Empty(t, rt.messages(), "Provide must not emit a frame on success")

	err = c.handleMessage(&rpccp.Message{
		Which:  rpccp.Message_Which_accept,
		Accept: &rpccp.Accept{QuestionID: 101, Recipient: "R"},
	})
	require.NoError(t, err)

	msgs := rt.messages()
	require.Len(t, msgs, 1)
	ret := msgs[0].Return
	require.NotNil(t, ret)
	assert.Equal(t, uint32(101), ret.AnswerID)
	assert.Equal(t, rpccp.Return_Which_results, ret.Which)
	require.Len(t, ret.Results.CapTable, 1)
	assert.Equal(t, rpccp.CapDescriptor_Which_senderHosted, ret.Results.CapTable[0].Which)
	assert.Equal(t, expID, ret.Results.CapTable[0].SenderHosted)
}

// TestDuplicateProvide checks spec.md §8's "RPC duplicate provide": a
// second Provide for the same recipient aborts the connection with
// ErrDuplicateProvideRecipient.
func TestDuplicateProvide(t *testing.T) {
	c, rt := newTestConn(t)
	expID := exportLocal(t, c)
	target := rpccp.MessageTarget{Which: rpccp.MessageTarget_Which_importedCap, ImportedCap: expID}

	require.NoError(t, c.handleMessage(&rpccp.Message{
		Which:   rpccp.Message_Which_provide,
		Provide: &rpccp.Provide{QuestionID: 100, Target: target, Recipient: "R"},
	}))

	err := c.handleMessage(&rpccp.Message{
		Which:   rpccp.Message_Which_provide,
		Provide: &rpccp.Provide{QuestionID: 102, Target: target, Recipient: "R"},
	})
	assert.ErrorIs(t, err, ErrDuplicateProvideRecipient)

	msgs := rt.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, rpccp.Message_Which_abort, msgs[0].Which)
	assert.Equal(t, "duplicate provide recipient", msgs[0].Abort.Reason)
}

// TestInvalidThirdPartyAnswer checks spec.md §8's "RPC invalid
// third-party answer": ThirdPartyAnswer against no live answer aborts
// the connection.
func TestInvalidThirdPartyAnswer(t *testing.T) {
	c, rt := newTestConn(t)

	err := c.handleMessage(&rpccp.Message{
		Which:            rpccp.Message_Which_thirdPartyAnswer,
		ThirdPartyAnswer: &rpccp.ThirdPartyAnswer{AnswerID: 500},
	})
	assert.ErrorIs(t, err, ErrInvalidThirdPartyAnswerID)

	msgs := rt.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, rpccp.Message_Which_abort, msgs[0].Which)
	assert.Equal(t, "invalid thirdPartyAnswer answerId", msgs[0].Abort.Reason)
}

// TestEmbargoOrdering checks spec.md §8's "RPC embargo ordering": given
// Provide(210,R), Accept(211,R,embargo=T), and a pipelined
// Call(232, target=promisedAnswer(211)), no frame is emitted until
// Disembargo.accept(T); then exactly two frames are emitted in order:
// Return(211, results), Return(232, ...).
func TestEmbargoOrdering(t *testing.T) {
	c, rt := newTestConn(t)
	expID := exportLocal(t, c)

	require.NoError(t, c.handleMessage(&rpccp.Message{
		Which: rpccp.Message_Which_provide,
		Provide: &rpccp.Provide{
			QuestionID: 210,
			Target:     rpccp.MessageTarget{Which: rpccp.MessageTarget_Which_importedCap, ImportedCap: expID},
			Recipient:  "R",
		},
	}))

	require.NoError(t, c.handleMessage(&rpccp.Message{
		Which:  rpccp.Message_Which_accept,
		Accept: &rpccp.Accept{QuestionID: 211, Recipient: "R", EmbargoTag: "T"},
	}))
	assert.Empty(t, rt.messages(), "embargoed Accept must not emit a Return yet")

	require.NoError(t, c.handleMessage(&rpccp.Message{
		Which: rpccp.Message_Which_call,
		Call: &rpccp.Call{
			QuestionID: 232,
			Target: rpccp.MessageTarget{
				Which:          rpccp.MessageTarget_Which_promisedAnswer,
				PromisedAnswer: rpccp.PromisedAnswer{QuestionID: 211},
			},
		},
	}))
	assert.Empty(t, rt.messages(), "a call pipelined against an embargoed answer must queue, not dispatch")

	require.NoError(t, c.handleMessage(&rpccp.Message{
		Which:      rpccp.Message_Which_disembargo,
		Disembargo: &rpccp.Disembargo{Context: rpccp.Disembargo_Context_Which_accept, AcceptTag: "T"},
	}))

	msgs := rt.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, uint32(211), msgs[0].Return.AnswerID)
	assert.Equal(t, uint32(232), msgs[1].Return.AnswerID)
}

// TestFinishCancelsEmbargo checks spec.md §8's "RPC finish cancels
// embargo": Finish(221) after an embargoed Accept(221,T) prevents any
// later Disembargo.accept(T) from producing output.
func TestFinishCancelsEmbargo(t *testing.T) {
	c, rt := newTestConn(t)
	expID := exportLocal(t, c)

	require.NoError(t, c.handleMessage(&rpccp.Message{
		Which: rpccp.Message_Which_provide,
		Provide: &rpccp.Provide{
			QuestionID: 220,
			Target:     rpccp.MessageTarget{Which: rpccp.MessageTarget_Which_importedCap, ImportedCap: expID},
			Recipient:  "R2",
		},
	}))
	require.NoError(t, c.handleMessage(&rpccp.Message{
		Which:  rpccp.Message_Which_accept,
		Accept: &rpccp.Accept{QuestionID: 221, Recipient: "R2", EmbargoTag: "T2"},
	}))
	require.NoError(t, c.handleMessage(&rpccp.Message{
		Which:  rpccp.Message_Which_finish,
		Finish: &rpccp.Finish{QuestionID: 221},
	}))
	require.NoError(t, c.handleMessage(&rpccp.Message{
		Which:      rpccp.Message_Which_disembargo,
		Disembargo: &rpccp.Disembargo{Context: rpccp.Disembargo_Context_Which_accept, AcceptTag: "T2"},
	}))

	assert.Empty(t, rt.messages(), "a Finish'd embargo must silently swallow its Disembargo.accept")
}

// TestDisembargoNonAccept checks the spec.md §9 Open Question decision:
// senderLoopback/receiverLoopback Disembargo contexts are rejected as
// unimplemented rather than guessed at.
func TestDisembargoNonAccept(t *testing.T) {
	c, rt := newTestConn(t)

	require.NoError(t, c.handleMessage(&rpccp.Message{
		Which:      rpccp.Message_Which_disembargo,
		Disembargo: &rpccp.Disembargo{Context: rpccp.Disembargo_Context_Which_senderLoopback},
	}))

	msgs := rt.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, rpccp.Return_Which_exception, msgs[0].Return.Which)
	assert.Equal(t, rpccp.Exception_Type_unimplemented, msgs[0].Return.Exception.Type)
}

// TestJoinMultiKeyUnimplemented checks the spec.md §9 Open Question
// decision: multi-key-part Join surfaces Unimplemented.
func TestJoinMultiKeyUnimplemented(t *testing.T) {
	c, rt := newTestConn(t)

	require.NoError(t, c.handleMessage(&rpccp.Message{
		Which: rpccp.Message_Which_join,
		Join:  &rpccp.Join{QuestionID: 1, KeyPart: 1},
	}))

	msgs := rt.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, rpccp.Exception_Type_unimplemented, msgs[0].Return.Exception.Type)
}

var _ transport.Transport = (*recordingTransport)(nil)
