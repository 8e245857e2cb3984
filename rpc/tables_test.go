package rpc

import (
	"testing"

	capnp "github.com/capnproto-go/corerpc"
	"github.com/capnproto-go/corerpc/rpc/rpccp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCapTableEncoding checks spec.md §8's "Cap-table encoding" property:
// a call payload containing a capability pointer {id:42}, where export 42
// is marked promise, encodes to payload-cap-id 0 and descriptor
// sender_promise(42); unmarked yields sender_hosted(42).
func TestCapTableEncoding(t *testing.T) {
	client := capnp.NewClient(nopHook{})
	defer client.Release()

	t.Run("unmarked", func(t *testing.T) {
		tabs := newTables()
		tabs.nextExportID = 42
		var caps capnp.CapTable
		caps.Add(client)

		descs := tabs.encodeCallPayloadCaps(&caps)
		require.Len(t, descs, 1)
		assert.Equal(t, rpccp.CapDescriptor_Which_senderHosted, descs[0].Which)
		assert.Equal(t, uint32(42), descs[0].SenderHosted)
	})

	t.Run("marked promise", func(t *testing.T) {
		tabs := newTables()
		tabs.nextExportID = 42
		tabs.markExportPromise(42)
		var caps capnp.CapTable
		caps.Add(client)

		descs := tabs.encodeCallPayloadCaps(&caps)
		require.Len(t, descs, 1)
		// payload-cap-id 0 is descs' own index: caps held exactly one
		// client, so its descriptor lands at index 0.
		assert.Equal(t, rpccp.CapDescriptor_Which_senderPromise, descs[0].Which)
		assert.Equal(t, uint32(42), descs[0].SenderPromise)
	})
}

// TestNoteReceiverAnswer checks spec.md §4.4's note_receiver_answer: the
// transform ops are copied out, so mutating the original PromisedAnswer's
// slice afterward doesn't affect the stored copy.
func TestNoteReceiverAnswer(t *testing.T) {
	tabs := newTables()
	pa := rpccp.PromisedAnswer{
		QuestionID: 7,
		Transform:  []rpccp.PromisedAnswerOp{{Which: rpccp.PromisedAnswerOp_Which_getPointerField, PointerFieldIndex: 3}},
	}
	handle := tabs.noteReceiverAnswer(pa)

	pa.Transform[0].PointerFieldIndex = 99

	got, ok := tabs.lookupReceiverAnswer(handle)
	require.True(t, ok)
	assert.Equal(t, uint32(7), got.answerID)
	require.Len(t, got.ops, 1)
	assert.Equal(t, uint16(3), got.ops[0].PointerFieldIndex)
}
