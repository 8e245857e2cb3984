package server_test

import (
	"context"
	"sync"
	"testing"

	capnp "github.com/capnproto-go/corerpc"
	"github.com/capnproto-go/corerpc/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	echoInterfaceID = 0xaaaa
	echoMethodID    = 0

	seqInterfaceID  = 0xbbbb
	getNumberMethod = 0
)

func echoParams(t *testing.T, in string) capnp.Ptr {
	t.Helper()
	_, seg := capnp.NewSingleSegmentMessage(nil)
	root, err := capnp.NewRootStruct(seg, capnp.ObjectSize{PointerCount: 1})
	require.NoError(t, err)
	txt, err := capnp.NewText(seg, in)
	require.NoError(t, err)
	require.NoError(t, root.SetPtr(0, txt.ToPtr()))
	return root.ToPtr()
}

func echoOut(t *testing.T, p capnp.Ptr) string {
	t.Helper()
	ptr, err := p.Struct().Ptr(0)
	require.NoError(t, err)
	s, err := ptr.TextString()
	require.NoError(t, err)
	return s
}

// TestServerCall mirrors the teacher's server/server_test.go TestServerCall:
// a single capability with one method that echoes its input doubled.
func TestServerCall(t *testing.T) {
	h := server.New()
	h.Register(capnp.Method{InterfaceID: echoInterfaceID, MethodID: echoMethodID},
		func(ctx context.Context, params capnp.Ptr) (capnp.Ptr, error) {
			in := echoOut(t, params)
			_, seg := capnp.NewSingleSegmentMessage(nil)
			root, err := capnp.NewRootStruct(seg, capnp.ObjectSize{PointerCount: 1})
			if err != nil {
				return capnp.Ptr{}, err
			}
			txt, err := capnp.NewText(seg, in+in)
			if err != nil {
				return capnp.Ptr{}, err
			}
			if err := root.SetPtr(0, txt.ToPtr()); err != nil {
				return capnp.Ptr{}, err
			}
			return root.ToPtr(), nil
		})

	client := server.Client(h)
	defer client.Release()

	ans, err := client.SendCall(capnp.CallContext{
		Method: capnp.Method{InterfaceID: echoInterfaceID, MethodID: echoMethodID},
		Params: echoParams(t, "foo"),
	})
	require.NoError(t, err)
	assert.Equal(t, "foofoo", echoOut(t, ans.Results))
}

// TestServerCallOrder mirrors the teacher's TestServerCallOrder: repeated
// calls against one capability observe a monotonically increasing
// counter, proving calls are dispatched in the order they're sent.
func TestServerCallOrder(t *testing.T) {
	var mu sync.Mutex
	var n uint32

	h := server.New()
	h.Register(capnp.Method{InterfaceID: seqInterfaceID, MethodID: getNumberMethod},
		func(ctx context.Context, params capnp.Ptr) (capnp.Ptr, error) {
			mu.Lock()
			defer mu.Unlock()
			_, seg := capnp.NewSingleSegmentMessage(nil)
			root, err := capnp.NewRootStruct(seg, capnp.ObjectSize{DataSize: 8})
			if err != nil {
				return capnp.Ptr{}, err
			}
			root.SetUint32(0, n)
			n++
			return root.ToPtr(), nil
		})
	client := server.Client(h)
	defer client.Release()

	for want := uint32(0); want < 5; want++ {
		ans, err := client.SendCall(capnp.CallContext{
			Method: capnp.Method{InterfaceID: seqInterfaceID, MethodID: getNumberMethod},
		})
		require.NoError(t, err)
		assert.Equal(t, want, ans.Results.Struct().Uint32(0))
	}
}

// TestServerUnimplementedMethod checks that calling an unregistered
// method fails with Unimplemented rather than panicking.
func TestServerUnimplementedMethod(t *testing.T) {
	h := server.New()
	client := server.Client(h)
	defer client.Release()

	_, err := client.SendCall(capnp.CallContext{Method: capnp.Method{InterfaceID: 1, MethodID: 1}})
	assert.Error(t, err)
}

// TestServerShutdown checks the OnShutdown hook runs exactly once, when
// the capability's last reference is released.
func TestServerShutdown(t *testing.T) {
	h := server.New()
	done := make(chan struct{})
	h.OnShutdown(func() { close(done) })

	client := server.Client(h)
	require.NoError(t, client.Release())
	<-done
}

// TestServerDeferred checks a DeferredMethodFunc's ReturnSender can
// fulfill the call from a separate goroutine.
func TestServerDeferred(t *testing.T) {
	h := server.New()
	h.RegisterDeferred(capnp.Method{InterfaceID: 2, MethodID: 0},
		func(ctx context.Context, params capnp.Ptr, ret server.ReturnSender) {
			go func() {
				_, seg := capnp.NewSingleSegmentMessage(nil)
				root, err := capnp.NewRootStruct(seg, capnp.ObjectSize{DataSize: 8})
				if err != nil {
					ret.Return(capnp.Ptr{}, err)
					return
				}
				root.SetUint32(0, 42)
				ret.Return(root.ToPtr(), nil)
			}()
		})
	client := server.Client(h)
	defer client.Release()

	ans, err := client.SendCall(capnp.CallContext{Method: capnp.Method{InterfaceID: 2, MethodID: 0}})
	require.NoError(t, err)
	assert.Equal(t, uint32(42), ans.Results.Struct().Uint32(0))
}
