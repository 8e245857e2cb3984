package capnp

import "github.com/capnproto-go/corerpc/exc"

var errQueueClosed = exc.New(exc.Disconnected, "capnp", "answer queue closed before call was delivered")
