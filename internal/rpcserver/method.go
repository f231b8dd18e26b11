package rpcserver

import (
	"context"

	"github.com/alitto/pond/v2"
	"github.com/malbeclabs/portal/internal/pack"
)

// WorkFunc is a bound method's implementation. When the method has a
// PostFunc, the second return value is the opaque post-hook input; it is
// ignored when PostFunc is nil.
type WorkFunc func(ctx context.Context, args pack.Value) (reply pack.Value, postInfo any, err error)

// PostFunc runs after a reply has been sent to the client, in the same
// order requests were received (I3, P4).
type PostFunc func(ctx context.Context, postInfo any) error

// Method is a binding installed before the server starts; immutable
// afterward (§4.6's "Method binding").
type Method struct {
	Name string
	Work WorkFunc
	Post PostFunc

	// Workers sizes this method's own pool. Zero uses the server's
	// default pool.
	Workers int

	// BatchSize is carried on the binding but read by nothing: the RPC
	// server ignores it, and the batching gateway (§4.7) takes its batch
	// sizes from its own batch.Method bindings.
	BatchSize int
}

type workResult struct {
	reply    pack.Value
	postInfo any
}

type boundMethod struct {
	def   Method
	pool  pond.ResultPool[workResult]
	owned bool // true if this method has its own pool, vs the server default

	// admission is the outstanding-job budget, initialized to
	// (Workers or server default Workers)+1 per §4.6.
	admission chan struct{}

	// pending holds requests not yet admitted, in arrival order (FIFO),
	// so admission preserves submission order per method.
	pending chan *job
}
