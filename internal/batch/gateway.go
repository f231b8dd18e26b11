package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/malbeclabs/portal/internal/metrics"
	"github.com/malbeclabs/portal/internal/pack"
	"github.com/malbeclabs/portal/internal/rpcclient"
	"github.com/malbeclabs/portal/internal/sock"
	"github.com/malbeclabs/portal/internal/wire"
)

// ErrMethodExists is returned by Bind for a duplicate name.
var ErrMethodExists = errors.New("batch: method already bound")

// caller identifies one request waiting inside an active batch.
type caller struct {
	clientID string
	reqnum   uint64
}

// activeBatch is the method's in-progress stack: a skeleton Value (the
// first accepted request's structure, with its array leaves about to be
// swapped for stacked destinations) plus the per-leaf destination buffers.
type activeBatch struct {
	id        string
	structure pack.Structure
	skeleton  pack.Value
	leaves    []pack.LeafRef
	dests     []*pack.Array
	callers   []caller
	k         int
}

type boundMethod struct {
	def     Method
	pending chan routedRequest
}

type routedRequest struct {
	clientID string
	reqnum   uint64
	args     pack.Value
}

// Gateway accumulates same-structure requests into stacked-array batches
// and forwards them to an inner RPC server (§4.7).
type Gateway struct {
	cfg   *Config
	log   *slog.Logger
	ext   *sock.Server
	inner *rpcclient.Client

	mu      sync.RWMutex
	methods map[string]*boundMethod
	started bool

	wg sync.WaitGroup
}

// New builds a Gateway. The external socket listens on cfg.ExternalAddr;
// the inner client dials cfg.InnerAddr lazily via its own connect loop.
func New(cfg *Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	extSock, err := sock.NewServer(&sock.ServerConfig{
		Logger:       cfg.Logger,
		Clock:        cfg.Clock,
		Addr:         cfg.ExternalAddr,
		IPv6:         cfg.IPv6,
		HandshakeTag: cfg.HandshakeTag,
		MaxMsgSize:   cfg.MaxMsgSize,
		MaxSendQueue: cfg.MaxSendQueue,
		MaxRecvQueue: cfg.MaxRecvQueue,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}

	innerClient, err := rpcclient.New(&rpcclient.Config{
		Logger:      cfg.Logger,
		Clock:       cfg.Clock,
		Codec:       cfg.Codec,
		Addr:        cfg.InnerAddr,
		IPv6:        cfg.IPv6,
		Name:        "batch-gateway-inner",
		MaxInflight: cfg.InnerMaxInflight,
		Autoconn:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}

	return &Gateway{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "batch.gateway"),
		ext:     extSock,
		inner:   innerClient,
		methods: make(map[string]*boundMethod),
	}, nil
}

// Addr returns the gateway's external listen address.
func (g *Gateway) Addr() string { return g.ext.Addr().String() }

// Bind installs a batching (or pass-through) method. Must be called
// before Start.
func (g *Gateway) Bind(m Method) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return errors.New("batch: cannot bind after start")
	}
	if _, exists := g.methods[m.Name]; exists {
		return fmt.Errorf("%w: %s", ErrMethodExists, m.Name)
	}
	g.methods[m.Name] = &boundMethod{def: m, pending: make(chan routedRequest, 4096)}
	return nil
}

// Start begins serving: the external accept loop, the inner client's
// connect loop, a router goroutine, and one accumulator goroutine per
// bound method.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	g.started = true
	methods := make([]*boundMethod, 0, len(g.methods))
	for _, bm := range g.methods {
		methods = append(methods, bm)
	}
	g.mu.Unlock()

	g.inner.Start(ctx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.ext.Serve(ctx); err != nil && ctx.Err() == nil {
			g.log.Error("external accept loop exited", "error", err)
		}
	}()

	for _, bm := range methods {
		bm := bm
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			if bm.def.BatchSize <= 0 {
				g.runPassthrough(ctx, bm)
			} else {
				g.runAccumulator(ctx, bm)
			}
		}()
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.route(ctx)
	}()
}

func (g *Gateway) route(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-g.ext.Inbound():
			if !ok {
				return
			}
			g.handleFrame(ctx, in)
		}
	}
}

func (g *Gateway) handleFrame(ctx context.Context, in sock.Inbound) {
	req, err := wire.DecodeRequest(in.Payload)
	if err != nil {
		g.log.Warn("short or malformed request, dropping", "client", in.ClientID, "error", err)
		return
	}

	g.mu.RLock()
	bm, ok := g.methods[req.Name]
	g.mu.RUnlock()
	if !ok {
		g.sendStatus(in.ClientID, req.Reqnum, wire.StatusUnknownMethod, []byte("unknown method: "+req.Name))
		return
	}

	args, err := g.cfg.Codec.Unpack(req.Args)
	if err != nil {
		g.sendStatus(in.ClientID, req.Reqnum, wire.StatusDecodeFailure, []byte(err.Error()))
		return
	}

	select {
	case bm.pending <- routedRequest{clientID: in.ClientID, reqnum: req.Reqnum, args: args}:
	case <-ctx.Done():
	}
}

// runPassthrough forwards each request 1:1 to the inner server (§4.7's
// "N == 0" case).
func (g *Gateway) runPassthrough(ctx context.Context, bm *boundMethod) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-bm.pending:
			r := r
			future, err := g.inner.Call(ctx, bm.def.Name, r.args)
			if err != nil {
				g.sendStatus(r.clientID, r.reqnum, wire.StatusBatchStructMismatch, []byte(err.Error()))
				continue
			}
			go g.awaitAndReply("", future, []caller{{clientID: r.clientID, reqnum: r.reqnum}})
		}
	}
}

// runAccumulator owns one method's active batch; it is the sole mutator of
// that state, so no locking is needed inside it (§4.7).
func (g *Gateway) runAccumulator(ctx context.Context, bm *boundMethod) {
	n := bm.def.BatchSize
	var active *activeBatch

loop:
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-bm.pending:
			arrays, total := pack.CountLeaves(&r.args)
			if arrays != total {
				g.sendStatus(r.clientID, r.reqnum, wire.StatusNonArrayArg, []byte("only array arguments can be batched"))
				continue loop
			}
			structure := pack.Hash(r.args)

			if active == nil {
				skeleton := r.args
				leaves := pack.Leaves(&skeleton)
				dests := make([]*pack.Array, len(leaves))
				for i, l := range leaves {
					dests[i] = pack.NewStackedArray(l.Get(), n)
				}
				active = &activeBatch{id: xid.New().String(), structure: structure, skeleton: skeleton, leaves: leaves, dests: dests}
			} else if structure != active.structure {
				g.sendStatus(r.clientID, r.reqnum, wire.StatusBatchStructMismatch, []byte("argument structure does not match the active batch"))
				continue loop
			}

			reqLeaves := pack.Leaves(&r.args)
			for i, dest := range active.dests {
				if err := dest.SetRow(active.k, reqLeaves[i].Get()); err != nil {
					g.sendStatus(r.clientID, r.reqnum, wire.StatusBatchStructMismatch, []byte(err.Error()))
					continue loop
				}
			}
			active.callers = append(active.callers, caller{clientID: r.clientID, reqnum: r.reqnum})
			active.k++
			metrics.BatchActiveSize.WithLabelValues(bm.def.Name).Set(float64(active.k))

			if active.k == n {
				g.flush(ctx, bm.def.Name, active)
				active = nil
				metrics.BatchActiveSize.WithLabelValues(bm.def.Name).Set(0)
			}
		}
	}
}

// flush swaps the skeleton's leaves for the stacked destinations and
// issues one inner call for the whole batch.
func (g *Gateway) flush(ctx context.Context, method string, b *activeBatch) {
	for i, l := range b.leaves {
		l.Set(b.dests[i])
	}
	metrics.BatchFlushTotal.WithLabelValues(method).Inc()
	g.log.Debug("flushing batch", "method", method, "batch_id", b.id, "size", b.k)

	future, err := g.inner.Call(ctx, method, b.skeleton)
	if err != nil {
		g.log.Warn("batch inner call failed", "method", method, "batch_id", b.id, "error", err)
		for _, c := range b.callers {
			g.sendStatus(c.clientID, c.reqnum, wire.StatusBatchStructMismatch, []byte(err.Error()))
		}
		return
	}
	go g.awaitAndReply(b.id, future, b.callers)
}

// awaitAndReply waits for the inner call and, if it was a batch (a non-empty
// batchID, of any size including 1), unstacks the result row-by-row and
// replies to each caller; for a pass-through call (empty batchID) it
// forwards the single result (§4.7 Completion).
func (g *Gateway) awaitAndReply(batchID string, future *rpcclient.Future, callers []caller) {
	result, err := future.Result(0)
	if err != nil {
		if batchID != "" {
			g.log.Warn("batch await failed", "batch_id", batchID, "error", err)
		}
		for _, c := range callers {
			g.sendStatus(c.clientID, c.reqnum, wire.StatusBatchStructMismatch, []byte(err.Error()))
		}
		return
	}

	if batchID == "" {
		body, packErr := g.cfg.Codec.Pack(result)
		if packErr != nil {
			g.sendStatus(callers[0].clientID, callers[0].reqnum, wire.StatusBatchStructMismatch, []byte(packErr.Error()))
			return
		}
		g.sendStatus(callers[0].clientID, callers[0].reqnum, wire.StatusOK, body)
		return
	}

	for i, c := range callers {
		row, err := pack.SliceRowAll(result, int64(i))
		if err != nil {
			g.sendStatus(c.clientID, c.reqnum, wire.StatusBatchStructMismatch, []byte(err.Error()))
			continue
		}
		body, packErr := g.cfg.Codec.Pack(row)
		if packErr != nil {
			g.sendStatus(c.clientID, c.reqnum, wire.StatusBatchStructMismatch, []byte(packErr.Error()))
			continue
		}
		g.sendStatus(c.clientID, c.reqnum, wire.StatusOK, body)
	}
}

func (g *Gateway) sendStatus(clientID string, reqnum, status uint64, body []byte) {
	resp := wire.EncodeResponse(reqnum, status, body)
	if err := g.ext.Send(clientID, resp); err != nil {
		g.log.Warn("failed to send response", "client", clientID, "reqnum", reqnum, "error", err)
	}
}

// Close shuts down the external socket and the inner client. Already
// in-flight inner jobs are allowed to complete (§4.7 Termination); new
// requests stop being accepted once the external socket is closed.
func (g *Gateway) Close(timeout time.Duration) error {
	err := g.ext.Close(timeout)
	if innerErr := g.inner.Close(timeout); innerErr != nil && err == nil {
		err = innerErr
	}
	return err
}
