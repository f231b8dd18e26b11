package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/malbeclabs/portal/internal/metrics"
	"github.com/malbeclabs/portal/internal/pack"
	"github.com/malbeclabs/portal/internal/sock"
	"github.com/malbeclabs/portal/internal/wire"
)

// ErrMethodExists is returned by Bind for a duplicate name.
var ErrMethodExists = errors.New("rpcserver: method already bound")

// job is one in-flight unit of work, stamped with (client_id, reqnum,
// method) per §4.6's "Pending job".
type job struct {
	clientID string
	reqnum   uint64
	method   string
	args     pack.Value

	workDone chan struct{}
	reply    pack.Value
	workErr  error
	postInfo any
}

// Server is the RPC server side (§4.6): it decodes frames, routes by
// method, submits work to per-method pools bounded by admission
// semaphores, serializes replies, and runs ordered post-hooks.
type Server struct {
	cfg  *Config
	log  *slog.Logger
	sock *sock.Server

	mu          sync.RWMutex
	methods     map[string]*boundMethod
	defaultPool pond.ResultPool[workResult]
	postPool    pond.ResultPool[error]
	started     bool

	firstErr   atomic.Pointer[error]
	failFastCh chan struct{}
	failOnce   sync.Once

	recvCnt  atomic.Uint64
	sendCnt  atomic.Uint64
	wg       sync.WaitGroup

	closeOnce sync.Once
}

// New builds a Server listening on cfg.Addr.
func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sockCfg := &sock.ServerConfig{
		Logger:       cfg.Logger,
		Clock:        cfg.Clock,
		Addr:         cfg.Addr,
		IPv6:         cfg.IPv6,
		HandshakeTag: cfg.HandshakeTag,
		MaxMsgSize:   cfg.MaxMsgSize,
		MaxSendQueue: cfg.MaxSendQueue,
		MaxRecvQueue: cfg.MaxRecvQueue,
	}
	ss, err := sock.NewServer(sockCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: %w", err)
	}
	s := &Server{
		cfg:         cfg,
		log:         cfg.Logger.With("component", "rpcserver"),
		sock:        ss,
		methods:     make(map[string]*boundMethod),
		defaultPool: pond.NewResultPool[workResult](cfg.Workers),
		postPool:    pond.NewResultPool[error](1),
		failFastCh:  make(chan struct{}),
	}
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.sock.Addr().String() }

// Bind installs a method. Must be called before Start; bindings are
// immutable afterward.
func (s *Server) Bind(m Method) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("rpcserver: cannot bind after start")
	}
	if _, exists := s.methods[m.Name]; exists {
		return fmt.Errorf("%w: %s", ErrMethodExists, m.Name)
	}

	workers := m.Workers
	if workers <= 0 {
		workers = s.cfg.Workers
	}
	bm := &boundMethod{
		def:       m,
		admission: make(chan struct{}, workers+1),
		pending:   make(chan *job, 4096),
	}
	for i := 0; i < workers+1; i++ {
		bm.admission <- struct{}{}
	}
	if m.Workers > 0 {
		bm.pool = pond.NewResultPool[workResult](m.Workers)
		bm.owned = true
	} else {
		bm.pool = s.defaultPool
	}
	s.methods[m.Name] = bm
	return nil
}

// Start begins serving: one router goroutine draining the socket's
// inbound queue, and one dispatcher + (if bound) post-order goroutine per
// method (§4.6's per-method queues).
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	methods := make([]*boundMethod, 0, len(s.methods))
	for _, bm := range s.methods {
		methods = append(methods, bm)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sock.Serve(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("accept loop exited", "error", err)
		}
	}()

	for _, bm := range methods {
		bm := bm
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runDispatcher(ctx, bm)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.route(ctx)
	}()
}

// route drains the socket's decoded inbound frames, decodes the RPC
// request header, and enqueues admitted jobs onto the method's pending
// queue (§4.6 step 1 "Admission").
func (s *Server) route(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-s.sock.Inbound():
			if !ok {
				return
			}
			s.recvCnt.Add(1)
			s.handleFrame(ctx, in)
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, in sock.Inbound) {
	req, err := wire.DecodeRequest(in.Payload)
	if err != nil {
		s.log.Warn("short or malformed request, dropping", "client", in.ClientID, "error", err)
		return
	}

	s.mu.RLock()
	bm, ok := s.methods[req.Name]
	s.mu.RUnlock()
	if !ok {
		s.sendStatusFor(req.Name, in.ClientID, req.Reqnum, wire.StatusUnknownMethod, []byte("unknown method: "+req.Name))
		return
	}

	args, err := s.cfg.Codec.Unpack(req.Args)
	if err != nil {
		s.sendStatusFor(req.Name, in.ClientID, req.Reqnum, wire.StatusDecodeFailure, []byte(err.Error()))
		return
	}
	metrics.RPCRecvTotal.WithLabelValues(req.Name).Inc()

	j := &job{
		clientID: in.ClientID,
		reqnum:   req.Reqnum,
		method:   req.Name,
		args:     args,
		workDone: make(chan struct{}),
	}
	metrics.RPCQueueDepth.WithLabelValues(req.Name).Set(float64(len(bm.pending) + 1))
	select {
	case bm.pending <- j:
	case <-ctx.Done():
	}
}

// runDispatcher owns one method's admission counter and pending queue
// (§4.6 steps 2-4). It is the sole mutator of that method's state, so no
// locking is needed within it.
func (s *Server) runDispatcher(ctx context.Context, bm *boundMethod) {
	postIn := make(chan *job, 4096)
	if bm.def.Post != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runPostOrder(ctx, bm, postIn)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-bm.admission:
		}

		var j *job
		select {
		case j = <-bm.pending:
		case <-ctx.Done():
			return
		}
		metrics.RPCAdmissionGauge.WithLabelValues(bm.def.Name).Set(float64(len(bm.admission)))

		if bm.def.Post != nil {
			select {
			case postIn <- j:
			case <-ctx.Done():
				return
			}
		}

		task := bm.pool.SubmitErr(func() (workResult, error) {
			reply, postInfo, err := bm.def.Work(ctx, j.args)
			return workResult{reply: reply, postInfo: postInfo}, err
		})

		go func(j *job, bm *boundMethod) {
			res, err := task.Wait()
			j.reply = res.reply
			j.postInfo = res.postInfo
			j.workErr = err
			close(j.workDone)

			if err != nil {
				s.sendStatusFor(j.method, j.clientID, j.reqnum, wire.StatusWorkError, []byte(err.Error()))
				s.noteMethodError(err)
			} else {
				body, packErr := s.cfg.Codec.Pack(res.reply)
				if packErr != nil {
					s.sendStatusFor(j.method, j.clientID, j.reqnum, wire.StatusWorkError, []byte(packErr.Error()))
				} else {
					s.sendStatusFor(j.method, j.clientID, j.reqnum, wire.StatusOK, body)
				}
			}

			if bm.def.Post == nil {
				bm.admission <- struct{}{}
			}
		}(j, bm)
	}
}

// runPostOrder enforces I3/P4: post_fn runs in the same order requests
// were received, even though work completion (and reply delivery) may be
// out of order across a multi-worker method.
func (s *Server) runPostOrder(ctx context.Context, bm *boundMethod, postIn <-chan *job) {
	postOut := make(chan pond.Task[error], 4096)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-postOut:
				if !ok {
					return
				}
				if err, _ := t.Wait(); err != nil {
					s.log.Error("post-hook error", "method", bm.def.Name, "error", err)
					s.noteMethodError(err)
				}
				bm.admission <- struct{}{}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-postIn:
			if !ok {
				return
			}
			select {
			case <-j.workDone:
			case <-ctx.Done():
				return
			}
			if j.workErr != nil {
				// Work failed: no post_info to run the hook on, but the
				// admission slot still needs releasing in order.
				t := s.postPool.Submit(func() error { return nil })
				postOut <- t
				continue
			}
			info := j.postInfo
			post := bm.def.Post
			t := s.postPool.Submit(func() error { return post(ctx, info) })
			postOut <- t
		}
	}
}

func (s *Server) sendStatusFor(method, clientID string, reqnum, status uint64, body []byte) {
	resp := wire.EncodeResponse(reqnum, status, body)
	if err := s.sock.Send(clientID, resp); err != nil {
		s.log.Warn("failed to send response", "client", clientID, "reqnum", reqnum, "error", err)
		return
	}
	s.sendCnt.Add(1)
	metrics.RPCSendTotal.WithLabelValues(method, statusLabel(status)).Inc()
}

func statusLabel(status uint64) string {
	switch status {
	case wire.StatusOK:
		return "ok"
	case wire.StatusShortMessage:
		return "short_message"
	case wire.StatusDecodeFailure:
		return "decode_failure"
	case wire.StatusUnknownMethod:
		return "unknown_method"
	case wire.StatusWorkError:
		return "work_error"
	case wire.StatusNonArrayArg:
		return "non_array_arg"
	case wire.StatusBatchStructMismatch:
		return "batch_struct_mismatch"
	default:
		return "unknown"
	}
}

func (s *Server) noteMethodError(err error) {
	if !s.cfg.Errors {
		return
	}
	s.failOnce.Do(func() {
		s.firstErr.Store(&err)
		close(s.failFastCh)
	})
}

// Wait blocks until a fail-fast error occurs (only possible when
// cfg.Errors is true) or ctx is cancelled, and returns the first method
// error if any.
func (s *Server) Wait(ctx context.Context) error {
	select {
	case <-s.failFastCh:
		if p := s.firstErr.Load(); p != nil {
			return *p
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a point-in-time snapshot of the server's counters.
type Stats struct {
	NumRecv uint64
	NumSent uint64
}

func (s *Server) Stats() Stats {
	return Stats{NumRecv: s.recvCnt.Load(), NumSent: s.sendCnt.Load()}
}

// Close shuts down the socket and waits for outstanding pool work to
// drain. Idempotent (P7).
func (s *Server) Close(timeout time.Duration) error {
	err := s.sock.Close(timeout)

	s.closeOnce.Do(func() {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, bm := range s.methods {
			if bm.owned {
				bm.pool.StopAndWait()
			}
		}
		s.defaultPool.StopAndWait()
		s.postPool.StopAndWait()
	})
	return err
}
