// Package rpcclient implements the client side of the RPC substrate
// (§4.5): numbered calls, a future table, in-flight admission, and
// resend-on-reconnect.
package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/malbeclabs/portal/internal/metrics"
	"github.com/malbeclabs/portal/internal/pack"
	"github.com/malbeclabs/portal/internal/sock"
	"github.com/malbeclabs/portal/internal/wire"
)

// ErrDisconnected fails every pending future when the socket drops and
// Autoconn is disabled. Call itself reports a send on a down socket as a
// wrapped sock.ErrDisconnected.
var ErrDisconnected = errors.New("rpcclient: disconnected")

// Stats is a point-in-time snapshot of the client's counters (§12's
// promoted "running stats").
type Stats struct {
	NumSent     uint64
	NumRecv     uint64
	Inflight    int
	MeanAdmitMs float64
}

// Client issues numbered calls over a sock.Client and resolves responses
// into Futures.
type Client struct {
	cfg  *Config
	log  *slog.Logger
	sock *sock.Client

	reqnum atomic.Uint64

	mu       sync.Mutex
	cond     *sync.Cond
	futures  map[uint64]*Future
	pending  []error // abandoned-errors deque (§4.5, §7.6)

	numSent        atomic.Uint64
	numRecv        atomic.Uint64
	admitWaitTotal atomic.Uint64 // nanoseconds
	admitWaitCount atomic.Uint64
}

// New builds a Client and its underlying socket, but does not connect; run
// Start to begin the connect loop.
func New(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "rpcclient", "name", cfg.Name),
		futures: make(map[uint64]*Future),
	}
	c.cond = sync.NewCond(&c.mu)

	sockCfg := &sock.ClientConfig{
		Logger:         cfg.Logger,
		Clock:          cfg.Clock,
		Addr:           cfg.Addr,
		IPv6:           cfg.IPv6,
		HandshakeTag:   cfg.HandshakeTag,
		MaxMsgSize:     cfg.MaxMsgSize,
		MaxSendQueue:   cfg.MaxSendQueue,
		MaxRecvQueue:   cfg.MaxRecvQueue,
		Autoconn:       cfg.Autoconn,
		ConnectWait:    cfg.ConnectWait,
		KeepaliveAfter: cfg.KeepaliveAfter,
		KeepaliveEvery: cfg.KeepaliveEvery,
		KeepaliveFails: cfg.KeepaliveFails,
		OnRecv:         c.onRecv,
		OnConn:         c.onConn,
		OnDisc:         c.onDisc,
	}
	s, err := sock.NewClient(sockCfg)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: %w", err)
	}
	c.sock = s
	return c, nil
}

// Start runs the underlying socket's connect loop until ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	go c.sock.Run(ctx)
}

// Connect blocks up to timeout for the initial connection.
func (c *Client) Connect(timeout time.Duration) bool {
	return c.sock.Connect(timeout)
}

// Call issues a numbered RPC (§4.5's five-step call sequence) and returns
// its Future immediately; the caller awaits the result separately.
func (c *Client) Call(ctx context.Context, method string, args pack.Value) (*Future, error) {
	start := c.cfg.Clock.Now()
	if err := c.admit(ctx); err != nil {
		return nil, err
	}
	c.admitWaitTotal.Add(uint64(c.cfg.Clock.Now().Sub(start)))
	c.admitWaitCount.Add(1)

	if err := c.drainAbandoned(); err != nil {
		c.release(err)
		return nil, err
	}

	reqnum := c.reqnum.Add(1)

	packedArgs, err := c.cfg.Codec.Pack(args)
	if err != nil {
		c.release(nil)
		return nil, fmt.Errorf("rpcclient: pack args: %w", err)
	}
	sendBytes := wire.EncodeRequest(reqnum, method, packedArgs)

	f := newFuture(reqnum, sendBytes)
	c.mu.Lock()
	c.futures[reqnum] = f
	c.mu.Unlock()
	metrics.ClientInflight.Set(float64(len(c.futures)))

	if err := c.sock.Send(0, sendBytes); err != nil {
		c.mu.Lock()
		delete(c.futures, reqnum)
		c.mu.Unlock()
		return nil, fmt.Errorf("rpcclient: send: %w", err)
	}

	c.numSent.Add(1)
	return f, nil
}

// admit blocks while |futures| >= MaxInflight (I4, P3), re-checking every
// 200ms so a disconnect or ctx cancellation surfaces promptly.
func (c *Client) admit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.futures) >= c.cfg.MaxInflight {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.mu.Lock()
				c.cond.Broadcast()
				c.mu.Unlock()
			case <-c.cfg.Clock.After(200 * time.Millisecond):
				c.mu.Lock()
				c.cond.Broadcast()
				c.mu.Unlock()
			case <-waitDone:
			}
		}()
		c.cond.Wait()
		close(waitDone)
	}
	return nil
}

// drainAbandoned pops and returns the head of the abandoned-errors deque,
// if any (§4.5: fire-and-forget callers still observe failures eventually).
func (c *Client) drainAbandoned() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	err := c.pending[0]
	c.pending = c.pending[1:]
	return err
}

func (c *Client) release(_ error) {}

func (c *Client) onRecv(payload []byte) {
	resp, err := wire.DecodeResponse(payload)
	if err != nil {
		c.log.Warn("malformed response, dropping", "error", err)
		return
	}

	c.mu.Lock()
	f, ok := c.futures[resp.Reqnum]
	if ok {
		delete(c.futures, resp.Reqnum)
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	metrics.ClientInflight.Set(float64(len(c.futures)))

	if !ok {
		// Late delivery across a reconnect (§9 open question): the spec
		// explicitly tolerates this rather than guaranteeing exactly-once.
		c.log.Debug("response for unknown reqnum, ignoring", "reqnum", resp.Reqnum)
		return
	}

	c.numRecv.Add(1)
	if resp.Status == wire.StatusOK {
		v, err := c.cfg.Codec.Unpack(resp.Body)
		if err != nil {
			f.fail(fmt.Errorf("rpcclient: unpack result: %w", err))
			return
		}
		f.resolve(v)
		return
	}
	f.fail(errors.New(string(resp.Body)))
}

func (c *Client) onConn() {
	c.mu.Lock()
	toResend := make([]*Future, 0)
	for _, f := range c.futures {
		if f.consumeNeedsResend() {
			toResend = append(toResend, f)
		}
	}
	c.mu.Unlock()

	for _, f := range toResend {
		if err := c.sock.Send(0, f.sendBytes); err != nil {
			c.log.Error("resend failed", "reqnum", f.reqnum, "error", err)
		}
	}
}

func (c *Client) onDisc() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Autoconn {
		for _, f := range c.futures {
			f.markNeedsResend()
		}
		return
	}

	for reqnum, f := range c.futures {
		f.fail(ErrDisconnected)
		delete(c.futures, reqnum)
	}
	c.cond.Broadcast()
}

// AbandonIfUnread should be called by owners that discard a future without
// reading its result (the explicit alternative to weak-ref finalizers,
// §9). If the future failed and its error was never consumed, it is
// pushed onto the abandoned-errors deque for the next Call to surface.
func (c *Client) AbandonIfUnread(f *Future) {
	if err := f.Release(); err != nil {
		c.mu.Lock()
		c.pending = append(c.pending, err)
		c.mu.Unlock()
		metrics.ClientAbandonedErrors.Inc()
	}
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	inflight := len(c.futures)
	c.mu.Unlock()

	mean := 0.0
	if n := c.admitWaitCount.Load(); n > 0 {
		mean = float64(c.admitWaitTotal.Load()) / float64(n) / float64(time.Millisecond)
	}
	return Stats{
		NumSent:     c.numSent.Load(),
		NumRecv:     c.numRecv.Load(),
		Inflight:    inflight,
		MeanAdmitMs: mean,
	}
}

// Close shuts down the underlying socket. Idempotent (P7).
func (c *Client) Close(timeout time.Duration) error {
	return c.sock.Close(timeout)
}
