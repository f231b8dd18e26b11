// Package portal is the public surface of the RPC substrate: a Client, a
// Server, and a batching Gateway, each a thin wrapper over the
// internal/rpcclient, internal/rpcserver, and internal/batch packages.
package portal

import (
	"context"
	"time"

	"github.com/malbeclabs/portal/internal/batch"
	"github.com/malbeclabs/portal/internal/pack"
	"github.com/malbeclabs/portal/internal/rpcclient"
	"github.com/malbeclabs/portal/internal/rpcserver"
)

// Value is the structured-argument type callers build requests from and
// read replies into.
type Value = pack.Value

// Re-export the leaf constructors so callers don't need to import
// internal/pack directly.
var (
	Null        = pack.Null
	Bytes       = pack.Bytes
	String      = pack.String
	FromArray   = pack.FromArray
	FromShared  = pack.FromShared
	ValueList   = pack.List
	ValueStruct = pack.Struct
)

type Array = pack.Array
type Shared = pack.Shared
type Field = pack.Field

// ClientConfig configures a Client.
type ClientConfig = rpcclient.Config

// Client issues named RPCs and resolves their results through Futures.
type Client struct {
	c *rpcclient.Client
}

// NewClient builds a Client. Call Start to begin connecting.
func NewClient(cfg ClientConfig) (*Client, error) {
	c, err := rpcclient.New(&cfg)
	if err != nil {
		return nil, err
	}
	return &Client{c: c}, nil
}

// Start begins the connect loop, running until ctx is cancelled.
func (c *Client) Start(ctx context.Context) { c.c.Start(ctx) }

// Connect blocks up to timeout for the initial connection.
func (c *Client) Connect(timeout time.Duration) bool { return c.c.Connect(timeout) }

// Call issues a named RPC and returns a Future for its result.
func (c *Client) Call(ctx context.Context, method string, args Value) (*Future, error) {
	f, err := c.c.Call(ctx, method, args)
	if err != nil {
		return nil, err
	}
	return &Future{f: f, owner: c.c}, nil
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() rpcclient.Stats { return c.c.Stats() }

// Close shuts down the client's socket.
func (c *Client) Close(timeout time.Duration) error { return c.c.Close(timeout) }

// Future wraps rpcclient.Future, adding Release, which hands a
// failed-but-unread error to the client's abandoned-errors deque. Nothing
// happens for a Future that is dropped without Result or Release.
type Future struct {
	f     *rpcclient.Future
	owner *rpcclient.Client
}

// Result blocks up to timeout for the call to complete.
func (f *Future) Result(timeout time.Duration) (Value, error) { return f.f.Result(timeout) }

// Done reports whether the future has resolved or failed.
func (f *Future) Done() bool { return f.f.Done() }

// Release should be called if the caller will never read Result; it
// surfaces a failed-but-unread error on the client's next Call (§9).
func (f *Future) Release() { f.owner.AbandonIfUnread(f.f) }

// BindFunc builds a typed WorkFunc wrapper over a Go function of the
// caller's own request/response types, given conversions to and from
// Value (§12's promoted typed binding sugar). The raw Bind signature
// (func(ctx, Value) (Value, any, error)) remains available for methods
// that need a post-hook or that already operate on Value directly.
func BindFunc[Req, Resp any](
	fn func(ctx context.Context, req Req) (Resp, error),
	decode func(Value) (Req, error),
	encode func(Resp) Value,
) rpcserver.WorkFunc {
	return func(ctx context.Context, args Value) (Value, any, error) {
		req, err := decode(args)
		if err != nil {
			return Value{}, nil, err
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return Value{}, nil, err
		}
		return encode(resp), nil, nil
	}
}

// ServerConfig configures a Server.
type ServerConfig = rpcserver.Config

// Method is a server-side binding.
type Method = rpcserver.Method

// Server is the dispatching RPC server side.
type Server struct {
	s *rpcserver.Server
}

// NewServer builds a Server listening on cfg.Addr.
func NewServer(cfg ServerConfig) (*Server, error) {
	s, err := rpcserver.New(&cfg)
	if err != nil {
		return nil, err
	}
	return &Server{s: s}, nil
}

// Bind installs a method. Must be called before Start.
func (s *Server) Bind(m Method) error { return s.s.Bind(m) }

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.s.Addr() }

// Start begins serving, running until ctx is cancelled.
func (s *Server) Start(ctx context.Context) { s.s.Start(ctx) }

// Wait blocks until a fail-fast method error occurs (only possible with
// Config.Errors true) or ctx is cancelled.
func (s *Server) Wait(ctx context.Context) error { return s.s.Wait(ctx) }

// Stats returns a snapshot of the server's counters.
func (s *Server) Stats() rpcserver.Stats { return s.s.Stats() }

// Close shuts down the server.
func (s *Server) Close(timeout time.Duration) error { return s.s.Close(timeout) }

// GatewayConfig configures a Gateway.
type GatewayConfig = batch.Config

// BatchMethod is a gateway-side binding.
type BatchMethod = batch.Method

// Gateway is the batching front-end for a plain Server (§4.7).
type Gateway struct {
	g *batch.Gateway
}

// NewGateway builds a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	g, err := batch.New(&cfg)
	if err != nil {
		return nil, err
	}
	return &Gateway{g: g}, nil
}

// Bind installs a batching (or, with BatchSize 0, pass-through) method.
func (g *Gateway) Bind(m BatchMethod) error { return g.g.Bind(m) }

// Addr returns the gateway's external listen address.
func (g *Gateway) Addr() string { return g.g.Addr() }

// Start begins serving, running until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) { g.g.Start(ctx) }

// Close shuts down the gateway.
func (g *Gateway) Close(timeout time.Duration) error { return g.g.Close(timeout) }
