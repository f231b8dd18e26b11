package rpcclient

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/portal/internal/pack"
	"github.com/malbeclabs/portal/internal/sock"
	"github.com/malbeclabs/portal/internal/wire"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newEchoServer starts a raw sock.Server that replies StatusOK with the
// request's packed args unchanged, one goroutine per inbound frame — just
// enough transport to drive a rpcclient.Client without a full rpcserver.
func newEchoServer(t *testing.T) *sock.Server {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv, err := sock.NewServer(&sock.ServerConfig{
		Logger:       newTestLogger(),
		Addr:         lis.Addr().String(),
		MaxRecvQueue: 64,
		MaxSendQueue: 64,
		PollInterval: 10 * time.Millisecond,
	}, lis)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx) }()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case in, ok := <-srv.Inbound():
				if !ok {
					return
				}
				req, err := wire.DecodeRequest(in.Payload)
				if err != nil {
					continue
				}
				resp := wire.EncodeResponse(req.Reqnum, wire.StatusOK, req.Args)
				_ = srv.Send(in.ClientID, resp)
			}
		}
	}()

	t.Cleanup(func() { _ = srv.Close(time.Second) })
	return srv
}

func newTestClient(t *testing.T, addr string, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := &Config{
		Logger: newTestLogger(),
		Addr:   addr,
	}
	for _, m := range mutate {
		m(cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)
	t.Cleanup(func() { _ = c.Close(time.Second) })
	return c
}

func TestRPCClient_Call_ResolvesWithEchoedArgs(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	cli := newTestClient(t, srv.Addr().String())
	require.True(t, cli.Connect(2*time.Second))

	f, err := cli.Call(context.Background(), "echo", pack.String("hi"))
	require.NoError(t, err)

	v, err := f.Result(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "hi", v.Str)
}

// newHeldEchoServer is like newEchoServer, but replies to each request only
// once release is closed, so a test can hold a future unresolved on purpose.
func newHeldEchoServer(t *testing.T, release <-chan struct{}) *sock.Server {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv, err := sock.NewServer(&sock.ServerConfig{
		Logger:       newTestLogger(),
		Addr:         lis.Addr().String(),
		MaxRecvQueue: 64,
		MaxSendQueue: 64,
		PollInterval: 10 * time.Millisecond,
	}, lis)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx) }()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case in, ok := <-srv.Inbound():
				if !ok {
					return
				}
				in := in
				go func() {
					select {
					case <-release:
					case <-ctx.Done():
						return
					}
					req, err := wire.DecodeRequest(in.Payload)
					if err != nil {
						return
					}
					resp := wire.EncodeResponse(req.Reqnum, wire.StatusOK, req.Args)
					_ = srv.Send(in.ClientID, resp)
				}()
			}
		}
	}()

	t.Cleanup(func() { _ = srv.Close(time.Second) })
	return srv
}

func TestRPCClient_Call_BlocksAtMaxInflightThenAdmitsOnResolve(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := newHeldEchoServer(t, release)
	cli := newTestClient(t, srv.Addr().String(), func(c *Config) {
		c.MaxInflight = 1
	})
	require.True(t, cli.Connect(2*time.Second))

	f1, err := cli.Call(context.Background(), "echo", pack.String("one"))
	require.NoError(t, err)

	callDone := make(chan struct{})
	go func() {
		defer close(callDone)
		f2, err := cli.Call(context.Background(), "echo", pack.String("two"))
		require.NoError(t, err)
		v, err := f2.Result(2 * time.Second)
		require.NoError(t, err)
		require.Equal(t, "two", v.Str)
	}()

	select {
	case <-callDone:
		t.Fatalf("second Call should have blocked on admission while the first was outstanding")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	_, err = f1.Result(2 * time.Second)
	require.NoError(t, err)

	select {
	case <-callDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("second Call never admitted after the first resolved")
	}
}

func TestRPCClient_Call_ContextCancelUnblocksAdmission(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	cli := newTestClient(t, srv.Addr().String(), func(c *Config) {
		c.MaxInflight = 1
	})
	require.True(t, cli.Connect(2*time.Second))

	_, err := cli.Call(context.Background(), "echo", pack.String("one"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cli.Call(ctx, "echo", pack.String("two"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestRPCClient_AbandonIfUnread_SurfacesOnNextCall(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	cli := newTestClient(t, srv.Addr().String())
	require.True(t, cli.Connect(2*time.Second))

	// A future that failed without anyone ever reading its Result: exactly
	// what Release is for, exercised directly rather than via a real
	// disconnect (§4.5, §7.6).
	abandoned := newFuture(999, nil)
	abandoned.fail(ErrDisconnected)
	cli.AbandonIfUnread(abandoned)

	_, err := cli.Call(context.Background(), "echo", pack.String("y"))
	require.ErrorIs(t, err, ErrDisconnected)

	// The deque is drained, so the call after that goes through normally.
	f, err := cli.Call(context.Background(), "echo", pack.String("z"))
	require.NoError(t, err)
	v, err := f.Result(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "z", v.Str)
}

func TestRPCClient_Stats_ReportsSentAndRecv(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	cli := newTestClient(t, srv.Addr().String())
	require.True(t, cli.Connect(2*time.Second))

	f, err := cli.Call(context.Background(), "echo", pack.String("s"))
	require.NoError(t, err)
	_, err = f.Result(2 * time.Second)
	require.NoError(t, err)

	stats := cli.Stats()
	require.Equal(t, uint64(1), stats.NumSent)
	require.Equal(t, uint64(1), stats.NumRecv)
	require.Equal(t, 0, stats.Inflight)
}
