package sock

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLoopbackServer(t *testing.T, mutate ...func(*ServerConfig)) *Server {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := &ServerConfig{
		Logger:       newTestLogger(),
		Addr:         lis.Addr().String(),
		MaxRecvQueue: 16,
		MaxSendQueue: 16,
		PollInterval: 20 * time.Millisecond,
	}
	for _, m := range mutate {
		m(cfg)
	}
	s, err := NewServer(cfg, lis)
	require.NoError(t, err)
	return s
}

func newLoopbackClient(t *testing.T, addr string, mutate ...func(*ClientConfig)) *Client {
	t.Helper()
	cfg := &ClientConfig{
		Logger:       newTestLogger(),
		Addr:         addr,
		MaxRecvQueue: 16,
		MaxSendQueue: 16,
		PollInterval: 20 * time.Millisecond,
		ConnectWait:  10 * time.Millisecond,
	}
	for _, m := range mutate {
		m(cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestSock_ClientServer_Loopback_RoundTripsAFrame(t *testing.T) {
	t.Parallel()

	srv := newLoopbackServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	defer srv.Close(time.Second)

	cli := newLoopbackClient(t, srv.Addr().String())
	go cli.Run(ctx)
	defer cli.Close(time.Second)

	require.True(t, cli.Connect(2*time.Second))

	require.NoError(t, cli.Send(time.Second, []byte("ping")))

	in, err := srv.Recv(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "ping", string(in.Payload))

	require.NoError(t, srv.Send(in.ClientID, []byte("pong")))

	reply, err := cli.Recv(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "pong", string(reply))
}

func TestSock_Server_PerformHandshake_RejectsWrongTag(t *testing.T) {
	t.Parallel()

	srv := newLoopbackServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	defer srv.Close(time.Second)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not-the-handshake-tag!!"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err) // server closed the connection after the bad handshake
}

func TestSock_Client_Send_FailsWhenQueueFull(t *testing.T) {
	t.Parallel()

	cli := newLoopbackClient(t, "127.0.0.1:1", func(c *ClientConfig) {
		c.MaxSendQueue = 1
	})
	cli.connected.Store(true) // bypass the connect requirement; writeLoop isn't running

	require.NoError(t, cli.Send(0, []byte("x"))) // fills the one slot
	err := cli.Send(0, []byte("y"))
	require.ErrorIs(t, err, ErrSendQueueFull)
}

func TestSock_Server_Send_DropsToUnknownClient(t *testing.T) {
	t.Parallel()

	srv := newLoopbackServer(t)
	err := srv.Send("no-such-client", []byte("x"))
	require.NoError(t, err) // unknown clients are dropped with a log line, not an error
}

func TestSock_Client_Connect_FailsWithoutAutoconnIfNoServer(t *testing.T) {
	t.Parallel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close()) // nothing listening now

	cli := newLoopbackClient(t, addr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cli.Run(ctx)
	defer cli.Close(time.Second)

	require.False(t, cli.Connect(100*time.Millisecond))
}

// TestSock_Client_Recv_PollsOnInjectedClock proves Recv's poll loop waits on
// cfg.Clock rather than the wall clock: with no real time passing, advancing
// a FakeClock by one PollInterval is enough to unblock a pending Recv.
func TestSock_Client_Recv_PollsOnInjectedClock(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	cli := newLoopbackClient(t, "127.0.0.1:1", func(c *ClientConfig) {
		c.Clock = clk
		c.PollInterval = time.Minute // would never fire on its own within the test
	})

	done := make(chan error, 1)
	go func() {
		_, err := cli.Recv(0)
		done <- err
	}()

	clk.BlockUntil(1)
	clk.Advance(time.Minute)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not observe the fake clock's advance")
	}
}
