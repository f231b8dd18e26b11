package batch

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/portal/internal/pack"
	"github.com/malbeclabs/portal/internal/rpcclient"
	"github.com/malbeclabs/portal/internal/rpcserver"
	"github.com/malbeclabs/portal/internal/sock"
	"github.com/malbeclabs/portal/internal/wire"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

// newInnerEchoServer starts a plain rpcserver whose one method echoes its
// (possibly stacked) array argument back unchanged, so a batched gateway
// call's unstacked replies can be checked against each caller's own row.
func newInnerEchoServer(t *testing.T, methodName string) (*rpcserver.Server, string) {
	t.Helper()
	addr := freeAddr(t)
	srv, err := rpcserver.New(&rpcserver.Config{
		Logger:  newTestLogger(),
		Addr:    addr,
		Workers: 4,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Bind(rpcserver.Method{
		Name: methodName,
		Work: func(ctx context.Context, args pack.Value) (pack.Value, any, error) {
			return args, nil, nil
		},
	}))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.Start(ctx)
	t.Cleanup(func() { _ = srv.Close(time.Second) })
	return srv, addr
}

func newTestGateway(t *testing.T, innerAddr string, mutate ...func(*Config)) *Gateway {
	t.Helper()
	cfg := &Config{
		Logger:       newTestLogger(),
		ExternalAddr: freeAddr(t),
		InnerAddr:    innerAddr,
	}
	for _, m := range mutate {
		m(cfg)
	}
	gw, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	gw.Start(ctx)
	t.Cleanup(func() { _ = gw.Close(time.Second) })
	return gw
}

func newExternalClient(t *testing.T, addr string) *rpcclient.Client {
	t.Helper()
	c, err := rpcclient.New(&rpcclient.Config{Logger: newTestLogger(), Addr: addr})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)
	require.True(t, c.Connect(2*time.Second))
	t.Cleanup(func() { _ = c.Close(time.Second) })
	return c
}

func rowOf(n byte) pack.Value {
	return pack.FromArray(&pack.Array{Dtype: "uint8", Shape: []int64{1}, Data: []byte{n}})
}

// newRawClient dials addr with a bare sock.Client, bypassing rpcclient, so a
// test can inspect the raw wire.Response.Status of a reply instead of just
// the error string rpcclient.Future.Result surfaces.
func newRawClient(t *testing.T, addr string) *sock.Client {
	t.Helper()
	c, err := sock.NewClient(&sock.ClientConfig{
		Logger:       newTestLogger(),
		Addr:         addr,
		MaxSendQueue: 16,
		MaxRecvQueue: 16,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	require.True(t, c.Connect(2*time.Second))
	t.Cleanup(func() { _ = c.Close(time.Second) })
	return c
}

func TestBatch_Gateway_Accumulator_UnstacksEachCallersOwnRow(t *testing.T) {
	t.Parallel()

	_, innerAddr := newInnerEchoServer(t, "sum")
	gw := newTestGateway(t, innerAddr)
	require.NoError(t, gw.Bind(Method{Name: "sum", BatchSize: 3}))

	results := make([]byte, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			cli := newExternalClient(t, gw.Addr())
			f, err := cli.Call(context.Background(), "sum", rowOf(byte(10+i)))
			require.NoError(t, err)
			v, err := f.Result(2 * time.Second)
			require.NoError(t, err)
			results[i] = v.Array.Data[0]
		}()
	}
	wg.Wait()

	require.Equal(t, []byte{10, 11, 12}, results)
}

func TestBatch_Gateway_Passthrough_ForwardsOneToOne(t *testing.T) {
	t.Parallel()

	_, innerAddr := newInnerEchoServer(t, "pass")
	gw := newTestGateway(t, innerAddr)
	require.NoError(t, gw.Bind(Method{Name: "pass", BatchSize: 0}))

	cli := newExternalClient(t, gw.Addr())
	f, err := cli.Call(context.Background(), "pass", pack.String("direct"))
	require.NoError(t, err)
	v, err := f.Result(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "direct", v.Str)
}

func TestBatch_Gateway_NonArrayArg_RejectedForBatchedMethod(t *testing.T) {
	t.Parallel()

	_, innerAddr := newInnerEchoServer(t, "sum")
	gw := newTestGateway(t, innerAddr)
	require.NoError(t, gw.Bind(Method{Name: "sum", BatchSize: 2}))

	cli := newExternalClient(t, gw.Addr())
	f, err := cli.Call(context.Background(), "sum", pack.String("not an array"))
	require.NoError(t, err)
	_, err = f.Result(2 * time.Second)
	require.Error(t, err)
}

func TestBatch_Gateway_StructureMismatch_FailsOnlyTheMismatchedCaller(t *testing.T) {
	t.Parallel()

	_, innerAddr := newInnerEchoServer(t, "sum")
	gw := newTestGateway(t, innerAddr)
	require.NoError(t, gw.Bind(Method{Name: "sum", BatchSize: 2}))

	cli := newExternalClient(t, gw.Addr())

	goodArg := rowOf(1)
	badArg := pack.FromArray(&pack.Array{Dtype: "float32", Shape: []int64{1, 2}, Data: make([]byte, 8)})

	fGood, err := cli.Call(context.Background(), "sum", goodArg)
	require.NoError(t, err)

	fBad, err := cli.Call(context.Background(), "sum", badArg)
	require.NoError(t, err)
	_, err = fBad.Result(2 * time.Second)
	require.Error(t, err)

	// The mismatched request doesn't fill the batch; a second matching
	// request does, and the first caller still gets its answer.
	cli2 := newExternalClient(t, gw.Addr())
	fGood2, err := cli2.Call(context.Background(), "sum", rowOf(2))
	require.NoError(t, err)

	v, err := fGood.Result(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, byte(1), v.Array.Data[0])

	v2, err := fGood2.Result(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, byte(2), v2.Array.Data[0])
}

// TestBatch_Gateway_InnerCallFailure_RepliesStatusBatchStructMismatch proves
// that when the inner RPC server rejects a forwarded call, the gateway
// surfaces it to the external caller as StatusBatchStructMismatch (6), the
// wire status reserved for batching/inner errors — not StatusWorkError (4),
// which is reserved for the inner server's own work_fn raising.
func TestBatch_Gateway_InnerCallFailure_RepliesStatusBatchStructMismatch(t *testing.T) {
	t.Parallel()

	// The inner server binds only an unrelated method, so the forwarded
	// "sum" call comes back StatusUnknownMethod from the inner server itself.
	_, innerAddr := newInnerEchoServer(t, "unrelated")
	gw := newTestGateway(t, innerAddr)
	require.NoError(t, gw.Bind(Method{Name: "sum", BatchSize: 0}))

	codec := pack.NewBorshCodec()
	packedArgs, err := codec.Pack(rowOf(1))
	require.NoError(t, err)

	cli := newRawClient(t, gw.Addr())
	require.NoError(t, cli.Send(time.Second, wire.EncodeRequest(1, "sum", packedArgs)))

	payload, err := cli.Recv(2 * time.Second)
	require.NoError(t, err)
	resp, err := wire.DecodeResponse(payload)
	require.NoError(t, err)
	require.Equal(t, wire.StatusBatchStructMismatch, resp.Status)
}

func TestBatch_Gateway_Bind_RejectsDuplicateAndAfterStart(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	gw, err := New(&Config{Logger: newTestLogger(), ExternalAddr: freeAddr(t), InnerAddr: addr})
	require.NoError(t, err)

	require.NoError(t, gw.Bind(Method{Name: "m", BatchSize: 1}))
	require.ErrorIs(t, gw.Bind(Method{Name: "m", BatchSize: 1}), ErrMethodExists)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.Start(ctx)
	defer gw.Close(time.Second)

	require.Error(t, gw.Bind(Method{Name: "late", BatchSize: 1}))
}
