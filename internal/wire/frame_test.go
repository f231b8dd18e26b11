package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWire_SendBuffer_NewSendBuffer_ConcatenatesSegments(t *testing.T) {
	t.Parallel()

	sb, err := NewSendBuffer([]byte("ab"), []byte("cde"))
	require.NoError(t, err)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for !sb.Done() {
			_, err := sb.Send(a)
			require.NoError(t, err)
		}
	}()

	buf := make([]byte, 4+5)
	_, err = readFull(b, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 0, 0, 0}, buf[:4])
	require.Equal(t, "abcde", string(buf[4:]))
	<-done
}

func TestWire_SendBuffer_NewSendBuffer_RejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := NewSendBuffer()
	require.Error(t, err)
}

func TestWire_SendBuffer_NewSendBuffer_RejectsOversize(t *testing.T) {
	t.Parallel()

	_, err := NewSendBuffer(make([]byte, DefaultMaxMsgSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWire_RecvBuffer_Recv_RoundTripsOneFrame(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sb, err := NewSendBuffer([]byte("hello world"))
	require.NoError(t, err)
	go func() {
		for !sb.Done() {
			_, _ = sb.Send(a)
		}
	}()

	rb := NewRecvBuffer(0)
	for !rb.Done() {
		_, err := rb.Recv(b)
		require.NoError(t, err)
	}
	require.Equal(t, "hello world", string(rb.Payload()))
}

func TestWire_RecvBuffer_Recv_RejectsOversizedLength(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		sb, err := NewSendBuffer([]byte("this won't fit"))
		require.NoError(t, err)
		for !sb.Done() {
			_, _ = sb.Send(a)
		}
	}()

	rb := NewRecvBuffer(4) // smaller than the payload length just sent
	var recvErr error
	for {
		_, err := rb.Recv(b)
		if err != nil {
			recvErr = err
			break
		}
		if rb.Done() {
			break
		}
	}
	require.ErrorIs(t, recvErr, ErrFrameTooLarge)
}

func TestWire_RecvBuffer_Recv_ReportsConnReset(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer b.Close()
	require.NoError(t, a.Close())

	rb := NewRecvBuffer(0)
	_, err := rb.Recv(b)
	require.ErrorIs(t, err, ErrConnReset)
}

// readFull drains exactly len(buf) bytes from conn, tolerating the partial
// reads net.Pipe performs under the hood.
func readFull(conn net.Conn, buf []byte) (int, error) {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
