package sock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/malbeclabs/portal/internal/metrics"
	"github.com/malbeclabs/portal/internal/wire"
)

// ErrDisconnected is returned by Send/Recv when the socket is not
// connected and Autoconn is disabled.
var ErrDisconnected = errors.New("sock: disconnected")

// Client is the connecting half of the framed TCP transport (§4.3): one
// I/O goroutine maintaining a connection (with retry/autoconn), a bounded
// outbound deque, and synchronous on_recv/on_conn/on_disc callbacks.
type Client struct {
	cfg *ClientConfig
	log *slog.Logger

	wantConnect chan struct{}
	connected   atomic.Bool

	mu      sync.Mutex
	conn    net.Conn
	sendCh  chan *wire.SendBuffer
	sendCnt int

	recvCh chan []byte // used only when cfg.OnRecv is nil

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a Client socket. It does not connect until Connect is
// called (or, with Autoconn, until Run starts driving the connect loop).
func NewClient(cfg *ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:         cfg,
		log:         cfg.Logger.With("component", "sock.client"),
		wantConnect: make(chan struct{}, 1),
		sendCh:      make(chan *wire.SendBuffer, cfg.MaxSendQueue),
		recvCh:      make(chan []byte, cfg.MaxRecvQueue),
		closed:      make(chan struct{}),
	}
	return c, nil
}

// Run drives the connect loop until ctx is cancelled or Close is called.
// Callers with Autoconn=true should start this immediately; callers
// without it may still start it — the loop simply waits for Connect() to
// signal interest.
func (c *Client) Run(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.InitialInterval = c.cfg.ConnectWait
	bo.MaxInterval = 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		if !c.cfg.Autoconn {
			select {
			case <-c.wantConnect:
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
		}

		if err := c.connectAndServe(ctx); err != nil {
			c.log.Warn("connect failed", "error", err)
			metrics.ClientReconnects.Inc()
			wait := bo.NextBackOff()
			select {
			case <-c.cfg.Clock.After(wait):
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
			continue
		}
		bo.Reset()

		if !c.cfg.Autoconn {
			continue
		}
	}
}

// Connect requests a connection and blocks up to timeout for it to
// succeed, returning whether it did.
func (c *Client) Connect(timeout time.Duration) bool {
	select {
	case c.wantConnect <- struct{}{}:
	default:
	}
	deadline := c.cfg.Clock.After(timeout)
	ticker := c.cfg.Clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.connected.Load() {
			return true
		}
		select {
		case <-deadline:
			return c.connected.Load()
		case <-ticker.Chan():
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	host, port, err := net.SplitHostPort(c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("sock: split addr: %w", err)
	}
	host, port, err = c.cfg.Resolver(host, port)
	if err != nil {
		return fmt.Errorf("sock: resolve: %w", err)
	}
	addr := net.JoinHostPort(host, port)

	dialer := net.Dialer{Timeout: defaultConnectTimeout}
	conn, err := dialer.DialContext(ctx, c.cfg.network(), addr)
	if err != nil {
		return fmt.Errorf("sock: dial: %w", err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := applyKeepalive(tcpConn, c.cfg.KeepaliveAfter, c.cfg.KeepaliveEvery, c.cfg.KeepaliveFails); err != nil {
			c.log.Warn("failed to set keep-alive options", "error", err)
		}
	}

	if _, err := conn.Write([]byte(c.cfg.HandshakeTag)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("sock: send handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.log.Info("connected", "addr", addr)
	if c.cfg.OnConn != nil {
		c.cfg.OnConn()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	stop := make(chan struct{})
	var stopOnce sync.Once
	doStop := func() { stopOnce.Do(func() { close(stop) }) }

	go func() { defer wg.Done(); defer doStop(); c.readLoop(ctx, conn, stop) }()
	go func() { defer wg.Done(); defer doStop(); c.writeLoop(conn, stop) }()
	wg.Wait()

	c.connected.Store(false)
	c.mu.Lock()
	c.conn = nil
	// Drain queued outbound frames: a reconnect starts clean (§4.3, §7).
	draining := true
	for draining {
		select {
		case <-c.sendCh:
			c.sendCnt--
		default:
			draining = false
		}
	}
	c.mu.Unlock()
	_ = conn.Close()

	c.log.Info("disconnected")
	if c.cfg.OnDisc != nil {
		c.cfg.OnDisc()
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		rb := wire.NewRecvBuffer(c.cfg.MaxMsgSize)
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PollInterval))
		for !rb.Done() {
			_, err := rb.Recv(conn)
			if err != nil {
				if isDeadlineExceeded(err) {
					_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PollInterval))
					select {
					case <-ctx.Done():
						return
					case <-stop:
						return
					default:
						continue
					}
				}
				return
			}
		}

		payload := rb.Payload()
		if c.cfg.OnRecv != nil {
			c.cfg.OnRecv(payload)
		} else {
			select {
			case c.recvCh <- payload:
			case <-stop:
				return
			}
		}
	}
}

func (c *Client) writeLoop(conn net.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case sb := <-c.sendCh:
			for !sb.Done() {
				if _, err := sb.Send(conn); err != nil {
					return
				}
			}
			c.mu.Lock()
			c.sendCnt--
			c.mu.Unlock()
		}
	}
}

// Send enqueues one outbound frame, requiring a connection first (honoring
// Autoconn/timeout per §4.3). It fails immediately if the queue is full.
func (c *Client) Send(timeout time.Duration, parts ...[]byte) error {
	if !c.connected.Load() {
		if c.cfg.Autoconn {
			if !c.Connect(timeout) {
				return ErrDisconnected
			}
		} else {
			return ErrDisconnected
		}
	}

	sb, err := wire.NewSendBuffer(parts...)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.sendCnt >= c.cfg.MaxSendQueue {
		c.mu.Unlock()
		return ErrSendQueueFull
	}
	c.sendCnt++
	c.mu.Unlock()

	select {
	case c.sendCh <- sb:
		return nil
	default:
		c.mu.Lock()
		c.sendCnt--
		c.mu.Unlock()
		return ErrSendQueueFull
	}
}

// Recv polls the recv queue in PollInterval slices, re-checking the
// connection requirement each slice so a disconnect during a long wait
// surfaces promptly. Only usable when no OnRecv callback is configured.
func (c *Client) Recv(timeout time.Duration) ([]byte, error) {
	deadline := c.cfg.Clock.Now().Add(timeout)
	for {
		slice := c.cfg.PollInterval
		if timeout > 0 {
			remaining := deadline.Sub(c.cfg.Clock.Now())
			if remaining <= 0 {
				return nil, ErrTimeout
			}
			if remaining < slice {
				slice = remaining
			}
		}
		select {
		case b := <-c.recvCh:
			return b, nil
		case <-c.cfg.Clock.After(slice):
			if !c.connected.Load() && !c.cfg.Autoconn {
				return nil, ErrDisconnected
			}
			if timeout <= 0 {
				continue
			}
			if c.cfg.Clock.Now().After(deadline) {
				return nil, ErrTimeout
			}
		}
	}
}

// IsConnected reports the current connection state.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Close stops the connect loop and closes any open connection. Idempotent.
func (c *Client) Close(timeout time.Duration) error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})

	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-c.cfg.Clock.After(timeout):
	}
	return nil
}
