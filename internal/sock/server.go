package sock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/portal/internal/metrics"
	"github.com/malbeclabs/portal/internal/wire"
)

// ErrTimeout is returned by Recv when no message arrives before the
// deadline.
var ErrTimeout = errors.New("sock: timeout")

// ErrSendQueueFull is returned by Send when the server-wide outbound frame
// budget (MaxSendQueue) is already exhausted (§7, overflow errors raise
// immediately at the API call).
var ErrSendQueueFull = errors.New("sock: send queue full")

// ErrRecvQueueOverflow is fatal to a Server: the spec defines recv-queue
// overflow as fatal to the socket as a whole, not just one connection.
var ErrRecvQueueOverflow = errors.New("sock: recv queue overflow")

// Inbound is one decoded, still-framed message delivered to a recv'ing
// caller, tagged with the connection that produced it.
type Inbound struct {
	ClientID string
	Payload  []byte
}

// Server is the accepting half of the framed TCP transport (§4.2). It owns
// one listener, a fleet of per-connection reader/writer goroutines (the Go
// equivalent of the single poll-loop thread the source uses — see
// DESIGN.md), a bounded inbound queue, and a server-wide bound on total
// pending outbound frames.
type Server struct {
	cfg *ServerConfig
	log *slog.Logger

	listener net.Listener
	inbound  chan Inbound

	mu      sync.Mutex
	conns   map[string]*serverConn
	sendCnt int

	shuttingDown bool
	closed       chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

type serverConn struct {
	id     string
	conn   net.Conn
	log    *slog.Logger
	sendCh chan *wire.SendBuffer
	done   chan struct{}
	once   sync.Once
}

func (c *serverConn) evict() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// NewServer creates a Server bound to cfg.Addr (or an injected listener for
// tests).
func NewServer(cfg *ServerConfig, listener net.Listener) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		lis, err := net.Listen(cfg.network(), cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("sock: listen: %w", err)
		}
		listener = lis
	}
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "sock.server"),
		listener: listener,
		inbound:  make(chan Inbound, cfg.MaxRecvQueue),
		conns:    make(map[string]*serverConn),
		closed:   make(chan struct{}),
	}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until ctx is cancelled or Shutdown/Close is
// called. It blocks; callers typically run it in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isShutdown(ctx) {
				return nil
			}
			s.log.Error("accept failed", "error", err)
			return fmt.Errorf("sock: accept: %w", err)
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) isShutdown(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	peer := conn.RemoteAddr().String()
	if !s.performHandshake(conn) {
		s.log.Warn("handshake failed, dropping connection", "peer", peer)
		_ = conn.Close()
		return
	}

	id := uuid.NewString()
	sc := &serverConn{
		id:     id,
		conn:   conn,
		log:    s.log.With("client_id", id, "peer", peer),
		sendCh: make(chan *wire.SendBuffer, s.cfg.MaxRecvQueue),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.conns[id] = sc
	s.mu.Unlock()
	sc.log.Info("client connected")
	metrics.ServerConnections.Inc()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.readLoop(ctx, sc) }()
	go func() { defer wg.Done(); s.writeLoop(sc) }()
	wg.Wait()

	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	sc.evict()
	sc.log.Info("client disconnected")
	metrics.ServerConnections.Dec()
}

func (s *Server) performHandshake(conn net.Conn) bool {
	tag := []byte(s.cfg.HandshakeTag)
	buf := make([]byte, len(tag))
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err := readFull(conn, buf)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return false
	}
	for i := range tag {
		if buf[i] != tag[i] {
			return false
		}
	}
	return true
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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

func (s *Server) readLoop(ctx context.Context, sc *serverConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.done:
			return
		default:
		}

		rb := wire.NewRecvBuffer(s.cfg.MaxMsgSize)
		_ = sc.conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval))
		for !rb.Done() {
			_, err := rb.Recv(sc.conn)
			if err != nil {
				if isDeadlineExceeded(err) {
					_ = sc.conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval))
					select {
					case <-ctx.Done():
						return
					case <-sc.done:
						return
					default:
						continue
					}
				}
				if errors.Is(err, wire.ErrFrameTooLarge) {
					sc.log.Warn("oversized frame, dropping connection")
				} else if !errors.Is(err, wire.ErrConnReset) {
					sc.log.Warn("read error, dropping connection", "error", err)
				}
				return
			}
		}

		select {
		case s.inbound <- Inbound{ClientID: sc.id, Payload: rb.Payload()}:
		default:
			s.log.Error("recv queue overflow, closing socket")
			s.Shutdown()
			s.mu.Lock()
			for _, other := range s.conns {
				other.evict()
			}
			s.mu.Unlock()
			sc.evict()
			return
		}
	}
}

func (s *Server) writeLoop(sc *serverConn) {
	for {
		select {
		case <-sc.done:
			return
		case sb := <-sc.sendCh:
			for !sb.Done() {
				if _, err := sb.Send(sc.conn); err != nil {
					if !errors.Is(err, wire.ErrConnReset) {
						sc.log.Warn("write error, dropping connection", "error", err)
					}
					return
				}
			}
			s.mu.Lock()
			s.sendCnt--
			s.mu.Unlock()
		}
	}
}

func isDeadlineExceeded(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// Inbound exposes the raw inbound channel for callers that want to select
// on it alongside other event sources (the RPC dispatcher does), instead
// of polling Recv in a loop.
func (s *Server) Inbound() <-chan Inbound { return s.inbound }

// Recv returns the next inbound message, blocking up to timeout. A
// timeout <= 0 waits forever.
func (s *Server) Recv(timeout time.Duration) (Inbound, error) {
	if timeout <= 0 {
		select {
		case m := <-s.inbound:
			return m, nil
		case <-s.closed:
			return Inbound{}, ErrTimeout
		}
	}
	select {
	case m := <-s.inbound:
		return m, nil
	case <-s.cfg.Clock.After(timeout):
		return Inbound{}, ErrTimeout
	case <-s.closed:
		return Inbound{}, ErrTimeout
	}
}

// Send enqueues one outbound frame to clientID. If the client is not
// currently connected, the message is dropped with a log line (§4.2); if
// the server-wide outbound budget is exhausted, it raises ErrSendQueueFull
// immediately.
func (s *Server) Send(clientID string, parts ...[]byte) error {
	s.mu.Lock()
	if s.sendCnt >= s.cfg.MaxSendQueue {
		s.mu.Unlock()
		return ErrSendQueueFull
	}
	sc, ok := s.conns[clientID]
	if !ok {
		s.mu.Unlock()
		s.log.Warn("send to unknown client, dropping", "client_id", clientID)
		return nil
	}
	s.sendCnt++
	s.mu.Unlock()

	sb, err := wire.NewSendBuffer(parts...)
	if err != nil {
		s.mu.Lock()
		s.sendCnt--
		s.mu.Unlock()
		return err
	}

	select {
	case sc.sendCh <- sb:
		return nil
	case <-sc.done:
		s.mu.Lock()
		s.sendCnt--
		s.mu.Unlock()
		return nil
	}
}

// Shutdown stops accepting new connections; already-open connections keep
// flushing their outbound queues.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() { close(s.closed) })
	_ = s.listener.Close()
}

// Close stops accepting, waits up to timeout for connection goroutines to
// drain, then force-closes everything. Idempotent (P7).
func (s *Server) Close(timeout time.Duration) error {
	s.Shutdown()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-s.cfg.Clock.After(timeout):
		s.mu.Lock()
		for _, sc := range s.conns {
			sc.evict()
		}
		s.mu.Unlock()
	}
	return nil
}
