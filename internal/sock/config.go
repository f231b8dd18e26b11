package sock

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultHandshakeTag is the ASCII tag a client sends immediately after
// connecting and a server validates before treating the connection as
// framed (§4.2, §6). It is a weak filter against accidental TCP traffic,
// not authentication (§9).
const DefaultHandshakeTag = "portal_handshake"

const (
	defaultMaxRecvQueueServer = 4096
	defaultMaxRecvQueueClient = 128
	defaultPollInterval       = 200 * time.Millisecond
	defaultConnectWait        = 100 * time.Millisecond
	defaultConnectTimeout     = 10 * time.Second
	defaultKeepaliveAfter     = 60 * time.Second
	defaultKeepaliveEvery     = 10 * time.Second
	defaultKeepaliveFails     = 3
)

// ServerConfig configures a Server socket (§4.2, §6's socket options).
type ServerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Address to listen on, e.g. ":7777". Ignored if Listener is set.
	Addr string
	IPv6 bool

	HandshakeTag string
	MaxMsgSize   uint32
	MaxRecvQueue int
	MaxSendQueue int
	PollInterval time.Duration
}

func (c *ServerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("sock: logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Addr == "" {
		return errors.New("sock: addr is required")
	}
	if c.HandshakeTag == "" {
		c.HandshakeTag = DefaultHandshakeTag
	}
	if c.MaxRecvQueue == 0 {
		c.MaxRecvQueue = defaultMaxRecvQueueServer
	}
	if c.MaxRecvQueue <= 0 {
		return fmt.Errorf("sock: max recv queue must be > 0")
	}
	if c.MaxSendQueue == 0 {
		c.MaxSendQueue = c.MaxRecvQueue
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return nil
}

func (c *ServerConfig) network() string {
	if c.IPv6 {
		return "tcp6"
	}
	return "tcp4"
}

// ClientConfig configures a Client socket (§4.3, §6).
type ClientConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Addr string
	IPv6 bool

	// Resolver optionally rewrites (host, port) before dialing.
	Resolver func(host, port string) (string, string, error)

	HandshakeTag string
	MaxMsgSize   uint32
	MaxSendQueue int
	MaxRecvQueue int
	PollInterval time.Duration

	Autoconn    bool
	ConnectWait time.Duration

	KeepaliveAfter time.Duration
	KeepaliveEvery time.Duration
	KeepaliveFails int

	OnRecv func([]byte)
	OnConn func()
	OnDisc func()
}

func (c *ClientConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("sock: logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Addr == "" {
		return errors.New("sock: addr is required")
	}
	if c.HandshakeTag == "" {
		c.HandshakeTag = DefaultHandshakeTag
	}
	if c.MaxRecvQueue == 0 {
		c.MaxRecvQueue = defaultMaxRecvQueueClient
	}
	if c.MaxRecvQueue <= 0 {
		return fmt.Errorf("sock: max recv queue must be > 0")
	}
	if c.MaxSendQueue == 0 {
		c.MaxSendQueue = c.MaxRecvQueue
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ConnectWait <= 0 {
		c.ConnectWait = defaultConnectWait
	}
	if c.KeepaliveAfter <= 0 {
		c.KeepaliveAfter = defaultKeepaliveAfter
	}
	if c.KeepaliveEvery <= 0 {
		c.KeepaliveEvery = defaultKeepaliveEvery
	}
	if c.KeepaliveFails == 0 {
		c.KeepaliveFails = defaultKeepaliveFails
	}
	if c.Resolver == nil {
		c.Resolver = func(host, port string) (string, string, error) { return host, port, nil }
	}
	return nil
}

func (c *ClientConfig) network() string {
	if c.IPv6 {
		return "tcp6"
	}
	return "tcp4"
}
