package rpcclient

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/portal/internal/pack"
)

const defaultMaxInflight = 16

// Config configures an RPC Client (§4.5, §6's RPC config options).
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Codec  pack.Codec

	Addr string
	IPv6 bool

	Name        string
	MaxInflight int
	Autoconn    bool

	HandshakeTag   string
	MaxMsgSize     uint32
	MaxSendQueue   int
	MaxRecvQueue   int
	ConnectWait    time.Duration
	KeepaliveAfter time.Duration
	KeepaliveEvery time.Duration
	KeepaliveFails int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("rpcclient: logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Codec == nil {
		c.Codec = pack.NewBorshCodec()
	}
	if c.Addr == "" {
		return errors.New("rpcclient: addr is required")
	}
	if c.MaxInflight == 0 {
		c.MaxInflight = defaultMaxInflight
	}
	if c.MaxInflight <= 0 {
		return errors.New("rpcclient: max inflight must be > 0")
	}
	return nil
}
