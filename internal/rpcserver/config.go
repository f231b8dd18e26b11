package rpcserver

import (
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/portal/internal/pack"
)

const defaultWorkers = 4

// Config configures a Server (§4.6, §6's RPC config options: workers,
// errors). The in-flight limit is a client option (rpcclient.Config).
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Codec  pack.Codec

	Addr string
	IPv6 bool

	// Workers sizes the default pool used by methods that don't specify
	// their own.
	Workers int

	// Errors, when true, makes Server.Wait return the first method error
	// after it has been sent to the client (fail-fast testing mode, §7.4).
	// The server does not shut itself down; it keeps serving until Close
	// is called.
	Errors bool

	HandshakeTag string
	MaxMsgSize   uint32
	MaxSendQueue int
	MaxRecvQueue int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("rpcserver: logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Codec == nil {
		c.Codec = pack.NewBorshCodec()
	}
	if c.Addr == "" {
		return errors.New("rpcserver: addr is required")
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	return nil
}
