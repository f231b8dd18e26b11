// Package batch implements the batching gateway (§4.7): it sits in front
// of a plain RPC server, accumulates same-structure requests from
// independent clients into stacked array batches, makes one inner call per
// batch, and unstacks the reply per caller.
package batch

import (
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/portal/internal/pack"
)

// Config configures a Gateway.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Codec  pack.Codec

	// ExternalAddr is where the gateway listens for client connections.
	ExternalAddr string
	IPv6         bool

	// InnerAddr is the address of the plain RPC server the gateway
	// forwards batched (or pass-through) calls to.
	InnerAddr string

	HandshakeTag string
	MaxMsgSize   uint32
	MaxSendQueue int
	MaxRecvQueue int

	// InnerMaxInflight bounds concurrent outstanding inner calls; a batch
	// in flight counts as one.
	InnerMaxInflight int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("batch: logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Codec == nil {
		c.Codec = pack.NewBorshCodec()
	}
	if c.ExternalAddr == "" {
		return errors.New("batch: external addr is required")
	}
	if c.InnerAddr == "" {
		return errors.New("batch: inner addr is required")
	}
	if c.InnerMaxInflight <= 0 {
		c.InnerMaxInflight = 64
	}
	return nil
}

// Method is a batching binding: a name and its batch size. BatchSize == 0
// means pass-through (forward 1:1, no stacking).
type Method struct {
	Name      string
	BatchSize int
}
