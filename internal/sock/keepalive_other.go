//go:build !linux

package sock

import (
	"net"
	"time"
)

// applyKeepalive sets best-effort TCP keep-alive on platforms without
// TCP_USER_TIMEOUT/fine-grained TCP_KEEPIDLE/INTVL/CNT support.
func applyKeepalive(conn *net.TCPConn, after, _ time.Duration, _ int) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	return conn.SetKeepAlivePeriod(after)
}
