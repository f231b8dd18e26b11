//go:build linux

package sock

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// applyKeepalive configures TCP keep-alive idle/interval/count plus Linux's
// TCP_USER_TIMEOUT, per §4.3's exact formula:
// 1000*(keepaliveAfter + keepaliveEvery*keepaliveFails) ms.
func applyKeepalive(conn *net.TCPConn, after, every time.Duration, fails int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var opErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(after.Seconds())); err != nil {
			opErr = err
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(every.Seconds())); err != nil {
			opErr = err
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, fails); err != nil {
			opErr = err
			return
		}
		userTimeoutMS := 1000 * (int(after.Seconds()) + int(every.Seconds())*fails)
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, userTimeoutMS); err != nil {
			opErr = err
			return
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	if opErr != nil {
		return opErr
	}
	return conn.SetKeepAlive(true)
}
