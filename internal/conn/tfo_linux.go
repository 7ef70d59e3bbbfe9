//go:build linux

package conn

import (
	"syscall"

	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/sys/unix"
)

// dialControl enables TCP Fast Open on the outbound socket before connect,
// via TCP_FASTOPEN_CONNECT. Failure to set the option is logged and
// ignored: the connection still proceeds with a normal three-way handshake.
func dialControl(_, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN_CONNECT, 1)
	})
	if err != nil {
		log.Debug("conn: control callback failed for %s: %v", address, err)
		return nil
	}
	if sockErr != nil {
		log.Debug("conn: failed to enable TCP Fast Open for %s: %v", address, sockErr)
	}
	return nil
}
