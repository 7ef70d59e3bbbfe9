//go:build linux

package server

import (
	"syscall"

	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/sys/unix"
)

// listenControl sets SO_REUSEADDR and enables TCP Fast Open on the listening
// socket. Failure to enable TFO is logged and ignored, per §4.8.
func listenControl(_, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sockErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN, listenBacklog); e != nil {
			log.Debug("server: failed to enable TCP Fast Open on %s: %v", address, e)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
