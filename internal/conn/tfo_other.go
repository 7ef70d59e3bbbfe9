//go:build !linux

package conn

import "syscall"

// dialControl is a no-op on platforms where TCP_FASTOPEN_CONNECT is not
// available; the connection proceeds with a normal three-way handshake.
func dialControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
