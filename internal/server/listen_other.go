//go:build !linux

package server

import "syscall"

// listenControl is a no-op on platforms without the Linux-specific
// TCP_FASTOPEN/SO_REUSEADDR socket option handling used here.
func listenControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
