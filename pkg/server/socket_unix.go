//go:build unix

package server

import (
	"golang.org/x/sys/unix"
)

// setSocketOptions sets options on the listening socket before bind
func setSocketOptions(fd int) error {
	// Allow quick restart while old connections sit in TIME_WAIT
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}
