//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package util

import (
	"golang.org/x/sys/unix"
)

func setSockOpts(fd uintptr) error {
	s := int(fd)

	if err := unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return err
	}

	_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF, UDPBufferSize)
	_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF, UDPBufferSize)

	return nil
}
