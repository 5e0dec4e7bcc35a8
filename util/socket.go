package util

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// UDPBufferSize is requested for both directions of every bound udp socket.
const UDPBufferSize = 16 * 1024 * 1024

var listenConfig = net.ListenConfig{Control: control}

// BindUDP binds a udp socket with address reuse and large kernel buffers.
func BindUDP(network, address string) (*net.UDPConn, error) {
	pc, err := listenConfig.ListenPacket(context.Background(), network, address)
	if err != nil {
		return nil, err
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, errors.New("not a udp socket")
	}

	return conn, nil
}

func control(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = setSockOpts(fd)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func Read(c *net.UDPConn, buf []byte) (n int, remoteAddr *net.UDPAddr, err error) {
	n, remoteAddr, err = c.ReadFromUDP(buf)
	if err != nil {
		return -1, nil, err
	}

	return n, remoteAddr, nil
}

// IsClosed reports whether err comes from using a closed connection.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
