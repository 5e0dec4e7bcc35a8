package udp

import (
	"net"
	"time"
)

// WriteToUDP sends an answer to a client. It is safe for concurrent use.
func (s *Server) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(defaultTimeout)); err != nil {
		return 0, err
	}
	return s.conn.WriteToUDP(b, addr)
}
