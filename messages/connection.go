package messages

import (
	"fmt"
	"net"
)

// Listen binds a UDP socket. Port 0 lets the OS pick an ephemeral port.
func Listen(ip net.IP, port int) (*net.UDPConn, error) {
	laddr := net.UDPAddr{
		Port: port,
		IP:   ip,
	}
	conn, err := net.ListenUDP("udp4", &laddr)
	if err != nil {
		return nil, fmt.Errorf("error creating ListenUDP on %s: %w", laddr.String(), err)
	}
	return conn, nil
}
