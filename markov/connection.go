package markov

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"gitlab.lrz.de/ipk-2025/chatsim/messages"
)

// CreateServerSocket binds ip:port (port 0 for an ephemeral one) and wraps
// it into a lossy Conn. p = q = 0 never drops anything.
func CreateServerSocket(ip net.IP, port int, p float64, q float64) (*Conn, error) {
	if p > 1 || p < 0 || q > 1 || q < 0 {
		return nil, fmt.Errorf("p and/or q values for the markov chain are invalid: p=%v q=%v", p, q)
	}
	conn, err := messages.Listen(ip, port)
	if err != nil {
		return nil, err
	}
	return Wrap(conn, p, q, rand.NewSource(time.Now().UnixNano())), nil
}
