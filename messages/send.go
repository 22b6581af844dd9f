package messages

import (
	"fmt"
	"net"
)

func Send(conn net.PacketConn, addr net.Addr, m Message) error {
	_, err := conn.WriteTo(m.Marshal(), addr)
	if err != nil {
		return fmt.Errorf("error sending %s to %s: %w", TypeName(m.Type()), addr, err)
	}
	return nil
}
