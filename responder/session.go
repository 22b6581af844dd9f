package responder

import (
	"errors"
	"fmt"
	"net"

	"gitlab.lrz.de/ipk-2025/chatsim/config"
)

// State of a session. The only transition is AwaitingFirst -> Migrated.
type State int

const (
	AwaitingFirst State = iota
	Migrated
)

func (s State) String() string {
	switch s {
	case AwaitingFirst:
		return "AWAITING_FIRST"
	case Migrated:
		return "MIGRATED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var ErrAlreadyMigrated = errors.New("session already migrated")

// Session is the responder's view of its peer. There is exactly one per
// responder: datagrams from a second peer reuse it.
type Session struct {
	// Peer is the sender of the most recent well-formed datagram.
	Peer net.Addr
	// Conn is the socket all traffic currently goes through.
	Conn net.PacketConn

	state      State
	counter    uint8
	outboundID uint16
}

func NewSession(conn net.PacketConn) *Session {
	return &Session{Conn: conn, state: AwaitingFirst}
}

func (s *Session) State() State {
	return s.state
}

// Counter is the number of confirmed datagrams modulo 256.
func (s *Session) Counter() uint8 {
	return s.counter
}

// confirmRef returns the ID to put into the Confirm for a datagram carrying
// peerID and advances the counter.
func (s *Session) confirmRef(peerID uint16, mode string) uint16 {
	ref := peerID
	if mode == config.ConfirmCounter {
		ref = uint16(s.counter)
	}
	s.counter++
	return ref
}

// nextID stamps the responder's own Reply/Msg/Err/Bye datagrams.
func (s *Session) nextID() uint16 {
	id := s.outboundID
	s.outboundID++
	return id
}

// Migrate moves the session onto conn. notify is called with the new socket
// before the old one is closed; if it fails conn is closed and the session
// stays where it was.
func (s *Session) Migrate(conn net.PacketConn, notify func(net.PacketConn) error) error {
	if s.state != AwaitingFirst {
		return ErrAlreadyMigrated
	}
	if err := notify(conn); err != nil {
		conn.Close()
		return err
	}
	if err := s.Conn.Close(); err != nil {
		conn.Close()
		return fmt.Errorf("error closing %s: %w", s.Conn.LocalAddr(), err)
	}
	s.Conn = conn
	s.state = Migrated
	return nil
}
