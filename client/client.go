package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gitlab.lrz.de/ipk-2025/chatsim/messages"
)

// receive buffer, large enough for any datagram of the protocol
const bufferSize = 65535

// Peer is the client end of a conversation with a responder. Its socket is
// not connected, so datagrams from any responder port are accepted.
type Peer struct {
	conn *net.UDPConn
	dest *net.UDPAddr

	// AutoConfirm makes Receive answer every non-Confirm datagram with a
	// Confirm, as a compliant client would.
	AutoConfirm bool

	nextID uint16
}

func Dial(server *net.UDPAddr) (*Peer, error) {
	var ip net.IP
	if server.IP.IsLoopback() {
		ip = server.IP
	}
	conn, err := messages.Listen(ip, 0)
	if err != nil {
		return nil, fmt.Errorf("create client socket: %w", err)
	}
	return &Peer{conn: conn, dest: server}, nil
}

func (p *Peer) Close() error {
	return p.conn.Close()
}

func (p *Peer) LocalAddr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

// Dest is where Send currently writes to.
func (p *Peer) Dest() *net.UDPAddr {
	return p.dest
}

// Follow switches the destination, e.g. after the responder migrated.
func (p *Peer) Follow(addr *net.UDPAddr) {
	p.dest = addr
}

// NextID hands out message IDs for outgoing datagrams.
func (p *Peer) NextID() uint16 {
	id := p.nextID
	p.nextID++
	return id
}

func (p *Peer) Send(m messages.Message) error {
	return messages.Send(p.conn, p.dest, m)
}

// SendRaw writes arbitrary bytes, malformed ones included.
func (p *Peer) SendRaw(data []byte) error {
	if _, err := p.conn.WriteToUDP(data, p.dest); err != nil {
		return fmt.Errorf("send raw datagram: %w", err)
	}
	return nil
}

// Receive waits up to timeout for the next datagram and decodes it.
func (p *Peer) Receive(timeout time.Duration) (messages.Message, *net.UDPAddr, error) {
	addr, data, err := messages.Receive(p.conn, bufferSize, timeout)
	if err != nil {
		return nil, nil, err
	}
	from := addr.(*net.UDPAddr)
	msg, err := messages.Parse(data)
	if err != nil {
		return nil, from, fmt.Errorf("parse datagram from %s: %w", from, err)
	}
	if p.AutoConfirm && msg.Type() != messages.Confirm_t {
		hdr, _ := messages.ParseHeader(data)
		if err := messages.Send(p.conn, from, messages.Confirm{RefID: hdr.ID}); err != nil {
			return msg, from, err
		}
	}
	return msg, from, nil
}

type ProbeConfig struct {
	Username    string
	DisplayName string
	Secret      string
	// Messages is the number of chat messages sent after the Auth.
	Messages int
	Timeout  time.Duration
	// AutoConfirm confirms every datagram the responder sends. Answers are
	// then matched by the Confirm referencing the request, which needs a
	// responder in echo mode.
	AutoConfirm bool
	// FirstID is the ID of the Auth. It sits far above the responder's own
	// IDs so the responder's Confirms of our Confirms never reference a
	// request.
	FirstID uint16
}

var DefaultProbeConfig = ProbeConfig{
	Username:    "probe",
	DisplayName: "Probe",
	Secret:      "secret",
	Messages:    1,
	Timeout:     3 * time.Second,
	FirstID:     0x8000,
}

type Entry struct {
	// Request is the ID of the request in flight when the datagram arrived.
	Request uint16
	// Unsolicited marks datagrams that do not answer Request, e.g. the
	// responder's answers to our own Confirms.
	Unsolicited bool
	From        *net.UDPAddr
	Message     messages.Message
}

type Transcript struct {
	Server     *net.UDPAddr
	Migrated   bool
	MigratedTo *net.UDPAddr
	Entries    []Entry
}

// Answers returns the entries that answer request id.
func (tr *Transcript) Answers(id uint16) []Entry {
	var out []Entry
	for _, e := range tr.Entries {
		if e.Request == id && !e.Unsolicited {
			out = append(out, e)
		}
	}
	return out
}

// Probe authenticates against the responder at server, sends cfg.Messages
// chat messages and records every datagram that comes back. The peer
// follows the port migration announced by the first Reply.
func Probe(ctx context.Context, server *net.UDPAddr, cfg *ProbeConfig) (*Transcript, error) {
	peer, err := Dial(server)
	if err != nil {
		return nil, err
	}
	defer peer.Close()
	peer.AutoConfirm = cfg.AutoConfirm
	peer.nextID = cfg.FirstID

	tr := &Transcript{Server: server}

	auth := messages.Auth{
		ID:          peer.NextID(),
		Username:    cfg.Username,
		DisplayName: cfg.DisplayName,
		Secret:      cfg.Secret,
	}
	if err := exchange(ctx, peer, auth, auth.ID, cfg.Timeout, tr); err != nil {
		return tr, fmt.Errorf("auth: %w", err)
	}

	for i := 0; i < cfg.Messages; i++ {
		msg := messages.Msg{
			ID:          peer.NextID(),
			DisplayName: cfg.DisplayName,
			Content:     fmt.Sprintf("probe message %d", i+1),
		}
		if err := exchange(ctx, peer, msg, msg.ID, cfg.Timeout, tr); err != nil {
			return tr, fmt.Errorf("message %d: %w", i+1, err)
		}
	}
	return tr, nil
}

// exchange sends m and collects datagrams until the responder's chat
// message answering it arrives. The responder handles one datagram at a
// time, so everything between the Confirm of id and the next Msg belongs
// to id.
//
// Without AutoConfirm the only traffic is the answer to m and the first
// Confirm opens it. With AutoConfirm the responder also answers our
// Confirms, so only a Confirm referencing id does.
func exchange(ctx context.Context, peer *Peer, m messages.Message, id uint16, timeout time.Duration, tr *Transcript) error {
	if err := peer.Send(m); err != nil {
		return err
	}
	answering := false
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		left := time.Until(deadline)
		if left <= 0 {
			return timeoutError(peer, id, answering, timeout)
		}
		msg, from, err := peer.Receive(left)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return timeoutError(peer, id, answering, timeout)
		}
		if err != nil {
			return err
		}

		if c, ok := msg.(messages.Confirm); ok && !answering {
			answering = !peer.AutoConfirm || c.RefID == id
		}
		tr.Entries = append(tr.Entries, Entry{Request: id, Unsolicited: !answering, From: from, Message: msg})

		switch msg.Type() {
		case messages.Reply_t:
			if from.Port != peer.Dest().Port {
				tr.Migrated = true
				tr.MigratedTo = from
				peer.Follow(from)
			}
		case messages.Msg_t:
			if answering {
				return nil
			}
		}
	}
}

func timeoutError(peer *Peer, id uint16, answering bool, timeout time.Duration) error {
	if peer.AutoConfirm && !answering {
		return fmt.Errorf("no confirm referencing %d within %s (responder not in echo mode?)", id, timeout)
	}
	return fmt.Errorf("no chat message within %s", timeout)
}
