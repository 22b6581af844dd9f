package responder

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gitlab.lrz.de/ipk-2025/chatsim/config"
	"gitlab.lrz.de/ipk-2025/chatsim/markov"
	"gitlab.lrz.de/ipk-2025/chatsim/messages"
)

// pollInterval bounds how long Serve takes to notice a cancelled context.
const pollInterval = 100 * time.Millisecond

const malformedContent = "malformed message"

// Responder plays the server side of the chat protocol for a single peer:
// it confirms every datagram, moves to a fresh port after the first one and
// answers each datagram with a chat message.
type Responder struct {
	cfg config.Config
	log zerolog.Logger

	// guards session.Conn and session.state against Addr/State callers
	mu      sync.Mutex
	session *Session
}

// New binds the well-known socket. The values in cfg should be validated
// before.
func New(cfg config.Config, logger zerolog.Logger) (*Responder, error) {
	conn, err := listen(cfg, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("error while creating the socket: %w", err)
	}
	r := &Responder{
		cfg:     cfg,
		log:     logger,
		session: NewSession(conn),
	}
	r.log.Info().Str("addr", conn.LocalAddr().String()).Msg("listening")
	return r, nil
}

func listen(cfg config.Config, port int) (net.PacketConn, error) {
	return markov.CreateServerSocket(cfg.IP(), port, cfg.MarkovP, cfg.MarkovQ)
}

// Addr returns the local address of the currently active socket.
func (r *Responder) Addr() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Conn.LocalAddr().(*net.UDPAddr)
}

func (r *Responder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.State()
}

// Serve runs the receive loop until ctx is cancelled or a socket fails.
// The active socket is closed when Serve returns.
func (r *Responder) Serve(ctx context.Context) error {
	defer r.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn := r.session.Conn
		// short timeout to be responsive
		addr, data, err := messages.Receive(conn, r.cfg.BufferSize, pollInterval)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if err != nil {
			return fmt.Errorf("error while receiving on %s: %w", conn.LocalAddr(), err)
		}
		if err := r.handle(addr, data); err != nil {
			return err
		}
	}
}

func (r *Responder) handle(peer net.Addr, data []byte) error {
	log := r.log.With().Str("peer", peer.String()).Logger()
	if e := log.Debug(); e.Enabled() {
		e.Int("len", len(data)).Msg("received\n" + hex.Dump(data))
	}

	hdr, err := messages.ParseHeader(data)
	if err != nil {
		return r.rejectMalformed(log, peer, err)
	}
	r.session.Peer = peer
	log = log.With().Str("type", messages.TypeName(hdr.Type)).Uint16("id", hdr.ID).Logger()

	if hdr.Type == messages.Confirm_t && r.cfg.IgnoreConfirms {
		log.Debug().Msg("peer confirm ignored")
		return nil
	}

	ref := r.session.confirmRef(hdr.ID, r.cfg.ConfirmMode)
	if err := r.send(peer, messages.Confirm{RefID: ref}); err != nil {
		return err
	}
	log.Info().Uint16("ref", ref).Msg("confirmed")

	if r.session.State() == AwaitingFirst {
		if err := r.migrate(log, peer, ref); err != nil {
			return err
		}
	}

	msg := messages.Msg{
		ID:          r.session.nextID(),
		DisplayName: r.cfg.DisplayName,
		Content:     r.cfg.MessageContent,
	}
	return r.send(peer, msg)
}

// migrate allocates the ephemeral socket, announces it with a Reply and
// retires the well-known one.
func (r *Responder) migrate(log zerolog.Logger, peer net.Addr, ref uint16) error {
	conn, err := listen(r.cfg, 0)
	if err != nil {
		return fmt.Errorf("error while allocating the migrated socket: %w", err)
	}
	reply := messages.Reply{
		ID:      r.session.nextID(),
		OK:      r.cfg.ReplyOK,
		RefID:   ref,
		Content: r.cfg.ReplyContent,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.session.Conn.LocalAddr()
	err = r.session.Migrate(conn, func(c net.PacketConn) error {
		return messages.Send(c, peer, reply)
	})
	if err != nil {
		return fmt.Errorf("error while migrating: %w", err)
	}
	log.Info().
		Str("from", from.String()).
		Str("to", conn.LocalAddr().String()).
		Stringer("state", r.session.State()).
		Msg("session migrated")
	return nil
}

// rejectMalformed answers a datagram too short to carry a message ID with
// an Err. Counter and migration state stay untouched.
func (r *Responder) rejectMalformed(log zerolog.Logger, peer net.Addr, cause error) error {
	log.Warn().Err(cause).Msg("malformed datagram")
	msg := messages.Err{
		ID:          r.session.nextID(),
		DisplayName: r.cfg.DisplayName,
		Content:     malformedContent,
	}
	return r.send(peer, msg)
}

func (r *Responder) send(peer net.Addr, m messages.Message) error {
	return messages.Send(r.session.Conn, peer, m)
}

func (r *Responder) shutdown() {
	if r.cfg.ByeOnShutdown && r.session.Peer != nil {
		bye := messages.Bye{ID: r.session.nextID(), DisplayName: r.cfg.DisplayName}
		if err := r.send(r.session.Peer, bye); err != nil {
			r.log.Warn().Err(err).Msg("bye not sent")
		} else {
			r.log.Info().Str("peer", r.session.Peer.String()).Msg("bye sent")
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if mc, ok := r.session.Conn.(*markov.Conn); ok && mc.Dropped() > 0 {
		r.log.Info().Uint64("dropped", mc.Dropped()).Msg("datagrams lost by the markov chain")
	}
	if err := r.session.Conn.Close(); err != nil {
		r.log.Warn().Err(err).Msg("error while closing the socket")
	}
}
