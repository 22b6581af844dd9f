package responder_test

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.lrz.de/ipk-2025/chatsim/config"
	"gitlab.lrz.de/ipk-2025/chatsim/logging"
	"gitlab.lrz.de/ipk-2025/chatsim/messages"
	"gitlab.lrz.de/ipk-2025/chatsim/responder"
)

var loopback = net.IPv4(127, 0, 0, 1)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ByeOnShutdown = false
	return cfg
}

type harness struct {
	r         *responder.Responder
	wellKnown *net.UDPAddr
	peer      *net.UDPConn
	cancel    context.CancelFunc
	done      chan error
}

func start(t *testing.T, cfg config.Config) *harness {
	r, err := responder.New(cfg, logging.New("responder"))
	require.NoError(t, err)

	peer, err := messages.Listen(loopback, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{r: r, wellKnown: r.Addr(), peer: peer, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- r.Serve(ctx) }()
	t.Cleanup(func() {
		h.stop(t)
		peer.Close()
	})
	return h
}

func (h *harness) stop(t *testing.T) {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func (h *harness) send(t *testing.T, to *net.UDPAddr, data []byte) {
	_, err := h.peer.WriteToUDP(data, to)
	require.NoError(t, err)
}

func (h *harness) recv(t *testing.T) ([]byte, *net.UDPAddr) {
	addr, data, err := messages.Receive(h.peer, 1024, 2*time.Second)
	require.NoError(t, err)
	return data, addr.(*net.UDPAddr)
}

func (h *harness) expectSilence(t *testing.T) {
	_, _, err := messages.Receive(h.peer, 1024, 150*time.Millisecond)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded, "unexpected datagram")
}

var aliceJoin = []byte{0x03, 0x00, 0x01, 'A', 'l', 'i', 'c', 'e', 0x00}

// first exchange in counter mode reproduces the reference byte for byte
func TestFirstExchangeCounterMode(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmMode = config.ConfirmCounter
	cfg.ReplyContent = ""
	h := start(t, cfg)

	h.send(t, h.wellKnown, aliceJoin)

	confirm, from := h.recv(t)
	assert.Equal(t, []byte{0x00, 0x00, 0x00}, confirm)
	assert.Equal(t, h.wellKnown.Port, from.Port, "confirm leaves through the socket the datagram arrived on")

	reply, migrated := h.recv(t)
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}, reply)
	assert.NotEqual(t, h.wellKnown.Port, migrated.Port)

	msg, from := h.recv(t)
	assert.Equal(t, []byte{0x04, 0x00, 0x01}, msg[:3])
	assert.Equal(t, migrated.Port, from.Port)
	assert.Equal(t, migrated.Port, h.r.Addr().Port)
	assert.Equal(t, responder.Migrated, h.r.State())

	// second datagram to the migrated port: counter 1, no further migration
	h.send(t, migrated, []byte{0x04, 0x00, 0x02, 'A', 0x00, 'h', 'i', 0x00})
	confirm, from = h.recv(t)
	assert.Equal(t, []byte{0x00, 0x00, 0x01}, confirm)
	assert.Equal(t, migrated.Port, from.Port)

	msg, from = h.recv(t)
	parsed, err := messages.Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, messages.Msg{ID: 2, DisplayName: "Server", Content: "Message"}, parsed)
	assert.Equal(t, migrated.Port, from.Port)
	h.expectSilence(t)
}

func TestEchoModeConfirmsPeerID(t *testing.T) {
	h := start(t, testConfig())

	h.send(t, h.wellKnown, messages.Auth{ID: 0x0A0B, Username: "u", DisplayName: "Alice", Secret: "s"}.Marshal())

	confirm, _ := h.recv(t)
	assert.Equal(t, []byte{0x00, 0x0A, 0x0B}, confirm)

	data, _ := h.recv(t)
	reply, err := messages.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, messages.Reply{ID: 0, OK: true, RefID: 0x0A0B, Content: "Auth success."}, reply)
}

func TestReplyFailureFlag(t *testing.T) {
	cfg := testConfig()
	cfg.ReplyOK = false
	h := start(t, cfg)

	h.send(t, h.wellKnown, aliceJoin)
	h.recv(t)
	reply, _ := h.recv(t)
	assert.Equal(t, messages.Reply_t, reply[0])
	assert.Equal(t, messages.ReplyNOK, reply[3])
}

func TestWellKnownPortClosedAfterMigration(t *testing.T) {
	h := start(t, testConfig())

	h.send(t, h.wellKnown, aliceJoin)
	h.recv(t)
	h.recv(t)
	h.recv(t)

	// the port can only be bound again once the responder let go of it
	conn, err := messages.Listen(loopback, h.wellKnown.Port)
	require.NoError(t, err, "well-known port is still in use")
	conn.Close()
}

func TestEveryDatagramConfirmedThenAnswered(t *testing.T) {
	h := start(t, testConfig())

	h.send(t, h.wellKnown, aliceJoin)
	h.recv(t)
	_, migrated := h.recv(t)
	h.recv(t)

	for i := 0; i < 5; i++ {
		h.send(t, migrated, messages.Msg{ID: uint16(10 + i), DisplayName: "Alice", Content: "x"}.Marshal())
		first, _ := h.recv(t)
		second, _ := h.recv(t)
		assert.Equal(t, messages.Confirm{RefID: uint16(10 + i)}.Marshal(), first)
		assert.Equal(t, messages.Msg_t, second[0])
	}
	h.expectSilence(t)
}

func TestSecondPeerReusesMigratedPort(t *testing.T) {
	h := start(t, testConfig())

	h.send(t, h.wellKnown, aliceJoin)
	h.recv(t)
	_, migrated := h.recv(t)
	h.recv(t)

	other, err := messages.Listen(loopback, 0)
	require.NoError(t, err)
	defer other.Close()

	_, err = other.WriteToUDP(messages.Join{ID: 0, ChannelID: "general", DisplayName: "Bob"}.Marshal(), migrated)
	require.NoError(t, err)

	var types []uint8
	for i := 0; i < 2; i++ {
		addr, data, err := messages.Receive(other, 1024, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, migrated.Port, addr.(*net.UDPAddr).Port)
		types = append(types, data[0])
	}
	assert.Equal(t, []uint8{messages.Confirm_t, messages.Msg_t}, types)
	assert.Equal(t, migrated.Port, h.r.Addr().Port)
	assert.Equal(t, responder.Migrated, h.r.State())
}

func TestShortDatagramAnsweredWithErr(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmMode = config.ConfirmCounter
	h := start(t, cfg)

	h.send(t, h.wellKnown, []byte{0x02})
	data, from := h.recv(t)
	parsed, err := messages.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, messages.Err{ID: 0, DisplayName: "Server", Content: "malformed message"}, parsed)
	assert.Equal(t, h.wellKnown.Port, from.Port)
	assert.Equal(t, responder.AwaitingFirst, h.r.State())
	h.expectSilence(t)

	// the responder keeps serving and the counter was not consumed
	h.send(t, h.wellKnown, aliceJoin)
	confirm, _ := h.recv(t)
	assert.Equal(t, []byte{0x00, 0x00, 0x00}, confirm)
	reply, migrated := h.recv(t)
	assert.Equal(t, messages.Reply_t, reply[0])
	assert.NotEqual(t, h.wellKnown.Port, migrated.Port)
}

func TestIgnoreConfirms(t *testing.T) {
	cfg := testConfig()
	cfg.IgnoreConfirms = true
	h := start(t, cfg)

	h.send(t, h.wellKnown, aliceJoin)
	h.recv(t)
	_, migrated := h.recv(t)
	h.recv(t)

	h.send(t, migrated, messages.Confirm{RefID: 0}.Marshal())
	h.expectSilence(t)
}

func TestByeOnShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.ByeOnShutdown = true
	h := start(t, cfg)

	h.send(t, h.wellKnown, aliceJoin)
	h.recv(t)
	_, migrated := h.recv(t)
	h.recv(t)

	h.stop(t)
	data, from := h.recv(t)
	parsed, err := messages.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, messages.Bye{ID: 2, DisplayName: "Server"}, parsed)
	assert.Equal(t, migrated.Port, from.Port)
}

func TestNewFailsOnBusyPort(t *testing.T) {
	busy, err := messages.Listen(loopback, 0)
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig()
	cfg.Port = busy.LocalAddr().(*net.UDPAddr).Port
	_, err = responder.New(cfg, logging.New("responder"))
	assert.Error(t, err)
}
