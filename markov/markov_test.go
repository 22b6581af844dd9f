package markov_test

import (
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.lrz.de/ipk-2025/chatsim/markov"
	"gitlab.lrz.de/ipk-2025/chatsim/messages"
)

var loopback = net.IPv4(127, 0, 0, 1)

func TestCreateServerSocket(t *testing.T) {
	var conn net.PacketConn
	conn, err := markov.CreateServerSocket(loopback, 0, 0.5, 0.6)
	require.NoError(t, err, "could not create server socket")
	assert.NotZero(t, conn.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, conn.Close())
}

func TestCreateServerSocketInvalidProbabilities(t *testing.T) {
	_, err := markov.CreateServerSocket(loopback, 0, 1.5, 0)
	assert.Error(t, err)
	_, err = markov.CreateServerSocket(loopback, 0, 0, -0.1)
	assert.Error(t, err)
}

// sendAndCount pushes n datagrams through conn and counts what arrives.
func sendAndCount(t *testing.T, conn *markov.Conn, n int) int {
	sink, err := messages.Listen(loopback, 0)
	require.NoError(t, err)
	defer sink.Close()

	for i := 0; i < n; i++ {
		written, err := conn.WriteTo(messages.Ping{ID: uint16(i)}.Marshal(), sink.LocalAddr())
		require.NoError(t, err)
		assert.Equal(t, messages.HeaderLen, written)
	}

	received := 0
	for {
		_, _, err := messages.Receive(sink, 16, 100*time.Millisecond)
		if err != nil {
			return received
		}
		received++
	}
}

func newConn(t *testing.T, p, q float64) *markov.Conn {
	udp, err := messages.Listen(loopback, 0)
	require.NoError(t, err)
	conn := markov.Wrap(udp, p, q, rand.NewSource(1))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNoLoss(t *testing.T) {
	conn := newConn(t, 0, 0)
	assert.Equal(t, 10, sendAndCount(t, conn, 10))
	assert.Zero(t, conn.Dropped())
}

func TestTotalLoss(t *testing.T) {
	conn := newConn(t, 1, 1)
	assert.Equal(t, 0, sendAndCount(t, conn, 10))
	assert.Equal(t, uint64(10), conn.Dropped())
}

func TestAlternatingLoss(t *testing.T) {
	// always lose after a delivery, never lose twice in a row
	conn := newConn(t, 1, 0)
	assert.Equal(t, 5, sendAndCount(t, conn, 10))
	assert.Equal(t, uint64(5), conn.Dropped())
}
