package markov

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// Conn is a net.PacketConn that drops outbound datagrams following a two
// state Markov chain. P is the loss probability after a delivered datagram,
// Q the loss probability after a dropped one. Reads are never dropped.
type Conn struct {
	UDPConn *net.UDPConn
	P       float64
	Q       float64

	mu          sync.Mutex
	rnd         *rand.Rand
	lastDropped bool
	dropped     uint64
}

func Wrap(conn *net.UDPConn, p float64, q float64, src rand.Source) *Conn {
	return &Conn{
		UDPConn: conn,
		P:       p,
		Q:       q,
		rnd:     rand.New(src),
	}
}

// drop advances the chain by one step.
func (mc *Conn) drop() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	threshold := mc.P
	if mc.lastDropped {
		threshold = mc.Q
	}
	mc.lastDropped = mc.rnd.Float64() < threshold
	if mc.lastDropped {
		mc.dropped++
	}
	return mc.lastDropped
}

// Dropped returns how many datagrams were swallowed so far.
func (mc *Conn) Dropped() uint64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.dropped
}

func (mc *Conn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	return mc.UDPConn.ReadFrom(p)
}

// WriteTo reports a dropped datagram as fully written, like a lossy link
// would.
func (mc *Conn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	if mc.drop() {
		return len(p), nil
	}
	return mc.UDPConn.WriteTo(p, addr)
}

func (mc *Conn) Close() error {
	return mc.UDPConn.Close()
}

func (mc *Conn) LocalAddr() net.Addr {
	return mc.UDPConn.LocalAddr()
}

func (mc *Conn) SetDeadline(t time.Time) error {
	return mc.UDPConn.SetDeadline(t)
}

func (mc *Conn) SetReadDeadline(t time.Time) error {
	return mc.UDPConn.SetReadDeadline(t)
}

func (mc *Conn) SetWriteDeadline(t time.Time) error {
	return mc.UDPConn.SetWriteDeadline(t)
}
