// Package siptest provides in-memory transports for tests.
package siptest

import (
	"net"
	"sync"
	"testing"
	"time"

	"sip-registrar/internal/sip"
)

// DefaultTimeout bounds every wait in this package.
const DefaultTimeout = 2 * time.Second

// Transport is a sip.Transport that decodes and records everything written to it.
type Transport struct {
	proto string
	addr  net.Addr

	mu      sync.Mutex
	written []sip.Message
	closed  bool
	ch      chan sip.Message
}

var _ sip.Transport = (*Transport)(nil)

// NewTransport creates a UDP transport for the peer at addr ("host:port").
func NewTransport(addr string) *Transport {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		panic(err)
	}
	return &Transport{proto: "UDP", addr: ua, ch: make(chan sip.Message, 256)}
}

func (t *Transport) Write(p []byte) (int, error) {
	msg, err := sip.DecodeMessage(p, sip.Limits{})
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.written = append(t.written, msg)
	t.mu.Unlock()
	select {
	case t.ch <- msg:
	default:
	}
	return len(p), nil
}

func (t *Transport) GetProto() string        { return t.proto }
func (t *Transport) GetRemoteAddr() net.Addr { return t.addr }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Messages returns everything written so far.
func (t *Transport) Messages() []sip.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sip.Message(nil), t.written...)
}

// Next waits for the next written message.
func (t *Transport) Next(tb testing.TB) sip.Message {
	tb.Helper()
	select {
	case m := <-t.ch:
		return m
	case <-time.After(DefaultTimeout):
		tb.Fatalf("no message written to %s within %s", t.addr, DefaultTimeout)
		return nil
	}
}

// NextResponse waits for the next written message and requires a response.
func (t *Transport) NextResponse(tb testing.TB) *sip.Response {
	tb.Helper()
	m := t.Next(tb)
	resp, ok := m.(*sip.Response)
	if !ok {
		tb.Fatalf("expected a response, got %T:\n%s", m, m.Encode())
	}
	return resp
}

// ExpectNothing fails if a message is written within d.
func (t *Transport) ExpectNothing(tb testing.TB, d time.Duration) {
	tb.Helper()
	select {
	case m := <-t.ch:
		tb.Fatalf("unexpected message:\n%s", m.Encode())
	case <-time.After(d):
	}
}

// Datagram is one packet written to a PacketConn.
type Datagram struct {
	Data []byte
	Addr net.Addr
}

// PacketConn is a net.PacketConn that records writes and serves reads
// from an inbound queue.
type PacketConn struct {
	local   net.Addr
	inbound chan Datagram
	written chan Datagram
	done    chan struct{}
	once    sync.Once
}

var _ net.PacketConn = (*PacketConn)(nil)

// NewPacketConn creates a packet conn bound to local.
func NewPacketConn(local string) *PacketConn {
	la, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		panic(err)
	}
	return &PacketConn{
		local:   la,
		inbound: make(chan Datagram, 64),
		written: make(chan Datagram, 256),
		done:    make(chan struct{}),
	}
}

// Inject queues a datagram from addr for ReadFrom.
func (c *PacketConn) Inject(data []byte, from string) {
	fa, err := net.ResolveUDPAddr("udp", from)
	if err != nil {
		panic(err)
	}
	c.inbound <- Datagram{Data: data, Addr: fa}
}

func (c *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-c.inbound:
		return copy(p, d.Data), d.Addr, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}
	select {
	case c.written <- Datagram{Data: append([]byte(nil), p...), Addr: addr}:
	default:
	}
	return len(p), nil
}

// NextWritten waits for the next datagram written to the conn.
func (c *PacketConn) NextWritten(tb testing.TB) Datagram {
	tb.Helper()
	select {
	case d := <-c.written:
		return d
	case <-time.After(DefaultTimeout):
		tb.Fatalf("no datagram written within %s", DefaultTimeout)
		return Datagram{}
	}
}

func (c *PacketConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *PacketConn) LocalAddr() net.Addr                { return c.local }
func (c *PacketConn) SetDeadline(t time.Time) error      { return nil }
func (c *PacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *PacketConn) SetWriteDeadline(t time.Time) error { return nil }
