package sip

import (
	"fmt"
	"io"
	"net"
	"sync"
)

// Transport is the channel a message arrived on and its answers leave on.
// Implementations must be safe for concurrent writes: several entities may
// answer on the same connection.
type Transport interface {
	// Writer is used to send a complete SIP message to the remote peer.
	io.Writer
	// GetProto returns the transport protocol name (e.g., "UDP", "TCP").
	GetProto() string
	// GetRemoteAddr returns the network address of the remote peer.
	GetRemoteAddr() net.Addr
	// Close terminates the transport connection if applicable.
	Close() error
}

// Send encodes msg and writes it to t.
func Send(t Transport, msg Message) error {
	data := msg.Encode()
	n, err := t.Write(data)
	if err != nil {
		return fmt.Errorf("write to %s %s: %w", t.GetProto(), t.GetRemoteAddr(), err)
	}
	if n < len(data) {
		return fmt.Errorf("short write to %s %s, wrote %d of %d bytes", t.GetProto(), t.GetRemoteAddr(), n, len(data))
	}
	return nil
}

// --- UDP Transport ---

// UDPTransport is a transport implementation for UDP.
type UDPTransport struct {
	conn     net.PacketConn
	destAddr net.Addr
}

// NewUDPTransport creates a new UDP transport instance.
func NewUDPTransport(conn net.PacketConn, destAddr net.Addr) *UDPTransport {
	return &UDPTransport{
		conn:     conn,
		destAddr: destAddr,
	}
}

// Write sends data to the destination address over the UDP connection.
func (t *UDPTransport) Write(p []byte) (n int, err error) {
	return t.conn.WriteTo(p, t.destAddr)
}

// GetProto returns "UDP".
func (t *UDPTransport) GetProto() string {
	return "UDP"
}

// GetRemoteAddr returns the destination network address.
func (t *UDPTransport) GetRemoteAddr() net.Addr {
	return t.destAddr
}

// Close for UDP is a no-op, as the underlying PacketConn is shared and
// managed by the server listener.
func (t *UDPTransport) Close() error {
	return nil
}

// --- TCP Transport ---

// TCPTransport is a transport implementation for TCP.
type TCPTransport struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewTCPTransport creates a new TCP transport instance.
func NewTCPTransport(conn net.Conn) *TCPTransport {
	return &TCPTransport{
		conn: conn,
	}
}

// Write sends data over the TCP connection.
// The provided byte slice should be a fully-formed SIP message; writes are
// serialised so messages never interleave on the stream.
func (t *TCPTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err = t.conn.Write(p)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, fmt.Errorf("short write on tcp transport, wrote %d of %d bytes", n, len(p))
	}
	return n, nil
}

// GetProto returns "TCP".
func (t *TCPTransport) GetProto() string {
	return "TCP"
}

// GetRemoteAddr returns the remote network address of the connection.
func (t *TCPTransport) GetRemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Close terminates the TCP connection.
func (t *TCPTransport) Close() error {
	return t.conn.Close()
}
