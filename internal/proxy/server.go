// Package proxy connects the network to the entity runtime: it listens on
// UDP and TCP, decodes messages, rejects what cannot be dispatched and
// hands requests to their dialog entity. It also sends the requests that
// devices forward.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sip-registrar/internal/dialog"
	"sip-registrar/internal/entity"
	"sip-registrar/internal/metrics"
	"sip-registrar/internal/protocol"
	"sip-registrar/internal/registrar"
	"sip-registrar/internal/registry"
	"sip-registrar/internal/routing"
	"sip-registrar/internal/sip"
)

// ErrNotServing is returned by SendRequest before the UDP listener is up.
var ErrNotServing = errors.New("proxy: not serving")

// Config holds the listener settings.
type Config struct {
	// Addr is the UDP and TCP listen address.
	Addr string
	// AdvertisedAddr is the host:port put in Via headers. It defaults to
	// the listen address, with loopback for an unspecified host.
	AdvertisedAddr string
	Limits         sip.Limits
	// UDPBufferSize is the largest datagram read.
	UDPBufferSize int
}

// DefaultConfig returns the standard listener settings.
func DefaultConfig() Config {
	return Config{Addr: ":5060", Limits: sip.DefaultLimits, UDPBufferSize: 65535}
}

// Entities holds what the entity kinds are built from.
type Entities struct {
	Dialog    dialog.Config
	Registrar *registrar.Registrar
	Device    routing.DeviceConfig
}

// Server is the SIP front end of the registrar.
type Server struct {
	cfg       Config
	rt        *entity.Runtime
	responder *protocol.Responder
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	dialer    net.Dialer

	mu      sync.Mutex
	udpConn net.PacketConn
	group   *errgroup.Group
	ctx     context.Context
}

var _ routing.Sender = (*Server)(nil)

// New creates a server dispatching to rt.
func New(cfg Config, rt *entity.Runtime, responder *protocol.Responder, m *metrics.Metrics, log logrus.FieldLogger) *Server {
	if cfg.UDPBufferSize <= 0 {
		cfg.UDPBufferSize = DefaultConfig().UDPBufferSize
	}
	return &Server{cfg: cfg, rt: rt, responder: responder, metrics: m, log: log}
}

// RegisterEntities registers the user, dialog and device factories on the
// runtime. Devices send through s.
func (s *Server) RegisterEntities(e Entities) {
	s.rt.Register(protocol.KindUser, e.Registrar.Factory())
	s.rt.Register(protocol.KindDialog, dialog.NewFactory(e.Dialog, s.responder, s.log))
	if e.Device.Via.Addr == "" {
		e.Device.Via = s.Via()
	}
	s.rt.Register(protocol.KindDevice, routing.NewDeviceFactory(e.Device, s, s.metrics, s.log))
}

// Via returns the hop the server inserts in forwarded requests.
func (s *Server) Via() routing.Via {
	return routing.Via{Addr: advertised(s.cfg)}
}

func advertised(cfg Config) string {
	if cfg.AdvertisedAddr != "" {
		return cfg.AdvertisedAddr
	}
	host, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return cfg.Addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		// A deployment behind a public address must set AdvertisedAddr.
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// Run listens on UDP and TCP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("could not listen on UDP: %w", err)
	}
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		pc.Close()
		return fmt.Errorf("could not listen on TCP: %w", err)
	}
	s.log.WithFields(logrus.Fields{"udp": pc.LocalAddr(), "tcp": l.Addr(), "advertised": advertised(s.cfg)}).
		Info("SIP server listening")

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ServePacket(gCtx, pc) })
	g.Go(func() error { return s.ServeListener(gCtx, l) })
	return g.Wait()
}

// ServePacket reads datagrams from pc until ctx is cancelled. Each
// datagram holds exactly one message.
func (s *Server) ServePacket(ctx context.Context, pc net.PacketConn) error {
	s.mu.Lock()
	s.udpConn = pc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.udpConn = nil
		s.mu.Unlock()
	}()
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	buf := make([]byte, s.cfg.UDPBufferSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.metrics.TransportErrors.WithLabelValues("UDP", "read").Inc()
			s.log.WithError(err).Error("Error reading from UDP")
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		t := sip.NewUDPTransport(pc, addr)
		msg, err := sip.DecodeMessage(data, s.cfg.Limits)
		if err != nil {
			s.metrics.DecodeFailures.WithLabelValues("UDP", "framing").Inc()
			s.log.WithError(err).WithField("remote", addr.String()).Debug("Dropping undecodable datagram")
			continue
		}
		s.Handle(t, msg)
	}
}

// ServeListener accepts TCP connections from l until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, l net.Listener) error {
	g, gCtx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.group, s.ctx = g, gCtx
	s.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.metrics.TransportErrors.WithLabelValues("TCP", "accept").Inc()
			s.log.WithError(err).Error("Error accepting TCP connection")
			continue
		}
		g.Go(func() error {
			s.ServeConn(gCtx, conn)
			return nil
		})
	}

	s.mu.Lock()
	s.group, s.ctx = nil, nil
	s.mu.Unlock()
	return g.Wait()
}

// ServeConn decodes the messages of one TCP connection until it closes,
// ctx is cancelled or the stream breaks framing limits.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	t := sip.NewTCPTransport(conn)
	entry := s.log.WithField("remote", conn.RemoteAddr().String())
	dec := sip.NewDecoder(s.cfg.Limits)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, derr := dec.Decode(buf[:n])
			for _, msg := range msgs {
				s.Handle(t, msg)
			}
			if derr != nil {
				s.metrics.DecodeFailures.WithLabelValues("TCP", "framing").Inc()
				entry.WithError(derr).Info("Closing TCP connection after framing error")
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.metrics.TransportErrors.WithLabelValues("TCP", "read").Inc()
				entry.WithError(err).Error("Error reading from TCP connection")
			}
			return
		}
	}
}

// SendRequest implements routing.Sender. Requests go to the host and port
// of the binding's contact over the binding's transport.
func (s *Server) SendRequest(ctx context.Context, b registry.Binding, req *sip.Request) error {
	dest := destination(b)
	if strings.EqualFold(b.Transport, "tcp") {
		return s.sendTCP(ctx, dest, req)
	}

	s.mu.Lock()
	pc := s.udpConn
	s.mu.Unlock()
	if pc == nil {
		return ErrNotServing
	}
	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dest, err)
	}
	if err := sip.Send(sip.NewUDPTransport(pc, addr), req); err != nil {
		s.metrics.TransportErrors.WithLabelValues("UDP", "write").Inc()
		return err
	}
	return nil
}

// sendTCP dials dest and keeps the connection served for the answers.
func (s *Server) sendTCP(ctx context.Context, dest string, req *sip.Request) error {
	s.mu.Lock()
	g, gCtx := s.group, s.ctx
	s.mu.Unlock()
	if g == nil {
		return ErrNotServing
	}
	conn, err := s.dialer.DialContext(ctx, "tcp", dest)
	if err != nil {
		s.metrics.TransportErrors.WithLabelValues("TCP", "dial").Inc()
		return fmt.Errorf("dial %s: %w", dest, err)
	}
	if err := sip.Send(sip.NewTCPTransport(conn), req); err != nil {
		conn.Close()
		s.metrics.TransportErrors.WithLabelValues("TCP", "write").Inc()
		return err
	}
	g.Go(func() error {
		s.ServeConn(gCtx, conn)
		return nil
	})
	return nil
}

func destination(b registry.Binding) string {
	if u := sip.ParseUser(b.Contact); u.Host != "" {
		return u.Address()
	}
	return b.Source
}
