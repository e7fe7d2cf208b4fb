// Package server answers Sense HS110 discovery queries over UDP for
// every registered virtual plug.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cbpowell/SenseLink/internal/plug"
	"github.com/cbpowell/SenseLink/internal/tplink"
)

// DefaultPort is the HS110 discovery port Sense broadcasts to.
const DefaultPort = 9999

// replyWriter is the slice of net.PacketConn the datagram handler needs.
type replyWriter interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// Server receives discovery datagrams and replies once per eligible plug.
type Server struct {
	logger   *logrus.Logger
	registry *plug.Registry
	port     int

	// target, when set, overrides the reply destination address. Useful
	// behind a Docker bridge where the datagram source is the gateway.
	target net.IP

	// respond toggles actual transmission. When false the responses are
	// still synthesized and logged, which keeps quiet mode debuggable.
	respond bool

	now func() time.Time
}

func New(registry *plug.Registry, port int, target string, respond bool, logger *logrus.Logger) (*Server, error) {
	s := &Server{
		logger:   logger,
		registry: registry,
		port:     port,
		respond:  respond,
		now:      time.Now,
	}
	if s.port == 0 {
		s.port = DefaultPort
	}
	if target != "" {
		ip := net.ParseIP(target)
		if ip == nil {
			return nil, fmt.Errorf("invalid target address %q", target)
		}
		s.target = ip
	}
	return s, nil
}

// Run binds the discovery port and serves until the context is
// cancelled, which closes the transport and returns.
func (s *Server) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", s.port))
	if err != nil {
		return fmt.Errorf("error creating endpoint: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	s.logger.Infof("Starting UDP server on port %d", s.port)
	buf := make([]byte, 4096)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("UDP server stopped")
				return nil
			}
			return fmt.Errorf("udp receive: %w", err)
		}
		s.handleDatagram(buf[:n], addr, conn)
	}
}

// handleDatagram runs the full pipeline for one inbound datagram:
// decrypt, parse, gate, synthesize, reply.
func (s *Server) handleDatagram(data []byte, addr net.Addr, conn replyWriter) {
	decrypted := tplink.Decrypt(data)

	var req tplink.DiscoveryRequest
	if err := json.Unmarshal([]byte(decrypted), &req); err != nil {
		s.logger.Debug("Did not receive valid JSON message, ignoring")
		return
	}

	if !req.IsDiscovery() {
		s.logger.Debugf("Ignoring non-emeter JSON from %v", addr)
		return
	}
	if req.IsEcho() {
		// Sense requests carry empty inner objects; a populated
		// get_realtime is our own reply bounced back off a bridge.
		s.logger.Debug("Ignoring non-empty/non-Sense UDP request")
		return
	}

	s.logger.Debugf("Broadcast received from %v", addr)
	replyAddr := s.replyAddr(addr)

	for _, p := range s.registry.Plugs() {
		if p.InAggregate {
			s.logger.Debugf("Plug '%s' in aggregate, not sending discrete response", p.Identifier)
			continue
		}
		if p.StartTime().IsZero() {
			p.MarkStart(s.now())
		}

		response := p.GenerateResponse()
		payload, err := json.Marshal(response)
		if err != nil {
			s.logger.Errorf("Failed to encode response for plug %s: %v", p.Identifier, err)
			continue
		}
		// The 4-byte length header only belongs on the TCP transport.
		datagram := tplink.Encrypt(string(payload))[4:]

		plugRespond := p.ShouldRespond()
		switch {
		case s.respond && plugRespond:
			s.logger.Debugf("Sending response for plug %s: %s", p.Identifier, payload)
			if _, err := conn.WriteTo(datagram, replyAddr); err != nil {
				s.logger.Errorf("Failed to send response for plug %s: %v", p.Identifier, err)
				continue
			}
			p.CountResponse()
		case !plugRespond:
			s.logger.Debugf("Plug %s response rate limited", p.Identifier)
		default:
			s.logger.Debugf("SENSE_RESPONSE disabled, plug %s response content would be: %s", p.Identifier, payload)
		}
	}
}

// replyAddr returns where responses go: the datagram source, unless a
// target override is configured.
func (s *Server) replyAddr(addr net.Addr) net.Addr {
	if s.target == nil {
		return addr
	}
	port := DefaultPort
	if udp, ok := addr.(*net.UDPAddr); ok {
		port = udp.Port
	}
	return &net.UDPAddr{IP: s.target, Port: port}
}
