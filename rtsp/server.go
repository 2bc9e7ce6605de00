package rtsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/airplay/transport"
)

// SessionHeader carries the sender's session token.
const SessionHeader = "Active-Remote"

// ConnectionRecorder counts control connections.
type ConnectionRecorder interface {
	ConnectionAttempted()
	ConnectionSucceeded()
	ConnectionFailed()
}

type nopConnections struct{}

func (nopConnections) ConnectionAttempted() {}
func (nopConnections) ConnectionSucceeded() {}
func (nopConnections) ConnectionFailed()    {}

// Handler answers one request.
type Handler interface {
	Handle(ctx context.Context, req *Request) *Response
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Name        string
	Addr        string
	Connections ConnectionRecorder
}

// Server reads requests from sender connections and writes the handler's
// responses back in order.
type Server struct {
	cfg     ServerConfig
	handler Handler

	mu       sync.Mutex
	listener *transport.TCPListener
}

// NewServer creates a server. The socket is bound by Listen.
func NewServer(cfg ServerConfig, handler Handler) *Server {
	if cfg.Name == "" {
		cfg.Name = "rtsp"
	}
	if cfg.Connections == nil {
		cfg.Connections = nopConnections{}
	}
	return &Server{cfg: cfg, handler: handler}
}

// Listen binds the server address.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	listener, err := transport.ListenTCP(s.cfg.Name, s.cfg.Addr, s.serveConn)
	if err != nil {
		return fmt.Errorf("bind %s socket: %w", s.cfg.Name, err)
	}
	s.listener = listener
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
// Listen is called first if needed.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Server.Serve",
		"server":   s.cfg.Name,
		"address":  listener.Addr().String(),
	}).Info("Server accepting connections")

	return listener.Serve(ctx)
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting and closes open connections.
func (s *Server) Close() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return nil
	}
	return listener.Close()
}

// serveConn answers requests on one connection. Requests without a
// session header share a token generated for the connection.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) error {
	s.cfg.Connections.ConnectionAttempted()

	br := bufio.NewReader(conn)
	fallbackID := uuid.New().String()
	served := 0

	for {
		req, err := ReadRequest(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if served == 0 {
					s.cfg.Connections.ConnectionFailed()
				}
				return nil
			}
			s.cfg.Connections.ConnectionFailed()
			return err
		}
		if served == 0 {
			s.cfg.Connections.ConnectionSucceeded()
		}
		served++

		req.RemoteAddr = conn.RemoteAddr()
		req.SessionID = req.Header.Get(SessionHeader)
		if req.SessionID == "" {
			req.SessionID = fallbackID
		}

		resp := s.handler.Handle(ctx, req)
		if err := resp.Write(conn); err != nil {
			return fmt.Errorf("write response: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}
