package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// StreamHandler serves one accepted connection until it returns. The
// listener closes conn afterwards.
type StreamHandler func(ctx context.Context, conn net.Conn) error

// TCPListener accepts stream connections and serves each on its own
// goroutine.
type TCPListener struct {
	name     string
	listener net.Listener
	handler  StreamHandler

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// ListenTCP binds listenAddr. Serve must be called to start accepting.
func ListenTCP(name, listenAddr string, handler StreamHandler) (*TCPListener, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ListenTCP",
			"listener": name,
			"address":  listenAddr,
			"error":    err.Error(),
		}).Error("Failed to bind TCP socket")
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "ListenTCP",
		"listener": name,
		"address":  listener.Addr().String(),
	}).Info("TCP listener bound")

	return &TCPListener{
		name:     name,
		listener: listener,
		handler:  handler,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (l *TCPListener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "TCPListener.Serve",
				"listener": l.name,
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		if !l.track(conn) {
			conn.Close()
			return nil
		}

		l.wg.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

// handleConnection runs the handler for one connection and cleans up.
func (l *TCPListener) handleConnection(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "TCPListener.handleConnection",
				"listener": l.name,
				"panic":    r,
			}).Error("Stream handler panicked")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "TCPListener.handleConnection",
		"listener": l.name,
		"remote":   conn.RemoteAddr().String(),
	}).Info("Accepted connection")

	if err := l.handler(ctx, conn); err != nil && !errors.Is(err, net.ErrClosed) {
		logrus.WithFields(logrus.Fields{
			"function": "TCPListener.handleConnection",
			"listener": l.name,
			"remote":   conn.RemoteAddr().String(),
			"error":    err.Error(),
		}).Warn("Connection ended with error")
	}
}

func (l *TCPListener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *TCPListener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
	conn.Close()
}

func (l *TCPListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Addr returns the bound address.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops accepting, closes every open connection and waits for their
// handlers to return.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	err := l.listener.Close()
	l.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "TCPListener.Close",
		"listener": l.name,
	}).Info("TCP listener closed")

	return err
}
