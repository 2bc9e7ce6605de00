package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultReadTimeout bounds how long a loop waits before rechecking its context.
const DefaultReadTimeout = 100 * time.Millisecond

// maxDatagram is the receive buffer size of a UDP loop.
const maxDatagram = 65535

// DatagramHandler processes one received datagram. The packet slice is
// owned by the handler.
type DatagramHandler func(packet []byte, addr net.Addr) error

// UDPListener runs a sequential receive loop over one datagram socket.
type UDPListener struct {
	name        string
	conn        net.PacketConn
	handler     DatagramHandler
	readTimeout time.Duration

	mu      sync.Mutex
	closed  bool
	serving bool
	done    chan struct{}
}

// ListenUDP binds listenAddr. Serve must be called to start receiving.
func ListenUDP(name, listenAddr string, handler DatagramHandler, readTimeout time.Duration) (*UDPListener, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ListenUDP",
			"listener": name,
			"address":  listenAddr,
			"error":    err.Error(),
		}).Error("Failed to bind UDP socket")
		return nil, err
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	logrus.WithFields(logrus.Fields{
		"function": "ListenUDP",
		"listener": name,
		"address":  conn.LocalAddr().String(),
	}).Info("UDP listener bound")

	return &UDPListener{
		name:        name,
		conn:        conn,
		handler:     handler,
		readTimeout: readTimeout,
		done:        make(chan struct{}),
	}, nil
}

// Serve runs the receive loop until ctx is cancelled or the socket is closed.
func (l *UDPListener) Serve(ctx context.Context) {
	l.mu.Lock()
	if l.closed || l.serving {
		l.mu.Unlock()
		return
	}
	l.serving = true
	l.mu.Unlock()
	defer close(l.done)

	buffer := make([]byte, maxDatagram)

	for {
		data, addr, err := l.readPacketData(buffer)
		if err == nil {
			l.dispatch(data, addr)
		} else if !isTimeout(err) {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "UDPListener.Serve",
				"listener": l.name,
				"error":    err.Error(),
			}).Warn("UDP read failed")
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// readPacketData reads one datagram with the loop's read deadline.
func (l *UDPListener) readPacketData(buffer []byte) ([]byte, net.Addr, error) {
	_ = l.conn.SetReadDeadline(time.Now().Add(l.readTimeout))

	n, addr, err := l.conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, err
	}

	packet := make([]byte, n)
	copy(packet, buffer[:n])
	return packet, addr, nil
}

// dispatch runs the handler, containing errors and panics to this datagram.
func (l *UDPListener) dispatch(packet []byte, addr net.Addr) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "UDPListener.dispatch",
				"listener": l.name,
				"panic":    r,
			}).Error("Datagram handler panicked")
		}
	}()

	if err := l.handler(packet, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "UDPListener.dispatch",
			"listener": l.name,
			"from":     addr.String(),
			"size":     len(packet),
			"error":    err.Error(),
		}).Debug("Datagram dropped")
	}
}

// WriteTo sends a datagram from the listener's socket.
func (l *UDPListener) WriteTo(p []byte, addr net.Addr) error {
	_, err := l.conn.WriteTo(p, addr)
	return err
}

// LocalAddr returns the bound address.
func (l *UDPListener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// Close closes the socket. If Serve is running, Close waits for it to
// return.
func (l *UDPListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	serving := l.serving
	l.mu.Unlock()

	err := l.conn.Close()
	if serving {
		<-l.done
	}

	logrus.WithFields(logrus.Fields{
		"function": "UDPListener.Close",
		"listener": l.name,
	}).Info("UDP listener closed")

	return err
}

func (l *UDPListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
