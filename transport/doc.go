// Package transport provides the socket loops the AirPlay receiver runs
// its stream processors on.
//
// UDPListener serves one datagram socket with a single sequential loop:
// each iteration performs one read with a short deadline, hands the
// datagram to the handler, then checks for cancellation. TCPListener
// accepts stream connections and serves each on its own goroutine.
//
// Handler errors and panics are logged and never stop a loop.
//
//	l, err := transport.ListenUDP("audio-data", ":7003", handler, 100*time.Millisecond)
//	if err != nil {
//	    return err
//	}
//	go l.Serve(ctx)
//	defer l.Close()
package transport
