// Package rtsp implements the AirPlay control channel: the RTSP/HTTP
// request codec, the binary plist bodies, the DMAP metadata decoder and
// the Dispatcher that drives a sender's session from pairing to running
// stream processors.
//
// A sender opens one control connection and issues, in order:
//
//	GET  /info           capability dictionary
//	POST /pair-setup     long-term public key
//	POST /pair-verify    two-step ECDH and Ed25519 verification
//	POST /fp-setup       two-step FairPlay key exchange
//	SETUP                session keys, then one SETUP per stream
//	RECORD, SET_PARAMETER, FLUSH, TEARDOWN
//
// Each request is applied to a clone of the session and merged back into
// the session.Store, so stream processors updating the same session from
// their own goroutines are never overwritten with empty fields.
//
// Example:
//
//	d := rtsp.NewDispatcher(rtsp.Config{
//		Store:    session.NewStore(),
//		Pairing:  engine,
//		FairPlay: fairplay.NewEmulator(),
//		Factory:  factory,
//		Emitter:  sink,
//	})
//	srv := rtsp.NewServer(rtsp.ServerConfig{Addr: ":5000"}, d)
//	err := srv.Serve(ctx)
package rtsp
