// Package airplay implements an AirPlay/AirTunes receiver core.
//
// A Receiver accepts the control connection of iOS and macOS senders,
// answers pairing and FairPlay setup, and starts a stream processor per
// session for screen mirroring (H.264 over TCP), RAOP audio (RTP over UDP
// with a jitter buffer and resend requests) and URL playback control.
// Everything the processors produce goes to an av.Emitter; av.Sink turns
// it into channels.
//
// # Getting Started
//
//	opts := airplay.NewOptions()
//	opts.Name = "living-room"
//
//	sink := av.NewSink(64)
//	receiver, err := airplay.New(opts, sink, airplay.Codecs{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	go func() {
//	    for frame := range sink.H264() {
//	        decoder.Decode(frame.Data)
//	    }
//	}()
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := receiver.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Configuration
//
// Options carry the announced identity, the listen ports and the audio
// pipeline switches. LoadOptions reads them from YAML:
//
//	name: living-room
//	device_id: "AA:BB:CC:DD:EE:FF"
//	rtsp_port: 5000
//	no_resend: false
//	metrics_addr: "127.0.0.1:9100"
//
// FairPlay key unwrapping and the native ALAC and AAC decoders cannot be
// configured from YAML and are passed to New through Codecs. Without a
// KeyDecrypter the SETUP key is used as sent, which only works for senders
// that send a bare 16-byte key. Apple senders wrap the key in a 72-byte
// FairPlay ekey; against them pairing and FairPlay setup succeed, but
// audio and mirroring fail to start until Codecs.KeyDecrypter implements
// the FairPlay key schedule.
//
// # Packages
//
//   - rtsp: control protocol codec, request dispatcher and server
//   - crypto: pair-setup, pair-verify and stream key derivation
//   - fairplay: FairPlay setup emulation
//   - session: per-sender state and the session store
//   - av/audio, av/video, av/rtp: stream processors and the jitter buffer
//   - streaming: URL playback control
//   - discovery: mDNS advertisement
//   - metrics: Prometheus collector
package airplay
