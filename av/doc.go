// Package av holds the media types shared by the AirPlay stream processors.
//
// The receiver never calls back into a presentation layer. Decoded audio,
// reassembled H.264 frames and control notifications are published as
// values on the channels of a Sink, and the embedding application consumes
// them at its own pace.
//
// # Sub-Packages
//
//   - av/rtp: RAOP jitter buffer, sequence arithmetic and control packets
//   - av/audio: audio decoders and the per-session audio stream processor
//   - av/video: mirroring header parsing, AES-CTR carry and NALU rewriting
//
// # Consuming Events
//
//	sink := av.NewSink(256)
//	go func() {
//	    for frame := range sink.H264() {
//	        decoder.Push(frame.Data, frame.PTS)
//	    }
//	}()
//
// Every stream processor follows the same lifecycle, driven by a Lifecycle
// state machine: idle, running, stopped. A stopped processor is never
// restarted; the dispatcher creates a new one instead.
package av
