// Package video reassembles the AirPlay screen-mirroring stream.
//
// The sender writes a sequence of frames on one TCP connection. Each
// frame is a 128-byte header followed by a payload:
//
//	type 0  AES-CTR encrypted H.264 access unit, AVCC length-prefixed
//	type 1  AVC decoder configuration record carrying one SPS and one PPS
//	other   heartbeat and reporting payloads, ignored
//
// The CTR keystream runs continuously across payloads, so a Stream keeps
// the unused tail of the last keystream block for the next payload. Video
// payloads are rewritten in place to Annex-B, and keyframes are prefixed
// with the cached parameter sets so every IDR frame can be decoded on its
// own:
//
//	stream := video.NewStream(video.StreamConfig{SessionID: id, Emitter: sink}, cipher)
//	err := stream.Serve(ctx, conn)
package video
