// Package rtp implements the RAOP audio transport of an AirPlay receiver.
//
// RAOP carries AES-CBC encrypted audio frames in RTP packets on a data
// socket and uses a second control socket for clock sync, retransmitted
// packets and resend requests. This package provides:
//
//   - SeqDiff/SeqBefore: 16-bit wraparound-safe sequence comparison
//   - RaopBuffer: the fixed-size jitter buffer frames are reordered in
//   - ParseControl, SyncPacket, ResendRequest: control socket packets
//
// RTP headers are parsed with the pion/rtp library.
//
// # Jitter Buffer
//
//	buf := rtp.NewRaopBuffer(decoder, rtp.DefaultBufferLength)
//	if _, err := buf.Queue(packet, cbc); err != nil {
//	    return err
//	}
//	for {
//	    frame, status := buf.Dequeue(false)
//	    if status != rtp.DequeueFrame && status != rtp.DequeueMissing {
//	        break
//	    }
//	    play(frame)
//	}
//	if first, count, ok := buf.DetectResendGap(); ok {
//	    control.Send(rtp.ResendRequest(ctrlSeq, first, count))
//	}
//
// RaopBuffer is not safe for concurrent use. The audio processor
// serializes its data and control loops around it.
package rtp
