// Package audio decodes RAOP audio streams.
//
// A Processor owns the control and data sockets of one AirPlay audio
// session. Every data packet is decrypted with AES-128-CBC, decoded and
// placed in a jitter buffer; frames leave the buffer in sequence order
// with a presentation timestamp derived from the latest sync packet.
//
// # Decoders
//
// The negotiated format selects the decoder:
//
//	0x40000    ALAC, 352 samples per frame
//	0x400000   AAC main, 1024 samples per frame
//	0x1000000  AAC-ELD, unsupported
//	other      16-bit big-endian PCM
//
// ALAC and AAC decoding is delegated to a Backend supplied by the
// embedding application, typically a binding to a native codec library.
// PCM is handled here. Decoded frames are interleaved signed 16-bit
// little-endian stereo at 44.1 kHz.
package audio
