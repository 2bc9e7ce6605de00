package av

import "errors"

// Sentinel errors for av package operations.
// These errors enable reliable error classification using errors.Is().

// Handshake errors.
var (
	// ErrProtocol indicates a malformed or undersized handshake body.
	ErrProtocol = errors.New("protocol error")

	// ErrUnsupportedVersion indicates a FairPlay message with an unknown version byte.
	ErrUnsupportedVersion = errors.New("unsupported fairplay version")

	// ErrUnsupportedFormat indicates a FairPlay message of unknown length.
	ErrUnsupportedFormat = errors.New("unsupported fairplay format")

	// ErrNotPaired indicates an operation that requires a verified pairing.
	ErrNotPaired = errors.New("pairing not verified")
)

// Stream errors.
var (
	// ErrInvalidLength indicates an audio packet outside the accepted size range.
	ErrInvalidLength = errors.New("invalid packet length")

	// ErrMalformedStream indicates inconsistent NALU or parameter set framing.
	ErrMalformedStream = errors.New("malformed stream")

	// ErrDecode indicates the codec failed to decode a frame.
	ErrDecode = errors.New("decode failed")

	// ErrUnsupportedCodec indicates an audio format with no available decoder.
	ErrUnsupportedCodec = errors.New("unsupported codec")

	// ErrMissingKeys indicates stream processing was attempted before key material was negotiated.
	ErrMissingKeys = errors.New("missing session keys")
)

// Lifecycle errors.
var (
	// ErrAlreadyRunning is returned when trying to start an already running processor.
	ErrAlreadyRunning = errors.New("processor is already running")

	// ErrNotRunning is returned when stopping a processor that never started.
	ErrNotRunning = errors.New("processor is not running")
)
