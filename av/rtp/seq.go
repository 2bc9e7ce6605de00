package rtp

// SeqDiff returns a-b in the signed 16-bit domain, so 5 is 11 after 65530.
func SeqDiff(a, b uint16) int16 {
	return int16(a - b)
}

// SeqBefore reports whether a strictly precedes b under wraparound.
func SeqBefore(a, b uint16) bool {
	return SeqDiff(a, b) < 0
}

// SeqAfter reports whether a strictly follows b under wraparound.
func SeqAfter(a, b uint16) bool {
	return SeqDiff(a, b) > 0
}
