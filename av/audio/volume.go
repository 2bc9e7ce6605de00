package audio

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Sender volume range in dB. MuteVolume silences the stream.
const (
	MuteVolume = -144.0
	MinVolume  = -30.0
	MaxVolume  = 0.0
)

// VolumeToGain converts a sender volume in dB to a linear gain.
func VolumeToGain(db float64) float64 {
	if db <= MuteVolume {
		return 0
	}
	if db > MaxVolume {
		db = MaxVolume
	}
	return math.Pow(10, db/20)
}

// Gain scales interleaved signed 16-bit little-endian samples. It is safe
// for concurrent use.
type Gain struct {
	bits atomic.Uint64
}

// NewGain creates a unity gain.
func NewGain() *Gain {
	g := &Gain{}
	g.bits.Store(math.Float64bits(1))
	return g
}

// SetVolume sets the gain from a sender volume in dB.
func (g *Gain) SetVolume(db float64) {
	gain := VolumeToGain(db)
	g.bits.Store(math.Float64bits(gain))

	logrus.WithFields(logrus.Fields{
		"function": "Gain.SetVolume",
		"volume":   db,
		"gain":     gain,
	}).Debug("Software volume updated")
}

// Value returns the linear gain.
func (g *Gain) Value() float64 {
	return math.Float64frombits(g.bits.Load())
}

// Apply scales pcm in place, clipping to the int16 range, and returns the
// number of clipped samples.
func (g *Gain) Apply(pcm []byte) int {
	gain := g.Value()
	if gain == 1 {
		return 0
	}

	clipped := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := math.Round(float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * gain)
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
			clipped++
		case v < math.MinInt16:
			v = math.MinInt16
			clipped++
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(v)))
	}
	return clipped
}
