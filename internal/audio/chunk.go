package audio

import (
	"fmt"
	"math"
	"time"
)

// Fixed capture format constants. Every chunk in a session uses this format;
// the WAV header math in wav.go depends on them.
const (
	SampleRate     = 16000
	Channels       = 1
	BitsPerSample  = 16
	BytesPerSample = BitsPerSample / 8
)

// Chunk is one sequence-numbered slice of the capture stream. Sequence
// numbers start at 1 and are strictly increasing and gapless within a
// session, regardless of the delivery path the chunk ends up taking.
type Chunk struct {
	SessionID  string    `json:"session_id"`
	Sequence   uint64    `json:"sequence"`
	Payload    []byte    `json:"-"` // Raw PCM bytes (not serialized inline)
	ByteLength int       `json:"byte_length"`
	CapturedAt time.Time `json:"captured_at"`
	Amplitude  Amplitude `json:"amplitude"`
}

// Amplitude summarizes the loudness of a chunk's samples, normalized to [0, 1].
type Amplitude struct {
	Peak float64 `json:"peak"`
	RMS  float64 `json:"rms"`
}

// Duration returns the playback duration of the chunk's payload.
func (c *Chunk) Duration() time.Duration {
	samples := c.ByteLength / BytesPerSample
	return time.Duration(samples) * time.Second / SampleRate
}

// String returns a human-readable representation of the chunk
func (c *Chunk) String() string {
	return fmt.Sprintf("Chunk{Session:%s, Seq:%d, Bytes:%d, Peak:%.3f}",
		c.SessionID, c.Sequence, c.ByteLength, c.Amplitude.Peak)
}

// MeasureAmplitude computes the peak and RMS level of little-endian PCM-16
// data. Odd trailing bytes are ignored.
func MeasureAmplitude(pcm []byte) Amplitude {
	numSamples := len(pcm) / BytesPerSample
	if numSamples == 0 {
		return Amplitude{}
	}

	var peak float64
	var sumSquares float64

	for i := 0; i < numSamples; i++ {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		v := math.Abs(float64(sample)) / math.MaxInt16
		if v > peak {
			peak = v
		}
		sumSquares += v * v
	}

	return Amplitude{
		Peak: peak,
		RMS:  math.Sqrt(sumSquares / float64(numSamples)),
	}
}
