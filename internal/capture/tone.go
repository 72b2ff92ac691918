package capture

import (
	"context"
	"math"
	"time"
)

// ToneSource produces a synthetic sine tone at the capture format. It stands
// in for the microphone in development setups and tests where no audio
// hardware is available.
type ToneSource struct {
	sampleRate int
	frequency  float64
	interval   time.Duration

	cancel context.CancelFunc
}

// NewToneSource creates a tone source that emits interval-sized batches of
// PCM-16 samples of a sine wave at the given frequency.
func NewToneSource(sampleRate int, frequency float64, interval time.Duration) *ToneSource {
	return &ToneSource{
		sampleRate: sampleRate,
		frequency:  frequency,
		interval:   interval,
	}
}

// Start begins emitting tone batches on the returned channel.
func (t *ToneSource) Start(ctx context.Context) (<-chan []byte, error) {
	t.Stop()

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	samplesPerBatch := int(float64(t.sampleRate) * t.interval.Seconds())
	ch := make(chan []byte, 16)

	go func() {
		defer close(ch)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		var phase float64
		step := 2 * math.Pi * t.frequency / float64(t.sampleRate)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				batch := make([]byte, samplesPerBatch*2)
				for i := 0; i < samplesPerBatch; i++ {
					sample := int16(math.Sin(phase) * 0.5 * math.MaxInt16)
					batch[i*2] = byte(sample)
					batch[i*2+1] = byte(sample >> 8)
					phase += step
				}

				select {
				case ch <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// Stop ends tone generation.
func (t *ToneSource) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}
