package orchestration

import (
	"context"
	"sync/atomic"
	"time"
)

const (
	// SilenceThreshold is the normalized amplitude below which a reading
	// counts as silence. Tuned for 16kHz mono speech; not derived at
	// runtime.
	SilenceThreshold = 0.015
	// SilenceDuration is how long readings must stay below threshold
	// before the turn is considered over.
	SilenceDuration = 1500 * time.Millisecond

	silenceTickInterval = 50 * time.Millisecond
)

// silenceDetector samples an amplitude source on a fixed timer and fires a
// single turn-end signal once the source has stayed below threshold for the
// configured duration. Ticks are strictly sequential; there is no
// re-entrancy. Stopping the detector cancels the sampling task before its
// next tick and suppresses the signal permanently.
type silenceDetector struct {
	level     func() float64
	threshold float64
	duration  time.Duration
	tick      time.Duration

	onTurnEnd func()

	cancel  context.CancelFunc
	fired   atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
}

func newSilenceDetector(level func() float64, threshold float64, duration time.Duration, onTurnEnd func()) *silenceDetector {
	if threshold <= 0 {
		threshold = SilenceThreshold
	}
	if duration <= 0 {
		duration = SilenceDuration
	}
	return &silenceDetector{
		level:     level,
		threshold: threshold,
		duration:  duration,
		tick:      silenceTickInterval,
		onTurnEnd: onTurnEnd,
		done:      make(chan struct{}),
	}
}

func (d *silenceDetector) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.run(ctx)
}

func (d *silenceDetector) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	lastSound := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if d.level() > d.threshold {
				lastSound = now
				continue
			}
			if now.Sub(lastSound) < d.duration {
				continue
			}

			if d.stopped.Load() || ctx.Err() != nil || !d.fired.CompareAndSwap(false, true) {
				return
			}
			d.onTurnEnd()
			return
		}
	}
}

// Stop cancels sampling. Safe to call more than once and after the signal
// has fired; a stopped detector never fires afterwards.
func (d *silenceDetector) Stop() {
	d.stopped.Store(true)
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// MeanAmplitude reports the mean absolute amplitude of a linear16 PCM
// frame, normalized to [0, 1]. It is the default level source for silence
// detection over captured frames.
func MeanAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var total float64
	samples := len(pcm) / 2
	for i := range samples {
		value := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		if value < 0 {
			// -32768 negates to itself, clamp instead.
			if value == -32768 {
				value = 32767
			} else {
				value = -value
			}
		}
		total += float64(value)
	}
	return total / float64(samples) / 32768.0
}
