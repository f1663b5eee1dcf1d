package audio

import (
	"encoding/base64"
	"time"
)

// Frame is an immutable run of float samples in [-1, 1] at a fixed sample
// rate. Frames are produced once and then only read, so they can be handed
// between capture, transport and playback without additional locking.
type Frame struct {
	samples    []float32
	sampleRate int
}

func NewFrame(samples []float32, sampleRate int) Frame {
	owned := make([]float32, len(samples))
	copy(owned, samples)
	return Frame{samples: owned, sampleRate: sampleRate}
}

func (f Frame) Samples() []float32 { return f.samples }
func (f Frame) SampleRate() int    { return f.sampleRate }
func (f Frame) Len() int           { return len(f.samples) }

// Duration is implied by the sample count, there is no separate field to
// drift out of sync.
func (f Frame) Duration() time.Duration {
	if f.sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(f.samples)) / float64(f.sampleRate) * float64(time.Second))
}

// EncodePCM16 converts float samples to little-endian signed 16-bit PCM.
// Samples are clamped to [-1, 1]; negative values scale by 32768 and
// non-negative by 32767 so both extremes map onto representable values.
// The conversion is deterministic: equal input always yields equal bytes.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		if sample < -1 {
			sample = -1
		} else if sample > 1 {
			sample = 1
		}

		var value int16
		if sample < 0 {
			value = int16(sample * 32768)
		} else {
			value = int16(sample * 32767)
		}

		out[i*2] = byte(value)
		out[i*2+1] = byte(value >> 8)
	}
	return out
}

// DecodePCM16 reinterprets little-endian signed 16-bit PCM as a float frame.
// A trailing odd byte is ignored.
func DecodePCM16(data []byte, sampleRate int) Frame {
	samples := make([]float32, len(data)/2)
	for i := range samples {
		value := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		samples[i] = float32(value) / 32768.0
	}
	return Frame{samples: samples, sampleRate: sampleRate}
}

// EncodeBase64 wraps PCM bytes in the byte-safe text encoding used on the
// wire.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

func DecodeBase64(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}
