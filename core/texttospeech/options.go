package texttospeech

import (
	"context"

	"github.com/viewmate-ai/viewmate-core/core/audio"
)

// Synthesizer is the one-shot speech synthesis contract consumed by the
// ordered delivery queue. Implementations return linear16 PCM at the
// requested sample rate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type SynthesisOptions struct {
	Voice        string
	EncodingInfo audio.EncodingInfo
}

type SynthesisOption func(*SynthesisOptions)

func WithVoice(voice string) SynthesisOption {
	return func(o *SynthesisOptions) {
		if voice != "" {
			o.Voice = voice
		}
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) SynthesisOption {
	return func(o *SynthesisOptions) {
		if encodingInfo.IsZero() {
			return
		}

		o.EncodingInfo = encodingInfo
	}
}
