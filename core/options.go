package orchestration

import (
	"time"

	"github.com/viewmate-ai/viewmate-core/core/texttospeech"
)

type OrchestratorOption func(*Orchestrator)

// WithAudioInput sets the capture backend. Without one, turn capture and
// the duplex audio relay fail with ErrCaptureUnavailable.
func WithAudioInput(input AudioInput) OrchestratorOption {
	return func(o *Orchestrator) {
		o.audioInput = input
	}
}

// WithPlaybackSink sets the audio output the scheduler delivers into.
func WithPlaybackSink(sink PlaybackSink) OrchestratorOption {
	return func(o *Orchestrator) {
		o.playbackSink = sink
	}
}

// WithSynthesizer sets the text-to-speech client used for response speech.
func WithSynthesizer(synthesizer texttospeech.Synthesizer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.synthesizer = synthesizer
	}
}

// WithTranscriber sets the optional speech-to-text client used during
// buffered-turn capture.
func WithTranscriber(transcriber Transcriber) OrchestratorOption {
	return func(o *Orchestrator) {
		o.transcriber = transcriber
	}
}

// WithVoiceEnabled sets the initial voice state. Voice defaults to enabled.
func WithVoiceEnabled(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) {
		o.voiceEnabled.Store(enabled)
	}
}

func WithSilenceThreshold(threshold float64) OrchestratorOption {
	return func(o *Orchestrator) {
		o.silenceThreshold = threshold
	}
}

func WithSilenceDuration(duration time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.silenceDuration = duration
	}
}

// WithDisplayCallback registers the callback that receives the running
// response text as chunks arrive, independent of voice state.
func WithDisplayCallback(callback func(fullText string)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onDisplayText = callback
	}
}

// WithClock substitutes the scheduling clock. Tests use a fake.
func WithClock(clock Clock) OrchestratorOption {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}
