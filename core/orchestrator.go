package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/viewmate-ai/viewmate-core/core/audio"
	"github.com/viewmate-ai/viewmate-core/core/duplex"
	"github.com/viewmate-ai/viewmate-core/core/texttospeech"
)

// ErrDuplexAlreadyConnected is returned when a duplex session is requested
// while another one is live. One session at a time.
var ErrDuplexAlreadyConnected = errors.New("a duplex session is already connected")

// Orchestrator owns the audio subsystem of one conversation: a capture
// pipeline, a playback scheduler, the active response's delivery queue, and
// at most one duplex session. All of them are explicit owned instances with
// open/close lifecycles, not ambient state.
type Orchestrator struct {
	audioInput   AudioInput
	playbackSink PlaybackSink
	synthesizer  texttospeech.Synthesizer
	transcriber  Transcriber
	clock        Clock

	scheduler *PlaybackScheduler

	voiceEnabled     atomic.Bool
	silenceThreshold float64
	silenceDuration  time.Duration
	onDisplayText    func(fullText string)

	activeResponse atomic.Pointer[ResponseWriter]

	turnMu sync.Mutex
	turn   *turnRecorder

	duplexMu sync.Mutex
	duplexS  *duplex.Session

	closeOnce sync.Once
	closeErr  error
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		silenceThreshold: SilenceThreshold,
		silenceDuration:  SilenceDuration,
	}
	o.voiceEnabled.Store(true)

	for _, opt := range opts {
		opt(o)
	}

	if o.clock == nil {
		o.clock = realClock{}
	}
	o.scheduler = NewPlaybackScheduler(o.playbackSink, o.clock)

	return o
}

// Scheduler exposes the playback scheduler, primarily so a duplex session
// can use it as its player.
func (o *Orchestrator) Scheduler() *PlaybackScheduler { return o.scheduler }

// StartTurnCapture begins a buffered-turn recording. The turn ends on
// StopTurnCapture or automatically after sustained silence; either way
// onComplete receives the concatenated clip exactly once.
func (o *Orchestrator) StartTurnCapture(ctx context.Context, onComplete func(turn RecordedTurn)) error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	if o.turn != nil {
		return fmt.Errorf("a turn capture is already running")
	}

	recorder, err := startTurnRecorder(ctx, o.audioInput, o.transcriber, turnRecorderOptions{
		silenceThreshold: o.silenceThreshold,
		silenceDuration:  o.silenceDuration,
		onTurnEnd:        func() { go o.StopTurnCapture() },
	}, func(turn RecordedTurn) {
		o.turnMu.Lock()
		o.turn = nil
		o.turnMu.Unlock()
		if onComplete != nil {
			onComplete(turn)
		}
	})
	if err != nil {
		return err
	}

	o.turn = recorder
	return nil
}

// StopTurnCapture ends the running turn, if any. Stopping is effective
// before the recorder's next capture callback.
func (o *Orchestrator) StopTurnCapture() {
	o.turnMu.Lock()
	recorder := o.turn
	o.turnMu.Unlock()

	if recorder == nil {
		return
	}
	recorder.Stop()
}

// SpeakResponse opens the delivery queue for a new response stream. Any
// previous response is abandoned first: its scheduled audio stops and its
// unresolved fetches are discarded, so nothing from the old chain plays
// once the new one starts.
func (o *Orchestrator) SpeakResponse(ctx context.Context) *ResponseWriter {
	writer := newResponseWriter(
		ctx,
		o.synthesizer,
		o.scheduler,
		audio.PlaybackSampleRate,
		&o.voiceEnabled,
		o.onDisplayText,
	)

	previous := o.activeResponse.Swap(writer)
	if previous != nil {
		previous.abandon()
		o.scheduler.Stop()
	}

	return writer
}

// SetVoiceEnabled toggles speech output. Disabling stops currently
// scheduled audio immediately and silences every later unit of the active
// response; in-flight synthesis fetches are left to complete and are
// discarded. Text display is unaffected.
func (o *Orchestrator) SetVoiceEnabled(enabled bool) {
	o.voiceEnabled.Store(enabled)
	if !enabled {
		o.scheduler.Stop()
	}
}

func (o *Orchestrator) VoiceEnabled() bool {
	return o.voiceEnabled.Load()
}

// ConnectDuplex dials the endpoint and brings up the hands-free session:
// continuous capture relayed out, inbound audio scheduled for playback,
// tool calls dispatched against the registry. Only one session may be live.
func (o *Orchestrator) ConnectDuplex(ctx context.Context, endpoint duplex.Endpoint, opts ...duplex.SessionOption) (*duplex.Session, error) {
	o.duplexMu.Lock()
	defer o.duplexMu.Unlock()

	if o.duplexS != nil {
		select {
		case <-o.duplexS.Done():
			o.duplexS = nil
		default:
			return nil, ErrDuplexAlreadyConnected
		}
	}

	sessionOpts := []duplex.SessionOption{
		duplex.WithPlayer(o.scheduler),
	}
	if o.audioInput != nil {
		sessionOpts = append(sessionOpts, duplex.WithCaptureSource(o.audioInput))
	}
	sessionOpts = append(sessionOpts, opts...)

	session, err := duplex.Connect(ctx, endpoint, sessionOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect duplex session: %w", err)
	}

	o.duplexS = session
	return session, nil
}

// DisconnectDuplex tears down the live duplex session, if any. Idempotent.
func (o *Orchestrator) DisconnectDuplex() {
	o.duplexMu.Lock()
	session := o.duplexS
	o.duplexS = nil
	o.duplexMu.Unlock()

	if session == nil {
		return
	}
	session.Disconnect()
}

// Close releases everything the orchestrator owns: the running turn, the
// active response, the duplex session, playback, and the audio backend.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.StopTurnCapture()
		o.DisconnectDuplex()

		if writer := o.activeResponse.Swap(nil); writer != nil {
			writer.abandon()
		}
		o.scheduler.Stop()

		var errs []error
		if o.transcriber != nil {
			if err := o.transcriber.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close transcriber: %w", err))
			}
		}
		if closer, ok := o.audioInput.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close audio input: %w", err))
			}
		}
		o.closeErr = errors.Join(errs...)
	})
	return o.closeErr
}
