package orchestration

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/viewmate-ai/viewmate-core/core/audio"
	"github.com/viewmate-ai/viewmate-core/core/speechtotext"
)

// PlaceholderTranscript stands in for the transcript of a recorded turn
// when transcription produced nothing by the time the turn ended.
const PlaceholderTranscript = "[voice message]"

// AudioInput is the capture side of an audio backend. The miniaudio and
// portaudio clients both satisfy it.
type AudioInput interface {
	// StartCapture opens the device and invokes onAudio with each captured
	// PCM block. The callback must return quickly; it runs on the device's
	// delivery path.
	StartCapture(ctx context.Context, onAudio func(audio []byte)) error
	StopCapture() error
	CaptureEncodingInfo() audio.EncodingInfo
}

// Transcriber streams best-effort speech-to-text alongside a recorded turn.
// The deepgram TranscriptionClient satisfies it. A nil transcriber is fine:
// the turn completes with the placeholder transcript instead.
type Transcriber interface {
	Transcribe(ctx context.Context, opts ...speechtotext.TranscriptionOption) error
	SendAudio(audio []byte) error
	Close() error
}

// RecordedTurn is the completed clip of one buffered-turn capture.
type RecordedTurn struct {
	Audio      []byte
	MIMEType   string
	Transcript string
}

// captureSession runs the continuous variant: frames stream straight to the
// consumer callback with no accumulation. Stopping the session is effective
// before the next device callback.
type captureSession struct {
	input AudioInput

	active  atomic.Bool
	onFrame func(pcm []byte)
}

func startCaptureSession(ctx context.Context, input AudioInput, onFrame func(pcm []byte)) (*captureSession, error) {
	if input == nil {
		return nil, ErrCaptureUnavailable
	}

	s := &captureSession{input: input, onFrame: onFrame}
	s.active.Store(true)

	err := input.StartCapture(ctx, func(pcm []byte) {
		if !s.active.Load() {
			return
		}
		s.onFrame(pcm)
	})
	if err != nil {
		s.active.Store(false)
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	return s, nil
}

func (s *captureSession) Stop() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}
	return s.input.StopCapture()
}

// turnRecorder runs the buffered-turn variant: captured blocks accumulate
// into one clip while a transcriber streams best-effort text concurrently.
// Stop concatenates the clip and hands it to the completion callback.
type turnRecorder struct {
	id          string
	input       AudioInput
	transcriber Transcriber
	onComplete  func(turn RecordedTurn)

	session  *captureSession
	detector *silenceDetector
	cancel   context.CancelFunc

	mu         sync.Mutex
	chunks     [][]byte
	transcript string
	lastLevel  float64
	stopped    bool
}

type turnRecorderOptions struct {
	silenceThreshold float64
	silenceDuration  time.Duration
	onTurnEnd        func()
}

func startTurnRecorder(
	ctx context.Context,
	input AudioInput,
	transcriber Transcriber,
	opts turnRecorderOptions,
	onComplete func(turn RecordedTurn),
) (*turnRecorder, error) {
	if input == nil {
		return nil, ErrCaptureUnavailable
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &turnRecorder{
		id:          uuid.NewString(),
		input:       input,
		transcriber: transcriber,
		onComplete:  onComplete,
		cancel:      cancel,
	}

	if transcriber != nil {
		err := transcriber.Transcribe(ctx,
			speechtotext.WithEncodingInfo(input.CaptureEncodingInfo()),
			speechtotext.WithTranscriptionCallback(r.appendTranscript),
		)
		if err != nil {
			// Transcription is best effort; the recording proceeds and the
			// placeholder covers the missing transcript.
			log.Printf("Failed to start transcription for turn %s: %v", r.id, err)
			r.transcriber = nil
		}
	}

	session, err := startCaptureSession(ctx, input, r.onFrame)
	if err != nil {
		cancel()
		if r.transcriber != nil {
			r.transcriber.Close()
		}
		return nil, err
	}
	r.session = session

	if opts.onTurnEnd != nil {
		r.detector = newSilenceDetector(
			r.currentLevel,
			opts.silenceThreshold,
			opts.silenceDuration,
			opts.onTurnEnd,
		)
		r.detector.Start(ctx)
	}

	return r, nil
}

func (r *turnRecorder) onFrame(pcm []byte) {
	chunk := make([]byte, len(pcm))
	copy(chunk, pcm)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.chunks = append(r.chunks, chunk)
	r.lastLevel = MeanAmplitude(chunk)
	transcriber := r.transcriber
	r.mu.Unlock()

	if transcriber != nil {
		if err := transcriber.SendAudio(chunk); err != nil {
			log.Printf("Failed to relay turn audio to transcriber: %v", err)
		}
	}
}

func (r *turnRecorder) appendTranscript(transcript string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transcript != "" {
		r.transcript += " "
	}
	r.transcript += transcript
}

// currentLevel reports the amplitude of the most recent captured block for
// the silence detector.
func (r *turnRecorder) currentLevel() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastLevel
}

// Stop finishes the turn: capture and detection halt, accumulated chunks
// are concatenated into one clip, and the completion callback runs with the
// final transcript. Safe to call more than once; only the first call
// completes the turn.
func (r *turnRecorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	if r.detector != nil {
		r.detector.Stop()
	}
	if err := r.session.Stop(); err != nil {
		log.Printf("Failed to stop capture for turn %s: %v", r.id, err)
	}
	if r.transcriber != nil {
		if err := r.transcriber.Close(); err != nil {
			log.Printf("Failed to close transcriber for turn %s: %v", r.id, err)
		}
	}
	r.cancel()

	r.mu.Lock()
	var size int
	for _, chunk := range r.chunks {
		size += len(chunk)
	}
	clip := make([]byte, 0, size)
	for _, chunk := range r.chunks {
		clip = append(clip, chunk...)
	}
	transcript := r.transcript
	r.mu.Unlock()

	if transcript == "" {
		transcript = PlaceholderTranscript
	}

	if r.onComplete != nil {
		r.onComplete(RecordedTurn{
			Audio:      clip,
			MIMEType:   fmt.Sprintf("audio/pcm;rate=%d", r.input.CaptureEncodingInfo().SampleRate),
			Transcript: transcript,
		})
	}
}
