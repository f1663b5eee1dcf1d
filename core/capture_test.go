package orchestration

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/viewmate-ai/viewmate-core/core/audio"
	"github.com/viewmate-ai/viewmate-core/core/speechtotext"
)

type fakeAudioInput struct {
	mu       sync.Mutex
	onAudio  func(audio []byte)
	startErr error
	stopped  bool
}

func (f *fakeAudioInput) StartCapture(_ context.Context, onAudio func(audio []byte)) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.onAudio = onAudio
	f.mu.Unlock()
	return nil
}

func (f *fakeAudioInput) StopCapture() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAudioInput) CaptureEncodingInfo() audio.EncodingInfo {
	return audio.GetDefaultEncodingInfo()
}

// emit simulates one device callback.
func (f *fakeAudioInput) emit(block []byte) {
	f.mu.Lock()
	onAudio := f.onAudio
	f.mu.Unlock()
	if onAudio != nil {
		onAudio(block)
	}
}

type fakeTranscriber struct {
	mu        sync.Mutex
	onFinal   func(string)
	sent      [][]byte
	closed    bool
	openError error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, opts ...speechtotext.TranscriptionOption) error {
	if f.openError != nil {
		return f.openError
	}
	options := speechtotext.TranscriptionOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	f.mu.Lock()
	f.onFinal = options.TranscriptionCallback
	f.mu.Unlock()
	return nil
}

func (f *fakeTranscriber) SendAudio(audio []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, audio)
	f.mu.Unlock()
	return nil
}

func (f *fakeTranscriber) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTranscriber) finalize(text string) {
	f.mu.Lock()
	onFinal := f.onFinal
	f.mu.Unlock()
	if onFinal != nil {
		onFinal(text)
	}
}

func TestCaptureSessionStopsBeforeNextCallback(t *testing.T) {
	input := &fakeAudioInput{}
	var received int
	session, err := startCaptureSession(context.Background(), input, func([]byte) {
		received++
	})
	if err != nil {
		t.Fatalf("expected capture to start, got %v", err)
	}

	input.emit([]byte{1, 2})
	if err := session.Stop(); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	input.emit([]byte{3, 4})

	if received != 1 {
		t.Fatalf("expected no callbacks after stop, got %d total", received)
	}
	if !input.stopped {
		t.Fatal("expected the device to be stopped")
	}
}

func TestCaptureSessionFailsWithoutDevice(t *testing.T) {
	_, err := startCaptureSession(context.Background(), nil, func([]byte) {})
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("expected ErrCaptureUnavailable, got %v", err)
	}

	input := &fakeAudioInput{startErr: errors.New("device busy")}
	var called bool
	_, err = startCaptureSession(context.Background(), input, func([]byte) { called = true })
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("expected ErrCaptureUnavailable on open failure, got %v", err)
	}
	if called {
		t.Fatal("expected the consumer callback to never run on open failure")
	}
}

func TestTurnRecorderConcatenatesChunksAndTranscript(t *testing.T) {
	input := &fakeAudioInput{}
	transcriber := &fakeTranscriber{}

	var completed RecordedTurn
	var completions int
	recorder, err := startTurnRecorder(context.Background(), input, transcriber, turnRecorderOptions{}, func(turn RecordedTurn) {
		completed = turn
		completions++
	})
	if err != nil {
		t.Fatalf("expected recorder to start, got %v", err)
	}

	input.emit([]byte{1, 2, 3})
	input.emit([]byte{4, 5})
	transcriber.finalize("hello")
	transcriber.finalize("world")

	recorder.Stop()
	recorder.Stop()

	if completions != 1 {
		t.Fatalf("expected exactly one completion, got %d", completions)
	}
	if !bytes.Equal(completed.Audio, []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("expected concatenated clip, got %v", completed.Audio)
	}
	if completed.MIMEType != "audio/pcm;rate=16000" {
		t.Fatalf("expected capture-rate mime type, got %q", completed.MIMEType)
	}
	if completed.Transcript != "hello world" {
		t.Fatalf("expected accumulated transcript, got %q", completed.Transcript)
	}
	if len(transcriber.sent) != 2 {
		t.Fatalf("expected every block relayed to the transcriber, got %d", len(transcriber.sent))
	}
	if !transcriber.closed {
		t.Fatal("expected the transcriber to be closed on stop")
	}
}

func TestTurnRecorderSubstitutesPlaceholderTranscript(t *testing.T) {
	input := &fakeAudioInput{}

	var completed RecordedTurn
	recorder, err := startTurnRecorder(context.Background(), input, nil, turnRecorderOptions{}, func(turn RecordedTurn) {
		completed = turn
	})
	if err != nil {
		t.Fatalf("expected recorder to start, got %v", err)
	}

	input.emit([]byte{9, 9})
	recorder.Stop()

	if completed.Transcript != PlaceholderTranscript {
		t.Fatalf("expected placeholder transcript, got %q", completed.Transcript)
	}
}

func TestTurnRecorderSurvivesTranscriberOpenFailure(t *testing.T) {
	input := &fakeAudioInput{}
	transcriber := &fakeTranscriber{openError: errors.New("no credentials")}

	var completed RecordedTurn
	recorder, err := startTurnRecorder(context.Background(), input, transcriber, turnRecorderOptions{}, func(turn RecordedTurn) {
		completed = turn
	})
	if err != nil {
		t.Fatalf("expected recorder to start despite transcription failure, got %v", err)
	}

	input.emit([]byte{1})
	recorder.Stop()

	if completed.Transcript != PlaceholderTranscript {
		t.Fatalf("expected placeholder transcript, got %q", completed.Transcript)
	}
}
