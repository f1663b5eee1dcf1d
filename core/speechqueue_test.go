package orchestration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/viewmate-ai/viewmate-core/core/audio"
)

// scriptedSynthesizer returns canned PCM per text, optionally delaying or
// failing specific units to simulate adversarial network latency.
type scriptedSynthesizer struct {
	mu     sync.Mutex
	pcm    map[string][]byte
	delays map[string]time.Duration
	fails  map[string]error
	gate   map[string]chan struct{}
}

func (s *scriptedSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	pcm := s.pcm[text]
	delay := s.delays[text]
	failure := s.fails[text]
	gate := s.gate[text]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	return pcm, nil
}

func pcmOfLength(samples int) []byte {
	values := make([]float32, samples)
	for i := range values {
		values[i] = 0.25
	}
	return audio.EncodePCM16(values)
}

func newTestWriter(synth *scriptedSynthesizer, sink *recordingSink, clock *fakeClock, onText func(string)) (*ResponseWriter, *atomic.Bool) {
	scheduler := NewPlaybackScheduler(sink, clock)
	voiceEnabled := &atomic.Bool{}
	voiceEnabled.Store(true)
	return newResponseWriter(context.Background(), synth, scheduler, audio.PlaybackSampleRate, voiceEnabled, onText), voiceEnabled
}

func TestResponseWriterPlaysUnitsInExtractionOrder(t *testing.T) {
	synth := &scriptedSynthesizer{
		pcm: map[string][]byte{
			"First.":  pcmOfLength(4),
			"Second.": pcmOfLength(8),
		},
		delays: map[string]time.Duration{
			// The first unit's fetch resolves well after the second's.
			"First.": 150 * time.Millisecond,
		},
	}
	sink := &recordingSink{}
	clock := newFakeClock()
	w, _ := newTestWriter(synth, sink, clock, nil)

	w.AddChunk("First. ")
	w.AddChunk("Second. ")
	w.Finish()
	<-w.Done()
	clock.advance(time.Minute)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != 2 {
		t.Fatalf("expected 2 frames delivered, got %d", len(sink.frames))
	}
	if len(sink.frames[0]) != 8 || len(sink.frames[1]) != 16 {
		t.Fatalf("expected frames in extraction order (8 then 16 bytes), got %d then %d",
			len(sink.frames[0]), len(sink.frames[1]))
	}
}

func TestResponseWriterSkipsFailedUnitAndContinues(t *testing.T) {
	synth := &scriptedSynthesizer{
		pcm: map[string][]byte{
			"Good.": pcmOfLength(4),
		},
		fails: map[string]error{
			"Bad.": errors.New("voice service unavailable"),
		},
	}
	sink := &recordingSink{}
	clock := newFakeClock()
	w, _ := newTestWriter(synth, sink, clock, nil)

	w.AddChunk("Bad. ")
	w.AddChunk("Good. ")
	w.Finish()
	<-w.Done()
	clock.advance(time.Minute)

	if got := sink.frameCount(); got != 1 {
		t.Fatalf("expected the failed unit skipped and the next played, got %d frames", got)
	}
}

func TestResponseWriterDisablingVoiceSilencesLaterUnits(t *testing.T) {
	release := make(chan struct{})
	synth := &scriptedSynthesizer{
		pcm: map[string][]byte{
			"Quiet.": pcmOfLength(4),
		},
		gate: map[string]chan struct{}{
			"Quiet.": release,
		},
	}
	sink := &recordingSink{}
	clock := newFakeClock()

	var texts []string
	var textsMu sync.Mutex
	w, voiceEnabled := newTestWriter(synth, sink, clock, func(fullText string) {
		textsMu.Lock()
		texts = append(texts, fullText)
		textsMu.Unlock()
	})

	w.AddChunk("Quiet. ")
	voiceEnabled.Store(false)
	close(release)
	w.Finish()
	<-w.Done()
	clock.advance(time.Minute)

	if got := sink.frameCount(); got != 0 {
		t.Fatalf("expected no audio with voice disabled, got %d frames", got)
	}

	textsMu.Lock()
	defer textsMu.Unlock()
	if len(texts) == 0 || texts[len(texts)-1] != "Quiet. " {
		t.Fatalf("expected text to keep updating with voice disabled, got %v", texts)
	}
}

func TestResponseWriterAbandonDiscardsUnresolvedFetches(t *testing.T) {
	release := make(chan struct{})
	synth := &scriptedSynthesizer{
		pcm: map[string][]byte{
			"Old one.": pcmOfLength(4),
			"Old two.": pcmOfLength(4),
		},
		gate: map[string]chan struct{}{
			"Old one.": release,
			"Old two.": release,
		},
	}
	sink := &recordingSink{}
	clock := newFakeClock()
	w, _ := newTestWriter(synth, sink, clock, nil)

	w.AddChunk("Old one. ")
	w.AddChunk("Old two. ")
	w.abandon()
	close(release)
	<-w.Done()

	// Give the discarded fetches time to complete into the void.
	time.Sleep(50 * time.Millisecond)
	clock.advance(time.Minute)

	if got := sink.frameCount(); got != 0 {
		t.Fatalf("expected no audio from an abandoned response, got %d frames", got)
	}
}

func TestResponseWriterAddChunkAfterFinishIsIgnored(t *testing.T) {
	synth := &scriptedSynthesizer{pcm: map[string][]byte{}}
	sink := &recordingSink{}
	clock := newFakeClock()
	w, _ := newTestWriter(synth, sink, clock, nil)

	w.Finish()
	w.AddChunk("Too late. ")
	<-w.Done()

	if got := w.Text(); got != "" {
		t.Fatalf("expected no text accepted after finish, got %q", got)
	}
}
