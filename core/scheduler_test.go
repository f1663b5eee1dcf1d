package orchestration

import (
	"sync"
	"testing"
	"time"

	"github.com/viewmate-ai/viewmate-core/core/audio"
)

// fakeClock drives AfterFunc callbacks manually so scheduling can be
// asserted without sleeping.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at        time.Time
	fn        func()
	cancelled bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, timer)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		timer.cancelled = true
	}
}

// advance moves the clock forward and fires every due timer in order.
func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	var rest []*fakeTimer
	for _, timer := range c.timers {
		if !timer.cancelled && !timer.at.After(c.now) {
			due = append(due, timer)
		} else {
			rest = append(rest, timer)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	for _, timer := range due {
		timer.fn()
	}
}

type recordingSink struct {
	mu      sync.Mutex
	frames  [][]byte
	flushes int
}

func (s *recordingSink) WriteFrame(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, pcm)
	return nil
}

func (s *recordingSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *recordingSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// frameOf builds a frame of the given duration at 24kHz.
func frameOf(d time.Duration) audio.Frame {
	samples := make([]float32, int(d.Seconds()*float64(audio.PlaybackSampleRate)))
	return audio.NewFrame(samples, audio.PlaybackSampleRate)
}

func TestSchedulerBackToBackFramesDoNotOverlap(t *testing.T) {
	clock := newFakeClock()
	s := NewPlaybackScheduler(&recordingSink{}, clock)

	first := s.Enqueue(frameOf(100 * time.Millisecond))
	second := s.Enqueue(frameOf(50 * time.Millisecond))
	third := s.Enqueue(frameOf(200 * time.Millisecond))

	if !second.Equal(first.Add(100 * time.Millisecond)) {
		t.Fatalf("expected second frame to start when first ends, got %v after %v", second, first)
	}
	if !third.Equal(second.Add(50 * time.Millisecond)) {
		t.Fatalf("expected third frame to start when second ends, got %v after %v", third, second)
	}
}

func TestSchedulerLateFrameStartsImmediately(t *testing.T) {
	clock := newFakeClock()
	s := NewPlaybackScheduler(&recordingSink{}, clock)

	s.Enqueue(frameOf(100 * time.Millisecond))

	// The first frame has long finished; no drift should accumulate.
	clock.advance(500 * time.Millisecond)

	start := s.Enqueue(frameOf(100 * time.Millisecond))
	if !start.Equal(clock.Now()) {
		t.Fatalf("expected late frame to start at current time %v, got %v", clock.Now(), start)
	}
}

func TestSchedulerDeliversFramesToSinkAtStartTime(t *testing.T) {
	clock := newFakeClock()
	sink := &recordingSink{}
	s := NewPlaybackScheduler(sink, clock)

	s.Enqueue(frameOf(100 * time.Millisecond))
	s.Enqueue(frameOf(100 * time.Millisecond))

	clock.advance(0)
	if got := sink.frameCount(); got != 1 {
		t.Fatalf("expected only the immediate frame delivered, got %d", got)
	}

	clock.advance(100 * time.Millisecond)
	if got := sink.frameCount(); got != 2 {
		t.Fatalf("expected second frame delivered at its start time, got %d", got)
	}
}

func TestSchedulerStopResetsCursor(t *testing.T) {
	clock := newFakeClock()
	sink := &recordingSink{}
	s := NewPlaybackScheduler(sink, clock)

	s.Enqueue(frameOf(100 * time.Millisecond))
	s.Enqueue(frameOf(100 * time.Millisecond))
	s.Stop()

	delivered := sink.frameCount()
	clock.advance(time.Second)
	if got := sink.frameCount(); got != delivered {
		t.Fatalf("expected no deliveries after stop, got %d more", got-delivered)
	}
	if sink.flushes != 1 {
		t.Fatalf("expected stop to flush the sink once, got %d", sink.flushes)
	}

	// The next enqueue starts fresh instead of queueing behind stale audio.
	start := s.Enqueue(frameOf(100 * time.Millisecond))
	if !start.Equal(clock.Now()) {
		t.Fatalf("expected post-stop enqueue to start now %v, got %v", clock.Now(), start)
	}
}

func TestSchedulerRejectsEnqueueFromBeforeStop(t *testing.T) {
	clock := newFakeClock()
	sink := &recordingSink{}
	s := NewPlaybackScheduler(sink, clock)

	// A consumer observed the generation, then a Stop raced in before its
	// enqueue. The stale frame must not play.
	generation := s.Generation()
	s.Stop()

	if _, ok := s.EnqueueIfCurrent(generation, frameOf(100*time.Millisecond)); ok {
		t.Fatal("expected a frame observed before Stop to be rejected")
	}
	clock.advance(time.Second)
	if got := sink.frameCount(); got != 0 {
		t.Fatalf("expected no frames delivered, got %d", got)
	}

	if _, ok := s.EnqueueIfCurrent(s.Generation(), frameOf(100*time.Millisecond)); !ok {
		t.Fatal("expected a fresh enqueue to be accepted")
	}
}

func TestSchedulerStoppedFramesNeverReachSink(t *testing.T) {
	clock := newFakeClock()
	sink := &recordingSink{}
	s := NewPlaybackScheduler(sink, clock)

	s.Enqueue(frameOf(100 * time.Millisecond))
	s.Enqueue(frameOf(100 * time.Millisecond))
	s.Stop()
	s.Enqueue(frameOf(100 * time.Millisecond))

	clock.advance(200 * time.Millisecond)
	if got := sink.frameCount(); got != 1 {
		t.Fatalf("expected only the post-stop frame delivered, got %d", got)
	}
}
