package orchestration

import (
	"log"
	"sync"
	"time"

	"github.com/viewmate-ai/viewmate-core/core/audio"
)

// PlaybackSink receives PCM bytes at their scheduled start time. The
// miniaudio and portaudio playback clients both satisfy it.
type PlaybackSink interface {
	// WriteFrame appends PCM behind whatever the sink is already playing.
	WriteFrame(pcm []byte) error
	// Flush drops audio the sink has accepted but not yet played.
	Flush()
}

// Clock abstracts wall time and deferred execution so scheduling can be
// tested without sleeping.
type Clock interface {
	Now() time.Time
	// AfterFunc runs fn after d elapses and returns a cancel function.
	// Cancellation after fn has started is a no-op.
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) func() {
	timer := time.AfterFunc(d, fn)
	return func() { timer.Stop() }
}

// PlaybackScheduler lines decoded frames up back to back. A single
// nextStartTime cursor is the only shared scheduling state: every enqueue
// starts at max(now, nextStartTime) and advances the cursor by exactly the
// frame duration, so frames never overlap and frames that arrive early play
// with no gap. Frames that arrive late start immediately at the current
// clock time instead of accumulating drift.
type PlaybackScheduler struct {
	sink  PlaybackSink
	clock Clock

	mu            sync.Mutex
	nextStartTime time.Time
	scheduled     map[int]func()
	nextID        int
	generation    uint64
}

func NewPlaybackScheduler(sink PlaybackSink, clock Clock) *PlaybackScheduler {
	if clock == nil {
		clock = realClock{}
	}
	return &PlaybackScheduler{
		sink:      sink,
		clock:     clock,
		scheduled: map[int]func(){},
	}
}

// Enqueue schedules one frame and returns its start time.
func (s *PlaybackScheduler) Enqueue(frame audio.Frame) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(frame)
}

// Generation identifies the scheduler's current run; Stop starts a new one.
// Callers that check liveness before enqueueing observe the generation first
// and pass it to EnqueueIfCurrent, which rejects the frame if a Stop slipped
// in between the check and the enqueue.
func (s *PlaybackScheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// EnqueueIfCurrent schedules the frame only if the scheduler has not been
// stopped since generation was observed.
func (s *PlaybackScheduler) EnqueueIfCurrent(generation uint64, frame audio.Frame) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return time.Time{}, false
	}
	return s.enqueueLocked(frame), true
}

func (s *PlaybackScheduler) enqueueLocked(frame audio.Frame) time.Time {
	now := s.clock.Now()
	start := now
	if s.nextStartTime.After(now) {
		start = s.nextStartTime
	}
	s.nextStartTime = start.Add(frame.Duration())

	id := s.nextID
	s.nextID++

	pcm := audio.EncodePCM16(frame.Samples())
	s.scheduled[id] = s.clock.AfterFunc(start.Sub(now), func() {
		s.deliver(id, pcm)
	})

	return start
}

func (s *PlaybackScheduler) deliver(id int, pcm []byte) {
	s.mu.Lock()
	_, pending := s.scheduled[id]
	delete(s.scheduled, id)
	s.mu.Unlock()

	if !pending {
		// Stopped between firing and delivery.
		return
	}

	if s.sink == nil {
		return
	}
	if err := s.sink.WriteFrame(pcm); err != nil {
		log.Printf("Failed to write scheduled frame to sink: %v", err)
	}
}

// Stop halts everything scheduled and resets the cursor to the current
// clock time, so the next enqueue starts fresh instead of queueing behind
// stale audio.
func (s *PlaybackScheduler) Stop() {
	s.mu.Lock()
	cancels := make([]func(), 0, len(s.scheduled))
	for _, cancel := range s.scheduled {
		cancels = append(cancels, cancel)
	}
	s.scheduled = map[int]func(){}
	s.nextStartTime = s.clock.Now()
	s.generation++
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if s.sink != nil {
		s.sink.Flush()
	}
}
