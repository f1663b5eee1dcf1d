package orchestration

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/viewmate-ai/viewmate-core/core/audio"
	"github.com/viewmate-ai/viewmate-core/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
)

// pendingUnitCapacity bounds how far extraction can run ahead of the
// ordered consumer before AddChunk applies backpressure.
const pendingUnitCapacity = 64

type fetchResult struct {
	pcm []byte
	err error
}

// pendingUnit pairs a speakable unit with the handle of its in-flight
// synthesis fetch. Fetches run concurrently and unordered; the ordered
// consumer awaits each handle strictly by submission order.
type pendingUnit struct {
	unit   speakableUnit
	result chan fetchResult
}

// ResponseWriter feeds one response text stream through the ordered
// delivery queue. Text chunks surface to the display callback immediately;
// speakable units are extracted, synthesized concurrently, and enqueued on
// the playback scheduler strictly in extraction order.
//
// A writer is abandoned when a newer response starts: its consumer exits,
// in-flight fetches finish into buffered channels and are discarded, and
// none of their errors can reach the new response.
type ResponseWriter struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc

	synthesizer  texttospeech.Synthesizer
	scheduler    *PlaybackScheduler
	sampleRate   int
	voiceEnabled *atomic.Bool
	onText       func(fullText string)

	mu        sync.Mutex
	segmenter segmenter
	fullText  strings.Builder
	finished  bool

	pending chan pendingUnit
	done    chan struct{}
}

func newResponseWriter(
	ctx context.Context,
	synthesizer texttospeech.Synthesizer,
	scheduler *PlaybackScheduler,
	sampleRate int,
	voiceEnabled *atomic.Bool,
	onText func(string),
) *ResponseWriter {
	ctx, cancel := context.WithCancel(ctx)
	w := &ResponseWriter{
		id:           uuid.NewString(),
		ctx:          ctx,
		cancel:       cancel,
		synthesizer:  synthesizer,
		scheduler:    scheduler,
		sampleRate:   sampleRate,
		voiceEnabled: voiceEnabled,
		onText:       onText,
		pending:      make(chan pendingUnit, pendingUnitCapacity),
		done:         make(chan struct{}),
	}
	go w.consume()
	return w
}

// AddChunk appends one incremental chunk of response text. The running full
// text is surfaced to the display callback before any audio work so text
// never waits on synthesis.
func (w *ResponseWriter) AddChunk(chunk string) {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return
	}
	w.fullText.WriteString(chunk)
	fullText := w.fullText.String()
	units := w.segmenter.Push(chunk)
	w.mu.Unlock()

	if w.onText != nil {
		w.onText(fullText)
	}
	w.submit(units)
}

// Finish flushes any trailing partial text as a final unit and closes the
// stream. Safe to call once; later AddChunk calls are ignored.
func (w *ResponseWriter) Finish() {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return
	}
	w.finished = true
	units := w.segmenter.Flush()
	w.mu.Unlock()

	w.submit(units)
	close(w.pending)
}

// ID identifies this response stream.
func (w *ResponseWriter) ID() string { return w.id }

// Text returns the full response text received so far.
func (w *ResponseWriter) Text() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fullText.String()
}

// Done closes once every unit has been handed to the scheduler or
// discarded.
func (w *ResponseWriter) Done() <-chan struct{} { return w.done }

// abandon invalidates the writer because a newer response replaced it. The
// consumer exits on cancellation; the pending channel is left to the
// collector since only Finish may close it.
func (w *ResponseWriter) abandon() {
	w.mu.Lock()
	w.finished = true
	w.mu.Unlock()

	w.cancel()
}

func (w *ResponseWriter) submit(units []speakableUnit) {
	for _, unit := range units {
		if w.ctx.Err() != nil {
			return
		}

		p := pendingUnit{unit: unit, result: make(chan fetchResult, 1)}
		go w.fetch(p)

		select {
		case w.pending <- p:
		case <-w.ctx.Done():
			return
		}
	}
}

// fetch is the unordered phase: it races freely against other units'
// fetches. The buffered result channel means an abandoned fetch completes
// into the void instead of leaking a goroutine.
func (w *ResponseWriter) fetch(p pendingUnit) {
	if w.synthesizer == nil {
		p.result <- fetchResult{err: &SynthesisError{Seq: p.unit.seq, Err: context.Canceled}}
		return
	}

	ctx, span := tracer.Start(w.ctx, "synthesize unit")
	span.SetAttributes(attribute.Int("unit.seq", p.unit.seq))
	defer span.End()

	pcm, err := w.synthesizer.Synthesize(ctx, p.unit.text)
	if err != nil {
		err = &SynthesisError{Seq: p.unit.seq, Err: err}
		span.RecordError(err)
		p.result <- fetchResult{err: err}
		return
	}
	p.result <- fetchResult{pcm: pcm}
}

// consume is the ordered phase: one dedicated loop awaits each unit's fetch
// in submission order, which makes the playback-order invariant structural
// rather than incidental.
func (w *ResponseWriter) consume() {
	defer close(w.done)

	for {
		var p pendingUnit
		select {
		case next, ok := <-w.pending:
			if !ok {
				return
			}
			p = next
		case <-w.ctx.Done():
			return
		}

		var result fetchResult
		select {
		case result = <-p.result:
		case <-w.ctx.Done():
			return
		}

		// The generation is observed before the liveness checks. Abandon
		// and voice-disable both mutate their flag before stopping the
		// scheduler, so a stop racing past the checks below still bumps the
		// generation and the stale frame is rejected at enqueue.
		generation := w.scheduler.Generation()

		if w.ctx.Err() != nil {
			return
		}

		if result.err != nil {
			// The unit is skipped, the chain continues. The sentence still
			// reached the display callback, it just is not spoken.
			logger.Warn("Skipping speech unit", "unit", p.unit.seq, "error", result.err)
			continue
		}

		// Voice state is sampled per unit at enqueue time. A disabled
		// voice discards fetched audio without stalling the chain.
		if w.voiceEnabled != nil && !w.voiceEnabled.Load() {
			continue
		}

		frame := audio.DecodePCM16(result.pcm, w.sampleRate)
		if frame.Len() == 0 {
			continue
		}
		if _, ok := w.scheduler.EnqueueIfCurrent(generation, frame); !ok {
			// Stopped while this unit was in flight; the next iteration's
			// checks decide whether the chain continues.
			continue
		}
	}
}
