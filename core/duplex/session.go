package duplex

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/viewmate-ai/viewmate-core/core/audio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultVideoInterval is the cadence at which video snapshots are relayed,
// independent of the audio relay cadence.
const DefaultVideoInterval = 800 * time.Millisecond

// State is the session's position in the connection lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// CaptureSource is the microphone feed relayed outbound while connected.
type CaptureSource interface {
	StartCapture(ctx context.Context, onAudio func(audio []byte)) error
	StopCapture() error
}

// Player receives decoded inbound audio. The playback scheduler satisfies
// it.
type Player interface {
	Enqueue(frame audio.Frame) time.Time
	Stop()
}

// VideoSource produces downsampled snapshots for the periodic video relay.
type VideoSource interface {
	Snapshot(ctx context.Context) ([]byte, error)
}

type SessionOptions struct {
	Capture       CaptureSource
	Player        Player
	Video         VideoSource
	Tools         *Registry
	VideoInterval time.Duration

	// PlaybackSampleRate is the rate inbound PCM is decoded at.
	PlaybackSampleRate int

	// AcknowledgeUnknownTools sends an error result for tool names missing
	// from the registry instead of dropping the call silently.
	AcknowledgeUnknownTools bool
}

type SessionOption func(*SessionOptions)

func WithCaptureSource(capture CaptureSource) SessionOption {
	return func(o *SessionOptions) { o.Capture = capture }
}

func WithPlayer(player Player) SessionOption {
	return func(o *SessionOptions) { o.Player = player }
}

func WithVideoSource(video VideoSource) SessionOption {
	return func(o *SessionOptions) { o.Video = video }
}

func WithToolRegistry(tools *Registry) SessionOption {
	return func(o *SessionOptions) { o.Tools = tools }
}

func WithVideoInterval(interval time.Duration) SessionOption {
	return func(o *SessionOptions) { o.VideoInterval = interval }
}

func WithUnknownToolAcknowledgment() SessionOption {
	return func(o *SessionOptions) { o.AcknowledgeUnknownTools = true }
}

// Session bridges local capture, playback and tools to a remote duplex
// endpoint. Disconnected → Connecting → Connected is the only path up; any
// transport error in any state tears the session all the way down.
type Session struct {
	endpoint Endpoint
	options  SessionOptions

	stateMu sync.Mutex
	state   State

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	disconnectOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Connect opens a session over an already-dialed endpoint: it awaits the
// remote open confirmation, then starts the outbound capture relay, the
// periodic video relay and the inbound event loop. On any failure the
// endpoint is closed and nothing is left running.
func Connect(ctx context.Context, endpoint Endpoint, opts ...SessionOption) (*Session, error) {
	options := SessionOptions{
		VideoInterval:      DefaultVideoInterval,
		PlaybackSampleRate: audio.PlaybackSampleRate,
	}
	for _, opt := range opts {
		opt(&options)
	}

	s := &Session{
		endpoint: endpoint,
		options:  options,
		state:    Connecting,
		done:     make(chan struct{}),
	}

	if err := s.awaitOpen(ctx); err != nil {
		s.setState(Disconnected)
		endpoint.Close()
		return nil, err
	}
	s.setState(Connected)

	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.ctx = ctx

	if options.Capture != nil {
		if err := options.Capture.StartCapture(ctx, s.relayAudio); err != nil {
			s.teardown(fmt.Errorf("failed to start capture relay: %w", err))
			return nil, fmt.Errorf("failed to start capture relay: %w", err)
		}
	}
	if options.Video != nil {
		go s.relayVideo(ctx)
	}
	go s.eventLoop(ctx)

	return s, nil
}

func (s *Session) awaitOpen(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-s.endpoint.Events():
			if !ok {
				return fmt.Errorf("endpoint closed before session opened")
			}
			switch e := event.(type) {
			case OpenedEvent:
				return nil
			case ErrorEvent:
				return fmt.Errorf("session failed to open: %w", e.Err)
			case ClosedEvent:
				return fmt.Errorf("endpoint closed before session opened")
			default:
				// Pre-open chatter, ignore until the open confirmation.
			}
		}
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// Done closes when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal session error, if the session ended because of
// one. It blocks until teardown completes.
func (s *Session) Err() error {
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// relayAudio forwards one captured block outbound. Sends are fire and
// forget; a failed send is logged and the session stays connected.
func (s *Session) relayAudio(pcm []byte) {
	if s.State() != Connected {
		return
	}
	if err := s.endpoint.SendAudio(pcm); err != nil {
		log.Printf("Failed to relay audio frame: %v", err)
	}
}

func (s *Session) relayVideo(ctx context.Context) {
	ticker := time.NewTicker(s.options.VideoInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := s.options.Video.Snapshot(ctx)
			if err != nil {
				log.Printf("Failed to take video snapshot: %v", err)
				continue
			}
			if len(snapshot) == 0 {
				continue
			}
			if err := s.endpoint.SendVideoFrame(snapshot); err != nil {
				log.Printf("Failed to relay video snapshot: %v", err)
			}
		}
	}
}

func (s *Session) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.endpoint.Events():
			if !ok {
				s.teardown(nil)
				return
			}
			switch e := event.(type) {
			case AudioChunkEvent:
				s.playInbound(e.PCM)
			case ToolCallEvent:
				go s.dispatchTool(ctx, e)
			case ClosedEvent:
				s.teardown(nil)
				return
			case ErrorEvent:
				s.teardown(fmt.Errorf("session transport failed: %w", e.Err))
				return
			}
		}
	}
}

func (s *Session) playInbound(pcm []byte) {
	if s.options.Player == nil {
		return
	}
	frame := audio.DecodePCM16(pcm, s.options.PlaybackSampleRate)
	if frame.Len() == 0 {
		return
	}
	s.options.Player.Enqueue(frame)
}

// dispatchTool runs one requested action and always acknowledges it with
// exactly one result, error outcome included. An unacknowledged call stalls
// the remote conversation, so even a panicking action produces a result.
// Unknown names are logged and, by default, produce no result at all.
func (s *Session) dispatchTool(ctx context.Context, call ToolCallEvent) {
	_, span := tracer.Start(ctx, "execute tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Name))

	var tool registeredTool
	found := false
	if s.options.Tools != nil {
		tool, found = s.options.Tools.lookup(call.Name)
	}
	if !found {
		err := fmt.Errorf("tool not found: %s", call.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("Ignoring unknown tool call", "tool", call.Name)
		if s.options.AcknowledgeUnknownTools {
			s.sendToolResult(ToolResult{ID: call.ID, Name: call.Name, Error: err.Error()})
		}
		return
	}

	output, err := runAction(tool.action)
	if err != nil {
		err = fmt.Errorf("failed to execute tool %q: %w", call.Name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.sendToolResult(ToolResult{ID: call.ID, Name: call.Name, Error: err.Error()})
		return
	}

	s.sendToolResult(ToolResult{ID: call.ID, Name: call.Name, Output: output})
}

// runAction converts a panicking action into an error outcome so the
// mandatory acknowledgment still goes out.
func runAction(action Action) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return action()
}

func (s *Session) sendToolResult(result ToolResult) {
	if err := s.endpoint.SendToolResult(result); err != nil {
		log.Printf("Failed to send tool result for %q: %v", result.Name, err)
	}
}

// Disconnect tears the session down: the capture relay stops, pending
// playback is halted, and the transport is released. Safe to call more than
// once and concurrently with a remote close.
func (s *Session) Disconnect() {
	s.teardown(nil)
}

func (s *Session) teardown(cause error) {
	s.disconnectOnce.Do(func() {
		s.setErr(cause)
		s.setState(Disconnected)

		if cause != nil && s.ctx != nil {
			span := trace.SpanFromContext(s.ctx)
			span.RecordError(cause)
			span.SetStatus(codes.Error, cause.Error())
		}

		if s.options.Capture != nil {
			if err := s.options.Capture.StopCapture(); err != nil {
				log.Printf("Failed to stop capture relay: %v", err)
			}
		}
		if s.options.Player != nil {
			s.options.Player.Stop()
		}
		if s.cancel != nil {
			s.cancel()
		}
		if err := s.endpoint.Close(); err != nil {
			log.Printf("Failed to close duplex endpoint: %v", err)
		}
		close(s.done)
	})
}
