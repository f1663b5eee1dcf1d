//go:build cgo

package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	orchestration "github.com/viewmate-ai/viewmate-core/core"
	"github.com/viewmate-ai/viewmate-core/core/duplex"
)

func TestTurnCompletionSpeaksTranscriptBack(t *testing.T) {
	var mu sync.Mutex
	var displayed string
	o := orchestration.NewOrchestrator(
		orchestration.WithDisplayCallback(func(fullText string) {
			mu.Lock()
			displayed = fullText
			mu.Unlock()
		}),
	)
	defer o.Close()

	m := &model{orchestrator: o, recording: true, send: func(tea.Msg) {}}
	m.Update(turnCompleteMsg{Transcript: "Hello there."})

	if m.recording {
		t.Fatal("expected recording to end with the turn")
	}
	if len(m.turns) != 1 || m.turns[0] != "Hello there." {
		t.Fatalf("expected the transcript in the log, got %v", m.turns)
	}

	mu.Lock()
	got := displayed
	mu.Unlock()
	if got != "Hello there." {
		t.Fatalf("expected the transcript fed back through the response stream, got %q", got)
	}
}

type stubEndpoint struct {
	events chan duplex.Event

	mu     sync.Mutex
	closed bool
}

func newStubEndpoint() *stubEndpoint {
	e := &stubEndpoint{events: make(chan duplex.Event, 4)}
	e.events <- duplex.OpenedEvent{}
	return e
}

func (e *stubEndpoint) Events() <-chan duplex.Event            { return e.events }
func (e *stubEndpoint) SendAudio([]byte) error                 { return nil }
func (e *stubEndpoint) SendVideoFrame([]byte) error            { return nil }
func (e *stubEndpoint) SendToolResult(duplex.ToolResult) error { return nil }

func (e *stubEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	return nil
}

func waitForState(t *testing.T, msgs chan tea.Msg) duplexStateMsg {
	t.Helper()
	select {
	case msg := <-msgs:
		state, ok := msg.(duplexStateMsg)
		if !ok {
			t.Fatalf("expected duplexStateMsg, got %T", msg)
		}
		return state
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a duplex state message")
	}
	return duplexStateMsg{}
}

func TestDuplexKeyTogglesSession(t *testing.T) {
	msgs := make(chan tea.Msg, 8)
	o := orchestration.NewOrchestrator()
	defer o.Close()

	m := &model{
		orchestrator: o,
		tools:        duplex.NewRegistry(),
		dial: func(context.Context) (duplex.Endpoint, error) {
			return newStubEndpoint(), nil
		},
		send: func(msg tea.Msg) { msgs <- msg },
	}

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	state := waitForState(t, msgs)
	if !state.connected {
		t.Fatalf("expected the session to connect, got %+v", state)
	}
	m.Update(state)
	if !m.duplexConnected {
		t.Fatal("expected the model to track the connected session")
	}

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	if m.duplexConnected {
		t.Fatal("expected the second press to disconnect")
	}
	state = waitForState(t, msgs)
	if state.connected {
		t.Fatalf("expected the teardown notification, got %+v", state)
	}
	if state.err != nil {
		t.Fatalf("expected a clean local disconnect, got %v", state.err)
	}
}

func TestDuplexDialFailureIsReported(t *testing.T) {
	msgs := make(chan tea.Msg, 1)
	o := orchestration.NewOrchestrator()
	defer o.Close()

	m := &model{
		orchestrator: o,
		dial: func(context.Context) (duplex.Endpoint, error) {
			return nil, errors.New("no route")
		},
		send: func(msg tea.Msg) { msgs <- msg },
	}

	m.toggleDuplex()
	state := waitForState(t, msgs)
	if state.connected || state.err == nil {
		t.Fatalf("expected a dial failure report, got %+v", state)
	}

	m.Update(state)
	if len(m.turns) == 0 {
		t.Fatal("expected the failure surfaced in the transcript log")
	}
}
