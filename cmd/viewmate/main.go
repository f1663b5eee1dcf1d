//go:build cgo

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	orchestration "github.com/viewmate-ai/viewmate-core/core"
	"github.com/viewmate-ai/viewmate-core/core/audio/miniaudio"
	"github.com/viewmate-ai/viewmate-core/core/duplex"
	deepgramstt "github.com/viewmate-ai/viewmate-core/core/speechtotext/deepgram"
	deepgramtts "github.com/viewmate-ai/viewmate-core/core/texttospeech/deepgram"
)

var (
	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)
	recordingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("160")).
			Padding(0, 1)
	duplexStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("28")).
			Padding(0, 1)
	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
	speakerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true)
)

type displayTextMsg string

type turnCompleteMsg orchestration.RecordedTurn

// duplexStateMsg reports a duplex session coming up or going down, with the
// terminal error when it ended because of one.
type duplexStateMsg struct {
	connected bool
	err       error
}

type model struct {
	orchestrator *orchestration.Orchestrator
	dial         func(ctx context.Context) (duplex.Endpoint, error)
	tools        *duplex.Registry
	send         func(tea.Msg)

	viewport viewport.Model
	ready    bool
	width    int

	turns           []string
	responseText    string
	recording       bool
	duplexConnected bool
}

func (m *model) Init() tea.Cmd {
	return nil
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-1)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 1
		}
		m.refreshContent()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case " ":
			m.toggleRecording()
		case "m":
			m.orchestrator.SetVoiceEnabled(!m.orchestrator.VoiceEnabled())
		case "d":
			m.toggleDuplex()
		}

	case displayTextMsg:
		m.responseText = string(msg)
		m.refreshContent()

	case turnCompleteMsg:
		m.recording = false
		m.turns = append(m.turns, msg.Transcript)
		m.speakBack(msg.Transcript)
		m.refreshContent()

	case duplexStateMsg:
		m.duplexConnected = msg.connected
		if msg.err != nil {
			m.turns = append(m.turns, fmt.Sprintf("(duplex session ended: %v)", msg.err))
		}
		m.refreshContent()
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *model) toggleRecording() {
	if m.recording {
		m.orchestrator.StopTurnCapture()
		return
	}
	err := m.orchestrator.StartTurnCapture(context.Background(), func(turn orchestration.RecordedTurn) {
		m.send(turnCompleteMsg(turn))
	})
	if err != nil {
		m.turns = append(m.turns, fmt.Sprintf("(could not start recording: %v)", err))
		m.refreshContent()
		return
	}
	m.recording = true
}

// speakBack feeds the recorded transcript through the response stream. With
// no generation backend attached the console echoes the turn, which still
// runs the full extraction, synthesis and playback path.
func (m *model) speakBack(text string) {
	writer := m.orchestrator.SpeakResponse(context.Background())
	writer.AddChunk(text)
	writer.Finish()
}

func (m *model) toggleDuplex() {
	if m.duplexConnected {
		m.orchestrator.DisconnectDuplex()
		m.duplexConnected = false
		return
	}

	// Dialing and the open handshake block, so they run off the update loop.
	go func() {
		endpoint, err := m.dial(context.Background())
		if err != nil {
			m.send(duplexStateMsg{err: fmt.Errorf("failed to dial: %w", err)})
			return
		}
		session, err := m.orchestrator.ConnectDuplex(context.Background(), endpoint,
			duplex.WithToolRegistry(m.tools))
		if err != nil {
			m.send(duplexStateMsg{err: err})
			return
		}
		m.send(duplexStateMsg{connected: true})
		m.send(duplexStateMsg{connected: false, err: session.Err()})
	}()
}

func (m *model) refreshContent() {
	if !m.ready {
		return
	}

	var b strings.Builder
	for _, turn := range m.turns {
		b.WriteString(speakerStyle.Render("You"))
		b.WriteString("  ")
		b.WriteString(turn)
		b.WriteString("\n\n")
	}
	if m.responseText != "" {
		b.WriteString(speakerStyle.Render("AI"))
		b.WriteString("  ")
		b.WriteString(m.responseText)
		b.WriteString("\n")
	}

	m.viewport.SetContent(wordwrap.String(b.String(), m.width))
	m.viewport.GotoBottom()
}

func (m *model) View() string {
	if !m.ready {
		return "starting..."
	}
	return m.viewport.View() + "\n" + m.statusBar()
}

func (m *model) statusBar() string {
	mode := statusBarStyle.Render("idle")
	if m.recording {
		mode = recordingStyle.Render("recording")
	}

	voice := statusBarStyle.Render("voice on")
	if !m.orchestrator.VoiceEnabled() {
		voice = mutedStyle.Render(" voice off ")
	}

	session := ""
	if m.duplexConnected {
		session = duplexStyle.Render("duplex")
	}

	help := mutedStyle.Render("  space record · m mute · d duplex · q quit")
	return lipgloss.JoinHorizontal(lipgloss.Top, mode, " ", voice, " ", session, help)
}

func main() {
	if os.Getenv("DEEPGRAM_API_KEY") == "" {
		fmt.Fprintln(os.Stderr, "DEEPGRAM_API_KEY is not set")
		os.Exit(1)
	}

	audioClient, err := miniaudio.NewClient()
	if err != nil {
		log.Fatalf("Failed to initialize audio: %v", err)
	}

	synthesizer, err := deepgramtts.NewSynthesisClient(deepgramtts.VoiceAuraAsteria)
	if err != nil {
		log.Fatalf("Failed to initialize synthesis: %v", err)
	}

	var program *tea.Program
	orchestrator := orchestration.NewOrchestrator(
		orchestration.WithAudioInput(audioClient),
		orchestration.WithPlaybackSink(audioClient),
		orchestration.WithSynthesizer(synthesizer),
		orchestration.WithTranscriber(deepgramstt.NewTranscriptionClient()),
		orchestration.WithDisplayCallback(func(fullText string) {
			if program != nil {
				program.Send(displayTextMsg(fullText))
			}
		}),
	)
	defer orchestrator.Close()

	tools := duplex.NewRegistry()
	tools.Register("current_time", "Reports the local wall-clock time.", func() (string, error) {
		return time.Now().Format(time.Kitchen), nil
	})

	m := &model{
		orchestrator: orchestrator,
		tools:        tools,
		dial: func(ctx context.Context) (duplex.Endpoint, error) {
			url := os.Getenv("VIEWMATE_DUPLEX_URL")
			if url == "" {
				return nil, fmt.Errorf("VIEWMATE_DUPLEX_URL is not set")
			}
			return duplex.DialWebsocket(ctx, duplex.EndpointConfig{
				URL:              url,
				APIKey:           os.Getenv("VIEWMATE_DUPLEX_API_KEY"),
				SystemPrompt:     "You are a concise voice assistant.",
				ToolDeclarations: tools.Declarations(),
			})
		},
	}
	program = tea.NewProgram(m, tea.WithAltScreen())
	m.send = program.Send

	if _, err := program.Run(); err != nil {
		log.Fatalf("Failed to run interface: %v", err)
	}
}
