package duplex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jinzhu/copier"
	"github.com/viewmate-ai/viewmate-core/core/audio"
)

const defaultDialTimeout = 15 * time.Second

// EndpointConfig configures a websocket duplex endpoint.
type EndpointConfig struct {
	URL    string
	APIKey string

	SystemPrompt     string
	ToolDeclarations []Declaration
}

type setupMessage struct {
	Type         string        `json:"type"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Tools        []Declaration `json:"tools,omitempty"`
}

type outboundAudioMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type outboundVideoMessage struct {
	Type     string `json:"type"`
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type outboundToolResultMessage struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// WebsocketEndpoint speaks the duplex wire protocol over a single websocket
// connection: JSON envelopes with base64 payloads for binary data.
type WebsocketEndpoint struct {
	conn *websocket.Conn

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// DialWebsocket connects and sends the session-open setup message. Tool
// declarations are snapshotted so later registry changes cannot race the
// handshake.
func DialWebsocket(ctx context.Context, config EndpointConfig) (*WebsocketEndpoint, error) {
	headers := make(http.Header)
	if config.APIKey != "" {
		headers.Set("Authorization", "Token "+config.APIKey)
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, config.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to dial duplex endpoint: %w", err)
	}

	var declarations []Declaration
	copier.Copy(&declarations, config.ToolDeclarations)

	setup := setupMessage{
		Type:         "setup",
		SystemPrompt: config.SystemPrompt,
		Tools:        declarations,
	}
	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send session setup: %w", err)
	}

	e := &WebsocketEndpoint{
		conn:   conn,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	go e.readLoop()
	return e, nil
}

func (e *WebsocketEndpoint) Events() <-chan Event { return e.events }

func (e *WebsocketEndpoint) SendAudio(pcm []byte) error {
	return e.sendJSON(outboundAudioMessage{
		Type: "audio",
		Data: audio.EncodeBase64(pcm),
	})
}

func (e *WebsocketEndpoint) SendVideoFrame(image []byte) error {
	return e.sendJSON(outboundVideoMessage{
		Type:     "video",
		MIMEType: "image/jpeg",
		Data:     audio.EncodeBase64(image),
	})
}

func (e *WebsocketEndpoint) SendToolResult(result ToolResult) error {
	return e.sendJSON(outboundToolResultMessage{
		Type:   "tool_result",
		ID:     result.ID,
		Name:   result.Name,
		Output: result.Output,
		Error:  result.Error,
	})
}

func (e *WebsocketEndpoint) sendJSON(v any) error {
	if e.closed.Load() {
		return fmt.Errorf("endpoint is closed")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteJSON(v)
}

func (e *WebsocketEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.writeMu.Lock()
		e.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		e.writeMu.Unlock()
		e.conn.Close()
	})
	<-e.done
	return nil
}

func (e *WebsocketEndpoint) readLoop() {
	defer close(e.done)
	defer close(e.events)

	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			if e.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				e.emit(ClosedEvent{})
				return
			}
			e.emit(ErrorEvent{Err: err})
			return
		}

		event, err := decodeFrame(data)
		if err != nil {
			e.emit(ErrorEvent{Err: err})
			return
		}
		if event != nil {
			e.emit(event)
		}
	}
}

func (e *WebsocketEndpoint) emit(event Event) {
	select {
	case e.events <- event:
	default:
		// Do not deadlock the read loop behind a stalled consumer.
	}
}

func decodeFrame(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode frame envelope: %w", err)
	}

	switch envelope.Type {
	case "opened":
		return OpenedEvent{}, nil
	case "audio":
		var frame struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("failed to decode audio frame: %w", err)
		}
		pcm, err := audio.DecodeBase64(frame.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode audio payload: %w", err)
		}
		return AudioChunkEvent{PCM: pcm}, nil
	case "tool_call":
		var call struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &call); err != nil {
			return nil, fmt.Errorf("failed to decode tool call: %w", err)
		}
		return ToolCallEvent{ID: call.ID, Name: call.Name}, nil
	case "closed":
		return ClosedEvent{}, nil
	case "error":
		var remote struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &remote); err != nil {
			return nil, fmt.Errorf("failed to decode error frame: %w", err)
		}
		return ErrorEvent{Err: fmt.Errorf("remote error: %s", remote.Message)}, nil
	default:
		// Unknown frame types are forward-compatible noise.
		return nil, nil
	}
}
