package duplex

// Endpoint is the remote side of a duplex conversation: a transport that
// accepts outbound audio, video snapshots and tool results, and emits
// inbound events. The websocket endpoint is the production implementation;
// tests substitute fakes.
type Endpoint interface {
	// Events yields inbound events. The channel closes when the transport
	// is torn down, after a final ClosedEvent or ErrorEvent.
	Events() <-chan Event
	SendAudio(pcm []byte) error
	SendVideoFrame(image []byte) error
	SendToolResult(result ToolResult) error
	Close() error
}

// Event is an inbound duplex event.
type Event interface {
	event()
}

// OpenedEvent confirms the remote accepted the session. It is always the
// first event of a successful session.
type OpenedEvent struct{}

func (OpenedEvent) event() {}

// AudioChunkEvent carries one inbound PCM payload for playback.
type AudioChunkEvent struct {
	PCM []byte
}

func (AudioChunkEvent) event() {}

// ToolCallEvent asks the local side to invoke a registered action.
type ToolCallEvent struct {
	ID   string
	Name string
}

func (ToolCallEvent) event() {}

// ClosedEvent reports a clean remote close.
type ClosedEvent struct{}

func (ClosedEvent) event() {}

// ErrorEvent reports a transport-level failure. It is fatal to the session.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) event() {}

// ToolResult is the mandatory acknowledgment for a handled tool call:
// exactly one per call, success or not. Error is empty on success and
// carries the failure description otherwise.
type ToolResult struct {
	ID     string
	Name   string
	Output string
	Error  string
}
