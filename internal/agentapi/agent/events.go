// Package agent runs the tool-calling model loop behind the bridge's chat
// endpoint: it streams completions from the configured model, dispatches
// requested tool calls to the tool server over MCP, and feeds results back
// until the model stops.
package agent

// EventType discriminates the events emitted while a chat turn runs.
type EventType string

const (
	// EventText carries a chunk of assistant text.
	EventText EventType = "text"
	// EventToolCall announces one tool invocation about to be dispatched.
	EventToolCall EventType = "tool_call"
	// EventDone marks a turn that finished normally.
	EventDone EventType = "done"
	// EventError marks a turn that died mid-stream.
	EventError EventType = "error"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// Event is one element of a turn's output stream. Exactly one payload
// field is set, according to Type.
type Event struct {
	Type     EventType
	Text     string
	ToolCall *ToolCall
	Err      error
}
