package agentapi

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbox/runbox/internal/agentapi/agent"
	apperrors "github.com/runbox/runbox/internal/common/errors"
)

// chunkFrame mirrors the wire shape of one streaming chunk.
type chunkFrame struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func parseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, part := range strings.Split(body, "\n\n") {
		if part == "" {
			continue
		}
		require.True(t, strings.HasPrefix(part, "data: "), "frame %q lacks data prefix", part)
		frames = append(frames, strings.TrimPrefix(part, "data: "))
	}
	return frames
}

func decodeChunk(t *testing.T, frame string) chunkFrame {
	t.Helper()
	var chunk chunkFrame
	require.NoError(t, json.Unmarshal([]byte(frame), &chunk))
	require.Len(t, chunk.Choices, 1)
	return chunk
}

func writeEvents(t *testing.T, model string, events ...agent.Event) []string {
	t.Helper()
	rec := httptest.NewRecorder()
	sw, err := newStreamWriter(rec, model)
	require.NoError(t, err)
	for _, ev := range events {
		require.NoError(t, sw.WriteEvent(ev))
	}
	return parseFrames(t, rec.Body.String())
}

func TestStreamTextTurn(t *testing.T) {
	frames := writeEvents(t, "anthropic/test-model",
		agent.Event{Type: agent.EventText, Text: "Hello"},
		agent.Event{Type: agent.EventText, Text: " world"},
		agent.Event{Type: agent.EventDone},
	)

	// role frame, two content frames, stop frame, [DONE]
	require.Len(t, frames, 5)
	assert.Equal(t, "[DONE]", frames[len(frames)-1])

	role := decodeChunk(t, frames[0])
	assert.Regexp(t, `^chatcmpl-[0-9a-f]{12}$`, role.ID)
	assert.Equal(t, "chat.completion.chunk", role.Object)
	assert.Equal(t, "anthropic/test-model", role.Model)
	assert.Equal(t, "assistant", role.Choices[0].Delta.Role)
	assert.Empty(t, role.Choices[0].Delta.Content)
	assert.Nil(t, role.Choices[0].FinishReason)

	first := decodeChunk(t, frames[1])
	assert.Equal(t, role.ID, first.ID, "all frames share the request id")
	assert.Equal(t, "Hello", first.Choices[0].Delta.Content)
	assert.Empty(t, first.Choices[0].Delta.Role)

	second := decodeChunk(t, frames[2])
	assert.Equal(t, " world", second.Choices[0].Delta.Content)

	stop := decodeChunk(t, frames[3])
	assert.Empty(t, stop.Choices[0].Delta.Content)
	assert.Empty(t, stop.Choices[0].Delta.Role)
	require.NotNil(t, stop.Choices[0].FinishReason)
	assert.Equal(t, "stop", *stop.Choices[0].FinishReason)
}

func TestStreamToolCallFrames(t *testing.T) {
	frames := writeEvents(t, "m",
		agent.Event{Type: agent.EventToolCall, ToolCall: &agent.ToolCall{
			ID:        "call_abc123",
			Name:      "execute_bash",
			Arguments: map[string]interface{}{"command": "echo hi"},
		}},
		agent.Event{Type: agent.EventText, Text: "The output was hi."},
		agent.Event{Type: agent.EventText, Text: " Anything else?"},
		agent.Event{Type: agent.EventDone},
	)

	// role, tool call, two text frames, stop, [DONE]
	require.Len(t, frames, 6)

	tool := decodeChunk(t, frames[1])
	calls := tool.Choices[0].Delta.ToolCalls
	require.Len(t, calls, 1)
	assert.Equal(t, "call_abc123", calls[0].ID)
	assert.Equal(t, "function", calls[0].Type)
	assert.Equal(t, "execute_bash", calls[0].Function.Name)

	var args map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(calls[0].Function.Arguments), &args))
	assert.Equal(t, map[string]interface{}{"command": "echo hi"}, args)

	// First text after a tool call gets a paragraph break; the next does not.
	first := decodeChunk(t, frames[2])
	assert.Equal(t, "\n\nThe output was hi.", first.Choices[0].Delta.Content)
	second := decodeChunk(t, frames[3])
	assert.Equal(t, " Anything else?", second.Choices[0].Delta.Content)
}

func TestStreamGeneratesToolCallID(t *testing.T) {
	frames := writeEvents(t, "m",
		agent.Event{Type: agent.EventToolCall, ToolCall: &agent.ToolCall{
			Name:      "write_file",
			Arguments: map[string]interface{}{},
		}},
		agent.Event{Type: agent.EventDone},
	)

	tool := decodeChunk(t, frames[1])
	assert.Regexp(t, `^call_[0-9a-f]{12}$`, tool.Choices[0].Delta.ToolCalls[0].ID)
}

func TestStreamErrorFrame(t *testing.T) {
	frames := writeEvents(t, "m",
		agent.Event{Type: agent.EventText, Text: "partial"},
		agent.Event{Type: agent.EventError, Err: apperrors.ModelCallFailed(errors.New("upstream 500"))},
	)

	require.Equal(t, "[DONE]", frames[len(frames)-1])

	var frame struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-2]), &frame))
	assert.Contains(t, frame.Error.Message, "upstream 500")
	assert.Equal(t, "model_call_failed", frame.Error.Type)
}

func TestStreamErrorWithoutOutput(t *testing.T) {
	frames := writeEvents(t, "m",
		agent.Event{Type: agent.EventError, Err: errors.New("boom")},
	)

	// No role frame: the stream died before any content.
	require.Len(t, frames, 2)
	var frame struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &frame))
	assert.Equal(t, "boom", frame.Error.Message)
	assert.Equal(t, "internal_error", frame.Error.Type)
	assert.Equal(t, "[DONE]", frames[1])
}

func TestStreamEmptyTurn(t *testing.T) {
	frames := writeEvents(t, "m", agent.Event{Type: agent.EventDone})

	// Just the stop frame and the terminator.
	require.Len(t, frames, 2)
	stop := decodeChunk(t, frames[0])
	require.NotNil(t, stop.Choices[0].FinishReason)
	assert.Equal(t, "stop", *stop.Choices[0].FinishReason)
	assert.Equal(t, "[DONE]", frames[1])
}
