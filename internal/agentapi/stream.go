package agentapi

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/runbox/runbox/internal/agentapi/agent"
	apperrors "github.com/runbox/runbox/internal/common/errors"
)

const (
	chunkObject   = "chat.completion.chunk"
	doneFrame     = "data: [DONE]\n\n"
	roleAssistant = "assistant"
)

// streamWriter converts loop events into OpenAI streaming chunks on the
// wire. One writer serves one request: it owns the request id, serializes
// writes, and flushes after every frame.
//
// Frame rules, kept compatible with what downstream chat UIs parse:
//   - the first content-bearing frame is preceded by a bare
//     delta{role: assistant} frame
//   - each tool call gets its own frame with the arguments re-encoded as a
//     JSON string
//   - the first text after a tool-call frame is prefixed with a blank line
//     so the answer does not run into tool output rendering
//   - every stream ends with the [DONE] marker, after either a stop frame
//     or an error frame
type streamWriter struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	requestID string
	model     string
	started   bool
	afterTool bool

	now func() time.Time // swapped in tests
}

// newStreamWriter prepares a writer for one chat request. The response
// writer must support flushing.
func newStreamWriter(w http.ResponseWriter, model string) (*streamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	return &streamWriter{
		w:         w,
		flusher:   flusher,
		requestID: "chatcmpl-" + hexID(12),
		model:     model,
		now:       time.Now,
	}, nil
}

// WriteEvent converts one loop event into its wire frames.
func (sw *streamWriter) WriteEvent(ev agent.Event) error {
	switch ev.Type {
	case agent.EventText:
		return sw.writeText(ev.Text)
	case agent.EventToolCall:
		return sw.writeToolCall(ev.ToolCall)
	case agent.EventDone:
		return sw.writeStop()
	case agent.EventError:
		return sw.writeError(ev.Err)
	}
	return nil
}

func (sw *streamWriter) writeText(text string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if err := sw.ensureStartedLocked(); err != nil {
		return err
	}
	if sw.afterTool {
		text = "\n\n" + text
		sw.afterTool = false
	}
	return sw.writeChunkLocked(openai.ChatCompletionStreamChoiceDelta{Content: text}, "")
}

func (sw *streamWriter) writeToolCall(call *agent.ToolCall) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if err := sw.ensureStartedLocked(); err != nil {
		return err
	}

	id := call.ID
	if id == "" {
		id = "call_" + hexID(12)
	}
	args, err := json.Marshal(call.Arguments)
	if err != nil {
		args = []byte("{}")
	}

	delta := openai.ChatCompletionStreamChoiceDelta{
		ToolCalls: []openai.ToolCall{{
			ID:   id,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      call.Name,
				Arguments: string(args),
			},
		}},
	}
	sw.afterTool = true
	return sw.writeChunkLocked(delta, "")
}

func (sw *streamWriter) writeStop() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if err := sw.writeChunkLocked(openai.ChatCompletionStreamChoiceDelta{}, openai.FinishReasonStop); err != nil {
		return err
	}
	return sw.writeDoneLocked()
}

func (sw *streamWriter) writeError(err error) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	frame := map[string]interface{}{
		"error": map[string]interface{}{
			"message": errorMessage(err),
			"type":    errorType(err),
		},
	}
	raw, marshalErr := json.Marshal(frame)
	if marshalErr != nil {
		return marshalErr
	}
	if writeErr := sw.writeFrameLocked(raw); writeErr != nil {
		return writeErr
	}
	return sw.writeDoneLocked()
}

// ensureStartedLocked emits the role frame before the first content frame.
func (sw *streamWriter) ensureStartedLocked() error {
	if sw.started {
		return nil
	}
	sw.started = true
	return sw.writeChunkLocked(openai.ChatCompletionStreamChoiceDelta{Role: roleAssistant}, "")
}

func (sw *streamWriter) writeChunkLocked(delta openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) error {
	chunk := openai.ChatCompletionStreamResponse{
		ID:      sw.requestID,
		Object:  chunkObject,
		Created: sw.now().Unix(),
		Model:   sw.model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
	raw, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return sw.writeFrameLocked(raw)
}

func (sw *streamWriter) writeFrameLocked(payload []byte) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

func (sw *streamWriter) writeDoneLocked() error {
	if _, err := fmt.Fprint(sw.w, doneFrame); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// errorMessage strips the code prefix from structured errors; the code is
// already carried by the type field.
func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	if appErr := apperrors.AsAppError(err); appErr != nil {
		if appErr.Err != nil {
			return appErr.Message + ": " + appErr.Err.Error()
		}
		return appErr.Message
	}
	return err.Error()
}

func errorType(err error) string {
	if appErr := apperrors.AsAppError(err); appErr != nil {
		return strings.ToLower(appErr.Code)
	}
	return "internal_error"
}

// hexID returns n hex characters of a fresh UUID.
func hexID(n int) string {
	id := uuid.New()
	return hex.EncodeToString(id[:])[:n]
}
