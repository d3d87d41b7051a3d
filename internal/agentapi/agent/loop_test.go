package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbox/runbox/internal/common/config"
	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// fakeModelServer plays one SSE script per completion request.
type fakeModelServer struct {
	mu       sync.Mutex
	scripts  [][]string
	requests []openai.ChatCompletionRequest
	status   int
}

func (f *fakeModelServer) handler(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	var script []string
	if len(f.scripts) > 0 {
		script = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	status := f.status
	f.mu.Unlock()

	if status != 0 {
		http.Error(w, `{"error":{"message":"upstream unavailable"}}`, status)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	for _, chunk := range script {
		fmt.Fprintf(w, "data: %s\n\n", chunk)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func (f *fakeModelServer) recordedRequests() []openai.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]openai.ChatCompletionRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func textChunk(t *testing.T, content string) string {
	t.Helper()
	resp := openai.ChatCompletionStreamResponse{
		ID:     "chunk",
		Object: "chat.completion.chunk",
		Model:  "test",
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: content},
		}},
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	return string(raw)
}

// toolChunk produces one tool-call fragment. Empty id and name model the
// continuation fragments that only append argument bytes.
func toolChunk(t *testing.T, index int, id, name, args string) string {
	t.Helper()
	idx := index
	resp := openai.ChatCompletionStreamResponse{
		ID:     "chunk",
		Object: "chat.completion.chunk",
		Model:  "test",
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{
					Index:    &idx,
					ID:       id,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: name, Arguments: args},
				}},
			},
		}},
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	return string(raw)
}

type dispatchedCall struct {
	Name string
	Args map[string]interface{}
}

type stubDispatcher struct {
	mu      sync.Mutex
	results map[string]string
	err     error
	calls   []dispatchedCall
}

func (d *stubDispatcher) Tools() []openai.Tool {
	return []openai.Tool{{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        "execute_bash",
			Description: "Run a command",
			Parameters:  map[string]interface{}{"type": "object"},
		},
	}}
}

func (d *stubDispatcher) Dispatch(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchedCall{Name: name, Args: args})
	if d.err != nil {
		return "", d.err
	}
	if result, ok := d.results[name]; ok {
		return result, nil
	}
	return "ok", nil
}

func (d *stubDispatcher) Close() error { return nil }

func (d *stubDispatcher) recordedCalls() []dispatchedCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]dispatchedCall, len(d.calls))
	copy(out, d.calls)
	return out
}

func newTestRunner(t *testing.T, server *fakeModelServer, maxRounds int) *Runner {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(server.handler))
	t.Cleanup(ts.Close)

	clientCfg := openai.DefaultConfig("test-key")
	clientCfg.BaseURL = ts.URL + "/v1"

	cfg := config.AgentAPIConfig{
		DefaultModel:  "anthropic/test-model",
		MaxTokens:     256,
		Temperature:   0.2,
		MaxToolRounds: maxRounds,
	}
	return NewRunner(openai.NewClientWithConfig(clientCfg), cfg, newTestLogger(t))
}

func testRuntime(dispatcher ToolDispatcher) *Runtime {
	return &Runtime{UserID: "alice", SystemPrompt: "be helpful", Dispatcher: dispatcher}
}

func userTurn(content string) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "be helpful"},
		{Role: openai.ChatMessageRoleUser, Content: content},
	}
}

func TestRunPlainTextAnswer(t *testing.T) {
	server := &fakeModelServer{scripts: [][]string{
		{textChunk(t, "Hello"), textChunk(t, " there")},
	}}
	r := newTestRunner(t, server, 5)

	var events []Event
	appended, err := r.Run(context.Background(), testRuntime(&stubDispatcher{}), userTurn("hi"), func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, appended, 1)
	assert.Equal(t, openai.ChatMessageRoleAssistant, appended[0].Role)
	assert.Equal(t, "Hello there", appended[0].Content)

	require.Len(t, events, 2)
	assert.Equal(t, EventText, events[0].Type)
	assert.Equal(t, "Hello", events[0].Text)
	assert.Equal(t, " there", events[1].Text)

	reqs := server.recordedRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "anthropic/test-model", reqs[0].Model)
	assert.True(t, reqs[0].Stream)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "execute_bash", reqs[0].Tools[0].Function.Name)
}

func TestRunToolCallRound(t *testing.T) {
	server := &fakeModelServer{scripts: [][]string{
		{
			// Arguments sliced across two fragments.
			toolChunk(t, 0, "call_abc123", "execute_bash", `{"comm`),
			toolChunk(t, 0, "", "", `and":"echo hi"}`),
		},
		{textChunk(t, "The command printed hi.")},
	}}
	dispatcher := &stubDispatcher{results: map[string]string{
		"execute_bash": `{"exit_code":0,"stdout":"hi\n","stderr":""}`,
	}}
	r := newTestRunner(t, server, 5)

	var events []Event
	appended, err := r.Run(context.Background(), testRuntime(dispatcher), userTurn("run echo hi"), func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	calls := dispatcher.recordedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "execute_bash", calls[0].Name)
	assert.Equal(t, map[string]interface{}{"command": "echo hi"}, calls[0].Args)

	// assistant(tool_calls), tool result, final assistant text
	require.Len(t, appended, 3)
	assert.Equal(t, openai.ChatMessageRoleAssistant, appended[0].Role)
	require.Len(t, appended[0].ToolCalls, 1)
	assert.Equal(t, "call_abc123", appended[0].ToolCalls[0].ID)
	assert.Equal(t, `{"command":"echo hi"}`, appended[0].ToolCalls[0].Function.Arguments)
	assert.Equal(t, openai.ChatMessageRoleTool, appended[1].Role)
	assert.Equal(t, "call_abc123", appended[1].ToolCallID)
	assert.Contains(t, appended[1].Content, `"exit_code":0`)
	assert.Equal(t, "The command printed hi.", appended[2].Content)

	// Event order: tool call announced before its result feeds the next round.
	require.Len(t, events, 2)
	assert.Equal(t, EventToolCall, events[0].Type)
	assert.Equal(t, "call_abc123", events[0].ToolCall.ID)
	assert.Equal(t, "execute_bash", events[0].ToolCall.Name)
	assert.Equal(t, EventText, events[1].Type)

	// Second model call sees the assistant tool-call message and the result.
	reqs := server.recordedRequests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages
	require.GreaterOrEqual(t, len(last), 4)
	assert.Equal(t, openai.ChatMessageRoleTool, last[len(last)-1].Role)
	assert.Equal(t, "call_abc123", last[len(last)-1].ToolCallID)
}

func TestRunGeneratesMissingCallID(t *testing.T) {
	server := &fakeModelServer{scripts: [][]string{
		{toolChunk(t, 0, "", "execute_bash", `{}`)},
		{textChunk(t, "done")},
	}}
	dispatcher := &stubDispatcher{}
	r := newTestRunner(t, server, 5)

	var events []Event
	appended, err := r.Run(context.Background(), testRuntime(dispatcher), userTurn("go"), func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, EventToolCall, events[0].Type)
	id := events[0].ToolCall.ID
	assert.Regexp(t, `^call_[0-9a-f]{12}$`, id)
	assert.Equal(t, id, appended[0].ToolCalls[0].ID)
	assert.Equal(t, id, appended[1].ToolCallID)
}

func TestRunMalformedArgumentsDispatchedEmpty(t *testing.T) {
	server := &fakeModelServer{scripts: [][]string{
		{toolChunk(t, 0, "call_1", "execute_bash", `{not json`)},
		{textChunk(t, "done")},
	}}
	dispatcher := &stubDispatcher{}
	r := newTestRunner(t, server, 5)

	_, err := r.Run(context.Background(), testRuntime(dispatcher), userTurn("go"), func(Event) error { return nil })
	require.NoError(t, err)

	calls := dispatcher.recordedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]interface{}{}, calls[0].Args)
}

func TestRunModelErrorMapped(t *testing.T) {
	server := &fakeModelServer{status: http.StatusInternalServerError}
	r := newTestRunner(t, server, 5)

	_, err := r.Run(context.Background(), testRuntime(&stubDispatcher{}), userTurn("hi"), func(Event) error { return nil })
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeModelCallFailed))
}

func TestRunDispatchErrorAborts(t *testing.T) {
	server := &fakeModelServer{scripts: [][]string{
		{toolChunk(t, 0, "call_1", "execute_bash", `{"command":"true"}`)},
	}}
	dispatcher := &stubDispatcher{err: errors.New("tool server unreachable")}
	r := newTestRunner(t, server, 5)

	appended, err := r.Run(context.Background(), testRuntime(dispatcher), userTurn("go"), func(Event) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool server unreachable")
	// The assistant tool-call message was still recorded before the failure.
	require.NotEmpty(t, appended)
	assert.Equal(t, openai.ChatMessageRoleAssistant, appended[0].Role)
}

func TestRunRoundBudgetExhausted(t *testing.T) {
	server := &fakeModelServer{scripts: [][]string{
		{toolChunk(t, 0, "call_1", "execute_bash", `{"command":"true"}`)},
		{toolChunk(t, 0, "call_2", "execute_bash", `{"command":"true"}`)},
	}}
	dispatcher := &stubDispatcher{}
	r := newTestRunner(t, server, 2)

	var events []Event
	appended, err := r.Run(context.Background(), testRuntime(dispatcher), userTurn("loop forever"), func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, dispatcher.recordedCalls(), 2)
	last := appended[len(appended)-1]
	assert.Equal(t, openai.ChatMessageRoleAssistant, last.Role)
	assert.Contains(t, last.Content, "tool call limit")

	final := events[len(events)-1]
	assert.Equal(t, EventText, final.Type)
	assert.Contains(t, final.Text, "tool call limit")
}

func TestRunEmitFailureStopsTurn(t *testing.T) {
	server := &fakeModelServer{scripts: [][]string{
		{textChunk(t, "Hello"), textChunk(t, " there")},
	}}
	r := newTestRunner(t, server, 5)

	emitErr := errors.New("client went away")
	_, err := r.Run(context.Background(), testRuntime(&stubDispatcher{}), userTurn("hi"), func(Event) error {
		return emitErr
	})
	require.ErrorIs(t, err, emitErr)
}

func TestRunParallelToolCallsOrderedByIndex(t *testing.T) {
	server := &fakeModelServer{scripts: [][]string{
		{
			toolChunk(t, 1, "call_b", "execute_bash", `{"command":"second"}`),
			toolChunk(t, 0, "call_a", "execute_bash", `{"command":"first"}`),
		},
		{textChunk(t, "done")},
	}}
	dispatcher := &stubDispatcher{}
	r := newTestRunner(t, server, 5)

	_, err := r.Run(context.Background(), testRuntime(dispatcher), userTurn("go"), func(Event) error { return nil })
	require.NoError(t, err)

	calls := dispatcher.recordedCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Args["command"])
	assert.Equal(t, "second", calls[1].Args["command"])
}
