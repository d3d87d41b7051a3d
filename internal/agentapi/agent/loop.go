package agent

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/common/config"
	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/logger"
)

// Runner drives the tool-calling loop for chat turns. One Runner is shared
// by all users; per-user state lives in the Runtime.
type Runner struct {
	client        *openai.Client
	model         string
	maxTokens     int
	temperature   float32
	maxToolRounds int
	logger        *logger.Logger
}

// NewRunner creates a runner bound to the configured model. Requests may
// name any model; completions always run against the configured one, the
// response chunks echo the requested name.
func NewRunner(client *openai.Client, cfg config.AgentAPIConfig, log *logger.Logger) *Runner {
	return &Runner{
		client:        client,
		model:         cfg.DefaultModel,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		maxToolRounds: cfg.MaxToolRounds,
		logger:        log.WithFields(zap.String("component", "agent")),
	}
}

// Run executes one chat turn: stream a completion, dispatch any tool calls,
// feed results back, repeat until the model answers with plain text or the
// round budget runs out. Text and tool-call events are emitted as they
// happen. The returned slice holds the messages the turn appended to the
// transcript (assistant and tool messages), ready for session history.
func (r *Runner) Run(ctx context.Context, rt *Runtime, transcript []openai.ChatCompletionMessage, emit func(Event) error) ([]openai.ChatCompletionMessage, error) {
	msgs := make([]openai.ChatCompletionMessage, len(transcript))
	copy(msgs, transcript)

	var appended []openai.ChatCompletionMessage
	tools := rt.Dispatcher.Tools()

	for round := 0; round < r.maxToolRounds; round++ {
		text, toolCalls, err := r.streamCompletion(ctx, msgs, tools, emit)
		if err != nil {
			return appended, err
		}

		if len(toolCalls) == 0 {
			if text != "" {
				appended = append(appended, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: text,
				})
			}
			return appended, nil
		}

		assistant := openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
		}
		msgs = append(msgs, assistant)
		appended = append(appended, assistant)

		for _, tc := range toolCalls {
			args := r.parseArguments(tc.Function.Name, tc.Function.Arguments)
			call := &ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args}
			if err := emit(Event{Type: EventToolCall, ToolCall: call}); err != nil {
				return appended, err
			}

			r.logger.Info("Dispatching tool call",
				zap.String("user_id", rt.UserID),
				zap.String("tool", tc.Function.Name),
				zap.Int("round", round))
			result, err := rt.Dispatcher.Dispatch(ctx, tc.Function.Name, args)
			if err != nil {
				if ctx.Err() != nil {
					return appended, apperrors.Cancelled()
				}
				return appended, err
			}

			toolMsg := openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			}
			msgs = append(msgs, toolMsg)
			appended = append(appended, toolMsg)
		}
	}

	// Budget exhausted with the model still asking for tools. Finish the
	// stream with a note instead of throwing the work away.
	const limitNote = "Reached the tool call limit before producing a final answer."
	r.logger.Warn("Tool round budget exhausted",
		zap.String("user_id", rt.UserID),
		zap.Int("rounds", r.maxToolRounds))
	if err := emit(Event{Type: EventText, Text: limitNote}); err != nil {
		return appended, err
	}
	appended = append(appended, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: limitNote,
	})
	return appended, nil
}

// streamCompletion runs one streaming model call. Text deltas are emitted
// live; tool-call deltas are accumulated by index and returned complete.
func (r *Runner) streamCompletion(ctx context.Context, msgs []openai.ChatCompletionMessage, tools []openai.Tool, emit func(Event) error) (string, []openai.ToolCall, error) {
	req := openai.ChatCompletionRequest{
		Model:       r.model,
		Messages:    msgs,
		Stream:      true,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	}
	if len(tools) > 0 {
		req.Tools = tools
	}

	stream, err := r.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, apperrors.Cancelled()
		}
		return "", nil, apperrors.ModelCallFailed(err)
	}
	defer stream.Close()

	var text strings.Builder
	pending := make(map[int]*openai.ToolCall)

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", nil, apperrors.Cancelled()
			}
			return "", nil, apperrors.ModelCallFailed(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if err := emit(Event{Type: EventText, Text: choice.Delta.Content}); err != nil {
				return "", nil, err
			}
		}

		// Tool calls arrive sliced across chunks: the first fragment for
		// an index carries id and name, the rest append argument bytes.
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := pending[idx]
			if !ok {
				acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
				pending[idx] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name = tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}
	}

	if len(pending) == 0 {
		return text.String(), nil, nil
	}

	idxs := make([]int, 0, len(pending))
	for idx := range pending {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	calls := make([]openai.ToolCall, 0, len(pending))
	for _, idx := range idxs {
		call := *pending[idx]
		if call.ID == "" {
			call.ID = generateCallID()
		}
		calls = append(calls, call)
	}
	return text.String(), calls, nil
}

// parseArguments decodes the accumulated JSON arguments. Malformed JSON is
// dispatched as empty arguments so the tool returns its own validation
// error instead of the turn dying.
func (r *Runner) parseArguments(tool, raw string) map[string]interface{} {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		r.logger.Warn("Tool arguments are not valid JSON",
			zap.String("tool", tool),
			zap.Error(err))
		return map[string]interface{}{}
	}
	return args
}

func generateCallID() string {
	id := uuid.New()
	return "call_" + hex.EncodeToString(id[:])[:12]
}
