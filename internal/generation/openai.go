package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/tools"
)

// StreamClient captures the subset of the go-openai client used by the adapter.
type StreamClient interface {
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIOptions configures the OpenAI adapter.
type OpenAIOptions struct {
	Client StreamClient
	Model  string
}

// OpenAI streams turns from the Chat Completions API.
type OpenAI struct {
	client StreamClient
	model  string
}

var _ Adapter = (*OpenAI)(nil)

// NewOpenAI builds an adapter from opts.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.Client == nil {
		return nil, errors.New("generation: openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("generation: openai model is required")
	}
	return &OpenAI{client: opts.Client, model: opts.Model}, nil
}

// NewOpenAIFromAPIKey constructs an adapter using the default go-openai
// HTTP client. baseURL overrides the API endpoint when non-empty.
func NewOpenAIFromAPIKey(apiKey, baseURL, modelID string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("generation: openai api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewOpenAI(OpenAIOptions{Client: openai.NewClientWithConfig(cfg), Model: modelID})
}

func (o *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("generation: messages are required")
	}
	toolDefs, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	request := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: encodeMessages(req.Messages),
		Tools:    toolDefs,
		Stream:   true,
	}
	inner, err := o.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, &Error{Provider: "openai", Err: err}
	}
	return &openaiStream{inner: inner, calls: make(map[int]*ToolCall)}, nil
}

// encodeMessages converts conversation history. Tool call refs that never
// received a tool message (rejected or cancelled calls) are dropped, since
// the API rejects unanswered tool calls.
func encodeMessages(msgs []model.Message) []openai.ChatCompletionMessage {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == model.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if len(m.FileIDs) > 0 {
			content += "\n\n[attached files: " + strings.Join(m.FileIDs, ", ") + "]"
		}
		msg := openai.ChatCompletionMessage{Role: string(m.Role), Content: content}
		switch m.Role {
		case model.RoleTool:
			msg.ToolCallID = m.ToolCallID
		case model.RoleAssistant:
			for _, ref := range m.ToolCalls {
				if !answered[ref.ID] {
					continue
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   ref.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      ref.Name,
						Arguments: string(ref.Arguments),
					},
				})
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

func encodeTools(defs []tools.Definition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params := def.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		if !json.Valid(params) {
			return nil, fmt.Errorf("generation: tool %s: parameters are not valid JSON", def.Name)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return out, nil
}

// openaiStream translates chunk deltas into Events. Tool call fragments
// arrive split across chunks and are keyed by their index.
type openaiStream struct {
	inner    *openai.ChatCompletionStream
	queue    []Event
	calls    map[int]*ToolCall
	finished bool
}

func (s *openaiStream) Recv() (Event, error) {
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			return ev, nil
		}
		if s.finished {
			return Event{}, io.EOF
		}

		chunk, err := s.inner.Recv()
		if errors.Is(err, io.EOF) {
			s.finish(true)
			continue
		}
		if err != nil {
			return Event{}, &Error{Provider: "openai", Err: err}
		}
		for _, choice := range chunk.Choices {
			if choice.Index != 0 {
				continue
			}
			if choice.Delta.Content != "" {
				s.queue = append(s.queue, Text(choice.Delta.Content))
			}
			for _, frag := range choice.Delta.ToolCalls {
				s.accumulate(frag)
			}
			switch choice.FinishReason {
			case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
				s.finish(false)
			case openai.FinishReasonStop, openai.FinishReasonLength, openai.FinishReasonContentFilter:
				s.finish(true)
			}
		}
	}
}

func (s *openaiStream) accumulate(frag openai.ToolCall) {
	idx := 0
	if frag.Index != nil {
		idx = *frag.Index
	}
	call, ok := s.calls[idx]
	if !ok {
		call = &ToolCall{}
		s.calls[idx] = call
	}
	if frag.ID != "" {
		call.ID = frag.ID
	}
	if frag.Function.Name != "" {
		call.Name = frag.Function.Name
	}
	call.Arguments = append(call.Arguments, frag.Function.Arguments...)
}

// finish flushes accumulated tool calls in index order. When none were
// requested and done is set, the turn completes with a Done event.
func (s *openaiStream) finish(done bool) {
	if s.finished {
		return
	}
	s.finished = true
	if len(s.calls) > 0 {
		idxs := make([]int, 0, len(s.calls))
		for i := range s.calls {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			call := s.calls[i]
			s.queue = append(s.queue, Event{Kind: KindToolCall, ToolCall: call})
		}
		return
	}
	if done {
		s.queue = append(s.queue, Done())
	}
}

func (s *openaiStream) Close() error {
	return s.inner.Close()
}
