package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
)

// openaiCompletions is the subset of the OpenAI SDK the provider calls.
// *openai.ChatCompletionService satisfies it; tests substitute scripted
// streams. Self-hosted endpoints speaking the OpenAI wire protocol reuse
// this provider with a custom base URL.
type openaiCompletions interface {
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// openaiClient implements Client on top of OpenAI chat completions.
type openaiClient struct {
	chat openaiCompletions
}

func newOpenAIClient(apiKey, baseURL string) *openaiClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	oc := openai.NewClient(opts...)
	return &openaiClient{chat: &oc.Chat.Completions}
}

func (c *openaiClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	params, err := openaiParams(input)
	if err != nil {
		return nil, err
	}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai chat.completions stream: %w", err)
	}

	out := make(chan Chunk, 32)
	go func() {
		defer close(out)
		defer stream.Close()

		send := func(chunk Chunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Tool call arguments arrive as fragments spread across chunks,
		// keyed by the call's index in the streamed message. They are only
		// complete once the choice reports a finish reason.
		toolCalls := make(map[int]*toolBuffer)

		flushToolCalls := func() bool {
			if len(toolCalls) == 0 {
				return true
			}
			indexes := make([]int, 0, len(toolCalls))
			for idx := range toolCalls {
				indexes = append(indexes, idx)
			}
			sort.Ints(indexes)
			for _, idx := range indexes {
				tb := toolCalls[idx]
				if !send(&ToolCallChunk{CallID: tb.id, Name: tb.name, Arguments: tb.finalInput()}) {
					return false
				}
			}
			toolCalls = make(map[int]*toolBuffer)
			return true
		}

		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if !send(&TextChunk{Content: choice.Delta.Content}) {
						return
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					idx := int(tc.Index)
					tb := toolCalls[idx]
					if tb == nil {
						tb = &toolBuffer{}
						toolCalls[idx] = tb
					}
					if tc.ID != "" {
						tb.id = tc.ID
					}
					if tc.Function.Name != "" {
						tb.name = tc.Function.Name
					}
					if tc.Function.Arguments != "" {
						tb.fragments = append(tb.fragments, tc.Function.Arguments)
					}
				}
				if choice.FinishReason != "" {
					if !flushToolCalls() {
						return
					}
				}
			}
			// Usage rides on a trailing chunk when stream_options asks for it.
			if chunk.Usage.TotalTokens > 0 {
				usage := &UsageChunk{
					InputTokens:  int32(chunk.Usage.PromptTokens),
					OutputTokens: int32(chunk.Usage.CompletionTokens),
					TotalTokens:  int32(chunk.Usage.TotalTokens),
				}
				if !send(usage) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			send(openaiErrorChunk(err))
		}
	}()
	return out, nil
}

func openaiParams(input *GenerateInput) (*openai.ChatCompletionNewParams, error) {
	cfg := input.Config
	if cfg == nil {
		return nil, errors.New("openai: provider config is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	msgs, err := encodeOpenAIMessages(input.Messages)
	if err != nil {
		return nil, err
	}
	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    openai.ChatModel(cfg.Model),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if cfg.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(cfg.MaxOutputTokens))
	}
	if cfg.Temperature != nil {
		params.Temperature = openai.Float(*cfg.Temperature)
	}
	tools, err := encodeOpenAITools(input.Tools)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	return &params, nil
}

func encodeOpenAIMessages(msgs []ConversationMessage) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			if m.Content != "" {
				out = append(out, openai.SystemMessage(m.Content))
			}
		case "user":
			if m.Content != "" {
				out = append(out, openai.UserMessage(m.Content))
			}
		case "assistant":
			if len(m.ToolCalls) == 0 {
				if m.Content != "" {
					out = append(out, openai.AssistantMessage(m.Content))
				}
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{
				ToolCalls: make([]openai.ChatCompletionMessageToolCallUnionParam, 0, len(m.ToolCalls)),
			}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, call := range m.ToolCalls {
				args := call.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: call.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      call.Name,
							Arguments: args,
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeOpenAITools(defs []ToolDefinition) ([]openai.ChatCompletionToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		fn := openai.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		if def.ParametersSchema != "" {
			var m map[string]any
			if err := json.Unmarshal([]byte(def.ParametersSchema), &m); err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
			}
			fn.Parameters = openai.FunctionParameters(m)
		}
		toolList = append(toolList, openai.ChatCompletionFunctionTool(fn))
	}
	return toolList, nil
}

func openaiErrorChunk(err error) *ErrorChunk {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		code := "api_error"
		if apierr.StatusCode == http.StatusTooManyRequests {
			code = "rate_limited"
		}
		return &ErrorChunk{
			Message:   err.Error(),
			Code:      code,
			Retryable: apierr.StatusCode == http.StatusTooManyRequests || apierr.StatusCode >= 500,
		}
	}
	return &ErrorChunk{Message: err.Error(), Code: "stream_error"}
}
