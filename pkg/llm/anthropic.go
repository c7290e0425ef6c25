package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// The Messages API rejects requests without an explicit completion cap, so
// providers that leave max_output_tokens unset get this one.
const defaultAnthropicMaxTokens = 4096

// anthropicMessages is the subset of the Anthropic SDK the provider calls.
// *sdk.MessageService satisfies it; tests substitute scripted streams.
type anthropicMessages interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// anthropicClient implements Client on top of Anthropic Claude Messages.
type anthropicClient struct {
	msg anthropicMessages
}

func newAnthropicClient(apiKey, baseURL string) *anthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	ac := sdk.NewClient(opts...)
	return &anthropicClient{msg: &ac.Messages}
}

func (c *anthropicClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	params, err := anthropicParams(input)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
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

		// In-flight tool_use blocks keyed by content block index. Argument
		// JSON arrives as partial fragments and is only valid once joined
		// at content_block_stop.
		toolBlocks := make(map[int]*toolBuffer)

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.MessageStartEvent:
				toolBlocks = make(map[int]*toolBuffer)
			case sdk.ContentBlockStartEvent:
				if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					toolBlocks[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
				}
			case sdk.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if delta.Text == "" {
						continue
					}
					if !send(&TextChunk{Content: delta.Text}) {
						return
					}
				case sdk.ThinkingDelta:
					if delta.Thinking == "" {
						continue
					}
					if !send(&ThinkingChunk{Content: delta.Thinking}) {
						return
					}
				case sdk.InputJSONDelta:
					if tb := toolBlocks[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
						tb.fragments = append(tb.fragments, delta.PartialJSON)
					}
				}
			case sdk.ContentBlockStopEvent:
				if tb := toolBlocks[int(ev.Index)]; tb != nil {
					delete(toolBlocks, int(ev.Index))
					if !send(&ToolCallChunk{CallID: tb.id, Name: tb.name, Arguments: tb.finalInput()}) {
						return
					}
				}
			case sdk.MessageDeltaEvent:
				usage := &UsageChunk{
					InputTokens:  int32(ev.Usage.InputTokens),
					OutputTokens: int32(ev.Usage.OutputTokens),
					TotalTokens:  int32(ev.Usage.InputTokens + ev.Usage.OutputTokens),
				}
				if !send(usage) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			send(anthropicErrorChunk(err))
		}
	}()
	return out, nil
}

func anthropicParams(input *GenerateInput) (*sdk.MessageNewParams, error) {
	cfg := input.Config
	if cfg == nil {
		return nil, errors.New("anthropic: provider config is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	msgs, system, err := encodeAnthropicMessages(input.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(cfg.Model),
	}
	if len(system) > 0 {
		params.System = system
	}
	tools, err := encodeAnthropicTools(input.Tools)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if cfg.Temperature != nil {
		params.Temperature = sdk.Float(*cfg.Temperature)
	}
	if budget := cfg.ThinkingBudgetTokens; budget > 0 {
		if budget < 1024 {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be >= 1024", budget)
		}
		if budget >= maxTokens {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", budget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(budget))
	}
	return &params, nil
}

// encodeAnthropicMessages splits the conversation into Anthropic turns.
// System messages are lifted into the top-level system prompt; tool results
// ride in user messages per the Messages API shape.
func encodeAnthropicMessages(msgs []ConversationMessage) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam
	for _, m := range msgs {
		switch m.Role {
		case "system":
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case "user":
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case "assistant":
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				args := call.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, json.RawMessage(args), call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case "tool":
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError)))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeAnthropicTools(defs []ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema, err := anthropicInputSchema(def.ParametersSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, nil
}

func anthropicInputSchema(raw string) (sdk.ToolInputSchemaParam, error) {
	if raw == "" {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func anthropicErrorChunk(err error) *ErrorChunk {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		code := "api_error"
		switch apierr.StatusCode {
		case http.StatusTooManyRequests:
			code = "rate_limited"
		case 529:
			code = "overloaded"
		}
		return &ErrorChunk{
			Message:   err.Error(),
			Code:      code,
			Retryable: apierr.StatusCode == http.StatusTooManyRequests || apierr.StatusCode >= 500,
		}
	}
	return &ErrorChunk{Message: err.Error(), Code: "stream_error"}
}

// toolBuffer accumulates streamed tool argument fragments for one
// content block until the block stops.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

// finalInput joins buffered fragments into the tool argument JSON.
// Tools invoked with no arguments stream no fragments at all, so an
// empty buffer means "{}".
func (tb *toolBuffer) finalInput() string {
	if len(tb.fragments) == 0 {
		return "{}"
	}
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}
