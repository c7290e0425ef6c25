package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/checkpoint"
	"github.com/strandlabs/strand/pkg/llm"
	"github.com/strandlabs/strand/pkg/mcp"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// emitFunc delivers one event to the stream consumer. nil means the
// caller wants no events (Invoke).
type emitFunc func(Event) error

// send forwards an event when streaming and is a no-op otherwise.
func send(emit emitFunc, ev Event) error {
	if emit == nil {
		return nil
	}
	return emit(ev)
}

// conclusionPrompt is appended to the model conversation (never to the
// thread state) when the step budget runs out.
const conclusionPrompt = "You have used all available tool steps. Provide your final answer based on the information gathered so far."

// run executes the agent loop: resume state, append input, then
// alternate model and tool steps until the model answers without tool
// calls. Every step writes a checkpoint before the loop moves on.
func (g *agentGraph) run(ctx context.Context, input map[string]any, cfg *models.RunnableConfig, emit emitFunc) (map[string]any, error) {
	// 1. Resume from the latest checkpoint in this namespace.
	values, parentID, step, err := g.loadState(ctx)
	if err != nil {
		return nil, err
	}

	// 2. Append the new input messages.
	newMsgs := models.MessagesFromValues(input)
	for i := range newMsgs {
		if newMsgs[i].ID == "" {
			newMsgs[i].ID = uuid.NewString()
		}
		if newMsgs[i].Type == "" {
			newMsgs[i].Type = models.MessageTypeHuman
		}
	}
	if len(newMsgs) > 0 {
		values, err = appendMessages(values, newMsgs...)
		if err != nil {
			return nil, err
		}
	}
	if len(models.MessagesFromValues(values)) == 0 {
		return nil, errors.New("run has no input and the thread has no prior conversation")
	}

	// 3. Checkpoint the input so a failed first model step cannot lose it.
	if len(newMsgs) > 0 {
		step++
		parentID, err = g.putCheckpoint(ctx, values, parentID, step, "input", []string{NodeAgent})
		if err != nil {
			return nil, err
		}
	}

	var toolDefs []llm.ToolDefinition
	if g.tools != nil {
		toolDefs = g.tools.Definitions()
	}
	limit := effectiveRecursionLimit(cfg)

	// 4. Alternate model and tool steps.
	for used := 0; ; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if used >= limit {
			return g.forceConclusion(ctx, values, parentID, step, cfg, emit)
		}

		// Model step.
		msgID := uuid.NewString()
		turn, err := g.callModel(ctx, conversationForModel(g.systemPrompt, models.MessagesFromValues(values)),
			toolDefs, g.textDelta(emit, cfg, msgID))
		if err != nil {
			return nil, err
		}
		aiMsg := g.aiMessage(msgID, turn)
		if err := g.emitResponseTail(emit, cfg, msgID, aiMsg); err != nil {
			return nil, err
		}

		values, err = appendMessages(values, aiMsg)
		if err != nil {
			return nil, err
		}
		update, err := messagesUpdate(aiMsg)
		if err != nil {
			return nil, err
		}
		if err := send(emit, &UpdatesEvent{Node: NodeAgent, Update: update}); err != nil {
			return nil, err
		}

		next := []string{}
		if len(turn.toolCalls) > 0 {
			next = []string{NodeTools}
		}
		step++
		parentID, err = g.putCheckpoint(ctx, values, parentID, step, "loop", next)
		if err != nil {
			return nil, err
		}
		used++

		if len(turn.toolCalls) == 0 {
			return values, nil
		}

		// Tool step.
		toolMsgs := make([]models.Message, 0, len(turn.toolCalls))
		for _, call := range turn.toolCalls {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			toolMsg, err := g.executeToolCall(ctx, call, cfg, emit)
			if err != nil {
				return nil, err
			}
			toolMsgs = append(toolMsgs, toolMsg)
		}

		values, err = appendMessages(values, toolMsgs...)
		if err != nil {
			return nil, err
		}
		update, err = messagesUpdate(toolMsgs...)
		if err != nil {
			return nil, err
		}
		if err := send(emit, &UpdatesEvent{Node: NodeTools, Update: update}); err != nil {
			return nil, err
		}

		step++
		parentID, err = g.putCheckpoint(ctx, values, parentID, step, "loop", []string{NodeAgent})
		if err != nil {
			return nil, err
		}
		used++
	}
}

// executeToolCall runs one tool call through the toolset, truncates
// oversized output to the provider's limit and shapes the result as a
// tool message. The message is also streamed whole, tagged with the
// tools node.
func (g *agentGraph) executeToolCall(ctx context.Context, call llm.ToolCall, cfg *models.RunnableConfig, emit emitFunc) (models.Message, error) {
	var result *mcp.ToolResult
	if g.tools != nil {
		result = g.tools.Execute(ctx, call)
	} else {
		result = &mcp.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("tool %q is not available: no tools are configured", call.Name),
			IsError: true,
		}
	}
	content := mcp.TruncateToolResult(result.Content, g.provider.MaxToolResultTokens)

	toolMsg := models.Message{
		ID:         uuid.NewString(),
		Type:       models.MessageTypeTool,
		Content:    content,
		Name:       call.Name,
		ToolCallID: call.ID,
	}
	if result.IsError {
		toolMsg.Status = models.StatusError
		g.logger.Warn("Tool call failed, feeding the error back to the model",
			"run_id", g.runID,
			"tool", call.Name)
	}

	err := send(emit, &MessageEvent{
		Delta: models.MessageDelta{
			ID:         toolMsg.ID,
			Type:       models.MessageTypeTool,
			Content:    toolMsg.Content,
			ToolCallID: toolMsg.ToolCallID,
			Status:     toolMsg.Status,
		},
		Meta: g.deltaMeta(NodeTools, cfg),
	})
	if err != nil {
		return models.Message{}, err
	}
	return toolMsg, nil
}

// forceConclusion makes one final model call without tools once the step
// budget is spent, so the run still ends with an answer instead of a
// recursion error.
func (g *agentGraph) forceConclusion(ctx context.Context, values map[string]any, parentID string, step int, cfg *models.RunnableConfig, emit emitFunc) (map[string]any, error) {
	g.logger.Warn("Recursion limit reached, forcing conclusion without tools",
		"run_id", g.runID,
		"thread_id", g.threadID,
		"limit", effectiveRecursionLimit(cfg))

	conv := conversationForModel(g.systemPrompt, models.MessagesFromValues(values))
	conv = append(conv, llm.ConversationMessage{Role: "user", Content: conclusionPrompt})

	msgID := uuid.NewString()
	turn, err := g.callModel(ctx, conv, nil, g.textDelta(emit, cfg, msgID))
	if err != nil {
		return nil, err
	}
	aiMsg := g.aiMessage(msgID, turn)
	if err := g.emitResponseTail(emit, cfg, msgID, aiMsg); err != nil {
		return nil, err
	}

	values, err = appendMessages(values, aiMsg)
	if err != nil {
		return nil, err
	}
	update, err := messagesUpdate(aiMsg)
	if err != nil {
		return nil, err
	}
	if err := send(emit, &UpdatesEvent{Node: NodeAgent, Update: update}); err != nil {
		return nil, err
	}

	step++
	if _, err := g.putCheckpoint(ctx, values, parentID, step, "loop", []string{}); err != nil {
		return nil, err
	}
	return values, nil
}

// loadState reads the namespace's latest checkpoint. A fresh thread
// starts from empty values at step zero.
func (g *agentGraph) loadState(ctx context.Context) (map[string]any, string, int, error) {
	snap, err := g.saver.Latest(ctx, g.threadID, g.namespace)
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]any{}, "", 0, nil
	}
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to read checkpoint state: %w", err)
	}
	values, err := cloneValues(snap.Values)
	if err != nil {
		return nil, "", 0, err
	}
	return values, snap.CheckpointID, metadataStep(snap.Metadata), nil
}

// putCheckpoint writes one snapshot and returns its ID for parent
// chaining. Callers pass values maps that are never mutated afterwards.
func (g *agentGraph) putCheckpoint(ctx context.Context, values map[string]any, parentID string, step int, source string, next []string) (string, error) {
	snap := &checkpoint.Snapshot{
		ThreadID:  g.threadID,
		Namespace: g.namespace,
		ParentID:  parentID,
		RunID:     g.runID,
		Values:    values,
		Next:      next,
		Metadata:  map[string]any{"source": source, "step": step},
	}
	if err := g.saver.Put(ctx, snap); err != nil {
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return snap.CheckpointID, nil
}

// metadataStep reads the step counter back from checkpoint metadata.
// Postgres round-trips JSON numbers as float64.
func metadataStep(meta map[string]any) int {
	switch v := meta["step"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func effectiveRecursionLimit(cfg *models.RunnableConfig) int {
	if cfg != nil && cfg.RecursionLimit > 0 {
		return cfg.RecursionLimit
	}
	return DefaultRecursionLimit
}
