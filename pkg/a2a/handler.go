package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/engine"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/services"
	"github.com/strandlabs/strand/pkg/storage"
)

// Handler serves the per-assistant JSON-RPC endpoint. Errors travel as
// JSON-RPC error objects over HTTP 200; only transport-level failures
// surface as HTTP errors.
type Handler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewHandler builds the endpoint handler over the run engine.
func NewHandler(eng *engine.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: eng, logger: logger}
}

// Handle serves one JSON-RPC request against the given assistant on
// behalf of the authenticated owner.
func (h *Handler) Handle(c *echo.Context, owner, assistantID string) error {
	var req Request
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusOK, errResponse(nil, CodeParseError, "request body is not valid JSON"))
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return c.JSON(http.StatusOK, errResponse(req.ID, CodeInvalidRequest, "not a JSON-RPC 2.0 request"))
	}

	switch req.Method {
	case MethodMessageSend:
		return h.send(c, owner, assistantID, &req)
	case MethodMessageStream:
		return h.stream(c, owner, assistantID, &req)
	default:
		return c.JSON(http.StatusOK, errResponse(req.ID,
			CodeMethodNotFound, fmt.Sprintf("method %q is not supported", req.Method)))
	}
}

func (h *Handler) send(c *echo.Context, owner, assistantID string, req *Request) error {
	x, ctxID, errResp := h.admit(c.Request().Context(), owner, assistantID, req)
	if errResp != nil {
		return c.JSON(http.StatusOK, errResp)
	}

	state, execErr := x.Wait(c.Request().Context())
	return c.JSON(http.StatusOK, okResponse(req.ID, taskFor(x.Run, ctxID, state, execErr)))
}

func (h *Handler) stream(c *echo.Context, owner, assistantID string, req *Request) error {
	x, _, errResp := h.admit(c.Request().Context(), owner, assistantID, req)
	if errResp != nil {
		return c.JSON(http.StatusOK, errResp)
	}

	resp := c.Response()
	header := resp.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(resp)
	send := func(_ int64, event string, data []byte) error {
		if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		return rc.Flush()
	}

	if err := x.Stream(c.Request().Context(), send); err != nil {
		h.logger.Debug("A2A stream ended with run failure",
			"run_id", x.Run.RunID, "assistant_id", assistantID, "error", err)
	}
	return nil
}

// admit validates the params and runs the engine's admission. A non-nil
// response means the request never became a run.
func (h *Handler) admit(ctx context.Context, owner, assistantID string, req *Request) (*engine.Execution, string, *Response) {
	if len(req.Params) == 0 {
		return nil, "", errResponse(req.ID, CodeInvalidParams, "params are required")
	}
	var params SendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, "", errResponse(req.ID, CodeInvalidParams, "malformed params")
	}
	input, err := runInput(&params)
	if err != nil {
		return nil, "", errResponse(req.ID, CodeInvalidParams, err.Error())
	}

	runReq := &models.CreateRunRequest{
		AssistantID: assistantID,
		Input:       input,
		Metadata:    params.Metadata,
	}

	ctxID := params.Message.ContextID
	var x *engine.Execution
	if ctxID != "" {
		runReq.IfNotExists = models.IfNotExistsCreate
		x, err = h.engine.Prepare(ctx, owner, ctxID, runReq)
	} else {
		x, err = h.engine.PrepareStateless(ctx, owner, runReq)
	}
	if err != nil {
		return nil, "", errResponse(req.ID, rpcCode(err), err.Error())
	}
	return x, ctxID, nil
}

// runInput flattens the message parts into one human turn.
func runInput(params *SendParams) (map[string]any, error) {
	if len(params.Message.Parts) == 0 {
		return nil, errors.New("message.parts must not be empty")
	}
	var b strings.Builder
	for _, p := range params.Message.Parts {
		switch p.Type {
		case PartTypeText:
			b.WriteString(p.Text)
		case PartTypeData:
			data, err := json.Marshal(p.Data)
			if err != nil {
				return nil, fmt.Errorf("unencodable data part: %w", err)
			}
			b.Write(data)
		default:
			return nil, fmt.Errorf("unsupported part type %q", p.Type)
		}
	}
	content := b.String()
	if content == "" {
		return nil, errors.New("message has no content")
	}
	return map[string]any{
		"messages": []any{
			map[string]any{"type": string(models.MessageTypeHuman), "content": content},
		},
	}, nil
}

// taskFor renders a settled run as an A2A task carrying the agent's
// reply.
func taskFor(run *models.Run, ctxID string, state *models.ThreadState, execErr error) *Task {
	task := &Task{ID: run.RunID, ContextID: ctxID}
	switch {
	case execErr == nil:
		task.Status.State = TaskStateCompleted
		if reply, ok := replyFromState(state); ok {
			task.Messages = []Message{reply}
		}
	case errors.Is(execErr, context.Canceled):
		task.Status.State = TaskStateCanceled
	default:
		task.Status.State = TaskStateFailed
		task.Error = &TaskError{Code: "run_error", Message: execErr.Error()}
	}
	return task
}

// replyFromState pulls the newest assistant message out of the final
// values.
func replyFromState(state *models.ThreadState) (Message, bool) {
	if state == nil {
		return Message{}, false
	}
	msgs := models.MessagesFromValues(state.Values)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == models.MessageTypeAI {
			return Message{
				Role:  RoleAgent,
				Parts: []Part{{Type: PartTypeText, Text: msgs[i].Content}},
			}, true
		}
	}
	return Message{}, false
}

func rpcCode(err error) int {
	switch {
	case services.IsValidationError(err):
		return CodeInvalidParams
	case errors.Is(err, services.ErrNotFound) || errors.Is(err, storage.ErrNotFound):
		return CodeInvalidParams
	default:
		return CodeInternalError
	}
}
