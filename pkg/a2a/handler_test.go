package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/checkpoint"
	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/engine"
	"github.com/strandlabs/strand/pkg/events"
	"github.com/strandlabs/strand/pkg/graph"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
	"github.com/strandlabs/strand/pkg/storage/memory"
)

// echoGraph answers every turn with one canned assistant reply.
type echoGraph struct {
	saver    checkpoint.Session
	threadID string
	ns       string
	runID    string
}

func (g *echoGraph) reply(ctx context.Context, input map[string]any) (map[string]any, error) {
	prior := map[string]any{}
	if snap, err := g.saver.Latest(ctx, g.threadID, g.ns); err == nil {
		prior = snap.Values
	}
	merged, err := graph.MergeInputValues(prior, input)
	if err != nil {
		return nil, err
	}
	msgs, _ := merged["messages"].([]any)
	merged["messages"] = append(msgs, map[string]any{
		"id": "msg-" + g.runID, "type": "ai", "content": "hello from the agent",
	})
	if err := g.saver.Put(ctx, &checkpoint.Snapshot{
		ThreadID:  g.threadID,
		Namespace: g.ns,
		RunID:     g.runID,
		Values:    merged,
	}); err != nil {
		return nil, err
	}
	return merged, nil
}

func (g *echoGraph) Invoke(ctx context.Context, input map[string]any, _ *models.RunnableConfig) (map[string]any, error) {
	return g.reply(ctx, input)
}

func (g *echoGraph) Stream(ctx context.Context, input map[string]any, _ *models.RunnableConfig) (<-chan graph.Event, error) {
	if _, err := g.reply(ctx, input); err != nil {
		return nil, err
	}
	ch := make(chan graph.Event)
	close(ch)
	return ch, nil
}

func (g *echoGraph) GetState(ctx context.Context, _ *models.RunnableConfig) (*models.ThreadState, error) {
	snap, err := g.saver.Latest(ctx, g.threadID, g.ns)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return graph.StateFromSnapshot(snap), nil
}

func (g *echoGraph) Close() error { return nil }

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

type a2aFixture struct {
	t       *testing.T
	store   *memory.Store
	handler *Handler
}

const brokenGraphID = "broken"

func newA2AFixture(t *testing.T) *a2aFixture {
	f := &a2aFixture{t: t}
	f.store = memory.NewStore()
	saver := checkpoint.NewMemorySaver()
	bus := events.NewBus(events.NewLocalPublisher(f.store.Events()), f.store.Events(), 64, 32, nil)
	registry := graph.NewRegistry(nil)
	registry.Register(graph.DefaultID, func(_ context.Context, configurable map[string]any, saver checkpoint.Session, _ storage.StoreRepository) (graph.Graph, error) {
		g := &echoGraph{saver: saver}
		g.threadID, _ = configurable[graph.ConfigKeyThreadID].(string)
		g.runID, _ = configurable[graph.ConfigKeyRunID].(string)
		g.ns, _ = configurable[graph.ConfigKeyCheckpointNS].(string)
		return g, nil
	})
	registry.Register(brokenGraphID, func(context.Context, map[string]any, checkpoint.Session, storage.StoreRepository) (graph.Graph, error) {
		return nil, errors.New("graph refused to build")
	})
	eng := engine.New(engine.Deps{
		Store:        f.store,
		Checkpointer: saver,
		Graphs:       registry,
		Bus:          bus,
		Config:       config.DefaultEngineConfig(),
	})
	f.handler = NewHandler(eng, nil)
	return f
}

func (f *a2aFixture) seedAssistant(owner, graphID string) *models.Assistant {
	f.t.Helper()
	a := &models.Assistant{
		AssistantID: uuid.New().String(),
		GraphID:     graphID,
		Config:      &models.RunnableConfig{},
		Metadata:    map[string]any{},
		Name:        "callable",
		Version:     1,
		Owner:       owner,
	}
	require.NoError(f.t, f.store.Assistants().Create(context.Background(), a))
	return a
}

// post runs one JSON-RPC body through the handler and returns the
// recorder.
func (f *a2aFixture) post(owner, assistantID, body string) *httptest.ResponseRecorder {
	f.t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/a2a/"+assistantID, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(f.t, f.handler.Handle(c, owner, assistantID))
	return rec
}

func (f *a2aFixture) rpc(owner, assistantID, body string) *rpcEnvelope {
	f.t.Helper()
	rec := f.post(owner, assistantID, body)
	require.Equal(f.t, http.StatusOK, rec.Code)
	var env rpcEnvelope
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(f.t, "2.0", env.JSONRPC)
	return &env
}

func sendBody(method, contextID, text string) string {
	msg := map[string]any{
		"role":  "user",
		"parts": []any{map[string]any{"type": "text", "text": text}},
	}
	if contextID != "" {
		msg["contextId"] = contextID
	}
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  map[string]any{"message": msg},
	})
	return string(body)
}

func TestMessageSendReturnsCompletedTask(t *testing.T) {
	f := newA2AFixture(t)
	assistant := f.seedAssistant("alice", graph.DefaultID)

	env := f.rpc("alice", assistant.AssistantID, sendBody(MethodMessageSend, "", "ping"))
	require.Nil(t, env.Error)

	var task Task
	require.NoError(t, json.Unmarshal(env.Result, &task))
	assert.Equal(t, TaskStateCompleted, task.Status.State)
	_, err := uuid.Parse(task.ID)
	assert.NoError(t, err, "task id is the run id")
	assert.Empty(t, task.ContextID)
	require.Len(t, task.Messages, 1)
	assert.Equal(t, RoleAgent, task.Messages[0].Role)
	require.Len(t, task.Messages[0].Parts, 1)
	assert.Equal(t, "hello from the agent", task.Messages[0].Parts[0].Text)

	// One-shot sends leave no thread behind.
	threads, err := f.store.Threads().Search(context.Background(), "alice", models.SearchThreadsRequest{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestMessageSendWithContextIDKeepsThread(t *testing.T) {
	f := newA2AFixture(t)
	assistant := f.seedAssistant("alice", graph.DefaultID)
	ctxID := uuid.New().String()

	env := f.rpc("alice", assistant.AssistantID, sendBody(MethodMessageSend, ctxID, "first"))
	require.Nil(t, env.Error)
	var task Task
	require.NoError(t, json.Unmarshal(env.Result, &task))
	assert.Equal(t, ctxID, task.ContextID)

	th, err := f.store.Threads().Get(context.Background(), "alice", ctxID)
	require.NoError(t, err)
	assert.Len(t, th.Values["messages"], 2, "human turn plus reply")

	env = f.rpc("alice", assistant.AssistantID, sendBody(MethodMessageSend, ctxID, "second"))
	require.Nil(t, env.Error)
	th, err = f.store.Threads().Get(context.Background(), "alice", ctxID)
	require.NoError(t, err)
	assert.Len(t, th.Values["messages"], 4, "history accumulates across sends")
}

func TestMessageSendRunFailure(t *testing.T) {
	f := newA2AFixture(t)
	assistant := f.seedAssistant("alice", brokenGraphID)

	env := f.rpc("alice", assistant.AssistantID, sendBody(MethodMessageSend, "", "ping"))
	require.Nil(t, env.Error, "run failures are task results, not RPC errors")

	var task Task
	require.NoError(t, json.Unmarshal(env.Result, &task))
	assert.Equal(t, TaskStateFailed, task.Status.State)
	require.NotNil(t, task.Error)
	assert.Equal(t, "run_error", task.Error.Code)
	assert.Contains(t, task.Error.Message, "graph refused to build")
}

func TestMessageStreamEmitsRunFrames(t *testing.T) {
	f := newA2AFixture(t)
	assistant := f.seedAssistant("alice", graph.DefaultID)

	rec := f.post("alice", assistant.AssistantID, sendBody(MethodMessageStream, "", "ping"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	var names []string
	for _, block := range strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n") {
		for _, line := range strings.Split(block, "\n") {
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				names = append(names, name)
			}
		}
	}
	assert.Equal(t, []string{"metadata", "values", "values", "end"}, names)
}

func TestUnknownMethod(t *testing.T) {
	f := newA2AFixture(t)
	assistant := f.seedAssistant("alice", graph.DefaultID)

	env := f.rpc("alice", assistant.AssistantID,
		`{"jsonrpc":"2.0","id":7,"method":"tasks/get","params":{}}`)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeMethodNotFound, env.Error.Code)
}

func TestMalformedRequests(t *testing.T) {
	f := newA2AFixture(t)
	assistant := f.seedAssistant("alice", graph.DefaultID)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{"jsonrpc":`, CodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"message/send"}`, CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"missing params", `{"jsonrpc":"2.0","id":1,"method":"message/send"}`, CodeInvalidParams},
		{"empty parts", `{"jsonrpc":"2.0","id":1,"method":"message/send","params":{"message":{"role":"user","parts":[]}}}`, CodeInvalidParams},
		{"file part", `{"jsonrpc":"2.0","id":1,"method":"message/send","params":{"message":{"role":"user","parts":[{"type":"file"}]}}}`, CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := f.rpc("alice", assistant.AssistantID, tt.body)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestUnknownAssistant(t *testing.T) {
	f := newA2AFixture(t)
	env := f.rpc("alice", uuid.New().String(), sendBody(MethodMessageSend, "", "ping"))
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeInvalidParams, env.Error.Code)
}

func TestDataPartsFlattenIntoContent(t *testing.T) {
	f := newA2AFixture(t)
	assistant := f.seedAssistant("alice", graph.DefaultID)

	body := `{"jsonrpc":"2.0","id":3,"method":"message/send","params":{"message":{"role":"user","parts":[{"type":"text","text":"look at "},{"type":"data","data":{"severity":"high"}}]}}}`
	env := f.rpc("alice", assistant.AssistantID, body)
	require.Nil(t, env.Error)

	var task Task
	require.NoError(t, json.Unmarshal(env.Result, &task))
	assert.Equal(t, TaskStateCompleted, task.Status.State)
}
