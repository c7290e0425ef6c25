package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/checkpoint"
	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/events"
	"github.com/strandlabs/strand/pkg/graph"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/services"
	"github.com/strandlabs/strand/pkg/storage"
	"github.com/strandlabs/strand/pkg/storage/memory"
)

// runScript drives one scripted graph instance: the deltas it streams,
// whether it parks mid-run and how it ends.
type runScript struct {
	deltas   []string
	failWith error
	buildErr error

	// block, when non-nil, parks the graph after its deltas until the
	// channel closes or the run is cancelled.
	block chan struct{}

	// checkpointEarly writes the run's snapshot before parking, so a
	// rollback has artifacts to delete.
	checkpointEarly bool

	started   chan struct{}
	startOnce sync.Once
}

func newScript(deltas ...string) *runScript {
	return &runScript{deltas: deltas, started: make(chan struct{})}
}

func (s *runScript) markStarted() {
	s.startOnce.Do(func() { close(s.started) })
}

// scriptQueue hands one script per graph build, in push order. An empty
// queue builds a default single-delta script.
type scriptQueue struct {
	mu      sync.Mutex
	scripts []*runScript
	builds  int
}

func (q *scriptQueue) push(s *runScript) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scripts = append(q.scripts, s)
}

func (q *scriptQueue) buildCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.builds
}

func (q *scriptQueue) factory() graph.Factory {
	return func(_ context.Context, configurable map[string]any, saver checkpoint.Session, _ storage.StoreRepository) (graph.Graph, error) {
		q.mu.Lock()
		q.builds++
		var s *runScript
		if len(q.scripts) > 0 {
			s = q.scripts[0]
			q.scripts = q.scripts[1:]
		} else {
			s = newScript("ok")
		}
		q.mu.Unlock()
		if s.buildErr != nil {
			return nil, s.buildErr
		}
		g := &scriptedGraph{script: s, saver: saver}
		g.threadID, _ = configurable[graph.ConfigKeyThreadID].(string)
		g.runID, _ = configurable[graph.ConfigKeyRunID].(string)
		g.ns, _ = configurable[graph.ConfigKeyCheckpointNS].(string)
		return g, nil
	}
}

// scriptedGraph plays back its script: deltas, optional park, then a
// checkpoint write and one updates event. Failures surface the way the
// real graph surfaces them, as a trailing ErrorEvent.
type scriptedGraph struct {
	script   *runScript
	saver    checkpoint.Session
	threadID string
	runID    string
	ns       string
}

func (g *scriptedGraph) fullContent() string {
	return strings.Join(g.script.deltas, "")
}

func (g *scriptedGraph) finalValues(ctx context.Context, input map[string]any) (map[string]any, error) {
	prior := map[string]any{}
	if snap, err := g.saver.Latest(ctx, g.threadID, g.ns); err == nil {
		prior = snap.Values
	}
	merged, err := graph.MergeInputValues(prior, input)
	if err != nil {
		return nil, err
	}
	msgs, _ := merged["messages"].([]any)
	msgs = append(msgs, map[string]any{
		"id":      "msg-" + g.runID,
		"type":    "ai",
		"content": g.fullContent(),
	})
	merged["messages"] = msgs
	return merged, nil
}

func (g *scriptedGraph) writeCheckpoint(ctx context.Context, values map[string]any) error {
	return g.saver.Put(ctx, &checkpoint.Snapshot{
		ThreadID:  g.threadID,
		Namespace: g.ns,
		RunID:     g.runID,
		Values:    values,
	})
}

func (g *scriptedGraph) Stream(ctx context.Context, input map[string]any, _ *models.RunnableConfig) (<-chan graph.Event, error) {
	ch := make(chan graph.Event, 16)
	go func() {
		defer close(ch)
		if g.script.checkpointEarly {
			if vals, err := g.finalValues(ctx, input); err == nil {
				_ = g.writeCheckpoint(ctx, vals)
			}
		}
		g.script.markStarted()
		meta := models.DeltaMetadata{
			GraphNode:    graph.NodeAgent,
			RunID:        g.runID,
			ThreadID:     g.threadID,
			CheckpointNS: g.ns,
		}
		for _, chunk := range g.script.deltas {
			ev := &graph.MessageEvent{
				Delta: models.MessageDelta{ID: "msg-" + g.runID, Type: models.MessageTypeAIChunk, Content: chunk},
				Meta:  meta,
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if g.script.block != nil {
			select {
			case <-g.script.block:
			case <-ctx.Done():
				return
			}
		}
		if g.script.failWith != nil {
			select {
			case ch <- &graph.ErrorEvent{Err: g.script.failWith}:
			case <-ctx.Done():
			}
			return
		}
		final, err := g.finalValues(ctx, input)
		if err == nil && !g.script.checkpointEarly {
			err = g.writeCheckpoint(ctx, final)
		}
		if err != nil {
			select {
			case ch <- &graph.ErrorEvent{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		update := &graph.UpdatesEvent{
			Node: graph.NodeAgent,
			Update: map[string]any{"messages": []any{map[string]any{
				"id": "msg-" + g.runID, "type": "ai", "content": g.fullContent(),
			}}},
		}
		select {
		case ch <- update:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (g *scriptedGraph) Invoke(ctx context.Context, input map[string]any, _ *models.RunnableConfig) (map[string]any, error) {
	g.script.markStarted()
	if g.script.block != nil {
		select {
		case <-g.script.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.script.failWith != nil {
		return nil, g.script.failWith
	}
	final, err := g.finalValues(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := g.writeCheckpoint(ctx, final); err != nil {
		return nil, err
	}
	return final, nil
}

func (g *scriptedGraph) GetState(ctx context.Context, _ *models.RunnableConfig) (*models.ThreadState, error) {
	snap, err := g.saver.Latest(ctx, g.threadID, g.ns)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return graph.StateFromSnapshot(snap), nil
}

func (g *scriptedGraph) Close() error { return nil }

// frameLog collects what a client would receive over SSE.
type frameLog struct {
	mu      sync.Mutex
	frames  []models.StreamEvent
	ids     []int64
	onEvent func(name string)
}

func (l *frameLog) send(id int64, event string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	l.mu.Lock()
	l.frames = append(l.frames, models.StreamEvent{Event: event, Data: cp})
	l.ids = append(l.ids, id)
	hook := l.onEvent
	l.mu.Unlock()
	if hook != nil {
		hook(event)
	}
	return nil
}

func (l *frameLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.frames))
	for i, f := range l.frames {
		out[i] = f.Event
	}
	return out
}

func (l *frameLog) payload(t *testing.T, i int) map[string]any {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.Less(t, i, len(l.frames))
	var out map[string]any
	require.NoError(t, json.Unmarshal(l.frames[i].Data, &out))
	return out
}

func (l *frameLog) tuple(t *testing.T, i int) (map[string]any, map[string]any) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.Less(t, i, len(l.frames))
	var pair []json.RawMessage
	require.NoError(t, json.Unmarshal(l.frames[i].Data, &pair))
	require.Len(t, pair, 2)
	var delta, meta map[string]any
	require.NoError(t, json.Unmarshal(pair[0], &delta))
	require.NoError(t, json.Unmarshal(pair[1], &meta))
	return delta, meta
}

func valuesMessages(t *testing.T, payload map[string]any) []any {
	t.Helper()
	values, ok := payload["values"].(map[string]any)
	require.True(t, ok, "values event payload missing values object")
	msgs, _ := values["messages"].([]any)
	return msgs
}

func messageContent(t *testing.T, entry any) string {
	t.Helper()
	m, ok := entry.(map[string]any)
	require.True(t, ok)
	content, _ := m["content"].(string)
	return content
}

type engineFixture struct {
	t       *testing.T
	engine  *Engine
	store   *memory.Store
	saver   *checkpoint.MemorySaver
	scripts *scriptQueue
}

func newEngineFixture(t *testing.T) *engineFixture {
	store := memory.NewStore()
	saver := checkpoint.NewMemorySaver()
	bus := events.NewBus(events.NewLocalPublisher(store.Events()), store.Events(), 64, 32, nil)
	scripts := &scriptQueue{}
	registry := graph.NewRegistry(nil)
	registry.Register(graph.DefaultID, scripts.factory())
	eng := New(Deps{
		Store:        store,
		Checkpointer: saver,
		Graphs:       registry,
		Bus:          bus,
		Config:       config.DefaultEngineConfig(),
	})
	return &engineFixture{t: t, engine: eng, store: store, saver: saver, scripts: scripts}
}

func (f *engineFixture) seedAssistant(owner string) *models.Assistant {
	f.t.Helper()
	a := &models.Assistant{
		AssistantID: uuid.New().String(),
		GraphID:     graph.DefaultID,
		Config:      &models.RunnableConfig{},
		Metadata:    map[string]any{},
		Name:        "helper",
		Version:     1,
		Owner:       owner,
	}
	require.NoError(f.t, f.store.Assistants().Create(context.Background(), a))
	return a
}

func (f *engineFixture) seedThread(owner string) *models.Thread {
	f.t.Helper()
	th := &models.Thread{
		ThreadID: uuid.New().String(),
		Status:   models.ThreadStatusIdle,
		Metadata: map[string]any{},
		Owner:    owner,
	}
	require.NoError(f.t, f.store.Threads().Create(context.Background(), th))
	return th
}

func (f *engineFixture) seedHistory(threadID, assistantID string, messages ...map[string]any) *checkpoint.Snapshot {
	f.t.Helper()
	list := make([]any, 0, len(messages))
	for _, m := range messages {
		list = append(list, m)
	}
	snap := &checkpoint.Snapshot{
		ThreadID:  threadID,
		Namespace: checkpoint.NamespaceForAssistant(assistantID),
		RunID:     "prior-run",
		Values:    map[string]any{"messages": list},
	}
	require.NoError(f.t, f.saver.Put(context.Background(), snap))
	return snap
}

func (f *engineFixture) eventChannels(runID string) []string {
	f.t.Helper()
	rows, err := f.store.Events().ListSince(context.Background(), runID, 0, 0)
	require.NoError(f.t, err)
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row.Channel
	}
	return out
}

func userInput(content string) map[string]any {
	return map[string]any{"messages": []any{map[string]any{"type": "human", "content": content}}}
}

func msg(typ, content string) map[string]any {
	return map[string]any{"id": uuid.New().String(), "type": typ, "content": content}
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run to finish")
		return nil
	}
}

func TestStreamRunSequence(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	f.seedHistory(thread.ThreadID, assistant.AssistantID,
		msg("human", "earlier question"), msg("ai", "earlier answer"))
	f.scripts.push(newScript("Hel", "lo"))

	x, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("new question"),
	})
	require.NoError(t, err)

	log := &frameLog{}
	require.NoError(t, x.Stream(ctx, log.send))

	require.Equal(t, []string{"metadata", "values", "messages", "messages", "updates", "values", "end"}, log.names())

	meta := log.payload(t, 0)
	assert.Equal(t, x.Run.RunID, meta["run_id"])
	assert.Equal(t, float64(1), meta["attempt"])

	// The opening values event must carry history plus the new input,
	// never the input alone.
	initial := valuesMessages(t, log.payload(t, 1))
	require.Len(t, initial, 3)
	assert.Equal(t, "earlier question", messageContent(t, initial[0]))
	assert.Equal(t, "earlier answer", messageContent(t, initial[1]))
	assert.Equal(t, "new question", messageContent(t, initial[2]))

	// Deltas carry only new tokens.
	delta1, deltaMeta := log.tuple(t, 2)
	assert.Equal(t, "Hel", delta1["content"])
	assert.Equal(t, x.Run.RunID, deltaMeta["run_id"])
	assert.Equal(t, checkpoint.NamespaceForAssistant(assistant.AssistantID), deltaMeta["checkpoint_ns"])
	delta2, _ := log.tuple(t, 3)
	assert.Equal(t, "lo", delta2["content"])

	final := valuesMessages(t, log.payload(t, 5))
	require.Len(t, final, 4)
	assert.Equal(t, "Hello", messageContent(t, final[3]))

	end := log.payload(t, 6)
	assert.Equal(t, x.Run.RunID, end["run_id"])
	assert.Equal(t, "success", end["status"])
	snap, err := f.saver.Latest(ctx, thread.ThreadID, checkpoint.NamespaceForAssistant(assistant.AssistantID))
	require.NoError(t, err)
	assert.Equal(t, snap.CheckpointID, end["checkpoint_id"])

	run, err := f.store.Runs().Get(ctx, "alice", thread.ThreadID, x.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	got, err := f.store.Threads().Get(ctx, "alice", thread.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadStatusIdle, got.Status)
	gotMsgs, _ := got.Values["messages"].([]any)
	assert.Len(t, gotMsgs, 4)

	// Deltas are transient; everything else persists for replay.
	assert.Equal(t, []string{"metadata", "values", "updates", "values", "end"}, f.eventChannels(x.Run.RunID))
}

func TestStreamFirstTurnHasNoHistory(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	f.scripts.push(newScript("hi"))

	x, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("first message"),
	})
	require.NoError(t, err)
	log := &frameLog{}
	require.NoError(t, x.Stream(ctx, log.send))

	initial := valuesMessages(t, log.payload(t, 1))
	require.Len(t, initial, 1)
	assert.Equal(t, "first message", messageContent(t, initial[0]))
}

func TestStreamGraphError(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	script := newScript("par")
	script.failWith = errors.New("model exploded")
	f.scripts.push(script)

	x, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("boom"),
	})
	require.NoError(t, err)
	log := &frameLog{}
	err = x.Stream(ctx, log.send)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")

	require.Equal(t, []string{"metadata", "values", "messages", "error", "end"}, log.names())
	errPayload := log.payload(t, 3)
	assert.Equal(t, "run_error", errPayload["error"])
	assert.Contains(t, errPayload["message"], "model exploded")
	end := log.payload(t, 4)
	assert.Equal(t, "error", end["status"])

	run, err := f.store.Runs().Get(ctx, "alice", thread.ThreadID, x.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusError, run.Status)
	got, err := f.store.Threads().Get(ctx, "alice", thread.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadStatusIdle, got.Status)
}

func TestStreamEmptyInputSkipsGraph(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	snap := f.seedHistory(thread.ThreadID, assistant.AssistantID, msg("human", "hi"), msg("ai", "hello"))

	x, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
	})
	require.NoError(t, err)
	log := &frameLog{}
	require.NoError(t, x.Stream(ctx, log.send))

	require.Equal(t, []string{"metadata", "values", "end"}, log.names())
	existing := valuesMessages(t, log.payload(t, 1))
	assert.Len(t, existing, 2)
	end := log.payload(t, 2)
	assert.Equal(t, "success", end["status"])
	assert.Equal(t, snap.CheckpointID, end["checkpoint_id"])
	assert.Zero(t, f.scripts.buildCount(), "empty input must not build the graph")
}

func TestCancelMidStream(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	script := newScript("tok")
	script.block = make(chan struct{}) // parked until cancelled
	f.scripts.push(script)

	x, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("cancel me"),
	})
	require.NoError(t, err)

	log := &frameLog{}
	var once sync.Once
	log.onEvent = func(name string) {
		if name == "messages" {
			once.Do(func() {
				require.NoError(t, f.engine.Cancel(ctx, "alice", thread.ThreadID, x.Run.RunID))
			})
		}
	}
	err = x.Stream(ctx, log.send)
	require.Error(t, err)

	names := log.names()
	require.Equal(t, []string{"metadata", "values", "messages", "error", "end"}, names)
	errPayload := log.payload(t, 3)
	assert.Equal(t, "run_interrupted", errPayload["error"])
	assert.Equal(t, "run cancelled", errPayload["message"])
	end := log.payload(t, 4)
	assert.Equal(t, "interrupted", end["status"])

	run, err := f.store.Runs().Get(ctx, "alice", thread.ThreadID, x.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusInterrupted, run.Status)
	got, err := f.store.Threads().Get(ctx, "alice", thread.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadStatusIdle, got.Status)
}

func TestMultitaskRejectConflict(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	release := make(chan struct{})
	script := newScript("slow")
	script.block = release
	f.scripts.push(script)

	x1, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("first"),
	})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- x1.Stream(ctx, (&frameLog{}).send) }()
	<-script.started

	_, err = f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("second"),
	})
	require.ErrorIs(t, err, services.ErrThreadBusy)

	close(release)
	require.NoError(t, waitDone(t, done))
	run, err := f.store.Runs().Get(ctx, "alice", thread.ThreadID, x1.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
}

func TestMultitaskInterrupt(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	script1 := newScript("one")
	script1.block = make(chan struct{}) // only cancellation frees it
	f.scripts.push(script1)

	x1, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("first"),
	})
	require.NoError(t, err)
	done1 := make(chan error, 1)
	go func() { done1 <- x1.Stream(ctx, (&frameLog{}).send) }()
	<-script1.started

	f.scripts.push(newScript("two"))
	x2, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID:       assistant.AssistantID,
		Input:             userInput("second"),
		MultitaskStrategy: models.MultitaskInterrupt,
	})
	require.NoError(t, err)
	log2 := &frameLog{}
	require.NoError(t, x2.Stream(ctx, log2.send))
	require.Error(t, waitDone(t, done1))

	run1, err := f.store.Runs().Get(ctx, "alice", thread.ThreadID, x1.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusInterrupted, run1.Status)
	run2, err := f.store.Runs().Get(ctx, "alice", thread.ThreadID, x2.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run2.Status)
	assert.Equal(t, "end", log2.names()[len(log2.names())-1])
	got, err := f.store.Threads().Get(ctx, "alice", thread.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadStatusIdle, got.Status)
}

func TestMultitaskInterruptWithoutActiveRun(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	f.scripts.push(newScript("fine"))

	x, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID:       assistant.AssistantID,
		Input:             userInput("hello"),
		MultitaskStrategy: models.MultitaskInterrupt,
	})
	require.NoError(t, err)
	require.NoError(t, x.Stream(ctx, (&frameLog{}).send))
	run, err := f.store.Runs().Get(ctx, "alice", thread.ThreadID, x.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
}

func TestMultitaskRollbackDeletesArtifacts(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	ns := checkpoint.NamespaceForAssistant(assistant.AssistantID)

	script1 := newScript("one")
	script1.block = make(chan struct{})
	script1.checkpointEarly = true
	f.scripts.push(script1)

	x1, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("first"),
	})
	require.NoError(t, err)
	done1 := make(chan error, 1)
	go func() { done1 <- x1.Stream(ctx, (&frameLog{}).send) }()
	<-script1.started

	f.scripts.push(newScript("two"))
	x2, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID:       assistant.AssistantID,
		Input:             userInput("second"),
		MultitaskStrategy: models.MultitaskRollback,
	})
	require.NoError(t, err)
	log2 := &frameLog{}
	require.NoError(t, x2.Stream(ctx, log2.send))
	require.Error(t, waitDone(t, done1))

	// The superseded run's row and checkpoints are gone.
	_, err = f.store.Runs().Get(ctx, "alice", thread.ThreadID, x1.Run.RunID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	history, err := f.saver.History(ctx, thread.ThreadID, ns, 100, "")
	require.NoError(t, err)
	for _, snap := range history {
		assert.Equal(t, x2.Run.RunID, snap.RunID)
	}

	// The new run started from a clean slate.
	initial := valuesMessages(t, log2.payload(t, 1))
	require.Len(t, initial, 1)
	assert.Equal(t, "second", messageContent(t, initial[0]))
}

func TestMultitaskEnqueueRunsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	release := make(chan struct{})
	script1 := newScript("one")
	script1.block = release
	f.scripts.push(script1)

	x1, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("first"),
	})
	require.NoError(t, err)
	done1 := make(chan error, 1)
	go func() { done1 <- x1.Stream(ctx, (&frameLog{}).send) }()
	<-script1.started

	f.scripts.push(newScript("two"))
	x2, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID:       assistant.AssistantID,
		Input:             userInput("second"),
		MultitaskStrategy: models.MultitaskEnqueue,
	})
	require.NoError(t, err)
	log2 := &frameLog{}
	done2 := make(chan error, 1)
	go func() { done2 <- x2.Stream(ctx, log2.send) }()

	close(release)
	require.NoError(t, waitDone(t, done1))
	require.NoError(t, waitDone(t, done2))

	// The enqueued run started only after the first finished: its opening
	// values event carries the first run's conversation.
	initial := valuesMessages(t, log2.payload(t, 1))
	require.Len(t, initial, 3)
	assert.Equal(t, "first", messageContent(t, initial[0]))
	assert.Equal(t, "one", messageContent(t, initial[1]))
	assert.Equal(t, "second", messageContent(t, initial[2]))

	for _, runID := range []string{x1.Run.RunID, x2.Run.RunID} {
		run, err := f.store.Runs().Get(ctx, "alice", thread.ThreadID, runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusSuccess, run.Status)
	}
}

func TestWaitModeReturnsFinalState(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	f.scripts.push(newScript("the answer"))

	x, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("question"),
	})
	require.NoError(t, err)
	state, err := x.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, state)
	msgs, _ := state.Values["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "the answer", messageContent(t, msgs[1]))

	// Lifecycle frames still reach the events table; no deltas anywhere.
	assert.Equal(t, []string{"metadata", "values", "values", "end"}, f.eventChannels(x.Run.RunID))
	run, err := f.store.Runs().Get(ctx, "alice", thread.ThreadID, x.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
}

func TestStatelessRunDeletesEphemeralThread(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	f.scripts.push(newScript("done"))

	x, err := f.engine.PrepareStateless(ctx, "alice", &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("oneshot"),
	})
	require.NoError(t, err)
	threadID := x.Run.ThreadID
	state, err := x.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, state)

	_, err = f.store.Threads().GetAny(ctx, threadID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.saver.LatestNamespace(ctx, threadID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStatelessRunKeepsThreadOnRequest(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	f.scripts.push(newScript("kept"))

	x, err := f.engine.PrepareStateless(ctx, "alice", &models.CreateRunRequest{
		AssistantID:  assistant.AssistantID,
		Input:        userInput("oneshot"),
		OnCompletion: models.OnCompletionKeep,
	})
	require.NoError(t, err)
	_, err = x.Wait(ctx)
	require.NoError(t, err)

	thread, err := f.store.Threads().Get(ctx, "alice", x.Run.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadStatusIdle, thread.Status)
	msgs, _ := thread.Values["messages"].([]any)
	assert.Len(t, msgs, 2)
}

func TestJoinBlocksUntilDone(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	release := make(chan struct{})
	script := newScript("joined")
	script.block = release
	f.scripts.push(script)

	x, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("wait for me"),
	})
	require.NoError(t, err)
	f.engine.Launch(x)
	<-script.started

	type joinResult struct {
		state *models.ThreadState
		err   error
	}
	joined := make(chan joinResult, 1)
	go func() {
		state, err := f.engine.Join(ctx, "alice", thread.ThreadID, x.Run.RunID)
		joined <- joinResult{state, err}
	}()
	close(release)

	select {
	case res := <-joined:
		require.NoError(t, res.err)
		msgs, _ := res.state.Values["messages"].([]any)
		require.Len(t, msgs, 2)
		assert.Equal(t, "joined", messageContent(t, msgs[1]))
	case <-time.After(5 * time.Second):
		t.Fatal("join did not return")
	}

	// Joining a finished run returns immediately.
	state, err := f.engine.Join(ctx, "alice", thread.ThreadID, x.Run.RunID)
	require.NoError(t, err)
	msgs, _ := state.Values["messages"].([]any)
	assert.Len(t, msgs, 2)
}

func TestAttachReplaysCompletedRun(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	f.scripts.push(newScript("replayed"))

	x, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("stream me"),
	})
	require.NoError(t, err)
	require.NoError(t, x.Stream(ctx, (&frameLog{}).send))

	log := &frameLog{}
	require.NoError(t, f.engine.Attach(ctx, "alice", thread.ThreadID, x.Run.RunID, 0, log.send))
	assert.Equal(t, []string{"metadata", "values", "updates", "values", "end"}, log.names())

	// Last-Event-ID resumes after the given row.
	rows, err := f.store.Events().ListSince(ctx, x.Run.RunID, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	tail := &frameLog{}
	require.NoError(t, f.engine.Attach(ctx, "alice", thread.ThreadID, x.Run.RunID, rows[1].ID, tail.send))
	assert.Equal(t, []string{"updates", "values", "end"}, tail.names())

	// Replayed frames carry their row IDs so the client can keep moving
	// its Last-Event-ID cursor forward.
	require.Len(t, tail.ids, 3)
	for i, id := range tail.ids {
		assert.Equal(t, rows[i+2].ID, id)
	}
}

func TestStreamAssignsEventIDs(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	f.scripts.push(newScript("Hel", "lo"))

	x, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("number me"),
	})
	require.NoError(t, err)
	log := &frameLog{}
	require.NoError(t, x.Stream(ctx, log.send))

	require.Equal(t, []string{"metadata", "values", "messages", "messages", "updates", "values", "end"}, log.names())
	require.Len(t, log.ids, 7)

	// Persisted frames carry strictly increasing row IDs; transient
	// deltas carry none, so reconnects never skip past real events.
	var last int64
	for i, name := range log.names() {
		if events.Persistent(name) {
			assert.Greater(t, log.ids[i], last, "frame %d (%s)", i, name)
			last = log.ids[i]
		} else {
			assert.Zero(t, log.ids[i], "frame %d (%s)", i, name)
		}
	}
}

func TestStreamWorkDeadlineBecomesTimeout(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	script := newScript("par")
	script.failWith = fmt.Errorf("model call: %w", context.DeadlineExceeded)
	f.scripts.push(script)

	x, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("slow model"),
	})
	require.NoError(t, err)
	log := &frameLog{}
	require.Error(t, x.Stream(ctx, log.send))

	// A deadline that expired inside the run's own work is a timeout;
	// the caller was still waiting.
	run, err := f.store.Runs().Get(ctx, "alice", thread.ThreadID, x.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusTimeout, run.Status)
	errPayload := log.payload(t, len(log.names())-2)
	assert.Equal(t, "run_timeout", errPayload["error"])
}

func TestStreamCallerDeadlineInterrupts(t *testing.T) {
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	script := newScript("par")
	script.block = make(chan struct{})
	f.scripts.push(script)

	x, err := f.engine.Prepare(context.Background(), "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("abandon me"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = x.Stream(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The caller's deadline expiring abandons the run; only the run's
	// own work expiring counts as a timeout.
	run, err := f.store.Runs().Get(context.Background(), "alice", thread.ThreadID, x.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusInterrupted, run.Status)
}

func TestAttachUnknownRun(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	thread := f.seedThread("alice")
	err := f.engine.Attach(ctx, "alice", thread.ThreadID, uuid.New().String(), 0, (&frameLog{}).send)
	require.ErrorIs(t, err, services.ErrNotFound)
}

func TestCancelTerminalRunIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	f.scripts.push(newScript("done"))

	x, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("finish"),
	})
	require.NoError(t, err)
	require.NoError(t, x.Stream(ctx, (&frameLog{}).send))

	require.NoError(t, f.engine.Cancel(ctx, "alice", thread.ThreadID, x.Run.RunID))
	run, err := f.store.Runs().Get(ctx, "alice", thread.ThreadID, x.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
}

func TestCancelSettlesOrphanedRun(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	orphan := &models.Run{
		RunID:       uuid.New().String(),
		ThreadID:    thread.ThreadID,
		AssistantID: assistant.AssistantID,
		Status:      models.RunStatusRunning,
		Metadata:    map[string]any{},
		Kwargs:      map[string]any{},
		Owner:       "alice",
	}
	require.NoError(t, f.store.Runs().Create(ctx, orphan))

	require.NoError(t, f.engine.Cancel(ctx, "alice", thread.ThreadID, orphan.RunID))
	run, err := f.store.Runs().Get(ctx, "alice", thread.ThreadID, orphan.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusInterrupted, run.Status)
	assert.Equal(t, []string{"error", "end"}, f.eventChannels(orphan.RunID))
}

func TestCancelUnknownRun(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	thread := f.seedThread("alice")
	err := f.engine.Cancel(ctx, "alice", thread.ThreadID, uuid.New().String())
	require.ErrorIs(t, err, services.ErrNotFound)
}

func TestRecoverOrphans(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")
	require.NoError(t, f.store.Threads().SetStatus(ctx, thread.ThreadID, models.ThreadStatusBusy))
	for _, status := range []models.RunStatus{models.RunStatusRunning, models.RunStatusPending} {
		run := &models.Run{
			RunID:       uuid.New().String(),
			ThreadID:    thread.ThreadID,
			AssistantID: assistant.AssistantID,
			Status:      status,
			Metadata:    map[string]any{},
			Kwargs:      map[string]any{},
			Owner:       "alice",
		}
		require.NoError(t, f.store.Runs().Create(ctx, run))
	}

	recovered, err := f.engine.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	runs, err := f.store.Runs().List(ctx, "alice", thread.ThreadID, 10, 0)
	require.NoError(t, err)
	for _, run := range runs {
		assert.Equal(t, models.RunStatusInterrupted, run.Status)
	}
	got, err := f.store.Threads().Get(ctx, "alice", thread.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadStatusIdle, got.Status)
}

func TestPrepareValidation(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")

	tests := []struct {
		name   string
		modify func(*models.CreateRunRequest)
	}{
		{"missing assistant_id", func(r *models.CreateRunRequest) { r.AssistantID = "" }},
		{"bad multitask strategy", func(r *models.CreateRunRequest) { r.MultitaskStrategy = "restart" }},
		{"bad if_not_exists", func(r *models.CreateRunRequest) { r.IfNotExists = "maybe" }},
		{"bad on_completion", func(r *models.CreateRunRequest) { r.OnCompletion = "archive" }},
		{"negative after_seconds", func(r *models.CreateRunRequest) { r.AfterSeconds = -5 }},
		{"bad webhook", func(r *models.CreateRunRequest) { r.Webhook = "ftp://example.com/hook" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &models.CreateRunRequest{
				AssistantID: assistant.AssistantID,
				Input:       userInput("x"),
			}
			tt.modify(req)
			_, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, req)
			require.Error(t, err)
			assert.True(t, services.IsValidationError(err), "expected validation error, got %v", err)
		})
	}

	t.Run("unknown assistant", func(t *testing.T) {
		_, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
			AssistantID: uuid.New().String(),
			Input:       userInput("x"),
		})
		require.ErrorIs(t, err, services.ErrNotFound)
	})
	t.Run("unknown thread", func(t *testing.T) {
		_, err := f.engine.Prepare(ctx, "alice", uuid.New().String(), &models.CreateRunRequest{
			AssistantID: assistant.AssistantID,
			Input:       userInput("x"),
		})
		require.ErrorIs(t, err, services.ErrNotFound)
	})
}

func TestPrepareCreatesThreadOnRequest(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	threadID := uuid.New().String()
	f.scripts.push(newScript("made it"))

	x, err := f.engine.Prepare(ctx, "alice", threadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("hello"),
		IfNotExists: models.IfNotExistsCreate,
	})
	require.NoError(t, err)
	require.NoError(t, x.Stream(ctx, (&frameLog{}).send))

	thread, err := f.store.Threads().Get(ctx, "alice", threadID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadStatusIdle, thread.Status)
}

func TestPrepareRejectsWhileDraining(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	assistant := f.seedAssistant("alice")
	thread := f.seedThread("alice")

	f.engine.Stop()
	_, err := f.engine.Prepare(ctx, "alice", thread.ThreadID, &models.CreateRunRequest{
		AssistantID: assistant.AssistantID,
		Input:       userInput("too late"),
	})
	require.ErrorIs(t, err, ErrShuttingDown)
}
