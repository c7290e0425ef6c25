package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/strandlabs/strand/pkg/checkpoint"
	"github.com/strandlabs/strand/pkg/events"
	"github.com/strandlabs/strand/pkg/graph"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// SendFunc writes one SSE frame to the client: the persisted event ID
// (0 for transient delta frames), the event name and its JSON payload.
// Clients echo the ID back as Last-Event-ID to resume after a drop. A
// nil SendFunc runs the execution headless; events still reach the bus
// for subscribers.
type SendFunc func(id int64, event string, data []byte) error

// Execution is one admitted run, ready to be driven by exactly one of
// Stream, Wait or Engine.Launch. The run row exists in status pending;
// the multitask decision has been made and is never re-checked.
type Execution struct {
	// Run is the pending run row created at admission.
	Run *models.Run

	engine    *Engine
	thread    *models.Thread
	assistant *models.Assistant
	input     map[string]any
	command   map[string]any
	config    *models.RunnableConfig
	ns        string
	handle    *runHandle
	action    models.MultitaskStrategy

	// pred is the local predecessor this run waits on; predRun is the
	// superseded row a rollback deletes; waitRun is a database-active
	// predecessor with no local handle, polled until it settles.
	pred    *runHandle
	predRun *models.Run
	waitRun *models.Run

	stateless    bool
	deleteThread bool
	webhook      string
	afterSeconds int
}

// Stream executes the run, forwarding every event to send as it happens.
// Blocks until the run reaches a terminal status; the returned error is
// the execution failure, already reflected in the run's status and the
// emitted error frame.
func (x *Execution) Stream(ctx context.Context, send SendFunc) error {
	_, err := x.run(ctx, send, true)
	return err
}

// Wait executes the run without delta streaming and returns the final
// thread state. Lifecycle frames still reach the bus so joins and
// reconnects observe the run.
func (x *Execution) Wait(ctx context.Context) (*models.ThreadState, error) {
	return x.run(ctx, nil, false)
}

func (x *Execution) run(parent context.Context, send SendFunc, streaming bool) (*models.ThreadState, error) {
	e := x.engine
	e.wg.Add(1)
	defer e.wg.Done()
	defer func() {
		e.active.remove(x.handle)
		e.recordActive()
	}()

	runCtx, cancel := context.WithCancel(parent)
	defer cancel()
	x.handle.bind(cancel)

	if err := x.awaitTurn(runCtx); err != nil {
		status := models.RunStatusInterrupted
		detail := "run cancelled before start"
		if errors.Is(err, errQueueTimeout) {
			status = models.RunStatusError
			detail = err.Error()
		}
		x.settleWithoutExecution(status, detail, send)
		return nil, err
	}

	start := time.Now()
	if e.metrics != nil {
		e.metrics.RunStarted(x.assistant.GraphID)
	}

	finalState, execErr := x.execute(runCtx, send, streaming)
	status := classifyStatus(execErr, x.handle.Cancelled(), runCtx.Err())
	x.finish(status, finalState, execErr, send)

	if e.metrics != nil {
		e.metrics.RunFinished(x.assistant.GraphID, status, time.Since(start))
	}
	return finalState, execErr
}

// awaitTurn performs the admitted strategy's waiting: an enqueued run
// blocks on its predecessor FIFO, an interrupting run grants the grace
// window, a run behind a remote predecessor polls the row.
func (x *Execution) awaitTurn(runCtx context.Context) error {
	e := x.engine
	switch {
	case x.pred != nil:
		var limit time.Duration
		switch x.action {
		case models.MultitaskInterrupt, models.MultitaskRollback:
			limit = e.cfg.InterruptGraceTimeout
		case models.MultitaskEnqueue:
			limit = e.cfg.QueueWaitTimeout
		}
		var timeout <-chan time.Time
		if limit > 0 {
			t := time.NewTimer(limit)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case <-x.pred.done:
		case <-timeout:
			if x.action == models.MultitaskEnqueue {
				return errQueueTimeout
			}
			// Grace window elapsed; the predecessor is flagged and will
			// settle as interrupted on its own.
			e.logger.Warn("Predecessor run did not settle within the grace window, proceeding",
				"run_id", x.Run.RunID, "predecessor_run_id", x.pred.runID)
		case <-runCtx.Done():
			return runCtx.Err()
		}
	case x.waitRun != nil:
		if err := x.pollRemote(runCtx); err != nil {
			return err
		}
	}
	if x.handle.Cancelled() {
		return context.Canceled
	}
	return nil
}

// pollRemote waits for a database-active predecessor with no local handle
// to reach a terminal status. A deleted row counts as settled.
func (x *Execution) pollRemote(runCtx context.Context) error {
	e := x.engine
	var timeout <-chan time.Time
	if e.cfg.QueueWaitTimeout > 0 {
		t := time.NewTimer(e.cfg.QueueWaitTimeout)
		defer t.Stop()
		timeout = t.C
	}
	ticker := time.NewTicker(remotePollInterval)
	defer ticker.Stop()
	for {
		run, err := e.store.Runs().Get(runCtx, x.waitRun.Owner, x.waitRun.ThreadID, x.waitRun.RunID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("failed to poll predecessor run: %w", err)
		}
		if run.Status.Terminal() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-timeout:
			return errQueueTimeout
		case <-runCtx.Done():
			return runCtx.Err()
		}
	}
}

// execute drives the graph and emits every non-terminal frame: metadata,
// the initial values snapshot, deltas and updates, and the final values
// on success. The error and end frames belong to finish.
func (x *Execution) execute(runCtx context.Context, send SendFunc, streaming bool) (*models.ThreadState, error) {
	e := x.engine
	if err := e.store.Threads().SetStatus(runCtx, x.thread.ThreadID, models.ThreadStatusBusy); err != nil {
		return nil, fmt.Errorf("failed to set thread busy: %w", err)
	}
	session, err := e.checkpointer.Session(runCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint session: %w", err)
	}
	defer session.Close()

	if x.predRun != nil {
		x.rollbackPredecessor(runCtx, session)
	}

	// Pre-existing state is read after checkpointer acquisition and
	// before invocation; the initial values event must carry history plus
	// input, not the input alone.
	preState := x.readPreState(runCtx, session)

	if len(models.MessagesFromValues(x.input)) == 0 && len(x.command) == 0 {
		return x.executeEmpty(runCtx, send, preState)
	}

	factory, err := e.graphs.Resolve(x.assistant.GraphID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve graph %q: %w", x.assistant.GraphID, err)
	}
	g, err := factory(runCtx, x.config.Configurable, session, e.store.Items())
	if err != nil {
		return nil, fmt.Errorf("failed to build graph: %w", err)
	}
	defer g.Close()

	if err := e.store.Runs().SetStatus(runCtx, x.Run.RunID, models.RunStatusRunning); err != nil {
		return nil, fmt.Errorf("failed to set run running: %w", err)
	}

	if err := x.emitMetadata(runCtx, send); err != nil {
		return nil, err
	}
	initial, err := graph.MergeInputValues(stateValues(preState), x.input)
	if err != nil {
		return nil, fmt.Errorf("failed to merge input values: %w", err)
	}
	if err := x.emitValues(runCtx, send, initialStateFor(preState, initial)); err != nil {
		return nil, err
	}

	if !streaming {
		result, err := g.Invoke(runCtx, x.input, x.config)
		if err != nil {
			return synthesizeState(initial), err
		}
		final := x.readFinalState(g, result)
		if err := x.emitValues(runCtx, send, final); err != nil {
			return final, err
		}
		return final, nil
	}

	eventCh, err := g.Stream(runCtx, x.input, x.config)
	if err != nil {
		return synthesizeState(initial), fmt.Errorf("failed to start graph stream: %w", err)
	}
	acc := initial
	if err := x.consume(runCtx, send, eventCh, &acc); err != nil {
		return synthesizeState(acc), err
	}
	final := x.readFinalState(g, acc)
	if err := x.emitValues(runCtx, send, final); err != nil {
		return final, err
	}
	return final, nil
}

// executeEmpty handles a run with no input messages and no command:
// metadata, the pre-existing state and end, with no graph invocation.
func (x *Execution) executeEmpty(runCtx context.Context, send SendFunc, preState *models.ThreadState) (*models.ThreadState, error) {
	e := x.engine
	if err := e.store.Runs().SetStatus(runCtx, x.Run.RunID, models.RunStatusRunning); err != nil {
		return nil, fmt.Errorf("failed to set run running: %w", err)
	}
	if err := x.emitMetadata(runCtx, send); err != nil {
		return nil, err
	}
	state := preState
	if state == nil {
		state = synthesizeState(map[string]any{})
	}
	if err := x.emitValues(runCtx, send, state); err != nil {
		return state, err
	}
	return state, nil
}

// consume forwards graph events until the channel closes, the run is
// cancelled or the graph fails. The cancellation flag is polled between
// events.
func (x *Execution) consume(runCtx context.Context, send SendFunc, eventCh <-chan graph.Event, acc *map[string]any) error {
	e := x.engine
	for {
		// Poll the flag between events. A flag raised mid-delivery wins
		// over a graph that closes its channel in the same instant.
		if x.handle.Cancelled() {
			return context.Canceled
		}
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case ev, ok := <-eventCh:
			if !ok {
				return nil
			}
			switch ev := ev.(type) {
			case *graph.MessageEvent:
				name := models.StreamEventMessages
				if ev.Namespace != "" {
					name += models.SubgraphDelimiter + ev.Namespace
				}
				data, err := models.MessagesTuple(ev.Delta, ev.Meta)
				if err != nil {
					e.logger.Warn("Failed to encode message delta", "run_id", x.Run.RunID, "error", err)
					continue
				}
				if err := x.emit(runCtx, send, name, data); err != nil {
					return err
				}
			case *graph.UpdatesEvent:
				data, err := json.Marshal(map[string]any{ev.Node: ev.Update})
				if err != nil {
					e.logger.Warn("Failed to encode update", "run_id", x.Run.RunID, "node", ev.Node, "error", err)
					continue
				}
				if err := x.emit(runCtx, send, models.StreamEventUpdates, data); err != nil {
					return err
				}
				// Accumulate for the final-values fallback when the
				// post-stream checkpoint read fails.
				if merged, err := graph.MergeInputValues(*acc, ev.Update); err == nil {
					*acc = merged
				} else {
					e.logger.Warn("Failed to accumulate update", "run_id", x.Run.RunID, "error", err)
				}
			case *graph.ErrorEvent:
				return ev.Err
			}
		}
	}
}

// readPreState loads the checkpoint the run starts from. Failures are
// logged and ignored; the stream proceeds with the input alone.
func (x *Execution) readPreState(runCtx context.Context, session checkpoint.Session) *models.ThreadState {
	snap, err := session.Latest(runCtx, x.thread.ThreadID, x.ns)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			x.engine.logger.Warn("Failed to read pre-existing state, proceeding without merge",
				"run_id", x.Run.RunID, "thread_id", x.thread.ThreadID, "error", err)
		}
		return nil
	}
	return graph.StateFromSnapshot(snap)
}

// readFinalState reads the post-run checkpoint, falling back to the
// accumulated values when the read fails. Uses a fresh context; the run
// context may already be dead on the disconnect path.
func (x *Execution) readFinalState(g graph.Graph, fallback map[string]any) *models.ThreadState {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	state, err := g.GetState(ctx, x.config)
	if err != nil {
		x.engine.logger.Warn("Failed to read final state, falling back to accumulated values",
			"run_id", x.Run.RunID, "error", err)
		return synthesizeState(fallback)
	}
	if state == nil {
		return synthesizeState(fallback)
	}
	return state
}

// rollbackPredecessor deletes the superseded run's row and the
// checkpoints it wrote. The predecessor has already settled or had its
// grace window.
func (x *Execution) rollbackPredecessor(ctx context.Context, session checkpoint.Session) {
	e := x.engine
	pr := x.predRun
	ns := checkpoint.NamespaceForAssistant(pr.AssistantID)
	if err := session.DeleteRun(ctx, pr.ThreadID, ns, pr.RunID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("Failed to delete rolled-back run checkpoints",
			"run_id", pr.RunID, "thread_id", pr.ThreadID, "error", err)
	}
	if err := e.store.Runs().Delete(ctx, pr.Owner, pr.ThreadID, pr.RunID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("Failed to delete rolled-back run",
			"run_id", pr.RunID, "thread_id", pr.ThreadID, "error", err)
	}
	e.logger.Info("Rolled back superseded run", "run_id", pr.RunID, "thread_id", pr.ThreadID)
}

// finish is the finally block: status transitions, terminal frames,
// webhook and ephemeral-thread cleanup run on every exit path, including
// client disconnects, on a fresh context.
func (x *Execution) finish(status models.RunStatus, finalState *models.ThreadState, execErr error, send SendFunc) {
	e := x.engine
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	if finalState != nil && finalState.Values != nil {
		if err := e.store.Threads().SetValues(ctx, x.thread.ThreadID, finalState.Values); err != nil {
			e.logger.Warn("Failed to persist thread values", "thread_id", x.thread.ThreadID, "error", err)
		}
	}
	if err := e.store.Runs().SetStatus(ctx, x.Run.RunID, status); err != nil {
		e.logger.Error("Failed to set run status", "run_id", x.Run.RunID, "status", string(status), "error", err)
	}
	if !x.deleteThread {
		threadStatus := models.ThreadStatusIdle
		if status == models.RunStatusSuccess && hasPendingInterrupts(finalState) {
			threadStatus = models.ThreadStatusInterrupted
		}
		if err := e.store.Threads().SetStatus(ctx, x.thread.ThreadID, threadStatus); err != nil {
			e.logger.Error("Failed to set thread status", "thread_id", x.thread.ThreadID, "error", err)
		}
	}

	if status != models.RunStatusSuccess {
		x.emitError(ctx, send, status, execErr)
	}
	x.emitEnd(ctx, send, status, checkpointIDOf(finalState))

	if x.webhook != "" && e.notifier != nil {
		run := *x.Run
		run.Status = status
		e.notifier.RunCompleted(&run, finalState, x.webhook)
	}
	if x.deleteThread {
		x.cleanupEphemeralThread(ctx)
	}
	e.logger.Info("Run finished",
		"run_id", x.Run.RunID,
		"thread_id", x.thread.ThreadID,
		"status", string(status))
}

// settleWithoutExecution finalizes a run that never started: cancelled in
// the queue, or timed out waiting for its turn. The thread's status is
// left to whoever runs on it.
func (x *Execution) settleWithoutExecution(status models.RunStatus, detail string, send SendFunc) {
	e := x.engine
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := e.store.Runs().SetStatus(ctx, x.Run.RunID, status); err != nil {
		e.logger.Error("Failed to set run status", "run_id", x.Run.RunID, "status", string(status), "error", err)
	}
	if err := x.emitMetadata(ctx, send); err != nil {
		send = nil
	}
	x.emitError(ctx, send, status, errors.New(detail))
	x.emitEnd(ctx, send, status, "")
	if x.deleteThread {
		x.cleanupEphemeralThread(ctx)
	}
	e.logger.Info("Run settled without execution", "run_id", x.Run.RunID, "status", string(status))
}

// cleanupEphemeralThread removes a stateless run's thread and its
// checkpoints after the terminal frames are out.
func (x *Execution) cleanupEphemeralThread(ctx context.Context) {
	e := x.engine
	if err := e.store.Threads().Delete(ctx, x.thread.Owner, x.thread.ThreadID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("Failed to delete ephemeral thread", "thread_id", x.thread.ThreadID, "error", err)
	}
	session, err := e.checkpointer.Session(ctx)
	if err != nil {
		e.logger.Warn("Failed to open checkpoint session for ephemeral cleanup",
			"thread_id", x.thread.ThreadID, "error", err)
		return
	}
	defer session.Close()
	if err := session.DeleteThread(ctx, x.thread.ThreadID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("Failed to delete ephemeral thread checkpoints",
			"thread_id", x.thread.ThreadID, "error", err)
	}
}

// emit publishes a frame to the bus and forwards it to the client. A send
// failure is the client disconnecting; the caller halts the run.
func (x *Execution) emit(ctx context.Context, send SendFunc, event string, data []byte) error {
	id, err := x.engine.bus.Publish(ctx, events.Frame{RunID: x.Run.RunID, Event: event, Data: data})
	if err != nil {
		x.engine.logger.Warn("Failed to publish stream event",
			"run_id", x.Run.RunID, "event", event, "error", err)
	}
	if send == nil {
		return nil
	}
	if err := send(id, event, data); err != nil {
		return fmt.Errorf("%w: %v", errClientGone, err)
	}
	return nil
}

func (x *Execution) emitMetadata(ctx context.Context, send SendFunc) error {
	data, err := json.Marshal(models.MetadataEventPayload{RunID: x.Run.RunID, Attempt: 1})
	if err != nil {
		return fmt.Errorf("failed to encode metadata event: %w", err)
	}
	return x.emit(ctx, send, models.StreamEventMetadata, data)
}

func (x *Execution) emitValues(ctx context.Context, send SendFunc, state *models.ThreadState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode values event: %w", err)
	}
	return x.emit(ctx, send, models.StreamEventValues, data)
}

func (x *Execution) emitError(ctx context.Context, send SendFunc, status models.RunStatus, execErr error) {
	message := "run failed"
	if execErr != nil {
		message = execErr.Error()
	}
	if status == models.RunStatusInterrupted {
		message = "run cancelled"
	}
	data, err := json.Marshal(models.ErrorEventPayload{Error: errorKind(status), Message: message})
	if err != nil {
		x.engine.logger.Warn("Failed to encode error event", "run_id", x.Run.RunID, "error", err)
		return
	}
	if err := x.emit(ctx, send, models.StreamEventError, data); err != nil {
		x.engine.logger.Debug("Client gone before error event", "run_id", x.Run.RunID)
	}
}

func (x *Execution) emitEnd(ctx context.Context, send SendFunc, status models.RunStatus, checkpointID string) {
	data, err := json.Marshal(models.EndEventPayload{RunID: x.Run.RunID, CheckpointID: checkpointID, Status: status})
	if err != nil {
		x.engine.logger.Warn("Failed to encode end event", "run_id", x.Run.RunID, "error", err)
		return
	}
	if err := x.emit(ctx, send, models.StreamEventEnd, data); err != nil {
		x.engine.logger.Debug("Client gone before end event", "run_id", x.Run.RunID)
	}
}

// classifyStatus maps an execution failure to the run's terminal status.
// ctxErr is the run context's error: when the caller's context died the
// run was abandoned, not timed out, so timeout is reserved for deadline
// errors raised by the run's own work (an LLM or tool call that expired
// while the caller was still waiting).
func classifyStatus(err error, cancelled bool, ctxErr error) models.RunStatus {
	switch {
	case err == nil:
		return models.RunStatusSuccess
	case cancelled:
		return models.RunStatusInterrupted
	case errors.Is(err, errClientGone):
		return models.RunStatusInterrupted
	case ctxErr != nil:
		return models.RunStatusInterrupted
	case errors.Is(err, context.DeadlineExceeded):
		return models.RunStatusTimeout
	case errors.Is(err, context.Canceled):
		return models.RunStatusInterrupted
	default:
		return models.RunStatusError
	}
}

func errorKind(status models.RunStatus) string {
	switch status {
	case models.RunStatusInterrupted:
		return "run_interrupted"
	case models.RunStatusTimeout:
		return "run_timeout"
	default:
		return "run_error"
	}
}

func stateValues(state *models.ThreadState) map[string]any {
	if state == nil || state.Values == nil {
		return map[string]any{}
	}
	return state.Values
}

// initialStateFor shapes the opening values event: the merged values with
// the checkpoint refs of the state the run resumes from.
func initialStateFor(pre *models.ThreadState, values map[string]any) *models.ThreadState {
	state := synthesizeState(values)
	if pre != nil {
		state.Checkpoint = pre.Checkpoint
		state.ParentCheckpoint = pre.ParentCheckpoint
	}
	return state
}

func synthesizeState(values map[string]any) *models.ThreadState {
	if values == nil {
		values = map[string]any{}
	}
	return &models.ThreadState{
		Values: values,
		Next:   []string{},
		Tasks:  []models.TaskState{},
	}
}

func hasPendingInterrupts(state *models.ThreadState) bool {
	if state == nil {
		return false
	}
	for _, task := range state.Tasks {
		if len(task.Interrupts) > 0 {
			return true
		}
	}
	return false
}

func checkpointIDOf(state *models.ThreadState) string {
	if state == nil || state.Checkpoint == nil {
		return ""
	}
	return state.Checkpoint.CheckpointID
}
