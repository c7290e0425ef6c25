package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/checkpoint"
	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/events"
	"github.com/strandlabs/strand/pkg/graph"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/services"
	"github.com/strandlabs/strand/pkg/storage"
)

// ErrShuttingDown rejects new run admissions while the engine drains.
var ErrShuttingDown = errors.New("server is shutting down")

// errClientGone marks a send failure mid-stream: the client disconnected
// and the run finishes as interrupted.
var errClientGone = errors.New("client disconnected")

// errQueueTimeout marks an enqueued run that gave up waiting for the
// thread's active run.
var errQueueTimeout = errors.New("timed out waiting for the thread's active run")

// admissionStripes sizes the striped admission mutexes. Admission holds a
// stripe only for the conflict check and the run row insert.
const admissionStripes = 64

// finishTimeout bounds the terminal bookkeeping (status writes, final
// frames, cleanup) that must run even when the request context is dead.
const finishTimeout = 10 * time.Second

// remotePollInterval paces status polling against a run that is active in
// the database but has no handle on this process.
const remotePollInterval = 200 * time.Millisecond

// AssistantSource lazily syncs a catalog assistant into storage when a run
// references an ID that storage does not have yet. Dev setups use this to
// pick up declaration edits without a restart; a nil source disables it.
type AssistantSource interface {
	SyncOne(ctx context.Context, assistantID string) (*models.Assistant, error)
}

// Notifier delivers run-completion webhooks. Delivery is asynchronous and
// best effort; the engine fires and forgets.
type Notifier interface {
	RunCompleted(run *models.Run, state *models.ThreadState, webhookURL string)
}

// Recorder receives run lifecycle measurements. A nil recorder is valid.
type Recorder interface {
	RunStarted(graphID string)
	RunFinished(graphID string, status models.RunStatus, elapsed time.Duration)
	ActiveRuns(n int)
}

// Deps wires the engine's collaborators.
type Deps struct {
	Store        storage.Store
	Checkpointer checkpoint.Checkpointer
	Graphs       *graph.Registry
	Bus          *events.Bus
	Assistants   AssistantSource
	Notifier     Notifier
	Metrics      Recorder
	Config       *config.EngineConfig
	Logger       *slog.Logger
}

// Engine is the run lifecycle core. Prepare admits a run against the
// thread's multitask policy and returns an Execution; the caller drives it
// in streaming, wait or background mode. The engine owns every run and
// thread status transition.
type Engine struct {
	store        storage.Store
	checkpointer checkpoint.Checkpointer
	graphs       *graph.Registry
	bus          *events.Bus
	assistants   AssistantSource
	notifier     Notifier
	metrics      Recorder
	cfg          *config.EngineConfig
	logger       *slog.Logger

	active    *activeRuns
	admission [admissionStripes]sync.Mutex

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	bgSem      chan struct{}
	draining   atomic.Bool
}

// New builds an engine. Store, Checkpointer, Graphs, Bus and Config are
// required; the rest may be nil.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	maxBG := deps.Config.MaxConcurrentBackgroundRuns
	if maxBG <= 0 {
		maxBG = 1
	}
	return &Engine{
		store:        deps.Store,
		checkpointer: deps.Checkpointer,
		graphs:       deps.Graphs,
		bus:          deps.Bus,
		assistants:   deps.Assistants,
		notifier:     deps.Notifier,
		metrics:      deps.Metrics,
		cfg:          deps.Config,
		logger:       logger,
		active:       newActiveRuns(),
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
		bgSem:        make(chan struct{}, maxBG),
	}
}

// ActiveRunCount reports runs currently registered on this process.
func (e *Engine) ActiveRunCount() int {
	return e.active.count()
}

func (e *Engine) admissionLock(threadID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(threadID))
	return &e.admission[h.Sum32()%admissionStripes]
}

// Prepare validates a run request, admits it against the thread's active
// run per the multitask strategy and creates the run row in status
// pending. Every error maps to an HTTP status before any stream output:
// unknown thread or assistant to 404, a reject conflict to 409, bad
// fields to 422. The returned Execution must be driven by exactly one of
// Stream, Wait or Launch.
func (e *Engine) Prepare(ctx context.Context, owner, threadID string, req *models.CreateRunRequest) (*Execution, error) {
	if e.draining.Load() {
		return nil, ErrShuttingDown
	}
	strategy, err := validateRunRequest(req)
	if err != nil {
		return nil, err
	}

	assistant, err := e.resolveAssistant(ctx, owner, req.AssistantID)
	if err != nil {
		return nil, err
	}
	thread, err := e.resolveThread(ctx, owner, threadID, req.IfNotExists)
	if err != nil {
		return nil, err
	}

	run := &models.Run{
		RunID:             uuid.New().String(),
		ThreadID:          thread.ThreadID,
		AssistantID:       assistant.AssistantID,
		Status:            models.RunStatusPending,
		Metadata:          req.Metadata,
		Kwargs:            req.RunKwargs(),
		MultitaskStrategy: strategy,
		Owner:             owner,
	}
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}

	x := &Execution{
		Run:          run,
		engine:       e,
		thread:       thread,
		assistant:    assistant,
		input:        req.Input,
		command:      req.Command,
		config:       buildConfigurable(assistant, req.Config, run),
		ns:           checkpoint.NamespaceForAssistant(assistant.AssistantID),
		action:       strategy,
		webhook:      req.Webhook,
		afterSeconds: req.AfterSeconds,
	}

	// Admission: the multitask decision is made exactly once, under the
	// thread's stripe, and never re-checked afterwards. The strategy's
	// waiting (enqueue FIFO, interrupt grace) happens at execution start
	// so background submissions return immediately.
	lock := e.admissionLock(thread.ThreadID)
	lock.Lock()
	pred := e.active.tail(thread.ThreadID)
	var predRun *models.Run
	if pred == nil {
		predRun, err = e.store.Runs().GetActive(ctx, thread.ThreadID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			lock.Unlock()
			return nil, fmt.Errorf("failed to check active run: %w", err)
		}
	}

	if pred != nil || predRun != nil {
		switch strategy {
		case models.MultitaskReject:
			lock.Unlock()
			return nil, services.ErrThreadBusy
		case models.MultitaskInterrupt, models.MultitaskRollback:
			if pred != nil {
				if strategy == models.MultitaskRollback {
					// Needed later to delete the rolled-back row and its
					// checkpoints; losing it degrades rollback to interrupt.
					predRun, err = e.store.Runs().Get(ctx, pred.owner, thread.ThreadID, pred.runID)
					if err != nil {
						e.logger.Warn("Failed to load run for rollback, artifacts will not be deleted",
							"run_id", pred.runID, "error", err)
						predRun = nil
					}
				}
				pred.Cancel()
			} else {
				// Active in the database but not on this process: a crash
				// leftover or another pod. Flip the row; rollback deletes
				// the artifacts at execution start.
				if err := e.store.Runs().SetStatus(ctx, predRun.RunID, models.RunStatusInterrupted); err != nil {
					e.logger.Warn("Failed to interrupt remote run", "run_id", predRun.RunID, "error", err)
				}
			}
			x.pred = pred
			x.predRun = predRun
			if strategy == models.MultitaskInterrupt {
				x.predRun = nil
			}
		case models.MultitaskEnqueue:
			x.pred = pred
			if pred == nil {
				x.waitRun = predRun
			}
		}
	}

	if err := e.store.Runs().Create(ctx, run); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	x.handle = newRunHandle(run.RunID, thread.ThreadID, owner)
	e.active.add(x.handle)
	lock.Unlock()

	e.recordActive()
	e.logger.Info("Run admitted",
		"run_id", run.RunID,
		"thread_id", thread.ThreadID,
		"assistant_id", assistant.AssistantID,
		"multitask_strategy", string(strategy))
	return x, nil
}

// PrepareStateless creates an ephemeral thread and admits a run on it.
// Unless on_completion is "keep", the thread and its checkpoints are
// deleted when the run finishes.
func (e *Engine) PrepareStateless(ctx context.Context, owner string, req *models.CreateRunRequest) (*Execution, error) {
	if e.draining.Load() {
		return nil, ErrShuttingDown
	}
	thread := &models.Thread{
		ThreadID: uuid.New().String(),
		Status:   models.ThreadStatusIdle,
		Metadata: map[string]any{"stateless": true},
		Owner:    owner,
	}
	if err := e.store.Threads().Create(ctx, thread); err != nil {
		return nil, fmt.Errorf("failed to create ephemeral thread: %w", err)
	}
	x, err := e.Prepare(ctx, owner, thread.ThreadID, req)
	if err != nil {
		if delErr := e.store.Threads().Delete(ctx, owner, thread.ThreadID); delErr != nil {
			e.logger.Warn("Failed to delete ephemeral thread after rejected run",
				"thread_id", thread.ThreadID, "error", delErr)
		}
		return nil, err
	}
	x.stateless = true
	x.deleteThread = req.OnCompletion != models.OnCompletionKeep
	return x, nil
}

func validateRunRequest(req *models.CreateRunRequest) (models.MultitaskStrategy, error) {
	if req.AssistantID == "" {
		return "", services.NewValidationError("assistant_id", "is required")
	}
	strategy := req.MultitaskStrategy
	if strategy == "" {
		strategy = models.MultitaskReject
	}
	if !strategy.Valid() {
		return "", services.NewValidationError("multitask_strategy",
			"must be one of 'reject', 'interrupt', 'rollback', 'enqueue'")
	}
	switch req.IfNotExists {
	case "", models.IfNotExistsReject, models.IfNotExistsCreate:
	default:
		return "", services.NewValidationError("if_not_exists", "must be 'reject' or 'create'")
	}
	switch req.OnCompletion {
	case "", models.OnCompletionDelete, models.OnCompletionKeep:
	default:
		return "", services.NewValidationError("on_completion", "must be 'delete' or 'keep'")
	}
	if req.AfterSeconds < 0 {
		return "", services.NewValidationError("after_seconds", "must be >= 0")
	}
	if req.Webhook != "" {
		u, err := url.Parse(req.Webhook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return "", services.NewValidationError("webhook", "must be an http(s) URL")
		}
	}
	return strategy, nil
}

func (e *Engine) resolveAssistant(ctx context.Context, owner, assistantID string) (*models.Assistant, error) {
	assistant, err := e.store.Assistants().Get(ctx, owner, assistantID)
	if err == nil {
		return assistant, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to get assistant: %w", err)
	}
	if e.assistants != nil {
		assistant, syncErr := e.assistants.SyncOne(ctx, assistantID)
		if syncErr == nil {
			return assistant, nil
		}
		if !errors.Is(syncErr, storage.ErrNotFound) {
			e.logger.Warn("Lazy assistant sync failed", "assistant_id", assistantID, "error", syncErr)
		}
	}
	return nil, services.ErrNotFound
}

func (e *Engine) resolveThread(ctx context.Context, owner, threadID, ifNotExists string) (*models.Thread, error) {
	thread, err := e.store.Threads().Get(ctx, owner, threadID)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	if ifNotExists != models.IfNotExistsCreate {
		return nil, services.ErrNotFound
	}
	if _, parseErr := uuid.Parse(threadID); parseErr != nil {
		return nil, services.NewValidationError("thread_id", "must be a valid UUID")
	}
	thread = &models.Thread{
		ThreadID: threadID,
		Status:   models.ThreadStatusIdle,
		Metadata: map[string]any{},
		Owner:    owner,
	}
	if err := e.store.Threads().Create(ctx, thread); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Lost a create race; the thread exists now.
			return e.store.Threads().Get(ctx, owner, threadID)
		}
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, nil
}

// buildConfigurable merges assistant config with per-run config and
// injects the runtime identity keys every graph invocation receives.
// Clients never set checkpoint_ns; it is always derived from the
// assistant.
func buildConfigurable(assistant *models.Assistant, overlay *models.RunnableConfig, run *models.Run) *models.RunnableConfig {
	merged := assistant.Config.Merge(overlay)
	merged.Configurable[graph.ConfigKeyThreadID] = run.ThreadID
	merged.Configurable[graph.ConfigKeyRunID] = run.RunID
	merged.Configurable[graph.ConfigKeyAssistantID] = assistant.AssistantID
	merged.Configurable[graph.ConfigKeyCheckpointNS] = checkpoint.NamespaceForAssistant(assistant.AssistantID)
	return merged
}

// Launch detaches an execution into a tracked background goroutine. The
// run streams against the engine's base context so client-side deadlines
// do not apply; its events still reach the bus for reconnecting clients.
func (e *Engine) Launch(x *Execution) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if x.afterSeconds > 0 {
			t := time.NewTimer(time.Duration(x.afterSeconds) * time.Second)
			select {
			case <-t.C:
			case <-e.baseCtx.Done():
				t.Stop()
			case <-x.handle.done:
				t.Stop()
				return
			}
		}
		select {
		case e.bgSem <- struct{}{}:
			defer func() { <-e.bgSem }()
		case <-e.baseCtx.Done():
			// Shutdown before the run started; Stream's pre-start path
			// marks it interrupted.
		}
		if err := x.Stream(e.baseCtx, nil); err != nil {
			e.logger.Warn("Background run finished with error",
				"run_id", x.Run.RunID, "thread_id", x.Run.ThreadID, "error", err)
		}
	}()
}

// Cancel flags a run for cancellation. Terminal runs are a no-op. A run
// active in the database but unknown to this process is marked
// interrupted directly; that covers crash leftovers.
func (e *Engine) Cancel(ctx context.Context, owner, threadID, runID string) error {
	run, err := e.store.Runs().Get(ctx, owner, threadID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return services.ErrNotFound
		}
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run.Status.Terminal() {
		return nil
	}
	if h := e.active.get(runID); h != nil {
		h.Cancel()
		e.logger.Info("Run cancellation requested", "run_id", runID, "thread_id", threadID)
		return nil
	}

	// No local handle: the process that owned the run is gone. Settle the
	// row so the thread is usable again.
	if err := e.store.Runs().SetStatus(ctx, runID, models.RunStatusInterrupted); err != nil {
		return fmt.Errorf("failed to interrupt run: %w", err)
	}
	if err := e.store.Threads().SetStatus(ctx, threadID, models.ThreadStatusInterrupted); err != nil {
		e.logger.Warn("Failed to set thread status after cancel", "thread_id", threadID, "error", err)
	}
	e.publishTerminalFrames(ctx, run, models.RunStatusInterrupted, "run cancelled")
	e.logger.Info("Orphaned run interrupted by cancel", "run_id", runID, "thread_id", threadID)
	return nil
}

// Join blocks until the run reaches a terminal status and returns the
// thread state in the run's checkpoint namespace. Works for runs on this
// process (waits on the handle) and elsewhere (waits for the end frame).
func (e *Engine) Join(ctx context.Context, owner, threadID, runID string) (*models.ThreadState, error) {
	run, err := e.store.Runs().Get(ctx, owner, threadID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, services.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run.Status.Terminal() {
		return e.stateForRun(ctx, run)
	}
	if h := e.active.get(runID); h != nil {
		select {
		case <-h.done:
			return e.stateForRun(ctx, run)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// The run executes elsewhere: wait for its terminal frame on the bus.
	for {
		sub, err := e.bus.Subscribe(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to run events: %w", err)
		}
		// Re-check after subscribing; the end frame may have fired in
		// between.
		run, err = e.store.Runs().Get(ctx, owner, threadID, runID)
		if err == nil && run.Status.Terminal() {
			sub.Close()
			return e.stateForRun(ctx, run)
		}
		done := false
		for !done {
			select {
			case frame, ok := <-sub.Frames:
				if !ok {
					done = true
					break
				}
				if events.Terminal(frame.Event) {
					sub.Close()
					return e.stateForRun(ctx, run)
				}
			case <-ctx.Done():
				sub.Close()
				return nil, ctx.Err()
			}
		}
		sub.Close()
		// Channel closed without an end frame (subscriber lagged);
		// resubscribe unless the run settled meanwhile.
	}
}

// stateForRun reads the thread state in the run's checkpoint namespace.
// A thread with no checkpoints yet yields an empty state.
func (e *Engine) stateForRun(ctx context.Context, run *models.Run) (*models.ThreadState, error) {
	session, err := e.checkpointer.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint session: %w", err)
	}
	defer session.Close()
	snap, err := session.Latest(ctx, run.ThreadID, checkpoint.NamespaceForAssistant(run.AssistantID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &models.ThreadState{
				Values: map[string]any{},
				Next:   []string{},
				Tasks:  []models.TaskState{},
			}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return graph.StateFromSnapshot(snap), nil
}

// Attach streams a run's events to a reconnecting client: persisted
// events replay first, live frames follow with replayed IDs deduped, and
// the stream closes after the end frame. Completed runs replay their
// cached events and close. sinceID skips persisted events at or below it
// (the client's Last-Event-ID).
func (e *Engine) Attach(ctx context.Context, owner, threadID, runID string, sinceID int64, send SendFunc) error {
	run, err := e.store.Runs().Get(ctx, owner, threadID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return services.ErrNotFound
		}
		return fmt.Errorf("failed to get run: %w", err)
	}

	sub, err := e.bus.Subscribe(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to run events: %w", err)
	}
	defer sub.Close()

	replayed, err := e.bus.Replay(ctx, runID, sinceID)
	if err != nil {
		return fmt.Errorf("failed to replay run events: %w", err)
	}
	maxReplayed := sinceID
	sawEnd := false
	for _, frame := range replayed {
		if frame.ID > maxReplayed {
			maxReplayed = frame.ID
		}
		if err := send(frame.ID, frame.Event, frame.Data); err != nil {
			return errClientGone
		}
		if events.Terminal(frame.Event) {
			sawEnd = true
		}
	}
	if sawEnd {
		return nil
	}

	// A terminal run whose end frame never landed (crash mid-finish)
	// would wait forever; synthesize the close instead.
	run, err = e.store.Runs().Get(ctx, owner, threadID, runID)
	if err == nil && run.Status.Terminal() {
		payload, merr := json.Marshal(models.EndEventPayload{RunID: runID, Status: run.Status})
		if merr == nil {
			if err := send(0, models.StreamEventEnd, payload); err != nil {
				return errClientGone
			}
		}
		return nil
	}

	for {
		select {
		case frame, ok := <-sub.Frames:
			if !ok {
				return nil
			}
			if frame.ID > 0 && frame.ID <= maxReplayed {
				continue
			}
			if err := send(frame.ID, frame.Event, frame.Data); err != nil {
				return errClientGone
			}
			if events.Terminal(frame.Event) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// publishTerminalFrames emits the error and end frames for a run settled
// outside its own execution (orphan cancel). Best effort.
func (e *Engine) publishTerminalFrames(ctx context.Context, run *models.Run, status models.RunStatus, message string) {
	errPayload, err := json.Marshal(models.ErrorEventPayload{Error: "run_interrupted", Message: message})
	if err == nil {
		if _, err := e.bus.Publish(ctx, events.Frame{RunID: run.RunID, Event: models.StreamEventError, Data: errPayload}); err != nil {
			e.logger.Warn("Failed to publish error frame", "run_id", run.RunID, "error", err)
		}
	}
	endPayload, err := json.Marshal(models.EndEventPayload{RunID: run.RunID, Status: status})
	if err == nil {
		if _, err := e.bus.Publish(ctx, events.Frame{RunID: run.RunID, Event: models.StreamEventEnd, Data: endPayload}); err != nil {
			e.logger.Warn("Failed to publish end frame", "run_id", run.RunID, "error", err)
		}
	}
}

func (e *Engine) recordActive() {
	if e.metrics != nil {
		e.metrics.ActiveRuns(e.active.count())
	}
}

// Stop drains the engine: new admissions fail, in-flight runs get the
// graceful window to finish, stragglers are cancelled and briefly waited
// for.
func (e *Engine) Stop() {
	if !e.draining.CompareAndSwap(false, true) {
		return
	}
	e.logger.Info("Stopping run engine gracefully")
	if ids := e.active.runIDs(); len(ids) > 0 {
		e.logger.Info("Waiting for active runs to complete", "count", len(ids), "run_ids", ids)
	}
	if waitGroupTimeout(&e.wg, e.cfg.GracefulShutdownTimeout) {
		e.baseCancel()
		e.logger.Info("Run engine stopped gracefully")
		return
	}
	ids := e.active.runIDs()
	e.logger.Warn("Graceful shutdown window elapsed, cancelling remaining runs",
		"count", len(ids), "run_ids", ids)
	for _, h := range e.active.all() {
		h.Cancel()
	}
	e.baseCancel()
	waitGroupTimeout(&e.wg, 5*time.Second)
	e.logger.Info("Run engine stopped")
}

func waitGroupTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
