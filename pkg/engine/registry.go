// Package engine is the run lifecycle core: it admits runs against the
// per-thread multitask policy, executes them through the graph layer and
// owns every run status transition. Streaming and wait-mode runs execute
// in the request that created them; background runs detach into tracked
// goroutines that graceful shutdown drains.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// runHandle tracks one admitted run until it reaches a terminal status.
// Cancellation is two-layered: the flag is polled between stream events
// for a deterministic cut, the context cancel reaches into blocking LLM
// and tool calls. The handle is registered at admission, before the
// execution context exists; bind attaches the cancel function later.
type runHandle struct {
	runID    string
	threadID string
	owner    string

	cancelled atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc

	// done closes when the run's finally block has finished. Enqueued
	// successors and join waiters block on it.
	done     chan struct{}
	doneOnce sync.Once
}

func newRunHandle(runID, threadID, owner string) *runHandle {
	return &runHandle{
		runID:    runID,
		threadID: threadID,
		owner:    owner,
		done:     make(chan struct{}),
	}
}

// bind attaches the execution context's cancel function. A cancellation
// that arrived before bind fires immediately.
func (h *runHandle) bind(cancel context.CancelFunc) {
	h.mu.Lock()
	h.cancel = cancel
	already := h.cancelled.Load()
	h.mu.Unlock()
	if already {
		cancel()
	}
}

// Cancel flags the run and cancels its context. Safe to call repeatedly
// and after completion.
func (h *runHandle) Cancel() {
	h.cancelled.Store(true)
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *runHandle) Cancelled() bool {
	return h.cancelled.Load()
}

func (h *runHandle) finish() {
	h.doneOnce.Do(func() { close(h.done) })
}

// activeRuns is the in-process run registry. byThread holds the admission
// tail: the most recently admitted run on each thread, which is what the
// next admission's multitask decision applies to.
type activeRuns struct {
	mu       sync.RWMutex
	byRun    map[string]*runHandle
	byThread map[string]*runHandle
}

func newActiveRuns() *activeRuns {
	return &activeRuns{
		byRun:    make(map[string]*runHandle),
		byThread: make(map[string]*runHandle),
	}
}

// add registers a handle as its thread's admission tail.
func (r *activeRuns) add(h *runHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRun[h.runID] = h
	r.byThread[h.threadID] = h
}

// remove drops a handle and closes its done channel. The thread slot is
// only cleared when this handle still owns it; an enqueued successor may
// have taken over already.
func (r *activeRuns) remove(h *runHandle) {
	r.mu.Lock()
	delete(r.byRun, h.runID)
	if r.byThread[h.threadID] == h {
		delete(r.byThread, h.threadID)
	}
	r.mu.Unlock()
	h.finish()
}

// get returns the handle for a run, or nil when the run is not executing
// on this process.
func (r *activeRuns) get(runID string) *runHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byRun[runID]
}

// tail returns the thread's admission tail, or nil when the thread is
// locally idle.
func (r *activeRuns) tail(threadID string) *runHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byThread[threadID]
}

// all snapshots every registered handle.
func (r *activeRuns) all() []*runHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := make([]*runHandle, 0, len(r.byRun))
	for _, h := range r.byRun {
		handles = append(handles, h)
	}
	return handles
}

func (r *activeRuns) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRun)
}

// runIDs lists registered run IDs, for shutdown logging.
func (r *activeRuns) runIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byRun))
	for id := range r.byRun {
		ids = append(ids, id)
	}
	return ids
}
