package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/storage"
)

// MemorySaver keeps snapshots in process. Backs dev mode and tests.
type MemorySaver struct {
	mu sync.RWMutex
	// threadID -> namespace -> snapshots in put order
	threads map[string]map[string][]*Snapshot
	nextSeq int64
}

var _ Checkpointer = (*MemorySaver)(nil)
var _ Saver = (*MemorySaver)(nil)

// NewMemorySaver creates an empty in-memory checkpointer.
func NewMemorySaver() *MemorySaver {
	return &MemorySaver{threads: make(map[string]map[string][]*Snapshot), nextSeq: 1}
}

type memorySession struct{ *MemorySaver }

func (memorySession) Close() error { return nil }

// Session returns the saver itself behind a no-op Close.
func (s *MemorySaver) Session(_ context.Context) (Session, error) {
	return memorySession{s}, nil
}

func (s *MemorySaver) Put(_ context.Context, snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snapshot.CheckpointID == "" {
		snapshot.CheckpointID = uuid.NewString()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	namespaces, ok := s.threads[snapshot.ThreadID]
	if !ok {
		namespaces = make(map[string][]*Snapshot)
		s.threads[snapshot.ThreadID] = namespaces
	}

	// Re-putting an existing checkpoint ID replaces the body in place and
	// keeps its position in the history.
	for i, existing := range namespaces[snapshot.Namespace] {
		if existing.CheckpointID == snapshot.CheckpointID {
			cp := *snapshot
			cp.seq = existing.seq
			cp.CreatedAt = existing.CreatedAt
			namespaces[snapshot.Namespace][i] = &cp
			return nil
		}
	}

	cp := *snapshot
	cp.seq = s.nextSeq
	s.nextSeq++
	namespaces[snapshot.Namespace] = append(namespaces[snapshot.Namespace], &cp)
	return nil
}

func (s *MemorySaver) Latest(_ context.Context, threadID, namespace string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshots := s.threads[threadID][namespace]
	if len(snapshots) == 0 {
		return nil, storage.ErrNotFound
	}
	cp := *snapshots[len(snapshots)-1]
	return &cp, nil
}

func (s *MemorySaver) Get(_ context.Context, threadID, namespace, checkpointID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snap := range s.threads[threadID][namespace] {
		if snap.CheckpointID == checkpointID {
			cp := *snap
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MemorySaver) History(_ context.Context, threadID, namespace string, limit int, beforeID string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshots := s.threads[threadID][namespace]
	end := len(snapshots)
	if beforeID != "" {
		end = 0
		for i, snap := range snapshots {
			if snap.CheckpointID == beforeID {
				end = i
				break
			}
		}
	}

	limit = ClampHistoryLimit(limit)
	result := []*Snapshot{}
	for i := end - 1; i >= 0 && len(result) < limit; i-- {
		cp := *snapshots[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemorySaver) LatestNamespace(_ context.Context, threadID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest    string
		latestSeq int64 = -1
	)
	for ns, snapshots := range s.threads[threadID] {
		if len(snapshots) == 0 {
			continue
		}
		if seq := snapshots[len(snapshots)-1].seq; seq > latestSeq {
			latestSeq = seq
			latest = ns
		}
	}
	if latestSeq < 0 {
		return "", storage.ErrNotFound
	}
	return latest, nil
}

func (s *MemorySaver) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.threads, threadID)
	return nil
}

func (s *MemorySaver) DeleteRun(_ context.Context, threadID, namespace, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	namespaces, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	kept := namespaces[namespace][:0]
	for _, snap := range namespaces[namespace] {
		if snap.RunID == runID {
			continue
		}
		kept = append(kept, snap)
	}
	namespaces[namespace] = kept
	return nil
}

func (s *MemorySaver) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, namespaces := range s.threads {
		for ns, snapshots := range namespaces {
			kept := snapshots[:0]
			for i, snap := range snapshots {
				// The newest snapshot stays regardless of age.
				if i < len(snapshots)-1 && snap.CreatedAt.Before(cutoff) {
					deleted++
					continue
				}
				kept = append(kept, snap)
			}
			namespaces[ns] = kept
		}
	}
	return deleted, nil
}
