package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/checkpoint"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
	"github.com/strandlabs/strand/pkg/storage/memory"
)

func newThreadFixture() (*ThreadService, storage.Store, *checkpoint.MemorySaver) {
	store := memory.NewStore()
	saver := checkpoint.NewMemorySaver()
	return NewThreadService(store, saver), store, saver
}

func TestThreadServiceCreate(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newThreadFixture()

	thread, err := svc.Create(ctx, "alice", &models.CreateThreadRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.ThreadStatusIdle, thread.Status)
	assert.NotNil(t, thread.Metadata)
	_, err = uuid.Parse(thread.ThreadID)
	assert.NoError(t, err)

	t.Run("duplicate raise", func(t *testing.T) {
		_, err := svc.Create(ctx, "alice", &models.CreateThreadRequest{ThreadID: thread.ThreadID})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("duplicate do_nothing", func(t *testing.T) {
		got, err := svc.Create(ctx, "alice", &models.CreateThreadRequest{
			ThreadID: thread.ThreadID,
			Metadata: map[string]any{"ignored": true},
			IfExists: models.IfExistsDoNothing,
		})
		require.NoError(t, err)
		assert.Equal(t, thread.ThreadID, got.ThreadID)
		_, ignored := got.Metadata["ignored"]
		assert.False(t, ignored)
	})

	t.Run("malformed thread_id", func(t *testing.T) {
		_, err := svc.Create(ctx, "alice", &models.CreateThreadRequest{ThreadID: "nope"})
		assert.True(t, IsValidationError(err))
	})
}

func TestThreadServicePatch(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newThreadFixture()

	thread, err := svc.Create(ctx, "alice", &models.CreateThreadRequest{
		Metadata: map[string]any{"a": "1", "b": "2"},
	})
	require.NoError(t, err)

	patched, err := svc.Patch(ctx, "alice", thread.ThreadID, &models.PatchThreadRequest{
		Metadata: map[string]any{"b": "3"},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", patched.Metadata["a"])
	assert.Equal(t, "3", patched.Metadata["b"])

	_, err = svc.Patch(ctx, "bob", thread.ThreadID, &models.PatchThreadRequest{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestThreadServiceDelete(t *testing.T) {
	ctx := context.Background()
	svc, store, saver := newThreadFixture()

	thread, err := svc.Create(ctx, "alice", &models.CreateThreadRequest{})
	require.NoError(t, err)

	require.NoError(t, saver.Put(ctx, &checkpoint.Snapshot{
		ThreadID:  thread.ThreadID,
		Namespace: checkpoint.NamespaceForAssistant("a-1"),
		Values:    map[string]any{"messages": []any{}},
	}))

	t.Run("busy thread refuses deletion", func(t *testing.T) {
		run := &models.Run{
			RunID:    uuid.New().String(),
			ThreadID: thread.ThreadID,
			Status:   models.RunStatusRunning,
			Owner:    "alice",
		}
		require.NoError(t, store.Runs().Create(ctx, run))

		err := svc.Delete(ctx, "alice", thread.ThreadID)
		assert.ErrorIs(t, err, ErrThreadBusy)

		require.NoError(t, store.Runs().SetStatus(ctx, run.RunID, models.RunStatusSuccess))
	})

	t.Run("delete removes thread and checkpoints", func(t *testing.T) {
		require.NoError(t, svc.Delete(ctx, "alice", thread.ThreadID))

		_, err := svc.Get(ctx, "alice", thread.ThreadID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = saver.LatestNamespace(ctx, thread.ThreadID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("wrong owner", func(t *testing.T) {
		other, err := svc.Create(ctx, "alice", &models.CreateThreadRequest{})
		require.NoError(t, err)
		assert.ErrorIs(t, svc.Delete(ctx, "bob", other.ThreadID), ErrNotFound)
	})
}

func TestThreadServiceState(t *testing.T) {
	ctx := context.Background()
	svc, _, saver := newThreadFixture()

	thread, err := svc.Create(ctx, "alice", &models.CreateThreadRequest{})
	require.NoError(t, err)

	t.Run("missing thread", func(t *testing.T) {
		_, err := svc.State(ctx, uuid.New().String(), "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("no checkpoints yet", func(t *testing.T) {
		state, err := svc.State(ctx, thread.ThreadID, "")
		require.NoError(t, err)
		assert.Empty(t, state.Values)
		assert.NotNil(t, state.Values)
		assert.Nil(t, state.Checkpoint)
	})

	nsA := checkpoint.NamespaceForAssistant("a-1")
	nsB := checkpoint.NamespaceForAssistant("a-2")
	require.NoError(t, saver.Put(ctx, &checkpoint.Snapshot{
		ThreadID: thread.ThreadID, Namespace: nsA,
		Values: map[string]any{"messages": []any{"from-a"}},
	}))
	require.NoError(t, saver.Put(ctx, &checkpoint.Snapshot{
		ThreadID: thread.ThreadID, Namespace: nsB,
		Values: map[string]any{"messages": []any{"from-b"}},
	}))

	t.Run("default namespace is most recently written", func(t *testing.T) {
		state, err := svc.State(ctx, thread.ThreadID, "")
		require.NoError(t, err)
		require.NotNil(t, state.Checkpoint)
		assert.Equal(t, nsB, state.Checkpoint.CheckpointNS)
	})

	t.Run("explicit namespace", func(t *testing.T) {
		state, err := svc.State(ctx, thread.ThreadID, nsA)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"messages": []any{"from-a"}}, state.Values)
	})

	t.Run("explicit namespace with no checkpoints", func(t *testing.T) {
		state, err := svc.State(ctx, thread.ThreadID, "assistant:ghost")
		require.NoError(t, err)
		assert.Empty(t, state.Values)
	})
}

func TestThreadServiceStateAt(t *testing.T) {
	ctx := context.Background()
	svc, _, saver := newThreadFixture()

	thread, err := svc.Create(ctx, "alice", &models.CreateThreadRequest{})
	require.NoError(t, err)

	ns := checkpoint.NamespaceForAssistant("a-1")
	snap := &checkpoint.Snapshot{
		ThreadID: thread.ThreadID, Namespace: ns,
		Values: map[string]any{"step": float64(1)},
	}
	require.NoError(t, saver.Put(ctx, snap))
	require.NoError(t, saver.Put(ctx, &checkpoint.Snapshot{
		ThreadID: thread.ThreadID, Namespace: ns,
		Values: map[string]any{"step": float64(2)},
	}))

	state, err := svc.StateAt(ctx, thread.ThreadID, ns, snap.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"step": float64(1)}, state.Values)

	_, err = svc.StateAt(ctx, thread.ThreadID, ns, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestThreadServiceHistory(t *testing.T) {
	ctx := context.Background()
	svc, _, saver := newThreadFixture()

	thread, err := svc.Create(ctx, "alice", &models.CreateThreadRequest{})
	require.NoError(t, err)

	ns := checkpoint.NamespaceForAssistant("a-1")
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		snap := &checkpoint.Snapshot{
			ThreadID: thread.ThreadID, Namespace: ns,
			Values: map[string]any{"step": float64(i)},
		}
		require.NoError(t, saver.Put(ctx, snap))
		ids = append(ids, snap.CheckpointID)
	}

	t.Run("zero limit is a validation error", func(t *testing.T) {
		_, err := svc.History(ctx, thread.ThreadID, ns, 0, "")
		assert.True(t, IsValidationError(err))
	})

	t.Run("oversized limit clamps instead of failing", func(t *testing.T) {
		states, err := svc.History(ctx, thread.ThreadID, ns, 10000, "")
		require.NoError(t, err)
		assert.Len(t, states, 5)
	})

	t.Run("newest first", func(t *testing.T) {
		states, err := svc.History(ctx, thread.ThreadID, ns, 2, "")
		require.NoError(t, err)
		require.Len(t, states, 2)
		assert.Equal(t, float64(4), states[0].Values["step"])
		assert.Equal(t, float64(3), states[1].Values["step"])
	})

	t.Run("before anchors the page", func(t *testing.T) {
		states, err := svc.History(ctx, thread.ThreadID, ns, 10, ids[2])
		require.NoError(t, err)
		require.Len(t, states, 2)
		assert.Equal(t, float64(1), states[0].Values["step"])
	})

	t.Run("empty namespace resolves like state", func(t *testing.T) {
		states, err := svc.History(ctx, thread.ThreadID, "", 10, "")
		require.NoError(t, err)
		assert.Len(t, states, 5)
	})
}
