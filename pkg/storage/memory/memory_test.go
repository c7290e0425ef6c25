package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

func TestAssistantOwnerScoping(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Assistants().Create(ctx, &models.Assistant{
		AssistantID: "a-1", GraphID: "agent", Owner: "alice",
		Metadata: map[string]any{"team": "search"},
	}))

	t.Run("owner can read", func(t *testing.T) {
		a, err := s.Assistants().Get(ctx, "alice", "a-1")
		require.NoError(t, err)
		assert.Equal(t, "agent", a.GraphID)
	})

	t.Run("other owner cannot read", func(t *testing.T) {
		_, err := s.Assistants().Get(ctx, "bob", "a-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("other owner cannot delete", func(t *testing.T) {
		err := s.Assistants().Delete(ctx, "bob", "a-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("duplicate create rejected", func(t *testing.T) {
		err := s.Assistants().Create(ctx, &models.Assistant{AssistantID: "a-1", Owner: "alice"})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	})
}

func TestSystemAssistantsVisibleToEveryone(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Assistants().Create(ctx, &models.Assistant{
		AssistantID: "cat-1", GraphID: "agent", Owner: models.OwnerSystem,
	}))

	a, err := s.Assistants().Get(ctx, "alice", "cat-1")
	require.NoError(t, err)
	assert.Equal(t, models.OwnerSystem, a.Owner)

	// Visible in search too.
	found, err := s.Assistants().Search(ctx, "bob", models.SearchAssistantsRequest{})
	require.NoError(t, err)
	require.Len(t, found, 1)

	// But not deletable by a regular owner.
	assert.ErrorIs(t, s.Assistants().Delete(ctx, "alice", "cat-1"), storage.ErrNotFound)
}

func TestAssistantSearchFilters(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for _, a := range []*models.Assistant{
		{AssistantID: "a-1", GraphID: "agent", Owner: "alice", Metadata: map[string]any{"env": "prod"}},
		{AssistantID: "a-2", GraphID: "agent", Owner: "alice", Metadata: map[string]any{"env": "dev"}},
		{AssistantID: "a-3", GraphID: "research", Owner: "alice", Metadata: map[string]any{"env": "prod"}},
	} {
		require.NoError(t, s.Assistants().Create(ctx, a))
	}

	byGraph, err := s.Assistants().Search(ctx, "alice", models.SearchAssistantsRequest{GraphID: "agent"})
	require.NoError(t, err)
	assert.Len(t, byGraph, 2)

	byMeta, err := s.Assistants().Search(ctx, "alice", models.SearchAssistantsRequest{
		Metadata: map[string]any{"env": "prod"},
	})
	require.NoError(t, err)
	assert.Len(t, byMeta, 2)

	count, err := s.Assistants().Count(ctx, "alice", models.SearchAssistantsRequest{GraphID: "research"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunGetActive(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Runs().Create(ctx, &models.Run{
		RunID: "r-1", ThreadID: "t-1", Owner: "alice", Status: models.RunStatusSuccess,
	}))
	_, err := s.Runs().GetActive(ctx, "t-1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "terminal runs are not active")

	require.NoError(t, s.Runs().Create(ctx, &models.Run{
		RunID: "r-2", ThreadID: "t-1", Owner: "alice", Status: models.RunStatusRunning,
	}))
	active, err := s.Runs().GetActive(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "r-2", active.RunID)

	require.NoError(t, s.Runs().SetStatus(ctx, "r-2", models.RunStatusInterrupted))
	_, err = s.Runs().GetActive(ctx, "t-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunListNonTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Runs().Create(ctx, &models.Run{RunID: "r-1", ThreadID: "t-1", Status: models.RunStatusPending}))
	require.NoError(t, s.Runs().Create(ctx, &models.Run{RunID: "r-2", ThreadID: "t-2", Status: models.RunStatusRunning}))
	require.NoError(t, s.Runs().Create(ctx, &models.Run{RunID: "r-3", ThreadID: "t-3", Status: models.RunStatusError}))

	orphans, err := s.Runs().ListNonTerminal(ctx)
	require.NoError(t, err)
	assert.Len(t, orphans, 2)
}

func TestThreadDeleteCascadesRuns(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Threads().Create(ctx, &models.Thread{ThreadID: "t-1", Owner: "alice"}))
	require.NoError(t, s.Runs().Create(ctx, &models.Run{RunID: "r-1", ThreadID: "t-1", Owner: "alice", Status: models.RunStatusSuccess}))

	require.NoError(t, s.Threads().Delete(ctx, "alice", "t-1"))

	_, err := s.Runs().Get(ctx, "alice", "t-1", "r-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestThreadSearchByValuesAndStatus(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Threads().Create(ctx, &models.Thread{
		ThreadID: "t-1", Owner: "alice",
		Values: map[string]any{"topic": "billing"},
	}))
	require.NoError(t, s.Threads().Create(ctx, &models.Thread{ThreadID: "t-2", Owner: "alice"}))
	require.NoError(t, s.Threads().SetStatus(ctx, "t-2", models.ThreadStatusBusy))

	byValues, err := s.Threads().Search(ctx, "alice", models.SearchThreadsRequest{
		Values: map[string]any{"topic": "billing"},
	})
	require.NoError(t, err)
	require.Len(t, byValues, 1)
	assert.Equal(t, "t-1", byValues[0].ThreadID)

	busy, err := s.Threads().Search(ctx, "alice", models.SearchThreadsRequest{Status: models.ThreadStatusBusy})
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, "t-2", busy[0].ThreadID)
}

func TestStoreItemPrefixSearch(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	put := func(ns []string, key string) {
		require.NoError(t, s.Items().Put(ctx, &models.StoreItem{
			Owner: "alice", Namespace: ns, Key: key, Value: map[string]any{"k": key},
		}))
	}
	put([]string{"memories", "food"}, "pizza")
	put([]string{"memories", "food"}, "sushi")
	put([]string{"memories", "travel"}, "tokyo")
	put([]string{"prefs"}, "lang")

	under, err := s.Items().Search(ctx, "alice", []string{"memories"}, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, under, 3)

	food, err := s.Items().Search(ctx, "alice", []string{"memories", "food"}, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, food, 2)

	all, err := s.Items().Search(ctx, "alice", []string{}, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4, "empty prefix matches everything the owner has")

	// Element-wise comparison, not string-prefix: "mem" must not match "memories".
	none, err := s.Items().Search(ctx, "alice", []string{"mem"}, nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	// Other owners see nothing.
	other, err := s.Items().Search(ctx, "bob", []string{}, nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStoreItemValueFilter(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Items().Put(ctx, &models.StoreItem{
		Owner: "alice", Namespace: []string{"docs"}, Key: "a",
		Value: map[string]any{"lang": "go", "level": "prod"},
	}))
	require.NoError(t, s.Items().Put(ctx, &models.StoreItem{
		Owner: "alice", Namespace: []string{"docs"}, Key: "b",
		Value: map[string]any{"lang": "py"},
	}))

	goDocs, err := s.Items().Search(ctx, "alice", nil, map[string]any{"lang": "go"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, goDocs, 1)
	assert.Equal(t, "a", goDocs[0].Key)
}

func TestStoreItemUpsertKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Items().Put(ctx, &models.StoreItem{
		Owner: "alice", Namespace: []string{"p"}, Key: "k", Value: map[string]any{"v": 1},
	}))
	first, err := s.Items().Get(ctx, "alice", []string{"p"}, "k")
	require.NoError(t, err)

	require.NoError(t, s.Items().Put(ctx, &models.StoreItem{
		Owner: "alice", Namespace: []string{"p"}, Key: "k", Value: map[string]any{"v": 2},
	}))
	second, err := s.Items().Get(ctx, "alice", []string{"p"}, "k")
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, map[string]any{"v": 2}, second.Value)
}

func TestStoreItemExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.Items().Put(ctx, &models.StoreItem{
		Owner: "alice", Namespace: []string{"system_internal", "u1", "oauth", "jira"},
		Key: "token", Value: map[string]any{"access_token": "x"}, ExpiresAt: &past,
	}))

	_, err := s.Items().Get(ctx, "alice", []string{"system_internal", "u1", "oauth", "jira"}, "token")
	assert.ErrorIs(t, err, storage.ErrNotFound, "expired items read as missing")

	deleted, err := s.Items().DeleteExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestListNamespaces(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for _, ns := range [][]string{
		{"a", "b", "c"},
		{"a", "b"},
		{"x"},
	} {
		require.NoError(t, s.Items().Put(ctx, &models.StoreItem{
			Owner: "alice", Namespace: ns, Key: "k", Value: map[string]any{},
		}))
	}

	all, err := s.Items().ListNamespaces(ctx, "alice", storage.ListNamespacesOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	underA, err := s.Items().ListNamespaces(ctx, "alice", storage.ListNamespacesOptions{Prefix: []string{"a"}})
	require.NoError(t, err)
	assert.Len(t, underA, 2)

	depth2, err := s.Items().ListNamespaces(ctx, "alice", storage.ListNamespacesOptions{MaxDepth: 2})
	require.NoError(t, err)
	assert.Len(t, depth2, 2, "a/b/c truncates to a/b and merges with it")
}

func TestEventsListSince(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	var last int64
	for i := 0; i < 3; i++ {
		id, err := s.Events().Insert(ctx, &models.Event{RunID: "r-1", Channel: "updates", Payload: map[string]any{"seq": i}})
		require.NoError(t, err)
		last = id
	}
	_, err := s.Events().Insert(ctx, &models.Event{RunID: "r-2", Channel: "end", Payload: map[string]any{}})
	require.NoError(t, err)

	all, err := s.Events().ListSince(ctx, "r-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	capped, err := s.Events().ListSince(ctx, "r-1", 0, 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)

	none, err := s.Events().ListSince(ctx, "r-1", last, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
