package graph

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/checkpoint"
	"github.com/strandlabs/strand/pkg/storage"
)

// labeledFactory records which factory ran by writing its label.
func labeledFactory(label string, out *string) Factory {
	return func(context.Context, map[string]any, checkpoint.Session, storage.StoreRepository) (Graph, error) {
		*out = label
		return nil, nil
	}
}

func resolveAndRun(t *testing.T, r *Registry, id string) {
	t.Helper()
	factory, err := r.Resolve(id)
	require.NoError(t, err)
	_, err = factory(context.Background(), nil, nil, nil)
	require.NoError(t, err)
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry(slog.New(slog.DiscardHandler))
	var ran string
	r.Register(DefaultID, labeledFactory("agent", &ran))
	r.Register("researcher", labeledFactory("researcher", &ran))

	resolveAndRun(t, r, "researcher")
	assert.Equal(t, "researcher", ran)

	resolveAndRun(t, r, DefaultID)
	assert.Equal(t, "agent", ran)
}

func TestRegistry_UnknownIDFallsBack(t *testing.T) {
	r := NewRegistry(slog.New(slog.DiscardHandler))
	var ran string
	r.Register(DefaultID, labeledFactory("agent", &ran))

	resolveAndRun(t, r, "removed-graph")
	assert.Equal(t, "agent", ran)
}

func TestRegistry_NoDefault(t *testing.T) {
	r := NewRegistry(slog.New(slog.DiscardHandler))

	_, err := r.Resolve("anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no default graph")
}

func TestRegistry_Lazy(t *testing.T) {
	r := NewRegistry(slog.New(slog.DiscardHandler))
	var ran string
	loads := 0
	r.RegisterLazy("deferred", func() (Factory, error) {
		loads++
		return labeledFactory("deferred", &ran), nil
	})

	resolveAndRun(t, r, "deferred")
	assert.Equal(t, "deferred", ran)
	assert.Equal(t, 1, loads)

	// The loaded factory is cached.
	resolveAndRun(t, r, "deferred")
	assert.Equal(t, 1, loads)
}

func TestRegistry_LazyLoadErrorFallsBack(t *testing.T) {
	r := NewRegistry(slog.New(slog.DiscardHandler))
	var ran string
	r.Register(DefaultID, labeledFactory("agent", &ran))
	r.RegisterLazy("broken", func() (Factory, error) {
		return nil, errors.New("module import failed")
	})

	resolveAndRun(t, r, "broken")
	assert.Equal(t, "agent", ran)
}

func TestRegistry_RegisterReplacesLazy(t *testing.T) {
	r := NewRegistry(slog.New(slog.DiscardHandler))
	var ran string
	loads := 0
	r.RegisterLazy("graph-x", func() (Factory, error) {
		loads++
		return labeledFactory("lazy", &ran), nil
	})
	r.Register("graph-x", labeledFactory("eager", &ran))

	resolveAndRun(t, r, "graph-x")
	assert.Equal(t, "eager", ran)
	assert.Equal(t, 0, loads)
}

func TestRegistry_IDs(t *testing.T) {
	r := NewRegistry(slog.New(slog.DiscardHandler))
	assert.Empty(t, r.IDs())

	var ran string
	r.Register(DefaultID, labeledFactory("agent", &ran))
	r.Register("researcher", labeledFactory("researcher", &ran))
	r.RegisterLazy("deferred", func() (Factory, error) { return nil, nil })

	assert.Equal(t, []string{"agent", "deferred", "researcher"}, r.IDs())
}
