package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
	"github.com/strandlabs/strand/pkg/storage/memory"
)

func TestStableID(t *testing.T) {
	explicit := Entry{AssistantID: "2df232ab-6322-4b41-b5a1-dbd51b552e1f", Name: "helper"}
	assert.Equal(t, "2df232ab-6322-4b41-b5a1-dbd51b552e1f", StableID(explicit))

	derived := StableID(Entry{Name: "helper"})
	_, err := uuid.Parse(derived)
	require.NoError(t, err)
	assert.Equal(t, derived, StableID(Entry{Name: "helper"}), "same name derives the same ID")
	assert.NotEqual(t, derived, StableID(Entry{Name: "other"}))
}

func TestCheckHostAllowed(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		allowed []string
		wantErr bool
	}{
		{"https exact match", "https://catalog.example.com/v1", []string{"catalog.example.com"}, false},
		{"https empty allowlist", "https://anywhere.example.org/assistants", nil, false},
		{"wildcard subdomain", "https://eu.catalog.example.com/v1", []string{"*.example.com"}, false},
		{"wildcard does not match apex", "https://example.com/v1", []string{"*.example.com"}, true},
		{"host not allowed", "https://evil.example.org/v1", []string{"catalog.example.com"}, true},
		{"http localhost", "http://localhost:8080/catalog", nil, false},
		{"http loopback", "http://127.0.0.1:9999/catalog", nil, false},
		{"http remote rejected", "http://catalog.example.com/v1", []string{"catalog.example.com"}, true},
		{"bad scheme", "ftp://example.com/catalog", nil, true},
		{"no host", "https:///catalog", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckHostAllowed(tt.url, tt.allowed)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewServiceRejectsDisallowedURL(t *testing.T) {
	store := memory.NewStore()
	_, err := NewService(store, &config.Config{
		Catalog: &config.CatalogConfig{
			URL:            "https://evil.example.org/catalog",
			AllowedDomains: []string{"catalog.example.com"},
		},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in the allowed domains")
}

func TestSyncAllDeclared(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	cfg := &config.Config{
		DefaultGraphID: "agent",
		DeclaredAssistants: []config.DeclaredAssistant{
			{
				AssistantID: "7a0db4b2-a147-4725-8eb7-42db79b0e4a4",
				GraphID:     "agent",
				Name:        "triage",
				Config:      map[string]any{"configurable": map[string]any{"model": "anthropic:claude"}},
			},
			{Name: "summarizer"}, // graph_id falls back to the default
		},
	}
	svc, err := NewService(store, cfg, nil)
	require.NoError(t, err)

	n, err := svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	triage, err := store.Assistants().Get(ctx, models.OwnerSystem, "7a0db4b2-a147-4725-8eb7-42db79b0e4a4")
	require.NoError(t, err)
	assert.Equal(t, "triage", triage.Name)
	assert.Equal(t, 1, triage.Version)
	assert.Equal(t, "anthropic:claude", triage.Config.Configurable["model"])

	summarizer, err := store.Assistants().Get(ctx, models.OwnerSystem, StableID(Entry{Name: "summarizer"}))
	require.NoError(t, err)
	assert.Equal(t, "agent", summarizer.GraphID)

	// Re-sync with nothing changed is a no-op.
	_, err = svc.SyncAll(ctx)
	require.NoError(t, err)
	triage, err = store.Assistants().Get(ctx, models.OwnerSystem, triage.AssistantID)
	require.NoError(t, err)
	assert.Equal(t, 1, triage.Version)

	// An edited declaration bumps the version on the next sync.
	cfg.DeclaredAssistants[0].Description = "routes incoming requests"
	svc, err = NewService(store, cfg, nil)
	require.NoError(t, err)
	_, err = svc.SyncAll(ctx)
	require.NoError(t, err)
	triage, err = store.Assistants().Get(ctx, models.OwnerSystem, triage.AssistantID)
	require.NoError(t, err)
	assert.Equal(t, 2, triage.Version)
	assert.Equal(t, "routes incoming requests", triage.Description)
}

func TestSyncAllRemote(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cat-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"assistants":[{"graph_id":"agent","name":"remote-helper","description":"from the catalog"}]}`))
	}))
	defer srv.Close()
	t.Setenv("CATALOG_TOKEN", "cat-token")

	store := memory.NewStore()
	svc, err := NewService(store, &config.Config{
		DefaultGraphID: "agent",
		Catalog: &config.CatalogConfig{
			URL:      srv.URL,
			TokenEnv: "CATALOG_TOKEN",
		},
	}, nil)
	require.NoError(t, err)

	n, err := svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	remote, err := store.Assistants().Get(ctx, models.OwnerSystem, StableID(Entry{Name: "remote-helper"}))
	require.NoError(t, err)
	assert.Equal(t, "from the catalog", remote.Description)
}

func TestSyncAllSurvivesRemoteFailure(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := memory.NewStore()
	svc, err := NewService(store, &config.Config{
		DefaultGraphID:     "agent",
		DeclaredAssistants: []config.DeclaredAssistant{{GraphID: "agent", Name: "local-only"}},
		Catalog:            &config.CatalogConfig{URL: srv.URL},
	}, nil)
	require.NoError(t, err)

	n, err := svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "declared assistants still sync when the catalog is down")
}

func TestSyncOne(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	declared := []config.DeclaredAssistant{{GraphID: "agent", Name: "lazy-helper"}}
	id := StableID(Entry{Name: "lazy-helper"})

	t.Run("disabled without lazy_sync", func(t *testing.T) {
		svc, err := NewService(store, &config.Config{DeclaredAssistants: declared}, nil)
		require.NoError(t, err)
		_, err = svc.SyncOne(ctx, id)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("declared assistant", func(t *testing.T) {
		svc, err := NewService(store, &config.Config{
			DeclaredAssistants: declared,
			Catalog:            &config.CatalogConfig{LazySync: true},
		}, nil)
		require.NoError(t, err)
		a, err := svc.SyncOne(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "lazy-helper", a.Name)
		_, err = store.Assistants().Get(ctx, models.OwnerSystem, id)
		require.NoError(t, err)
	})

	t.Run("unknown id", func(t *testing.T) {
		svc, err := NewService(store, &config.Config{
			DeclaredAssistants: declared,
			Catalog:            &config.CatalogConfig{LazySync: true},
		}, nil)
		require.NoError(t, err)
		_, err = svc.SyncOne(ctx, uuid.New().String())
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestSyncOneCachesRemoteFetch(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"assistants":[{"graph_id":"agent","name":"cached-helper"}]}`))
	}))
	defer srv.Close()

	store := memory.NewStore()
	svc, err := NewService(store, &config.Config{
		DefaultGraphID: "agent",
		Catalog:        &config.CatalogConfig{URL: srv.URL, LazySync: true},
	}, nil)
	require.NoError(t, err)

	id := StableID(Entry{Name: "cached-helper"})
	_, err = svc.SyncOne(ctx, id)
	require.NoError(t, err)
	_, err = svc.SyncOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load(), "second resolve within the TTL must hit the cache")
}
