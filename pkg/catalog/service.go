package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// idNamespace seeds the deterministic UUIDs derived for entries declared
// without an explicit assistant_id. Changing it re-identifies every
// derived assistant, so it never changes.
var idNamespace = uuid.MustParse("8f3c5a44-7b11-4a5f-9c52-d41fceaa391e")

// StableID returns the entry's identity: the declared UUID, or a v5 UUID
// derived from the entry's name. The same declaration always syncs to the
// same row.
func StableID(e Entry) string {
	if e.AssistantID != "" {
		return e.AssistantID
	}
	return uuid.NewSHA1(idNamespace, []byte(e.Name)).String()
}

// Service syncs catalog assistants into storage under the system owner.
// SyncAll runs once at startup; SyncOne backs the engine's lazy resolve
// when lazy_sync is enabled.
type Service struct {
	store          storage.Store
	declared       []config.DeclaredAssistant
	cfg            *config.CatalogConfig
	defaultGraphID string
	client         *Client
	cache          *entryCache
	logger         *slog.Logger
}

// NewService builds the sync service from the loaded configuration. A
// catalog URL, when set, must pass the domain allowlist or construction
// fails.
func NewService(store storage.Store, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:          store,
		declared:       cfg.DeclaredAssistants,
		cfg:            cfg.Catalog,
		defaultGraphID: cfg.DefaultGraphID,
		logger:         logger,
	}
	if s.cfg != nil && s.cfg.URL != "" {
		client, err := NewClient(s.cfg)
		if err != nil {
			return nil, err
		}
		s.client = client
		ttl := s.cfg.CacheTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		s.cache = newEntryCache(ttl)
	}
	return s, nil
}

// SyncAll upserts every declared and remote catalog assistant. A remote
// fetch failure is logged and skipped; the server still starts with the
// declared set and whatever storage already has.
func (s *Service) SyncAll(ctx context.Context) (int, error) {
	entries := s.declaredEntries()
	if s.client != nil {
		remote, err := s.fetchRemote(ctx)
		if err != nil {
			s.logger.Error("Remote catalog fetch failed, syncing declared assistants only", "error", err)
		} else {
			entries = append(entries, remote...)
		}
	}

	synced := 0
	for _, e := range entries {
		if _, err := s.upsert(ctx, e); err != nil {
			s.logger.Error("Failed to sync catalog assistant",
				"assistant_id", StableID(e), "name", e.Name, "error", err)
			continue
		}
		synced++
	}
	s.logger.Info("Assistant catalog synced", "assistants", synced)
	return synced, nil
}

// SyncOne resolves a single assistant by ID from the catalog and upserts
// it. Only active when lazy_sync is enabled; otherwise, and for unknown
// IDs, it reports not found so the caller 404s.
func (s *Service) SyncOne(ctx context.Context, assistantID string) (*models.Assistant, error) {
	if s.cfg == nil || !s.cfg.LazySync {
		return nil, storage.ErrNotFound
	}
	for _, e := range s.declaredEntries() {
		if StableID(e) == assistantID {
			return s.upsert(ctx, e)
		}
	}
	if s.client != nil {
		remote, err := s.fetchRemote(ctx)
		if err != nil {
			s.logger.Warn("Lazy catalog fetch failed", "assistant_id", assistantID, "error", err)
			return nil, storage.ErrNotFound
		}
		for _, e := range remote {
			if StableID(e) == assistantID {
				return s.upsert(ctx, e)
			}
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Service) declaredEntries() []Entry {
	entries := make([]Entry, 0, len(s.declared))
	for _, d := range s.declared {
		entries = append(entries, Entry{
			AssistantID: d.AssistantID,
			GraphID:     d.GraphID,
			Name:        d.Name,
			Description: d.Description,
			Config:      d.Config,
			Metadata:    d.Metadata,
		})
	}
	return entries
}

func (s *Service) fetchRemote(ctx context.Context) ([]Entry, error) {
	if cached, ok := s.cache.get(); ok {
		return cached, nil
	}
	entries, err := s.client.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.set(entries)
	return entries, nil
}

// upsert writes the entry as a system-owned assistant. An unchanged
// definition leaves the stored row (and its version) untouched; a changed
// one bumps the version like a user update would.
func (s *Service) upsert(ctx context.Context, e Entry) (*models.Assistant, error) {
	desired, err := s.assistantFromEntry(e)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.Assistants().Get(ctx, models.OwnerSystem, desired.AssistantID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to get assistant: %w", err)
		}
		desired.Version = 1
		if err := s.store.Assistants().Create(ctx, desired); err != nil {
			return nil, fmt.Errorf("failed to create assistant: %w", err)
		}
		s.logger.Info("Catalog assistant created",
			"assistant_id", desired.AssistantID, "name", desired.Name, "graph_id", desired.GraphID)
		return desired, nil
	}

	if sameDefinition(existing, desired) {
		return existing, nil
	}
	desired.Version = existing.Version + 1
	if err := s.store.Assistants().Update(ctx, desired); err != nil {
		return nil, fmt.Errorf("failed to update assistant: %w", err)
	}
	s.logger.Info("Catalog assistant updated",
		"assistant_id", desired.AssistantID, "name", desired.Name, "version", desired.Version)
	return desired, nil
}

func (s *Service) assistantFromEntry(e Entry) (*models.Assistant, error) {
	graphID := e.GraphID
	if graphID == "" {
		graphID = s.defaultGraphID
	}
	cfg := &models.RunnableConfig{}
	if len(e.Config) > 0 {
		data, err := json.Marshal(e.Config)
		if err != nil {
			return nil, fmt.Errorf("invalid config for %q: %w", e.Name, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config for %q: %w", e.Name, err)
		}
	}
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &models.Assistant{
		AssistantID: StableID(e),
		GraphID:     graphID,
		Config:      cfg,
		Metadata:    metadata,
		Name:        e.Name,
		Description: e.Description,
		Owner:       models.OwnerSystem,
	}, nil
}

// sameDefinition compares the fields the catalog owns. Version and
// timestamps are storage's business.
func sameDefinition(a, b *models.Assistant) bool {
	return a.GraphID == b.GraphID &&
		a.Name == b.Name &&
		a.Description == b.Description &&
		reflect.DeepEqual(a.Config, b.Config) &&
		reflect.DeepEqual(a.Metadata, b.Metadata)
}
