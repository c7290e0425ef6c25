package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/graph"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// AssistantService manages assistant CRUD and versioning.
type AssistantService struct {
	store    storage.Store
	registry *graph.Registry
}

// NewAssistantService creates a new AssistantService.
func NewAssistantService(store storage.Store, registry *graph.Registry) *AssistantService {
	return &AssistantService{store: store, registry: registry}
}

// Create creates an assistant. A missing assistant_id is generated; an
// existing one collides per if_exists ("raise" conflicts, "do_nothing"
// returns the existing row untouched).
func (s *AssistantService) Create(ctx context.Context, owner string, req *models.CreateAssistantRequest) (*models.Assistant, error) {
	if req.GraphID == "" {
		return nil, NewValidationError("graph_id", "required")
	}
	if s.registry != nil && !s.registry.Has(req.GraphID) {
		return nil, NewValidationError("graph_id", fmt.Sprintf("unknown graph %q", req.GraphID))
	}
	ifExists := req.IfExists
	if ifExists == "" {
		ifExists = models.IfExistsRaise
	}
	if ifExists != models.IfExistsRaise && ifExists != models.IfExistsDoNothing {
		return nil, NewValidationError("if_exists", "must be 'raise' or 'do_nothing'")
	}

	assistantID := req.AssistantID
	if assistantID == "" {
		assistantID = uuid.New().String()
	} else if _, err := uuid.Parse(assistantID); err != nil {
		return nil, NewValidationError("assistant_id", "must be a valid UUID")
	}

	assistant := &models.Assistant{
		AssistantID: assistantID,
		GraphID:     req.GraphID,
		Config:      req.Config,
		Metadata:    req.Metadata,
		Name:        req.Name,
		Description: req.Description,
		Version:     1,
		Owner:       owner,
	}
	if assistant.Config == nil {
		assistant.Config = &models.RunnableConfig{}
	}
	if assistant.Metadata == nil {
		assistant.Metadata = map[string]any{}
	}

	err := s.store.Assistants().Create(ctx, assistant)
	if err == nil {
		return assistant, nil
	}
	if storageErr(err) == ErrAlreadyExists && ifExists == models.IfExistsDoNothing {
		existing, getErr := s.store.Assistants().Get(ctx, owner, assistantID)
		if getErr != nil {
			return nil, storageErr(getErr)
		}
		return existing, nil
	}
	return nil, storageErr(err)
}

// Get returns an assistant visible to the owner (their own or a system one).
func (s *AssistantService) Get(ctx context.Context, owner, assistantID string) (*models.Assistant, error) {
	assistant, err := s.store.Assistants().Get(ctx, owner, assistantID)
	if err != nil {
		return nil, storageErr(err)
	}
	return assistant, nil
}

// Patch applies the non-nil fields of the request and bumps the version.
// Metadata merges key-wise; config replaces wholesale.
func (s *AssistantService) Patch(ctx context.Context, owner, assistantID string, req *models.PatchAssistantRequest) (*models.Assistant, error) {
	assistant, err := s.store.Assistants().Get(ctx, owner, assistantID)
	if err != nil {
		return nil, storageErr(err)
	}
	// Visible is not mutable: system assistants only change through sync.
	if assistant.Owner != owner {
		return nil, ErrNotFound
	}

	if req.GraphID != nil {
		if *req.GraphID == "" {
			return nil, NewValidationError("graph_id", "must not be empty")
		}
		if s.registry != nil && !s.registry.Has(*req.GraphID) {
			return nil, NewValidationError("graph_id", fmt.Sprintf("unknown graph %q", *req.GraphID))
		}
		assistant.GraphID = *req.GraphID
	}
	if req.Config != nil {
		assistant.Config = req.Config
	}
	if req.Metadata != nil {
		if assistant.Metadata == nil {
			assistant.Metadata = map[string]any{}
		}
		for k, v := range req.Metadata {
			assistant.Metadata[k] = v
		}
	}
	if req.Name != nil {
		assistant.Name = *req.Name
	}
	if req.Description != nil {
		assistant.Description = *req.Description
	}

	assistant.Version++
	if err := s.store.Assistants().Update(ctx, assistant); err != nil {
		return nil, storageErr(err)
	}
	return assistant, nil
}

// Delete removes an assistant owned by the caller.
func (s *AssistantService) Delete(ctx context.Context, owner, assistantID string) error {
	if err := s.store.Assistants().Delete(ctx, owner, assistantID); err != nil {
		return storageErr(err)
	}
	return nil
}

// Search lists assistants matching the filter, owner-scoped plus system.
func (s *AssistantService) Search(ctx context.Context, owner string, req models.SearchAssistantsRequest) ([]*models.Assistant, error) {
	assistants, err := s.store.Assistants().Search(ctx, owner, req)
	if err != nil {
		return nil, storageErr(err)
	}
	return assistants, nil
}

// Count returns the number of assistants matching the filter, ignoring
// limit and offset.
func (s *AssistantService) Count(ctx context.Context, owner string, req models.SearchAssistantsRequest) (int, error) {
	n, err := s.store.Assistants().Count(ctx, owner, req)
	if err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}
