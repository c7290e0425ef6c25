package services

import (
	"context"

	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// StoreService is the user-scoped namespaced KV store behind the /store
// endpoints. Namespaces are normalized to list form at this boundary and
// writes into reserved namespaces are rejected.
type StoreService struct {
	store storage.Store
}

// NewStoreService creates a new StoreService.
func NewStoreService(store storage.Store) *StoreService {
	return &StoreService{store: store}
}

// Put upserts an item. Writing an existing (namespace, key) replaces the
// value wholesale.
func (s *StoreService) Put(ctx context.Context, owner string, req *models.PutStoreItemRequest) (*models.StoreItem, error) {
	ns, err := storage.NormalizeNamespace(req.Namespace)
	if err != nil {
		return nil, NewValidationError("namespace", err.Error())
	}
	if err := storage.ValidateUserNamespace(ns); err != nil {
		return nil, NewValidationError("namespace", err.Error())
	}
	if req.Key == "" {
		return nil, NewValidationError("key", "required")
	}
	if req.Value == nil {
		return nil, NewValidationError("value", "required")
	}
	item := &models.StoreItem{
		Namespace: ns,
		Key:       req.Key,
		Value:     req.Value,
		Owner:     owner,
	}
	if err := s.store.Items().Put(ctx, item); err != nil {
		return nil, storageErr(err)
	}
	return item, nil
}

// Get returns one item by namespace and key.
func (s *StoreService) Get(ctx context.Context, owner string, namespace []string, key string) (*models.StoreItem, error) {
	if key == "" {
		return nil, NewValidationError("key", "required")
	}
	item, err := s.store.Items().Get(ctx, owner, namespace, key)
	if err != nil {
		return nil, storageErr(err)
	}
	return item, nil
}

// Delete removes one item. Deleting a missing item is ErrNotFound, so a
// repeated delete surfaces as 404.
func (s *StoreService) Delete(ctx context.Context, owner string, req *models.DeleteStoreItemRequest) error {
	ns, err := storage.NormalizeNamespace(req.Namespace)
	if err != nil {
		return NewValidationError("namespace", err.Error())
	}
	if err := storage.ValidateUserNamespace(ns); err != nil {
		return NewValidationError("namespace", err.Error())
	}
	if req.Key == "" {
		return NewValidationError("key", "required")
	}
	if err := s.store.Items().Delete(ctx, owner, ns, req.Key); err != nil {
		return storageErr(err)
	}
	return nil
}

// Search lists items under a namespace prefix, filtered on value fields.
func (s *StoreService) Search(ctx context.Context, owner string, req *models.SearchStoreItemsRequest) ([]*models.StoreItem, error) {
	prefix, err := storage.NormalizeNamespace(req.NamespacePrefix)
	if err != nil {
		return nil, NewValidationError("namespace", err.Error())
	}
	if err := storage.ValidateUserNamespace(prefix); err != nil {
		return nil, NewValidationError("namespace", err.Error())
	}
	limit := req.Limit
	if limit <= 0 {
		limit = storage.DefaultSearchLimit
	}
	if limit > storage.MaxSearchLimit {
		limit = storage.MaxSearchLimit
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	items, err := s.store.Items().Search(ctx, owner, prefix, req.Filter, limit, offset)
	if err != nil {
		return nil, storageErr(err)
	}
	return items, nil
}

// ListNamespaces lists the distinct namespaces the owner has items in.
func (s *StoreService) ListNamespaces(ctx context.Context, owner string, req *models.ListNamespacesRequest) ([][]string, error) {
	prefix, err := storage.NormalizeNamespace(req.Prefix)
	if err != nil {
		return nil, NewValidationError("prefix", err.Error())
	}
	suffix, err := storage.NormalizeNamespace(req.Suffix)
	if err != nil {
		return nil, NewValidationError("suffix", err.Error())
	}
	if req.MaxDepth < 0 {
		return nil, NewValidationError("max_depth", "must be >= 0")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = storage.MaxSearchLimit
	}
	if limit > storage.MaxSearchLimit {
		limit = storage.MaxSearchLimit
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	namespaces, err := s.store.Items().ListNamespaces(ctx, owner, storage.ListNamespacesOptions{
		Prefix:   prefix,
		Suffix:   suffix,
		MaxDepth: req.MaxDepth,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return namespaces, nil
}
