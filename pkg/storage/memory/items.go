package memory

import (
	"context"
	"sort"
	"time"

	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// itemRepo implements the namespaced KV store over nested maps:
// owner -> joined namespace -> key.
type itemRepo Store

func (r *itemRepo) Put(_ context.Context, item *models.StoreItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byNS, ok := r.items[item.Owner]
	if !ok {
		byNS = make(map[string]map[string]*models.StoreItem)
		r.items[item.Owner] = byNS
	}
	joined := storage.JoinNamespace(item.Namespace)
	byKey, ok := byNS[joined]
	if !ok {
		byKey = make(map[string]*models.StoreItem)
		byNS[joined] = byKey
	}

	now := time.Now().UTC()
	if existing, ok := byKey[item.Key]; ok && !expired(existing, now) {
		item.CreatedAt = existing.CreatedAt
	} else {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	cp := *item
	byKey[item.Key] = &cp
	return nil
}

func (r *itemRepo) Get(_ context.Context, owner string, namespace []string, key string) (*models.StoreItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[owner][storage.JoinNamespace(namespace)][key]
	if !ok || expired(item, time.Now().UTC()) {
		return nil, storage.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (r *itemRepo) Delete(_ context.Context, owner string, namespace []string, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := storage.JoinNamespace(namespace)
	byKey, ok := r.items[owner][joined]
	if !ok {
		return storage.ErrNotFound
	}
	item, ok := byKey[key]
	if !ok || expired(item, time.Now().UTC()) {
		return storage.ErrNotFound
	}
	delete(byKey, key)
	if len(byKey) == 0 {
		delete(r.items[owner], joined)
	}
	return nil
}

func (r *itemRepo) Search(_ context.Context, owner string, prefix []string, filter map[string]any, limit, offset int) ([]*models.StoreItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	matched := []*models.StoreItem{}
	for joined, byKey := range r.items[owner] {
		ns := storage.SplitNamespace(joined)
		if !storage.NamespaceHasPrefix(ns, prefix) {
			continue
		}
		for _, item := range byKey {
			if expired(item, now) {
				continue
			}
			if !metadataMatches(item.Value, filter) {
				continue
			}
			cp := *item
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		ni, nj := storage.JoinNamespace(matched[i].Namespace), storage.JoinNamespace(matched[j].Namespace)
		if ni != nj {
			return ni < nj
		}
		return matched[i].Key < matched[j].Key
	})
	return paginate(matched, limit, offset), nil
}

func (r *itemRepo) ListNamespaces(_ context.Context, owner string, opts storage.ListNamespacesOptions) ([][]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	seen := map[string][]string{}
	for joined, byKey := range r.items[owner] {
		alive := false
		for _, item := range byKey {
			if !expired(item, now) {
				alive = true
				break
			}
		}
		if !alive {
			continue
		}
		ns := storage.SplitNamespace(joined)
		if !storage.NamespaceHasPrefix(ns, opts.Prefix) {
			continue
		}
		if !storage.NamespaceHasSuffix(ns, opts.Suffix) {
			continue
		}
		if opts.MaxDepth > 0 && len(ns) > opts.MaxDepth {
			ns = ns[:opts.MaxDepth]
		}
		seen[storage.JoinNamespace(ns)] = ns
	}

	joined := make([]string, 0, len(seen))
	for j := range seen {
		joined = append(joined, j)
	}
	sort.Strings(joined)

	out := make([][]string, 0, len(joined))
	for _, j := range joined {
		out = append(out, seen[j])
	}
	return paginate(out, opts.Limit, opts.Offset), nil
}

func (r *itemRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for owner, byNS := range r.items {
		for joined, byKey := range byNS {
			for key, item := range byKey {
				if expired(item, now) {
					delete(byKey, key)
					deleted++
				}
			}
			if len(byKey) == 0 {
				delete(byNS, joined)
			}
		}
		if len(byNS) == 0 {
			delete(r.items, owner)
		}
	}
	return deleted, nil
}

func expired(item *models.StoreItem, now time.Time) bool {
	return item.ExpiresAt != nil && item.ExpiresAt.Before(now)
}
