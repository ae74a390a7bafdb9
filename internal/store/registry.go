package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/functionsdo/gateway/internal/fn"
	"github.com/functionsdo/gateway/internal/ident"
)

// RegistryStore holds function metadata for one tenant. The current record
// lives under registry/cur/<id>; version snapshots under
// registry/ver/<id>/<semver>.
type RegistryStore struct {
	kv    KV
	ns    string
	locks *keyedLocks
}

func newRegistryStore(kv KV, ns string) *RegistryStore {
	return &RegistryStore{kv: kv, ns: ns, locks: newKeyedLocks()}
}

func (s *RegistryStore) curKey(id string) string {
	return s.ns + "registry/cur/" + id
}

func (s *RegistryStore) verKey(id, version string) string {
	return s.ns + "registry/ver/" + id + "/" + version
}

// Put stores meta as the current record for its id, stamping timestamps.
func (s *RegistryStore) Put(ctx context.Context, meta *fn.Metadata) error {
	if err := ident.ValidateFunctionID(meta.ID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, s.curKey(meta.ID), data)
}

// Get returns the current record for id.
func (s *RegistryStore) Get(ctx context.Context, id string) (*fn.Metadata, error) {
	data, err := s.kv.Get(ctx, s.curKey(id))
	if err != nil {
		return nil, err
	}
	var meta fn.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt metadata for %s: %w", id, err)
	}
	return &meta, nil
}

// Update applies mutate under the id's write lock and persists the result.
func (s *RegistryStore) Update(ctx context.Context, id string, mutate func(*fn.Metadata) error) (*fn.Metadata, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	meta, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(meta); err != nil {
		return nil, err
	}
	meta.ID = id // the id is the key, mutations cannot move the record
	meta.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := s.kv.Put(ctx, s.curKey(id), data); err != nil {
		return nil, err
	}
	return meta, nil
}

// Delete removes the current record and all version snapshots.
func (s *RegistryStore) Delete(ctx context.Context, id string) error {
	if _, err := s.kv.Get(ctx, s.curKey(id)); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, s.curKey(id)); err != nil {
		return err
	}

	prefix := s.ns + "registry/ver/" + id + "/"
	cursor := ""
	for {
		page, err := s.kv.List(ctx, prefix, cursor, 100)
		if err != nil {
			return err
		}
		for _, p := range page.Pairs {
			if err := s.kv.Delete(ctx, p.Key); err != nil {
				return err
			}
		}
		if !page.HasMore {
			return nil
		}
		cursor = page.NextCursor
	}
}

// List pages through current records. cursor is the last id of the previous
// page, empty for the first.
func (s *RegistryStore) List(ctx context.Context, cursor string, limit int) ([]*fn.Metadata, string, bool, error) {
	prefix := s.ns + "registry/cur/"
	kvCursor := ""
	if cursor != "" {
		kvCursor = prefix + cursor
	}
	page, err := s.kv.List(ctx, prefix, kvCursor, limit)
	if err != nil {
		return nil, "", false, err
	}

	out := make([]*fn.Metadata, 0, len(page.Pairs))
	next := ""
	for _, p := range page.Pairs {
		var meta fn.Metadata
		if err := json.Unmarshal(p.Value, &meta); err != nil {
			return nil, "", false, fmt.Errorf("corrupt metadata at %s: %w", p.Key, err)
		}
		out = append(out, &meta)
		next = meta.ID
	}
	return out, next, page.HasMore, nil
}

// PutVersion snapshots meta under its semver version.
func (s *RegistryStore) PutVersion(ctx context.Context, meta *fn.Metadata) error {
	if err := ident.ValidateFunctionID(meta.ID); err != nil {
		return err
	}
	if _, err := ident.ParseSemver(meta.Version); err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, s.verKey(meta.ID, meta.Version), data)
}

// GetVersion returns the snapshot for (id, version).
func (s *RegistryStore) GetVersion(ctx context.Context, id, version string) (*fn.Metadata, error) {
	data, err := s.kv.Get(ctx, s.verKey(id, version))
	if err != nil {
		return nil, err
	}
	var meta fn.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt metadata for %s@%s: %w", id, version, err)
	}
	return &meta, nil
}

// ListVersions returns all snapshot versions for id in ascending semver
// order.
func (s *RegistryStore) ListVersions(ctx context.Context, id string) ([]string, error) {
	prefix := s.ns + "registry/ver/" + id + "/"
	var versions []string
	cursor := ""
	for {
		page, err := s.kv.List(ctx, prefix, cursor, 100)
		if err != nil {
			return nil, err
		}
		for _, p := range page.Pairs {
			versions = append(versions, p.Key[len(prefix):])
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	sort.Slice(versions, func(i, j int) bool {
		vi, erri := ident.ParseSemver(versions[i])
		vj, errj := ident.ParseSemver(versions[j])
		if erri != nil || errj != nil {
			return versions[i] < versions[j]
		}
		return vi.LessThan(vj)
	})
	return versions, nil
}
