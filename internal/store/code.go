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

// CodeStore holds function source and derived artifacts for one tenant.
// Records live under code/<id> for the current version and code/<id>@<ver>
// for snapshots. Ids cannot contain "@", so the two namespaces never
// collide.
type CodeStore struct {
	kv    KV
	ns    string
	locks *keyedLocks
}

func newCodeStore(kv KV, ns string) *CodeStore {
	return &CodeStore{kv: kv, ns: ns, locks: newKeyedLocks()}
}

func (s *CodeStore) key(id, version string) string {
	if version == "" {
		return s.ns + "code/" + id
	}
	return s.ns + "code/" + id + "@" + version
}

// Put stores new source for (id, version), discarding any stale compiled
// artifact and source map.
func (s *CodeStore) Put(ctx context.Context, id, version, source string) error {
	if err := ident.ValidateFunctionID(id); err != nil {
		return err
	}
	rec := &fn.Code{
		Source:    source,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, s.key(id, version), data)
}

// Get returns the code record for (id, version).
func (s *CodeStore) Get(ctx context.Context, id, version string) (*fn.Code, error) {
	data, err := s.kv.Get(ctx, s.key(id, version))
	if err != nil {
		return nil, err
	}
	var rec fn.Code
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt code record for %s: %w", id, err)
	}
	return &rec, nil
}

// Delete removes the code record for (id, version).
func (s *CodeStore) Delete(ctx context.Context, id, version string) error {
	return s.kv.Delete(ctx, s.key(id, version))
}

// PutCompiled attaches a compiled artifact to an existing record.
func (s *CodeStore) PutCompiled(ctx context.Context, id, version, compiled string) error {
	return s.update(ctx, id, version, func(rec *fn.Code) {
		rec.Compiled = compiled
	})
}

// GetCompiled returns the compiled artifact, or empty when none is stored.
func (s *CodeStore) GetCompiled(ctx context.Context, id, version string) (string, error) {
	rec, err := s.Get(ctx, id, version)
	if err != nil {
		return "", err
	}
	return rec.Compiled, nil
}

// PutSourceMap attaches a source map to an existing record.
func (s *CodeStore) PutSourceMap(ctx context.Context, id, version, sourceMap string) error {
	return s.update(ctx, id, version, func(rec *fn.Code) {
		rec.SourceMap = sourceMap
	})
}

// GetSourceMap returns the source map, or empty when none is stored.
func (s *CodeStore) GetSourceMap(ctx context.Context, id, version string) (string, error) {
	rec, err := s.Get(ctx, id, version)
	if err != nil {
		return "", err
	}
	return rec.SourceMap, nil
}

// ListVersions returns the snapshot versions holding code for id, ascending.
func (s *CodeStore) ListVersions(ctx context.Context, id string) ([]string, error) {
	prefix := s.ns + "code/" + id + "@"
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

func (s *CodeStore) update(ctx context.Context, id, version string, mutate func(*fn.Code)) error {
	key := s.key(id, version)
	unlock := s.locks.lock(key)
	defer unlock()

	rec, err := s.Get(ctx, id, version)
	if err != nil {
		return err
	}
	mutate(rec)
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, key, data)
}
