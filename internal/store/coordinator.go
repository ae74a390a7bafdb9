package store

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"
)

// AnonymousTenant is the namespace used when no credential backend is
// configured and requests carry no user id.
const AnonymousTenant = "public"

// Store is the facade handed to request handlers: the tenant's registry and
// code collections plus the global API key collection.
type Store struct {
	Registry *RegistryStore
	Code     *CodeStore
	APIKeys  *APIKeyStore
}

// Coordinator resolves authenticated user ids to tenant-scoped stores over a
// shared backend.
type Coordinator struct {
	kv             KV
	apiKeys        *APIKeyStore
	allowAnonymous bool

	mu     sync.RWMutex
	stores map[string]*Store
}

// NewCoordinator creates a per-user coordinator. allowAnonymous maps
// requests without a user id onto the AnonymousTenant namespace; it is set
// only when no credential backend is configured.
func NewCoordinator(kv KV, allowAnonymous bool) *Coordinator {
	return &Coordinator{
		kv:             kv,
		apiKeys:        NewAPIKeyStore(kv),
		allowAnonymous: allowAnonymous,
		stores:         make(map[string]*Store),
	}
}

// For returns the store for userID. An empty userID resolves to the
// anonymous tenant when allowed and fails with ErrNotConfigured otherwise.
func (c *Coordinator) For(userID string) (*Store, error) {
	if userID == "" {
		if !c.allowAnonymous {
			return nil, ErrNotConfigured
		}
		userID = AnonymousTenant
	}

	c.mu.RLock()
	st, ok := c.stores[userID]
	c.mu.RUnlock()
	if ok {
		return st, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.stores[userID]; ok {
		return st, nil
	}

	ns := "t/" + url.PathEscape(userID) + "/"
	st = &Store{
		Registry: newRegistryStore(c.kv, ns),
		Code:     newCodeStore(c.kv, ns),
		APIKeys:  c.apiKeys,
	}
	c.stores[userID] = st
	return st, nil
}

// APIKeys returns the global key collection.
func (c *Coordinator) APIKeys() *APIKeyStore {
	return c.apiKeys
}

// Warm lists each top-level collection prefix once, in parallel. An
// unreachable backend surfaces here, at boot, rather than on the first
// request.
func (c *Coordinator) Warm(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, prefix := range []string{"t/", "keys/", "tasks/"} {
		g.Go(func() error {
			_, err := c.kv.List(ctx, prefix, "", 1)
			return err
		})
	}
	return g.Wait()
}
