package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/functionsdo/gateway/internal/fn"
)

func TestMemoryKVListPagination(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("a/%02d", i)
		if err := kv.Put(ctx, key, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := kv.Put(ctx, "b/00", []byte("other")); err != nil {
		t.Fatal(err)
	}

	page, err := kv.List(ctx, "a/", "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Pairs) != 2 || !page.HasMore {
		t.Fatalf("first page: %d pairs, hasMore=%v", len(page.Pairs), page.HasMore)
	}
	if page.Pairs[0].Key != "a/00" || page.Pairs[1].Key != "a/01" {
		t.Fatalf("unexpected order: %v", page.Pairs)
	}

	page, err = kv.List(ctx, "a/", page.NextCursor, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Pairs) != 3 || page.HasMore {
		t.Fatalf("second page: %d pairs, hasMore=%v", len(page.Pairs), page.HasMore)
	}

	// Prefix isolation.
	page, err = kv.List(ctx, "b/", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Pairs) != 1 {
		t.Fatalf("b/ page: %d pairs", len(page.Pairs))
	}
}

func TestMemoryKVGetCopies(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	kv.Put(ctx, "k", []byte("abc"))

	v, _ := kv.Get(ctx, "k")
	v[0] = 'X'

	again, _ := kv.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value mutated through a returned slice: %q", again)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewCoordinator(NewMemoryKV(), true).For("")
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestRegistryCRUD(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	meta := &fn.Metadata{ID: "greet", Type: fn.KindGenerative, Description: "says hi"}
	if err := st.Registry.Put(ctx, meta); err != nil {
		t.Fatal(err)
	}
	if meta.CreatedAt.IsZero() || meta.UpdatedAt.IsZero() {
		t.Error("Put should stamp timestamps")
	}

	got, err := st.Registry.Get(ctx, "greet")
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != fn.KindGenerative || got.Description != "says hi" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	updated, err := st.Registry.Update(ctx, "greet", func(m *fn.Metadata) error {
		m.Description = "says hello"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Description != "says hello" {
		t.Errorf("update lost: %+v", updated)
	}
	if !updated.UpdatedAt.After(got.UpdatedAt) && !updated.UpdatedAt.Equal(got.UpdatedAt) {
		t.Error("UpdatedAt should not go backwards")
	}

	if err := st.Registry.Delete(ctx, "greet"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Registry.Get(ctx, "greet"); err != ErrKeyNotFound {
		t.Errorf("Get after delete = %v, want ErrKeyNotFound", err)
	}
	if err := st.Registry.Delete(ctx, "greet"); err != ErrKeyNotFound {
		t.Errorf("second delete = %v, want ErrKeyNotFound", err)
	}
}

func TestRegistryRejectsInvalidID(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Registry.Put(ctx, &fn.Metadata{ID: "-bad-"}); err == nil {
		t.Error("invalid id should be rejected")
	}
}

func TestRegistryListPages(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	for _, id := range []string{"alpha", "beta", "gamma"} {
		if err := st.Registry.Put(ctx, &fn.Metadata{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	metas, next, hasMore, err := st.Registry.List(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 2 || !hasMore || next != "beta" {
		t.Fatalf("page 1: %d metas, hasMore=%v, next=%q", len(metas), hasMore, next)
	}

	metas, _, hasMore, err = st.Registry.List(ctx, next, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 || hasMore || metas[0].ID != "gamma" {
		t.Fatalf("page 2: %+v hasMore=%v", metas, hasMore)
	}
}

func TestRegistryVersionsSortedBySemver(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	for _, v := range []string{"1.10.0", "1.2.0", "1.9.1"} {
		err := st.Registry.PutVersion(ctx, &fn.Metadata{ID: "calc", Version: v})
		if err != nil {
			t.Fatal(err)
		}
	}

	versions, err := st.Registry.ListVersions(ctx, "calc")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"1.2.0", "1.9.1", "1.10.0"}
	if len(versions) != 3 {
		t.Fatalf("versions = %v", versions)
	}
	for i := range want {
		if versions[i] != want[i] {
			t.Fatalf("versions = %v, want %v", versions, want)
		}
	}

	got, err := st.Registry.GetVersion(ctx, "calc", "1.9.1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != "1.9.1" {
		t.Errorf("GetVersion = %+v", got)
	}

	if err := st.Registry.PutVersion(ctx, &fn.Metadata{ID: "calc", Version: "latest"}); err == nil {
		t.Error("non-semver version should be rejected")
	}
}

func TestCodeStoreArtifactLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Code.Put(ctx, "calc", "", "export default x => x"); err != nil {
		t.Fatal(err)
	}
	if err := st.Code.PutCompiled(ctx, "calc", "", "var x = y"); err != nil {
		t.Fatal(err)
	}
	if err := st.Code.PutSourceMap(ctx, "calc", "", "{\"version\":3}"); err != nil {
		t.Fatal(err)
	}

	compiled, err := st.Code.GetCompiled(ctx, "calc", "")
	if err != nil || compiled != "var x = y" {
		t.Fatalf("GetCompiled = %q, %v", compiled, err)
	}

	// New source discards the stale artifact and map.
	if err := st.Code.Put(ctx, "calc", "", "export default x => x + 1"); err != nil {
		t.Fatal(err)
	}
	rec, err := st.Code.Get(ctx, "calc", "")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Compiled != "" || rec.SourceMap != "" {
		t.Errorf("stale artifacts survived a source update: %+v", rec)
	}

	if _, err := st.Code.Get(ctx, "missing", ""); err != ErrKeyNotFound {
		t.Errorf("missing code = %v, want ErrKeyNotFound", err)
	}
}

func TestCodeStoreVersions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	st.Code.Put(ctx, "calc", "1.0.0", "v1 source")
	st.Code.Put(ctx, "calc", "2.0.0", "v2 source")
	st.Code.Put(ctx, "calc", "", "current source")
	st.Code.Put(ctx, "calc-helper", "", "unrelated")

	versions, err := st.Code.ListVersions(ctx, "calc")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 || versions[0] != "1.0.0" || versions[1] != "2.0.0" {
		t.Fatalf("versions = %v", versions)
	}

	rec, err := st.Code.Get(ctx, "calc", "2.0.0")
	if err != nil || rec.Source != "v2 source" {
		t.Fatalf("Get versioned = %+v, %v", rec, err)
	}
}

func TestAPIKeyMintVerifyRevoke(t *testing.T) {
	ctx := context.Background()
	keys := NewAPIKeyStore(NewMemoryKV())

	key, rec, err := keys.Mint(ctx, "user-1", []string{"functions:write"})
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != 3+32 || key[:3] != "fn_" {
		t.Fatalf("minted key = %q", key)
	}
	if rec.ID != key[:11] {
		t.Errorf("record id = %q, want prefix of key", rec.ID)
	}

	got, err := keys.Verify(ctx, key)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("UserID = %q", got.UserID)
	}

	// Same prefix, wrong suffix.
	forged := key[:len(key)-1] + "0"
	if forged == key {
		forged = key[:len(key)-1] + "1"
	}
	if _, err := keys.Verify(ctx, forged); err == nil {
		t.Error("forged key should not verify")
	}

	if err := keys.Revoke(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := keys.Verify(ctx, key); err == nil {
		t.Error("revoked key should not verify")
	}
}

func TestAPIKeyListStripsHashes(t *testing.T) {
	ctx := context.Background()
	keys := NewAPIKeyStore(NewMemoryKV())
	keys.Mint(ctx, "user-1", nil)
	keys.Mint(ctx, "user-2", nil)

	recs, err := keys.List(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("len = %d", len(recs))
	}
	if recs[0].Hash != nil {
		t.Error("List should strip hashes")
	}
}

func TestCoordinatorTenantIsolation(t *testing.T) {
	ctx := context.Background()
	coord := NewCoordinator(NewMemoryKV(), false)

	alice, err := coord.For("alice")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := coord.For("bob")
	if err != nil {
		t.Fatal(err)
	}

	if err := alice.Registry.Put(ctx, &fn.Metadata{ID: "secret-fn"}); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Registry.Get(ctx, "secret-fn"); err != ErrKeyNotFound {
		t.Errorf("tenant isolation broken: %v", err)
	}

	// Same user id returns the cached store.
	again, _ := coord.For("alice")
	if again != alice {
		t.Error("For should cache per-user stores")
	}
}

func TestCoordinatorAnonymous(t *testing.T) {
	strict := NewCoordinator(NewMemoryKV(), false)
	if _, err := strict.For(""); err != ErrNotConfigured {
		t.Errorf("strict coordinator: %v, want ErrNotConfigured", err)
	}

	open := NewCoordinator(NewMemoryKV(), true)
	st, err := open.For("")
	if err != nil || st == nil {
		t.Fatalf("anonymous resolution failed: %v", err)
	}
}

func TestBlobKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := NewMemBlobKV()
	defer kv.Close()

	if err := kv.Put(ctx, "registry/cur/a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := kv.Put(ctx, "registry/cur/b", []byte("2")); err != nil {
		t.Fatal(err)
	}

	v, err := kv.Get(ctx, "registry/cur/a")
	if err != nil || string(v) != "1" {
		t.Fatalf("Get = %q, %v", v, err)
	}

	page, err := kv.List(ctx, "registry/cur/", "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Pairs) != 1 || !page.HasMore {
		t.Fatalf("page = %+v", page)
	}

	if err := kv.Delete(ctx, "registry/cur/a"); err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Get(ctx, "registry/cur/a"); err != ErrKeyNotFound {
		t.Errorf("Get after delete = %v", err)
	}
	// Deleting a missing key is not an error.
	if err := kv.Delete(ctx, "registry/cur/a"); err != nil {
		t.Errorf("second delete = %v", err)
	}
}
