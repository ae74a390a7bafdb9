package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// apiKeyIDLength covers the scheme prefix plus eight hex characters, enough
// to address a record without storing the key itself.
const apiKeyIDLength = 11

// APIKeyRecord is a minted key at rest. Only the bcrypt hash of the full key
// is stored; the key itself is shown to the caller exactly once.
type APIKeyRecord struct {
	ID        string    `json:"id"` // key prefix, e.g. fn_1a2b3c4d
	UserID    string    `json:"userId"`
	Scopes    []string  `json:"scopes,omitempty"`
	Hash      []byte    `json:"hash"`
	CreatedAt time.Time `json:"createdAt"`
}

// APIKeyStore holds minted keys. It is process-global rather than
// per-tenant: a key must resolve to its owner before any tenant is known.
type APIKeyStore struct {
	kv KV
}

// NewAPIKeyStore creates a key store over kv.
func NewAPIKeyStore(kv KV) *APIKeyStore {
	return &APIKeyStore{kv: kv}
}

func (s *APIKeyStore) key(id string) string {
	return "keys/" + id
}

// Mint creates a key for userID and returns it. The record persists only
// the hash.
func (s *APIKeyStore) Mint(ctx context.Context, userID string, scopes []string) (string, *APIKeyRecord, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	key := "fn_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, err
	}

	rec := &APIKeyRecord{
		ID:        key[:apiKeyIDLength],
		UserID:    userID,
		Scopes:    scopes,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", nil, err
	}
	if err := s.kv.Put(ctx, s.key(rec.ID), data); err != nil {
		return "", nil, err
	}
	return key, rec, nil
}

// Verify resolves a presented key to its record. The comparison cost is
// bcrypt's, so failures take as long as successes.
func (s *APIKeyStore) Verify(ctx context.Context, key string) (*APIKeyRecord, error) {
	if len(key) < apiKeyIDLength {
		return nil, ErrKeyNotFound
	}
	data, err := s.kv.Get(ctx, s.key(key[:apiKeyIDLength]))
	if err != nil {
		return nil, err
	}
	var rec APIKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt api key record: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(rec.Hash, []byte(key)); err != nil {
		return nil, ErrKeyNotFound
	}
	return &rec, nil
}

// Revoke deletes a key record by id.
func (s *APIKeyStore) Revoke(ctx context.Context, id string) error {
	if _, err := s.kv.Get(ctx, s.key(id)); err != nil {
		return err
	}
	return s.kv.Delete(ctx, s.key(id))
}

// List returns the records owned by userID, hashes stripped.
func (s *APIKeyStore) List(ctx context.Context, userID string) ([]*APIKeyRecord, error) {
	var out []*APIKeyRecord
	cursor := ""
	for {
		page, err := s.kv.List(ctx, "keys/", cursor, 100)
		if err != nil {
			return nil, err
		}
		for _, p := range page.Pairs {
			var rec APIKeyRecord
			if err := json.Unmarshal(p.Value, &rec); err != nil {
				continue
			}
			if rec.UserID != userID {
				continue
			}
			rec.Hash = nil
			out = append(out, &rec)
		}
		if !page.HasMore {
			return out, nil
		}
		cursor = page.NextCursor
	}
}
