// Package auth verifies request credentials. Two backends: API keys (static
// seeds from config plus runtime-minted keys in the store) and OAuth bearer
// tokens verified as JWTs. The stage produces a Context that rides the
// request for the handlers to read.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/functionsdo/gateway/internal/apierror"
	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/store"
)

// Context is the verified identity attached to a request. Immutable once
// built.
type Context struct {
	UserID        string     `json:"userId"`
	Scopes        []string   `json:"scopes,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"` // nil for non-expiring keys
	TokenHint     string     `json:"tokenHint"`
	IsAPIKey      bool       `json:"isApiKey"`
	CurrentOrg    string     `json:"currentOrg,omitempty"`
	Organizations []string   `json:"organizations,omitempty"`
}

// Authenticator resolves request credentials against the configured
// backends.
type Authenticator struct {
	seeds map[string]config.APIKeySeed
	keys  *store.APIKeyStore
	jwt   *jwtVerifier
}

// New builds an authenticator from config. keys may be nil when the storage
// facade is absent; minted keys then cannot authenticate, seeds still can.
func New(cfg config.AuthConfig, keys *store.APIKeyStore) (*Authenticator, error) {
	a := &Authenticator{
		seeds: make(map[string]config.APIKeySeed, len(cfg.APIKeys)),
		keys:  keys,
	}
	for _, seed := range cfg.APIKeys {
		if seed.Key != "" {
			a.seeds[seed.Key] = seed
		}
	}
	if cfg.OAuth.Configured() {
		v, err := newJWTVerifier(cfg.OAuth)
		if err != nil {
			return nil, err
		}
		a.jwt = v
	}
	return a, nil
}

// Enabled reports whether any credential backend is configured. The router
// skips the auth stage entirely when false; the auth endpoints answer 501.
func (a *Authenticator) Enabled() bool {
	return a != nil && (len(a.seeds) > 0 || a.jwt != nil)
}

// Authenticate verifies the request's credentials. X-API-Key and
// API-key-shaped bearer tokens resolve against the key backends; any other
// bearer token is treated as an OAuth token.
func (a *Authenticator) Authenticate(r *http.Request) (*Context, error) {
	if !a.Enabled() {
		return nil, apierror.ErrAuthNotConfigured
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return a.verifyAPIKey(r.Context(), key)
	}

	token := bearerToken(r)
	if token == "" {
		return nil, apierror.ErrUnauthenticated.WithMessage("Missing credentials")
	}
	if isAPIKeyToken(token) {
		return a.verifyAPIKey(r.Context(), token)
	}
	if a.jwt == nil {
		return nil, apierror.ErrAuthNotConfigured.WithMessage("No OAuth backend configured")
	}
	return a.jwt.verify(token)
}

func (a *Authenticator) verifyAPIKey(ctx context.Context, key string) (*Context, error) {
	if seed, ok := a.seeds[key]; ok {
		return &Context{
			UserID:        seed.UserID,
			Scopes:        seed.Scopes,
			TokenHint:     mask(key),
			IsAPIKey:      true,
			CurrentOrg:    seed.CurrentOrg,
			Organizations: seed.Organizations,
		}, nil
	}
	if a.keys != nil {
		rec, err := a.keys.Verify(ctx, key)
		if err == nil {
			return &Context{
				UserID:    rec.UserID,
				Scopes:    rec.Scopes,
				TokenHint: mask(key),
				IsAPIKey:  true,
			}, nil
		}
	}
	return nil, apierror.ErrUnauthenticated.WithMessage("Invalid API key")
}

// apiKeyPrefixes marks bearer tokens that are API keys rather than OAuth
// tokens.
var apiKeyPrefixes = []string{"sk_", "pk_", "fn_", "api_", "key_"}

func isAPIKeyToken(token string) bool {
	for _, p := range apiKeyPrefixes {
		if strings.HasPrefix(token, p) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}

// mask keeps enough of a credential to recognize it without disclosing it.
func mask(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:8] + "..."
}
