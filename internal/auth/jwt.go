package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/functionsdo/gateway/internal/apierror"
	"github.com/functionsdo/gateway/internal/config"
)

// jwtVerifier checks OAuth bearer tokens. HS* algorithms verify against a
// shared secret, RS* against a PEM public key.
type jwtVerifier struct {
	issuer   string
	audience []string
	keyFunc  jwt.Keyfunc
}

func newJWTVerifier(cfg config.OAuthConfig) (*jwtVerifier, error) {
	v := &jwtVerifier{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}

	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}
	switch {
	case strings.HasPrefix(alg, "HS"):
		if cfg.Secret == "" {
			return nil, fmt.Errorf("auth: %s requires a secret", alg)
		}
		secret := []byte(cfg.Secret)
		v.keyFunc = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return secret, nil
		}
	case strings.HasPrefix(alg, "RS"):
		pub, err := parseRSAPublicKey(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		v.keyFunc = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return pub, nil
		}
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", alg)
	}
	return v, nil
}

func parseRSAPublicKey(pemKey string) (*rsa.PublicKey, error) {
	if pemKey == "" {
		return nil, fmt.Errorf("auth: RS* requires a public key")
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("auth: public key is not PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not RSA")
	}
	return rsaPub, nil
}

// verify parses and validates the token and maps its claims to a Context.
// jwt.Parse already rejects expired and not-yet-valid tokens.
func (v *jwtVerifier) verify(tokenString string) (*Context, error) {
	token, err := jwt.Parse(tokenString, v.keyFunc)
	if err != nil {
		return nil, apierror.ErrUnauthenticated.WithMessage("Invalid token").WithCause(err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apierror.ErrUnauthenticated.WithMessage("Invalid token claims")
	}

	if v.issuer != "" {
		if iss, _ := claims.GetIssuer(); iss != v.issuer {
			return nil, apierror.ErrUnauthenticated.WithMessage("Invalid token issuer")
		}
	}
	if len(v.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !intersects(aud, v.audience) {
			return nil, apierror.ErrUnauthenticated.WithMessage("Invalid token audience")
		}
	}

	ac := &Context{
		UserID:    subjectOf(claims),
		Scopes:    scopesOf(claims),
		TokenHint: mask(tokenString),
	}
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		t := exp.Time
		ac.ExpiresAt = &t
	}
	if org, ok := claims["org"].(string); ok {
		ac.CurrentOrg = org
	}
	ac.Organizations = stringsOf(claims["orgs"])
	if ac.CurrentOrg == "" && len(ac.Organizations) > 0 {
		ac.CurrentOrg = ac.Organizations[0]
	}
	if ac.UserID == "" {
		return nil, apierror.ErrUnauthenticated.WithMessage("Token has no subject")
	}
	return ac, nil
}

func subjectOf(claims jwt.MapClaims) string {
	if sub, _ := claims.GetSubject(); sub != "" {
		return sub
	}
	if cid, ok := claims["client_id"].(string); ok {
		return cid
	}
	return ""
}

// scopesOf accepts both the OAuth space-separated "scope" string and a
// "scopes" array.
func scopesOf(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok && s != "" {
		return strings.Fields(s)
	}
	return stringsOf(claims["scopes"])
}

func stringsOf(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func intersects(got, want []string) bool {
	for _, g := range got {
		for _, w := range want {
			if g == w {
				return true
			}
		}
	}
	return false
}
