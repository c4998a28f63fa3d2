// Package auth validates the opaque `token` query parameter carried by the
// sync provider's WebSocket upgrade request (spec.md §6.1), the same way
// the teacher validates Auth0-issued JWTs: fetch signing keys from a JWKS
// endpoint, cache and refresh them, and verify audience (plus issuer, for
// validators built by NewValidator) on every connection.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/epicenterhq/sync-core/internal/logging"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// CustomClaims identifies the client connecting to a room.
type CustomClaims struct {
	Scope string `json:"scope"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator is the pluggable interface both the real JWKS-backed
// Validator and the development MockValidator implement. It's the same
// shape the sync provider's `token`/`getToken` client config assumes of the
// server it connects to.
type TokenValidator interface {
	ValidateToken(tokenString string) (*CustomClaims, error)
}

// Validator provides JWT validation backed by a JWKS endpoint.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewValidator constructs a Validator that fetches signing keys from the
// JWKS endpoint under domain, refreshing them periodically.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("auth: parse issuer url: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("auth: register jwks cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("auth: fetch initial jwks: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &Validator{keyFunc: keyFunc, issuer: issuerURL.String(), audience: []string{audience}}, nil
}

// NewValidatorFromJWKSURL constructs a Validator directly from a JWKS
// document URL and expected audience, for deployments that front a generic
// OIDC-ish issuer rather than Auth0 specifically (cmd/server's JWKS_URL/
// TOKEN_AUDIENCE config, a generalization of NewValidator's Auth0-only
// domain-to-jwks-path convention).
func NewValidatorFromJWKSURL(ctx context.Context, jwksURL, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse(jwksURL)
	if err != nil {
		return nil, fmt.Errorf("auth: parse jwks url: %w", err)
	}

	cache := jwk.NewCache(ctx)
	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("auth: register jwks cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("auth: fetch initial jwks: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("get raw public key: %w", err)
		}
		return pubKey, nil
	}

	_ = issuerURL // parsed only to validate jwksURL is well-formed
	return &Validator{keyFunc: keyFunc, audience: []string{audience}}, nil
}

// ValidateToken verifies signature and audience, plus issuer when the
// Validator has one (NewValidator sets it, NewValidatorFromJWKSURL does
// not), and returns the embedded claims.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	parserOpts := []jwt.ParserOption{jwt.WithAudience(v.audience[0])}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}
	return claims, nil
}

// GetAllowedOriginsFromEnv parses a comma-separated origin list from the
// named environment variable, falling back to defaultEnvs when unset.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s not set, using default development origins", envVarName))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}

// MockValidator is a development-only TokenValidator that accepts any
// token, extracting the subject/name/email from its unverified payload so
// local clientIds stay stable across reconnects.
type MockValidator struct{}

func (m *MockValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	var subject, name, email string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if n, ok := claims["name"].(string); ok {
					name = n
				}
				if e, ok := claims["email"].(string); ok {
					email = e
				}
			}
		}
	}

	if subject == "" {
		subject = "dev-client-1"
	}
	if name == "" {
		name = "Dev Client"
	}
	if email == "" {
		email = "dev@example.com"
	}

	claims := &CustomClaims{Name: name, Email: email}
	claims.Subject = subject
	return claims, nil
}
