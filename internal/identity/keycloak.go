// Package identity resolves the user behind a websocket connection from a
// Keycloak access token.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when a request carries no bearer token.
var ErrNoToken = errors.New("identity: no token")

// Claims are the fields of an access token this service uses.
type Claims struct {
	UserID     string
	Email      string
	RealmRoles []string
	ExpiresAt  time.Time
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

type keycloakTokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string      `json:"preferred_username"`
	Email             string      `json:"email"`
	RealmAccess       realmAccess `json:"realm_access"`
}

// Authenticator turns a request into a user id.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Validator validates Keycloak JWTs against the realm's JWKS.
type Validator struct {
	jwks      *keyfunc.JWKS
	issuerURL string
}

// NewKeycloakValidator fetches the realm's JWKS, retrying while Keycloak
// starts. issuerOverride replaces the derived issuer when the browser-facing
// URL differs from the internal one.
func NewKeycloakValidator(ctx context.Context, keycloakURL, realm, issuerOverride string) (*Validator, error) {
	jwksURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", keycloakURL, realm)
	issuerURL := fmt.Sprintf("%s/realms/%s", keycloakURL, realm)
	if issuerOverride != "" {
		issuerURL = issuerOverride
	}

	slog.Info("Initializing Keycloak JWKS validator", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 ctx,
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for Keycloak JWKS", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch Keycloak JWKS after retries: %w", err)
	}

	slog.Info("Keycloak JWKS loaded", "jwks_url", jwksURL)
	return NewValidator(jwks, issuerURL), nil
}

// NewValidator uses an already loaded key set.
func NewValidator(jwks *keyfunc.JWKS, issuerURL string) *Validator {
	return &Validator{jwks: jwks, issuerURL: issuerURL}
}

// ValidateToken parses and validates an access token.
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &keycloakTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuerURL),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	if claims.PreferredUsername == "" {
		return nil, fmt.Errorf("token has no preferred_username")
	}

	out := &Claims{
		UserID:     claims.PreferredUsername,
		Email:      claims.Email,
		RealmRoles: claims.RealmAccess.Roles,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// Authenticate reads the token from the Authorization header or the "token"
// query parameter, since browsers cannot set headers on a websocket upgrade.
func (v *Validator) Authenticate(r *http.Request) (string, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return "", ErrNoToken
	}
	claims, err := v.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// Close stops the JWKS refresh goroutine.
func (v *Validator) Close() {
	v.jwks.EndBackground()
}

func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
