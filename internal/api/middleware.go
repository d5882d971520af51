/**
 * @description
 * This file contains custom middleware for the HTTP router. Requests carrying a bearer
 * token are verified against the identity provider's JWKS, and the subject claim is
 * placed in the request context for handlers.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and verification.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserIDContextKey is a custom type for the context key to avoid collisions.
type UserIDContextKey string

const userIDKey UserIDContextKey = "userID"

const (
	jwksCacheTTL           = 15 * time.Minute
	jwksMinRefreshInterval = 30 * time.Second
)

var errAuthNotConfigured = errors.New("authentication is not configured")

// KeyResolver returns the RSA public key for a JWT key id.
type KeyResolver interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// JWKSKeySet fetches signing keys from a JWKS endpoint and caches them by kid.
type JWKSKeySet struct {
	url    string
	client *http.Client

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time
}

// NewJWKSKeySet creates a key set for jwksURL. An empty URL rejects every token.
func NewJWKSKeySet(jwksURL string) *JWKSKeySet {
	return &JWKSKeySet{
		url:    strings.TrimSpace(jwksURL),
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// PublicKey returns the cached key for kid, refreshing the set when the cache is
// stale or the kid is unknown (key rotation).
func (s *JWKSKeySet) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if s.url == "" {
		return nil, errAuthNotConfigured
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[kid]
	fresh := time.Since(s.fetchedAt) < jwksCacheTTL
	if ok && fresh {
		return key, nil
	}
	if time.Since(s.lastAttempt) < jwksMinRefreshInterval && fresh {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}

	s.lastAttempt = time.Now()
	keys, err := s.fetch(ctx)
	if err != nil {
		if ok {
			return key, nil
		}
		return nil, err
	}
	s.keys = keys
	s.fetchedAt = time.Now()

	if key, ok := s.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func (s *JWKSKeySet) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// parseRSAPublicKey parses RSA public key from modulus and exponent
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, errors.New("invalid exponent")
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}

// AuthMiddleware rejects requests without a valid bearer token.
func AuthMiddleware(keys KeyResolver) func(http.Handler) http.Handler {
	return authMiddleware(keys, true)
}

// OptionalAuthMiddleware identifies the caller when a bearer token is present but
// lets anonymous requests through. A token that is present but invalid is rejected.
func OptionalAuthMiddleware(keys KeyResolver) func(http.Handler) http.Handler {
	return authMiddleware(keys, false)
}

func authMiddleware(keys KeyResolver, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if required {
					writeError(w, http.StatusUnauthorized, "Authorization header required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			userID, err := verifyToken(r.Context(), keys, tokenString)
			if err != nil {
				writeError(w, http.StatusUnauthorized, fmt.Sprintf("Invalid token: %v", err))
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verifyToken(ctx context.Context, keys KeyResolver, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid not found in token header")
		}
		return keys.PublicKey(ctx, kid)
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	userID, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(userID) == "" {
		return "", errors.New("user ID not found in token")
	}
	return userID, nil
}

// GetUserID retrieves the authenticated user's ID from the request context.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}
