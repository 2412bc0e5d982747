/**
 * @description
 * This file contains custom middleware for the HTTP router. The authentication
 * middleware validates the identity provider's session token and places the caller's
 * identity (user id, phone number, protocol identity) on the request context.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: For token parsing and signature verification.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bitsacco/transaction-service/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

type callerContextKey struct{}

// AuthOptions restricts accepted tokens. Empty fields are not enforced.
type AuthOptions struct {
	Audience string
	Issuer   string
}

// AuthMiddleware validates bearer tokens with keyfunc and stores the Caller on the context.
func AuthMiddleware(keyfunc jwt.Keyfunc, opts AuthOptions, logger *slog.Logger) func(http.Handler) http.Handler {
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	parser := jwt.NewParser(parserOpts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization header required")
				return
			}

			// Extract the token from "Bearer <token>"
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid Authorization header format")
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, keyfunc)
			if err != nil || !token.Valid {
				logger.Info("token rejected", "error", err)
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
				return
			}

			caller, ok := callerFromClaims(claims)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "User ID not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), callerContextKey{}, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func callerFromClaims(claims jwt.MapClaims) (domain.Caller, bool) {
	sub, _ := claims["sub"].(string)
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return domain.Caller{}, false
	}
	caller := domain.Caller{UserID: sub}
	if phone, ok := claims["phone_number"].(string); ok {
		caller.PhoneNumber = strings.TrimSpace(phone)
	}
	if npub, ok := claims["npub"].(string); ok {
		caller.ProtocolIdentity = strings.TrimSpace(npub)
	}
	return caller, true
}

// CallerFromContext retrieves the authenticated caller.
func CallerFromContext(ctx context.Context) (domain.Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(domain.Caller)
	return caller, ok
}

// WithCaller returns a context carrying caller.
func WithCaller(ctx context.Context, caller domain.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// JWKS fetches and caches the identity provider's signing keys. An unknown kid triggers a
// refetch, at most once per minRefresh.
type JWKS struct {
	url        string
	client     *http.Client
	minRefresh time.Duration

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func NewJWKS(url string) *JWKS {
	return &JWKS{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		minRefresh: time.Minute,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// Keyfunc resolves the token's kid to a public key.
func (j *JWKS) Keyfunc(token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("kid not found in token header")
	}

	j.mu.RLock()
	key, found := j.keys[kid]
	stale := time.Since(j.fetchedAt) >= j.minRefresh
	j.mu.RUnlock()
	if found {
		return key, nil
	}
	if !stale {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}

	if err := j.refresh(); err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if key, found := j.keys[kid]; found {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func (j *JWKS) refresh() error {
	resp, err := j.client.Get(j.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var set struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "" && k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return fmt.Errorf("key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}

	j.mu.Lock()
	j.keys = keys
	j.fetchedAt = time.Now()
	j.mu.Unlock()
	return nil
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
		return nil, errors.New("empty exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}
