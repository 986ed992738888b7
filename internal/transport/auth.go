package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/leadboard/internal/config"
	"github.com/pitabwire/leadboard/model"
)

// JWKSClient resolves token signing keys from the identity provider's JWKS
// document. The document is cached for ttl; an unknown kid triggers a
// refresh at most once per minRefresh, so key rotation is picked up without
// letting forged kids hammer the provider.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger
	fetches    singleflight.Group

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	lastFetch time.Time
}

// NewJWKSClient returns a client for the JWKS document at url. A nil logger
// discards output.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		keys:       map[string]crypto.PublicKey{},
	}
}

func (c *JWKSClient) cached(kid string) (key crypto.PublicKey, found, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, found = c.keys[kid]
	return key, found, time.Since(c.lastFetch) <= c.ttl
}

// GetKey returns the public key published under kid. When the provider is
// unreachable a previously fetched key keeps verifying tokens.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	key, found, fresh := c.cached(kid)
	if found && fresh {
		return key, nil
	}

	_, err, _ := c.fetches.Do("jwks", func() (any, error) { return nil, c.refresh(context.Background()) })
	if err != nil {
		if found {
			c.logger.Warn("jwks: refresh failed, using cached key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: fetch failed: %w", err)
	}

	if key, found, _ = c.cached(kid); !found {
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}
	return key, nil
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	c.mu.RLock()
	recent := len(c.keys) > 0 && time.Since(c.lastFetch) < c.minRefresh
	c.mu.RUnlock()
	if recent {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return fmt.Errorf("jwks: parse error: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, raw := range doc.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			c.logger.Warn("jwks: skipping malformed key", zap.Error(err))
			continue
		}
		if jwk.KeyID == "" {
			continue
		}
		switch pub := jwk.Key.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey:
			keys[jwk.KeyID] = pub
		default:
			c.logger.Debug("jwks: skipping non-signature key", zap.String("kid", jwk.KeyID))
		}
	}

	c.mu.Lock()
	c.keys, c.lastFetch = keys, time.Now()
	c.mu.Unlock()
	return nil
}

// JWTAuthenticator returns middleware that verifies JWT tokens from the
// Authorization header and stores verified claims in the request context.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				respondError(w, r, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				respondError(w, r, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}
			tokenStr := strings.TrimPrefix(auth, "Bearer ")

			token, err := jwt.Parse(tokenStr,
				func(token *jwt.Token) (any, error) {
					kid, _ := token.Header["kid"].(string)
					if kid == "" {
						return nil, fmt.Errorf("missing kid in token header")
					}
					return jwks.GetKey(kid)
				},
				jwt.WithValidMethods(cfg.Algorithms),
				jwt.WithIssuer(cfg.Issuer),
				jwt.WithAudience(cfg.Audience),
				jwt.WithLeeway(30*time.Second),
				jwt.WithExpirationRequired(),
			)
			if err != nil {
				respondError(w, r, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				respondError(w, r, model.NewUnauthorizedError("Invalid token"))
				return
			}

			ctx := WithClaims(r.Context(), map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DevAuthenticator returns middleware that accepts every request as the
// configured development operator. Claims are written under the configured
// claim paths so BuildRequestContextMiddleware reads them unchanged.
func DevAuthenticator(cfg config.IdentityConfig) func(http.Handler) http.Handler {
	claims := map[string]any{}
	setClaim(claims, claimPath(cfg.ClaimPaths, "subject_id", "sub"), cfg.DevSubject)
	setClaim(claims, claimPath(cfg.ClaimPaths, "tenant_id", "tenant_id"), cfg.DevTenant)
	setClaim(claims, claimPath(cfg.ClaimPaths, "roles", "roles"), []any{"operator"})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// NewAuthenticator selects the authentication middleware for cfg: the
// development authenticator when identity is disabled, JWT verification
// against the configured JWKS endpoint otherwise.
func NewAuthenticator(cfg config.IdentityConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if cfg.Disabled {
		if logger != nil {
			logger.Warn("authentication disabled, serving as development operator",
				zap.String("subject_id", cfg.DevSubject),
				zap.String("tenant_id", cfg.DevTenant),
			)
		}
		return DevAuthenticator(cfg)
	}
	return JWTAuthenticator(cfg, NewJWKSClient(cfg.JWKSURL, cfg.JWKSCacheTTL, logger))
}

func claimPath(paths map[string]string, field, def string) string {
	if p := paths[field]; p != "" {
		return p
	}
	return def
}

// setClaim stores v at a dot-separated path, creating intermediate objects.
func setClaim(claims map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	cur := claims
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		// Disallowed algorithms are reported as signature failures.
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}
