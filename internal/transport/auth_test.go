package transport

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/leadboard/internal/config"
	"github.com/pitabwire/leadboard/model"
)

const (
	operatorIssuer   = "https://id.leadboard.example"
	operatorAudience = "leadboard"
)

// signingKey is a private key published through a JWKS document under kid.
type signingKey struct {
	kid    string
	method jwt.SigningMethod
	priv   crypto.Signer
}

func rsaSigningKey(t *testing.T, kid string) signingKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}
	return signingKey{kid: kid, method: jwt.SigningMethodRS256, priv: priv}
}

func ecSigningKey(t *testing.T, kid string) signingKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ec key: %v", err)
	}
	return signingKey{kid: kid, method: jwt.SigningMethodES256, priv: priv}
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func (k signingKey) jwk() map[string]any {
	switch pub := k.priv.Public().(type) {
	case *rsa.PublicKey:
		return map[string]any{
			"kid": k.kid, "kty": "RSA", "use": "sig",
			"n": b64(pub.N.Bytes()),
			"e": b64(big.NewInt(int64(pub.E)).Bytes()),
		}
	case *ecdsa.PublicKey:
		return map[string]any{
			"kid": k.kid, "kty": "EC", "crv": "P-256", "use": "sig",
			"x": b64(pub.X.FillBytes(make([]byte, 32))),
			"y": b64(pub.Y.FillBytes(make([]byte, 32))),
		}
	}
	return nil
}

func (k signingKey) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(k.method, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(k.priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// jwksServer publishes keys and counts how often the document is fetched.
func jwksServer(t *testing.T, fetches *atomic.Int32, keys ...signingKey) string {
	t.Helper()
	jwks := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		jwks = append(jwks, k.jwk())
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fetches != nil {
			fetches.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": jwks})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func operatorIdentity() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     operatorIssuer,
		Audience:   operatorAudience,
		Algorithms: []string{"RS256", "ES256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"tenant_id":  "org.tenant",
			"email":      "email",
			"roles":      "roles",
		},
	}
}

func operatorToken() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   operatorIssuer,
		"aud":   operatorAudience,
		"sub":   "operator-7",
		"email": "ops@acme.example",
		"org":   map[string]any{"tenant": "tenant-acme"},
		"roles": []string{"operator"},
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

// authenticate runs one request through JWTAuthenticator and the request
// context builder, returning the recorded response and the operator seen by
// the dashboard handler.
func authenticate(t *testing.T, cfg config.IdentityConfig, jwks *JWKSClient, authorization string) (*httptest.ResponseRecorder, *model.RequestContext) {
	t.Helper()
	var seen *model.RequestContext
	h := JWTAuthenticator(cfg, jwks)(BuildRequestContextMiddleware(cfg.ClaimPaths)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = model.RequestContextFrom(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}),
	))
	req := httptest.NewRequest(http.MethodGet, "/ui/jobs/job-1", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, seen
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error.Message
}

func TestJWKSClient_GetKey(t *testing.T) {
	rsaKey := rsaSigningKey(t, "rs-1")
	ecKey := ecSigningKey(t, "es-1")
	client := NewJWKSClient(jwksServer(t, nil, rsaKey, ecKey), time.Hour, nil)

	got, err := client.GetKey("rs-1")
	if err != nil {
		t.Fatalf("GetKey(rs-1): %v", err)
	}
	if pub, ok := got.(*rsa.PublicKey); !ok || !pub.Equal(rsaKey.priv.Public()) {
		t.Errorf("rs-1 = %T, want the published RSA key", got)
	}

	got, err = client.GetKey("es-1")
	if err != nil {
		t.Fatalf("GetKey(es-1): %v", err)
	}
	if pub, ok := got.(*ecdsa.PublicKey); !ok || !pub.Equal(ecKey.priv.Public()) {
		t.Errorf("es-1 = %T, want the published EC key", got)
	}

	if _, err := client.GetKey("rotated-away"); err == nil {
		t.Error("GetKey(rotated-away) succeeded")
	}
}

func TestJWKSClient_cachesDocument(t *testing.T) {
	var fetches atomic.Int32
	client := NewJWKSClient(jwksServer(t, &fetches, ecSigningKey(t, "es-1")), time.Hour, nil)
	client.minRefresh = 0

	for range 3 {
		if _, err := client.GetKey("es-1"); err != nil {
			t.Fatalf("GetKey: %v", err)
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("JWKS fetched %d times, want 1", n)
	}
}

func TestJWKSClient_skipsUnusableKeys(t *testing.T) {
	good := ecSigningKey(t, "es-1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []any{
			map[string]any{"kty": "EC", "crv": "P-256"},
			map[string]any{"kid": "oct-1", "kty": "oct", "k": "c2VjcmV0"},
			map[string]any{"kid": "rs-broken", "kty": "RSA"},
			good.jwk(),
		}})
	}))
	t.Cleanup(srv.Close)

	client := NewJWKSClient(srv.URL, time.Hour, nil)
	if _, err := client.GetKey("es-1"); err != nil {
		t.Errorf("GetKey(es-1): %v", err)
	}
	for _, kid := range []string{"oct-1", "rs-broken"} {
		if _, err := client.GetKey(kid); err == nil {
			t.Errorf("GetKey(%s) succeeded", kid)
		}
	}
}

func TestJWTAuthenticator_operatorIdentity(t *testing.T) {
	for _, key := range []signingKey{rsaSigningKey(t, "rs-1"), ecSigningKey(t, "es-1")} {
		t.Run(key.method.Alg(), func(t *testing.T) {
			jwks := NewJWKSClient(jwksServer(t, nil, key), time.Hour, nil)

			w, rctx := authenticate(t, operatorIdentity(), jwks, "Bearer "+key.sign(t, key.kid, operatorToken()))

			if w.Code != http.StatusNoContent {
				t.Fatalf("status = %d, want 204", w.Code)
			}
			if rctx == nil {
				t.Fatal("no RequestContext reached the handler")
			}
			if rctx.SubjectID != "operator-7" || rctx.TenantID != "tenant-acme" || rctx.Email != "ops@acme.example" {
				t.Errorf("operator = %q/%q/%q", rctx.SubjectID, rctx.TenantID, rctx.Email)
			}
		})
	}
}

func TestJWTAuthenticator_rejects(t *testing.T) {
	key := rsaSigningKey(t, "rs-1")
	url := jwksServer(t, nil, key)

	tests := []struct {
		name    string
		header  func() string
		algs    []string
		message string
	}{
		{
			name:    "no header",
			header:  func() string { return "" },
			message: "Missing authorization header",
		},
		{
			name:    "basic credentials",
			header:  func() string { return "Basic b3BzOnNlY3JldA==" },
			message: "Invalid authorization header format",
		},
		{
			name: "expired",
			header: func() string {
				c := operatorToken()
				c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
				return "Bearer " + key.sign(t, "rs-1", c)
			},
			message: "Token expired",
		},
		{
			name: "foreign issuer",
			header: func() string {
				c := operatorToken()
				c["iss"] = "https://id.other.example"
				return "Bearer " + key.sign(t, "rs-1", c)
			},
			message: "Invalid token issuer",
		},
		{
			name: "other audience",
			header: func() string {
				c := operatorToken()
				c["aud"] = "billing"
				return "Bearer " + key.sign(t, "rs-1", c)
			},
			message: "Invalid token audience",
		},
		{
			name: "no expiry",
			header: func() string {
				c := operatorToken()
				delete(c, "exp")
				return "Bearer " + key.sign(t, "rs-1", c)
			},
			message: "Token is missing a required claim",
		},
		{
			name:    "algorithm not allowed",
			header:  func() string { return "Bearer " + key.sign(t, "rs-1", operatorToken()) },
			algs:    []string{"ES256"},
			message: "Disallowed signing algorithm",
		},
		{
			name:    "unpublished kid",
			header:  func() string { return "Bearer " + key.sign(t, "rs-2", operatorToken()) },
			message: "Unknown signing key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := operatorIdentity()
			if tt.algs != nil {
				cfg.Algorithms = tt.algs
			}
			jwks := NewJWKSClient(url, time.Hour, nil)
			jwks.minRefresh = 0

			w, rctx := authenticate(t, cfg, jwks, tt.header())

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if rctx != nil {
				t.Error("handler reached with a rejected token")
			}
			if got := errorMessage(t, w); got != tt.message {
				t.Errorf("message = %q, want %q", got, tt.message)
			}
		})
	}
}

func TestJWTAuthenticator_leeway(t *testing.T) {
	key := ecSigningKey(t, "es-1")
	jwks := NewJWKSClient(jwksServer(t, nil, key), time.Hour, nil)

	c := operatorToken()
	c["exp"] = jwt.NewNumericDate(time.Now().Add(-10 * time.Second))

	if w, _ := authenticate(t, operatorIdentity(), jwks, "Bearer "+key.sign(t, "es-1", c)); w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 inside the clock-skew leeway", w.Code)
	}
}

func TestExtractClaim(t *testing.T) {
	claims := map[string]any{
		"sub":   "operator-7",
		"org":   map[string]any{"tenant": "tenant-acme", "teams": []any{"ops", 3, "sre"}},
		"roles": []string{"operator"},
		"scope": "jobs:read workflows:read",
	}

	strs := []struct{ path, want string }{
		{"sub", "operator-7"},
		{"org.tenant", "tenant-acme"},
		{"org.region", ""},
		{"sub.nested", ""},
	}
	for _, tt := range strs {
		if got := extractClaimString(claims, tt.path); got != tt.want {
			t.Errorf("extractClaimString(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
	if got := extractClaimString(nil, "sub"); got != "" {
		t.Errorf("nil claims = %q", got)
	}

	slices := []struct {
		path string
		want []string
	}{
		{"roles", []string{"operator"}},
		{"org.teams", []string{"ops", "sre"}},
		{"scope", []string{"jobs:read", "workflows:read"}},
		{"groups", nil},
	}
	for _, tt := range slices {
		got := extractClaimStringSlice(claims, tt.path)
		if len(got) != len(tt.want) {
			t.Errorf("extractClaimStringSlice(%q) = %v, want %v", tt.path, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("extractClaimStringSlice(%q) = %v, want %v", tt.path, got, tt.want)
				break
			}
		}
	}
}

func TestNewAuthenticator(t *testing.T) {
	t.Run("disabled serves the development operator", func(t *testing.T) {
		cfg := config.Defaults().Identity
		cfg.Disabled = true
		cfg.DevSubject, cfg.DevTenant = "local-operator", "local"
		cfg.ClaimPaths = map[string]string{"tenant_id": "org.id"}

		var rctx *model.RequestContext
		h := NewAuthenticator(cfg, nil)(BuildRequestContextMiddleware(cfg.ClaimPaths)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				rctx = model.RequestContextFrom(r.Context())
			}),
		))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ui/jobs/job-1", nil))

		if rctx == nil || rctx.SubjectID != "local-operator" || rctx.TenantID != "local" {
			t.Errorf("operator = %+v", rctx)
		}
	})

	t.Run("enabled demands a bearer token", func(t *testing.T) {
		cfg := operatorIdentity()
		cfg.JWKSURL = "http://jwks.invalid"

		h := NewAuthenticator(cfg, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Error("handler reached without a token")
		}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ui/jobs/job-1", nil))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})
}
