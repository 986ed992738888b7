package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://auth.test.leadboard.dev"
	testAudience = "leadboard-test"
	testKeyID    = "leadboard-es256-1"
)

// TestClaims describes the operator a test token is issued for.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	// Audience replaces the dashboard audience when set.
	Audience string
}

// operatorClaims is the token body the dashboard's identity settings read:
// sub and tenant_id through the default claim paths.
type operatorClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
	Email    string `json:"email,omitempty"`
}

// tokenIssuer signs ES256 operator tokens and publishes the verification
// key as a JWKS document. It counts JWKS fetches so tests can check the
// dashboard caches keys.
type tokenIssuer struct {
	key        *ecdsa.PrivateKey
	jwks       *httptest.Server
	jwksServed atomic.Int32
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ES256 key: %v", err)
	}
	ti := &tokenIssuer{key: key}

	doc, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": testKeyID,
		"kty": "EC",
		"crv": "P-256",
		"alg": "ES256",
		"use": "sig",
		"x":   coordinate(key.PublicKey.X.FillBytes(make([]byte, 32))),
		"y":   coordinate(key.PublicKey.Y.FillBytes(make([]byte, 32))),
	}}})
	if err != nil {
		t.Fatalf("encode JWKS: %v", err)
	}

	ti.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ti.jwksServed.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(ti.jwks.Close)
	return ti
}

func coordinate(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenerateToken issues a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	now := time.Now()
	return ti.issue(c, now.Add(-time.Minute), now.Add(time.Hour))
}

// GenerateExpiredToken issues a token that expired an hour ago, well past
// the dashboard's clock-skew leeway.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	now := time.Now()
	return ti.issue(c, now.Add(-2*time.Hour), now.Add(-time.Hour))
}

func (ti *tokenIssuer) issue(c TestClaims, issuedAt, expiresAt time.Time) string {
	aud := c.Audience
	if aud == "" {
		aud = testAudience
	}
	claims := operatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   c.SubjectID,
			Audience:  jwt.ClaimStrings{aud},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TenantID: c.TenantID,
		Email:    c.Email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		panic("sign operator token: " + err.Error())
	}
	return signed
}

// JWKSURL returns the URL of the JWKS document.
func (ti *tokenIssuer) JWKSURL() string { return ti.jwks.URL }

// JWKSFetches returns how many times the JWKS document was served.
func (ti *tokenIssuer) JWKSFetches() int { return int(ti.jwksServed.Load()) }
