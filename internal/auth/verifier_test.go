package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DukeRupert/geepity/internal/domain"
)

const testProject = "geepity-test"

func TestFirebaseVerifier_ValidToken(t *testing.T) {
	verifier, key := newTestVerifier(t)
	token := signToken(t, key, "test-key", jwt.MapClaims{})

	accountID, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if accountID != "user-123" {
		t.Errorf("expected user-123, got %q", accountID)
	}
}

func TestFirebaseVerifier_Rejects(t *testing.T) {
	verifier, key := newTestVerifier(t)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to create key: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"wrong key", signToken(t, otherKey, "test-key", jwt.MapClaims{})},
		{"wrong audience", signToken(t, key, "test-key", jwt.MapClaims{"aud": "other-project"})},
		{"wrong issuer", signToken(t, key, "test-key", jwt.MapClaims{"iss": "https://securetoken.google.com/other"})},
		{"expired", signToken(t, key, "test-key", jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})},
		{"missing subject", signToken(t, key, "test-key", jwt.MapClaims{"sub": ""})},
		{"oversized subject", signToken(t, key, "test-key", jwt.MapClaims{"sub": strings.Repeat("x", 129)})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(context.Background(), tt.token)
			if err == nil {
				t.Fatal("expected error")
			}
			if domain.ErrorCode(err) != domain.EUNAUTHORIZED {
				t.Errorf("expected %s, got %s", domain.EUNAUTHORIZED, domain.ErrorCode(err))
			}
			if domain.ErrorMessage(err) != "Invalid token" {
				t.Errorf("expected 'Invalid token', got %q", domain.ErrorMessage(err))
			}
		})
	}
}

func TestNewFirebaseVerifier_RequiresProject(t *testing.T) {
	if _, err := NewFirebaseVerifier(context.Background(), " ", "http://localhost"); err == nil {
		t.Fatal("expected error for empty project id")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer", "", false},
		{"Bearer   ", "", false},
		{"Token abc", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := extractBearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("extractBearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func newTestVerifier(t *testing.T) (*FirebaseVerifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to create key: %v", err)
	}

	jwks := newJWKS(key, "test-key")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	verifier, err := NewFirebaseVerifier(ctx, testProject, server.URL)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}
	return verifier, key
}

// signToken signs a token with valid defaults; overrides replace claims.
func signToken(t *testing.T, key *rsa.PrivateKey, kid string, overrides jwt.MapClaims) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": issuerPrefix + testProject,
		"aud": testProject,
		"sub": "user-123",
		"exp": now.Add(10 * time.Minute).Unix(),
		"iat": now.Unix(),
	}
	for k, v := range overrides {
		claims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	tokenString, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return tokenString
}

type jwksPayload struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func newJWKS(key *rsa.PrivateKey, kid string) jwksPayload {
	n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes())
	return jwksPayload{
		Keys: []jwk{{Kty: "RSA", Kid: kid, Use: "sig", Alg: "RS256", N: n, E: e}},
	}
}
