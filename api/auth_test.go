package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestBearerToken(t *testing.T) {
	token, err := bearerToken("  Bearer header.payload.signature ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "header.payload.signature" {
		t.Fatalf("unexpected token content: %s", token)
	}
	if _, err := bearerToken(""); err != errMissingAuthorization {
		t.Fatalf("expected missing header error, got %v", err)
	}
	if _, err := bearerToken("Basic abc.def.ghi"); err != errBadAuthorization {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
	if _, err := bearerToken("Bearer " + strings.Repeat(".", 1000)); err != errBadAuthorization {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
}

func TestUserIDFromAuthHeaderHS256(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewAuth(AuthConfig{Audience: "api://aud", Issuer: "https://issuer/", SharedSecret: secret})
	signed := signHS256(t, secret, jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://aud",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	})

	userID, err := auth.UserIDFromAuthHeader("Bearer " + signed)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromBearerRejects(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewAuth(AuthConfig{Audience: "api://aud", SharedSecret: secret})
	cases := map[string]string{
		"wrong secret": signHS256(t, []byte("other"), jwt.MapClaims{
			"sub": "u", "aud": "api://aud", "exp": time.Now().Add(time.Hour).Unix(),
		}),
		"expired": signHS256(t, secret, jwt.MapClaims{
			"sub": "u", "aud": "api://aud", "exp": time.Now().Add(-time.Hour).Unix(),
		}),
		"wrong audience": signHS256(t, secret, jwt.MapClaims{
			"sub": "u", "aud": "api://other", "exp": time.Now().Add(time.Hour).Unix(),
		}),
		"missing sub": signHS256(t, secret, jwt.MapClaims{
			"aud": "api://aud", "exp": time.Now().Add(time.Hour).Unix(),
		}),
	}
	for name, token := range cases {
		if _, err := auth.UserIDFromBearer(token); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestRS256WithoutJWKSFails(t *testing.T) {
	auth := NewAuth(AuthConfig{})
	signed := signHS256(t, []byte("s"), jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := auth.UserIDFromBearer(signed); err == nil {
		t.Fatalf("HS256 token must be refused when only RS256 is allowed")
	}
}

func TestIssueLocalTokenRoundTrip(t *testing.T) {
	secret := []byte("local")
	signed, err := IssueLocalToken(secret, "api://aud", "dev-user", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	auth := NewAuth(AuthConfig{Audience: "api://aud", SharedSecret: secret})
	if user, err := auth.UserIDFromBearer(signed); err != nil || user != "dev-user" {
		t.Fatalf("expected dev-user, got %q %v", user, err)
	}
	if _, err := IssueLocalToken(nil, "", "u", time.Hour); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
}
