package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "auth-test-secret"

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	t.Setenv(envTestAuthMode, "1")
	t.Setenv(envTestJWTSecret, testSecret)
	return NewAuth(nil, "", "")
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthValidToken(t *testing.T) {
	a := newTestAuth(t)
	token := signToken(t, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	})
	sub, err := a.UserIDFromAuthHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
	if sub != "alice" {
		t.Fatalf("expected sub alice, got %q", sub)
	}
}

func TestAuthRejectsFutureIssuedAt(t *testing.T) {
	a := newTestAuth(t)
	token := signToken(t, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(2 * time.Hour).Unix(),
		"iat": time.Now().Add(time.Hour).Unix(),
	})
	_, err := a.UserIDFromAuthHeader("Bearer " + token)
	if err == nil {
		t.Fatal("expected token issued in the future to be rejected")
	}
	if !strings.Contains(err.Error(), "issued") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	a := newTestAuth(t)
	token := signToken(t, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-2 * time.Hour).Unix(),
		"iat": time.Now().Add(-3 * time.Hour).Unix(),
	})
	if _, err := a.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestAuthRejectsBadSignature(t *testing.T) {
	a := newTestAuth(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := a.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("expected bad signature to be rejected")
	}
}

func TestAuthRejectsMissingSub(t *testing.T) {
	a := newTestAuth(t)
	token := signToken(t, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("expected token without sub to be rejected")
	}
}
