package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("secret", time.Hour)

	token, err := v.Issue("student1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if userID != "student1" {
		t.Errorf("Verified user = %s, want student1", userID)
	}
}

func TestVerifier_MissingToken(t *testing.T) {
	v := NewVerifier("secret", time.Hour)

	if _, err := v.Verify(""); err != ErrMissingToken {
		t.Errorf("Expected ErrMissingToken, got %v", err)
	}
}

func TestVerifier_WrongSecret(t *testing.T) {
	token, err := NewVerifier("one-secret", time.Hour).Issue("student1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	_, err = NewVerifier("other-secret", time.Hour).Verify(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifier_ExpiredToken(t *testing.T) {
	v := NewVerifier("secret", -time.Minute)

	token, err := v.Issue("student1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := v.Verify(token); err != ErrExpiredToken {
		t.Errorf("Expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifier_Garbage(t *testing.T) {
	v := NewVerifier("secret", time.Hour)

	if _, err := v.Verify("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifier_RejectsUnsignedTokens(t *testing.T) {
	v := NewVerifier("secret", time.Hour)

	claims := &Claims{UserID: "student1"}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("Failed to build unsigned token: %v", err)
	}

	if _, err := v.Verify(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for alg=none, got %v", err)
	}
}

func TestVerifier_SubjectFallback(t *testing.T) {
	v := NewVerifier("secret", time.Hour)

	// Token with subject only, no user_id claim
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "student2",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if userID != "student2" {
		t.Errorf("Verified user = %s, want student2", userID)
	}
}

func TestVerifier_NoIdentity(t *testing.T) {
	v := NewVerifier("secret", time.Hour)

	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	if _, err := v.Verify(token); err != ErrNoSubject {
		t.Errorf("Expected ErrNoSubject, got %v", err)
	}
}
