package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/resumeforge/creditd/pkg/credits"
)

var testSigningKey = []byte("super-secret")

const testIssuer = "identity"

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	verifier, err := New(Config{SigningKey: testSigningKey, Issuer: testIssuer}, nil)
	if err != nil {
		t.Fatalf("verifier init failed: %v", err)
	}
	return verifier
}

func signToken(t *testing.T, key []byte, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("token signing failed: %v", err)
	}
	return token
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	t.Parallel()
	verifier := newTestVerifier(t)

	userID, err := verifier.Verify(context.Background(), signToken(t, testSigningKey, validClaims()))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if userID.String() != "user-1" {
		t.Fatalf("expected user-1, got %q", userID.String())
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	t.Parallel()
	verifier := newTestVerifier(t)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"

	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	noSubject := validClaims()
	noSubject.Subject = ""

	testCases := []struct {
		name       string
		credential string
	}{
		{name: "empty", credential: ""},
		{name: "garbage", credential: "not.a.jwt"},
		{name: "wrong key", credential: signToken(t, []byte("other-key"), validClaims())},
		{name: "expired", credential: signToken(t, testSigningKey, expired)},
		{name: "wrong issuer", credential: signToken(t, testSigningKey, wrongIssuer)},
		{name: "missing expiry", credential: signToken(t, testSigningKey, noExpiry)},
		{name: "missing subject", credential: signToken(t, testSigningKey, noSubject)},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if _, err := verifier.Verify(context.Background(), testCase.credential); !errors.Is(err, credits.ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Issuer: testIssuer}, nil); !errors.Is(err, credits.ErrInvalidServiceConfig) {
		t.Fatalf("expected ErrInvalidServiceConfig for missing key, got %v", err)
	}
	if _, err := New(Config{SigningKey: testSigningKey}, nil); !errors.Is(err, credits.ErrInvalidServiceConfig) {
		t.Fatalf("expected ErrInvalidServiceConfig for missing issuer, got %v", err)
	}
}
