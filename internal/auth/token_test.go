// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and secret strength

package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("tenantline-test-secret-32-bytes!")

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return verifier
}

func TestNewJWTVerifier_RejectsWeakSecret(t *testing.T) {
	if _, err := NewJWTVerifier([]byte("short")); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrWeakSecret", err)
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	want := Identity{ParticipantID: "tenant-123", DisplayName: "Tess Tenant"}
	token, err := verifier.Generate(want, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != want {
		t.Errorf("Verify() = %+v, want %+v", got, want)
	}
}

func TestJWTVerifier_NameIsOptional(t *testing.T) {
	verifier := newTestVerifier(t)

	token, _ := verifier.Generate(Identity{ParticipantID: "landlord-9"}, time.Hour)
	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.ParticipantID != "landlord-9" || got.DisplayName != "" {
		t.Errorf("Verify() = %+v", got)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	other, _ := NewJWTVerifier([]byte(strings.Repeat("x", MinSecretLength)))
	wrongSecret, _ := other.Generate(Identity{ParticipantID: "tenant-123"}, time.Hour)

	noneAlg := func() string {
		tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "tenant-123"})
		s, _ := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
		return s
	}()

	hs512 := func() string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "tenant-123"})
		s, _ := tok.SignedString(testSecret)
		return s
	}()

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: wrongSecret},
		{name: "alg none", token: noneAlg},
		{name: "other hmac", token: hs512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, _ := verifier.Generate(Identity{ParticipantID: "tenant-123"}, -time.Hour)
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	verifier := newTestVerifier(t)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"name": "nobody", "exp": time.Now().Add(time.Hour).Unix()})
	s, _ := tok.SignedString(testSecret)
	if _, err := verifier.Verify(s); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
	}
}

func TestContext_RoundTrip(t *testing.T) {
	ctx := WithAuth(t.Context(), &AuthContext{ParticipantID: "tenant-123"})
	if got := FromContext(ctx); got == nil || got.ParticipantID != "tenant-123" {
		t.Errorf("FromContext() = %+v", got)
	}
	if FromContext(t.Context()) != nil {
		t.Error("FromContext() on bare context should be nil")
	}

	defer func() {
		if recover() == nil {
			t.Error("MustFromContext() should panic without auth")
		}
	}()
	MustFromContext(t.Context())
}
