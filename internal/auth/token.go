// ABOUTME: JWT verification that maps a bearer token to a participant identity
// ABOUTME: HS256 only; sub is the participant id and name the display name

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest HS256 secret accepted.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// Identity is who a verified token speaks for.
type Identity struct {
	ParticipantID string
	DisplayName   string
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier, rejecting secrets shorter than MinSecretLength.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts the participant from the "sub"
// claim. The optional "name" claim becomes the display name.
func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	name, _ := claims["name"].(string)

	return Identity{ParticipantID: sub, DisplayName: name}, nil
}

// Generate mints a token for a participant. Used by the token subcommand and tests.
func (v *JWTVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": id.ParticipantID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if id.DisplayName != "" {
		claims["name"] = id.DisplayName
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
