package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is the lifetime of every issued token.
const TokenTTL = 24 * time.Hour

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrInsecureSecret = errors.New("insecure jwt secret")
)

// placeholderSecrets are well-known sample values that must never sign tokens.
var placeholderSecrets = map[string]struct{}{
	"your-secret-key": {},
	"qwerty1234":      {},
	"secret":          {},
	"changeme":        {},
	"change-me":       {},
	"jwt-secret":      {},
	"supersecret":     {},
}

type Claims struct {
	UserID   uuid.UUID `json:"id"`
	Username string    `json:"username"`
	jwt.RegisteredClaims
}

// Validate is called by the parser after the registered claims pass.
func (c Claims) Validate() error {
	if c.UserID == uuid.Nil || c.Username == "" {
		return errors.New("missing subject claims")
	}
	if c.Subject != c.UserID.String() {
		return errors.New("subject does not match id")
	}

	return nil
}

type TokenService struct {
	secret []byte
	now    func() time.Time
}

type TokenOption func(*TokenService)

// WithClock overrides the time source used to stamp and check tokens.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		s.now = now
	}
}

// NewTokenService builds an HS256 signer. Empty and placeholder secrets are
// rejected with ErrInsecureSecret.
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	const op = "auth.NewTokenService"

	if err := CheckSecret(secret); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s := &TokenService{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// CheckSecret reports ErrInsecureSecret for empty or placeholder secrets.
func CheckSecret(secret string) error {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInsecureSecret)
	}
	if _, ok := placeholderSecrets[strings.ToLower(trimmed)]; ok {
		return fmt.Errorf("%w: placeholder value", ErrInsecureSecret)
	}

	return nil
}

// Issue signs a token for the given user that expires after TokenTTL.
func (s *TokenService) Issue(userID uuid.UUID, username string) (string, error) {
	const op = "auth.Issue"

	now := s.now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return token, nil
}

// Verify checks the signature and expiry of tokenStr and returns its claims.
// Every failure unwraps to ErrInvalidToken.
func (s *TokenService) Verify(tokenStr string) (*Claims, error) {
	const op = "auth.Verify"

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrInvalidToken, err)
	}

	return claims, nil
}
