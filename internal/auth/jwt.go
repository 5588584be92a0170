package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims issued for relay connections.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTService signs and parses HS256 tokens.
type JWTService struct {
	secret []byte
	expiry time.Duration
	issuer string
	now    func() time.Time
}

// NewJWTService builds a JWT helper with the given secret and expiry.
func NewJWTService(secret string, expiry time.Duration, issuer string) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry, issuer: strings.TrimSpace(issuer), now: time.Now}
}

// Issue signs a token for userID with the given role claim.
func (s *JWTService) Issue(userID string, role Role) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}

	now := s.now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse validates a token and returns its claims.
func (s *JWTService) Parse(token string) (*Claims, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.now)}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}

// JWTVerifier verifies bearer JWTs and resolves role and status from a
// Directory. Claims only name the subject; the directory is authoritative.
type JWTVerifier struct {
	tokens    *JWTService
	directory Directory
}

// NewJWTVerifier returns a verifier backed by tokens and directory. With a nil
// directory the role claim is trusted and the account is assumed active.
func NewJWTVerifier(tokens *JWTService, directory Directory) *JWTVerifier {
	return &JWTVerifier{tokens: tokens, directory: directory}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	claims, err := v.tokens.Parse(credential)
	if err != nil {
		return Identity{}, err
	}

	if v.directory == nil {
		role, err := ParseRole(claims.Role)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
		}
		return Identity{UserID: claims.Subject, Role: role, Status: StatusActive}, nil
	}

	account, err := v.directory.Lookup(ctx, claims.Subject)
	if errors.Is(err, ErrUnknownUser) {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup %s: %w", claims.Subject, err)
	}
	return account, nil
}
