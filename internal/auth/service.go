package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

var (
	ErrNotConfigured = errors.New("token signing secret not configured")
	ErrInvalidToken  = errors.New("invalid token")
)

// Claims are the bearer token claims; Role gates privileged routes.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and validates HS256 bearer tokens.
type Service struct {
	secret     []byte
	issuer     string
	tokenTTL   time.Duration
	headerName string
	now        func() time.Time
}

// NewService constructs an auth service. An empty secret leaves the service
// unable to issue or accept tokens.
func NewService(secret, issuer string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		secret:     []byte(secret),
		issuer:     issuer,
		tokenTTL:   ttl,
		headerName: "Authorization",
		now:        time.Now,
	}
}

// Configured reports whether tokens can be issued and validated.
func (s *Service) Configured() bool {
	return len(s.secret) > 0
}

// IssueToken signs a token for subject with the given role. A non-positive
// ttl uses the configured lifetime.
func (s *Service) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if !s.Configured() {
		return "", ErrNotConfigured
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if role != RoleAdmin && role != RoleUser {
		return "", fmt.Errorf("unknown role: %s", role)
	}
	if ttl <= 0 {
		ttl = s.tokenTTL
	}
	now := s.now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// ValidateToken verifies signature, issuer and expiry and returns the claims.
func (s *Service) ValidateToken(raw string) (*Claims, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: token required", ErrInvalidToken)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
