package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken signals a token that is malformed, expired or badly signed.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrMissingSecret signals the verifier was built without a key.
	ErrMissingSecret = errors.New("auth: jwt secret required")
)

// Service verifies operator tokens signed with a shared HS256 secret.
type Service struct {
	jwtSecret []byte
	now       func() time.Time
}

func NewService(jwtSecret string) (*Service, error) {
	if strings.TrimSpace(jwtSecret) == "" {
		return nil, ErrMissingSecret
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}, nil
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueToken signs a token for an actor. Production tokens come from the
// identity provider; this is used by local tooling and tests.
func (s *Service) IssueToken(actorID string, role Role, ttl time.Duration) (string, error) {
	if actorID == "" {
		return "", fmt.Errorf("auth: actor id required")
	}
	if !isValidRole(role) {
		return "", fmt.Errorf("auth: invalid role %q", role)
	}
	now := s.now()
	claims := jwt.MapClaims{
		"sub":  actorID,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a bearer token and returns the actor it names.
func (s *Service) VerifyToken(tokenString string) (Actor, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return Actor{}, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Actor{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Actor{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	roleStr, _ := claims["role"].(string)
	role := Role(roleStr)
	if !isValidRole(role) {
		return Actor{}, fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}
	actor := Actor{ID: sub, Role: role}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		actor.ExpiresAt = exp.Time
	}
	return actor, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleOperator, RoleBank, RoleViewer:
		return true
	default:
		return false
	}
}
