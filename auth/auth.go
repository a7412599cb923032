// Package auth is the credential collaborator for parley sessions: it mints
// and verifies session tokens and keeps an in-memory credential store. The
// session core consumes only the Verifier interface and never interprets
// tokens beyond identity extraction.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for an unknown user or wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Claims are the verified contents of a session token.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks a session token and returns the identity it was minted
// for, or an error for any invalid, expired or tampered token.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// JWTAuth mints and verifies HS256 session tokens.
type JWTAuth struct {
	secret []byte
	ttl    time.Duration
}

// JWTOption configures JWTAuth.
type JWTOption func(*JWTAuth)

// WithTokenTTL sets the token lifetime. Default is 24 hours.
func WithTokenTTL(ttl time.Duration) JWTOption {
	return func(a *JWTAuth) {
		a.ttl = ttl
	}
}

// NewJWTAuth creates a token authority with the given signing secret.
func NewJWTAuth(secret string, options ...JWTOption) *JWTAuth {
	a := &JWTAuth{
		secret: []byte(secret),
		ttl:    24 * time.Hour,
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// Issue mints a signed token for the given identity.
func (a *JWTAuth) Issue(username, role string) (string, error) {
	if username == "" {
		return "", errors.New("username cannot be empty")
	}

	now := time.Now()
	claims := Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify implements Verifier.
func (a *JWTAuth) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}

type user struct {
	username string
	role     string
	hash     []byte
}

// UserStore is an in-memory credential store with bcrypt password hashes.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]user
}

// NewUserStore creates an empty store.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]user)}
}

// Register adds or replaces a user.
func (s *UserStore) Register(username, password, role string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = user{username: username, role: role, hash: hash}
	return nil
}

// Authenticate checks a username/password pair and returns the user's role.
func (s *UserStore) Authenticate(username, password string) (string, error) {
	s.mu.RLock()
	u, exists := s.users[username]
	s.mu.RUnlock()

	if !exists {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return u.role, nil
}
