// Package auth provides admin-console login (JWT, bcrypt-hashed passwords)
// and tenant bearer-token resolution.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorised is returned for any failed login or invalid token.
var ErrUnauthorised = errors.New("auth: unauthorised")

// User is one admin-console login credential. Password is a bcrypt hash.
type User struct {
	Username     string
	PasswordHash string
	Role         string
}

// Claims is the JWT payload issued for an authenticated admin session.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Manager authenticates admin-console logins and issues/validates JWTs.
type Manager struct {
	mu     sync.RWMutex
	secret []byte
	users  map[string]User
}

// NewManager builds a Manager over the given signing secret and user list.
func NewManager(secret string, users []User) *Manager {
	m := &Manager{
		secret: []byte(secret),
		users:  make(map[string]User, len(users)),
	}
	for _, u := range users {
		m.users[u.Username] = u
	}
	return m
}

// HasUsers reports whether any admin-console login exists.
func (m *Manager) HasUsers() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users) > 0
}

// Authenticate verifies username/password against the configured bcrypt
// hashes and returns the matching User on success.
func (m *Manager) Authenticate(username, password string) (User, error) {
	m.mu.RLock()
	user, ok := m.users[username]
	m.mu.RUnlock()
	if !ok {
		return User{}, ErrUnauthorised
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrUnauthorised
	}
	return user, nil
}

// Issue mints a signed JWT for user valid for ttl.
func (m *Manager) Issue(user User, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses and verifies a JWT previously issued by Issue.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthorised
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrUnauthorised
	}
	return claims, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage in config.
func HashPassword(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
