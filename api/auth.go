// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// sessionTTL is fixed at 24 hours from issuance.
const sessionTTL = 24 * time.Hour

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrBadCredentials = errors.New("invalid username or password")
)

// UserRecord is one row of the user base. Password hashes are
// hex-encoded SHA-256.
type UserRecord struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
	Active       bool   `yaml:"active"`
}

type usersFile struct {
	Users []UserRecord `yaml:"users"`
}

// LoadUsers reads user records from a YAML file. With an empty path the
// built-in development set is used.
func LoadUsers(path string) (map[string]UserRecord, error) {
	if path == "" {
		return defaultUsers(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	users := make(map[string]UserRecord, len(f.Users))
	for _, u := range f.Users {
		users[u.Username] = u
	}
	return users, nil
}

// defaultUsers mirrors the development user base. Production
// deployments load users from GATEWAY_USERS_FILE.
func defaultUsers() map[string]UserRecord {
	return map[string]UserRecord{
		"admin": {
			Username:     "admin",
			PasswordHash: HashPassword("admin"),
			Role:         "admin",
			Active:       true,
		},
		"logistica001": {
			Username:     "logistica001",
			PasswordHash: HashPassword("logistica001"),
			Role:         "user",
			Active:       true,
		},
	}
}

// HashPassword returns the hex-encoded SHA-256 of a password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Session is the resolved identity behind an opaque bearer token.
type Session struct {
	Username  string
	Role      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionRegistry maps opaque bearer tokens to sessions. Storage is an
// in-process map; a restart invalidates all sessions.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	users    map[string]UserRecord
	now      func() time.Time
}

// NewSessionRegistry creates a registry over the given user base.
func NewSessionRegistry(users map[string]UserRecord) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]Session),
		users:    users,
		now:      time.Now,
	}
}

// Login verifies credentials and mints an opaque token (a UUID carries
// the required 128 bits of entropy) valid for 24 hours.
func (r *SessionRegistry) Login(username, password string) (string, Session, error) {
	u, ok := r.users[username]
	if !ok || !u.Active {
		return "", Session{}, ErrBadCredentials
	}
	if HashPassword(password) != u.PasswordHash {
		return "", Session{}, ErrBadCredentials
	}

	token := uuid.New().String()
	now := r.now()
	s := Session{
		Username:  u.Username,
		Role:      u.Role,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionTTL),
	}

	r.mu.Lock()
	r.sessions[token] = s
	r.mu.Unlock()
	return token, s, nil
}

// Resolve returns the session behind a token. Expired entries are
// purged on access.
func (r *SessionRegistry) Resolve(token string) (Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[token]
	r.mu.RUnlock()
	if !ok {
		return Session{}, ErrInvalidToken
	}
	if r.now().After(s.ExpiresAt) {
		r.mu.Lock()
		delete(r.sessions, token)
		r.mu.Unlock()
		return Session{}, ErrExpiredToken
	}
	return s, nil
}

// Logout discards a session. Unknown tokens are a no-op.
func (r *SessionRegistry) Logout(token string) {
	r.mu.Lock()
	delete(r.sessions, token)
	r.mu.Unlock()
}
