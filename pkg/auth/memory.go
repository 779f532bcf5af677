// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/turtacn/msgroute-go/pkg/security"
)

// MemoryAuthenticator keeps users and their roles in memory.
type MemoryAuthenticator struct {
	mu      sync.RWMutex
	users   map[string]*User
	enabled bool
}

// NewMemoryAuthenticator creates an enabled authenticator with no users.
func NewMemoryAuthenticator() *MemoryAuthenticator {
	return &MemoryAuthenticator{
		users:   make(map[string]*User),
		enabled: true,
	}
}

// Name returns "memory".
func (m *MemoryAuthenticator) Name() string { return "memory" }

// Enabled reports whether the authenticator takes part in logins.
func (m *MemoryAuthenticator) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// SetEnabled enables or disables the authenticator.
func (m *MemoryAuthenticator) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// AddUser stores a user, replacing any user with the same name.
func (m *MemoryAuthenticator) AddUser(username, password string, algorithm HashAlgorithm, roles ...string) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}

	hash, salt, err := HashPassword(username, password, algorithm)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[username] = &User{
		Username:     username,
		PasswordHash: hash,
		Algorithm:    algorithm,
		Salt:         salt,
		Roles:        append([]string(nil), roles...),
		Enabled:      true,
	}
	log.Printf("[INFO] Added user: %s with algorithm: %s", username, algorithm)
	return nil
}

// RemoveUser deletes a user.
func (m *MemoryAuthenticator) RemoveUser(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; !ok {
		return fmt.Errorf("user not found: %s", username)
	}
	delete(m.users, username)
	log.Printf("[INFO] Removed user: %s", username)
	return nil
}

// SetUserEnabled enables or disables a user.
func (m *MemoryAuthenticator) SetUserEnabled(username string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return fmt.Errorf("user not found: %s", username)
	}
	u.Enabled = enabled
	return nil
}

// GetUser returns a copy of a user without its password hash.
func (m *MemoryAuthenticator) GetUser(username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("user not found: %s", username)
	}
	return &User{
		Username:  u.Username,
		Algorithm: u.Algorithm,
		Roles:     append([]string(nil), u.Roles...),
		Enabled:   u.Enabled,
	}, nil
}

// ListUsers returns the sorted user names.
func (m *MemoryAuthenticator) ListUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.users))
	for name := range m.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of users.
func (m *MemoryAuthenticator) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// Authenticate checks the password of a stored user. Unknown users are
// ignored so a later authenticator in the chain may accept them.
func (m *MemoryAuthenticator) Authenticate(username, password string) (Result, *security.Principal) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.enabled || username == "" {
		return Ignore, nil
	}
	u, ok := m.users[username]
	if !ok {
		return Ignore, nil
	}
	if !u.Enabled {
		log.Printf("[WARN] User %s is disabled", username)
		return Failure, nil
	}
	if !verifyPassword(password, u.PasswordHash, u.Salt, u.Algorithm) {
		return Failure, nil
	}
	return Success, &security.Principal{Name: u.Username, Roles: append([]string(nil), u.Roles...)}
}
