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

// Package auth authenticates clients that log in to the broker and checks
// destination constraints against the principal bound to their session.
package auth

import (
	"crypto/sha256"
	"fmt"
	"log"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/turtacn/msgroute-go/pkg/security"
)

// HashAlgorithm names how a stored password is hashed.
type HashAlgorithm string

const (
	// HashPlain stores the password as-is.
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 stores a salted SHA256 digest.
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt stores a bcrypt hash.
	HashBcrypt HashAlgorithm = "bcrypt"
)

// User is a stored login.
type User struct {
	Username     string        `json:"username" yaml:"username"`
	PasswordHash string        `json:"password_hash" yaml:"password_hash"`
	Algorithm    HashAlgorithm `json:"algorithm" yaml:"algorithm"`
	Salt         string        `json:"salt,omitempty" yaml:"salt,omitempty"`
	Roles        []string      `json:"roles,omitempty" yaml:"roles,omitempty"`
	Enabled      bool          `json:"enabled" yaml:"enabled"`
}

// Result is the outcome of one authentication attempt.
type Result int

const (
	// Success means the credentials were accepted.
	Success Result = iota
	// Failure means the credentials were rejected.
	Failure
	// Error means the authenticator could not decide.
	Error
	// Ignore means the authenticator has no opinion on this user.
	Ignore
)

// String returns the string representation of Result
func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Error:
		return "error"
	case Ignore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Authenticator verifies credentials. On Success it also returns the
// principal to bind to the session.
type Authenticator interface {
	Authenticate(username, password string) (Result, *security.Principal)
	Name() string
	Enabled() bool
}

// Chain tries authenticators in order:
//   - the first Success or Failure decides
//   - Error and Ignore fall through to the next authenticator
//   - when nothing decides, the login fails
type Chain struct {
	mu             sync.RWMutex
	authenticators []Authenticator
	enabled        bool
}

// NewChain creates an enabled, empty chain.
func NewChain(authenticators ...Authenticator) *Chain {
	return &Chain{authenticators: authenticators, enabled: true}
}

// Add appends an authenticator.
func (c *Chain) Add(a Authenticator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticators = append(c.authenticators, a)
}

// SetEnabled enables or disables the chain. A disabled chain ignores every
// login.
func (c *Chain) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// Count returns the number of authenticators.
func (c *Chain) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.authenticators)
}

// Authenticate runs the chain.
func (c *Chain) Authenticate(username, password string) (Result, *security.Principal) {
	c.mu.RLock()
	enabled := c.enabled
	authenticators := make([]Authenticator, len(c.authenticators))
	copy(authenticators, c.authenticators)
	c.mu.RUnlock()

	if !enabled {
		return Ignore, nil
	}
	if len(authenticators) == 0 {
		log.Printf("[WARN] No authenticators configured, rejecting login for user: %s", username)
		return Failure, nil
	}

	for i, a := range authenticators {
		if !a.Enabled() {
			log.Printf("[DEBUG] Authenticator %d (%s) is disabled, skipping", i+1, a.Name())
			continue
		}

		result, p := a.Authenticate(username, password)
		log.Printf("[DEBUG] Authenticator %s returned: %s for user: %s", a.Name(), result, username)

		switch result {
		case Success:
			log.Printf("[INFO] Authentication successful for user: %s via %s", username, a.Name())
			if p == nil {
				p = &security.Principal{Name: username}
			}
			return Success, p
		case Failure:
			log.Printf("[WARN] Authentication failed for user: %s via %s", username, a.Name())
			return Failure, nil
		case Error:
			log.Printf("[ERROR] Authentication error for user: %s via %s", username, a.Name())
		}
	}

	log.Printf("[WARN] All authenticators skipped user: %s, denying access", username)
	return Failure, nil
}

func hashPassword(password, salt string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return password, nil
	case HashSHA256:
		sum := sha256.Sum256([]byte(salt + password))
		return fmt.Sprintf("%x", sum), nil
	case HashBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

func verifyPassword(password, hash, salt string, algorithm HashAlgorithm) bool {
	switch algorithm {
	case HashPlain:
		return password == hash
	case HashSHA256:
		expected, err := hashPassword(password, salt, HashSHA256)
		return err == nil && expected == hash
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	default:
		return false
	}
}
