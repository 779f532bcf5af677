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
	"context"
	"log"
	"sync/atomic"

	"github.com/turtacn/msgroute-go/pkg/client"
	"github.com/turtacn/msgroute-go/pkg/security"
)

// LoginManager binds authenticated principals to sessions and enforces
// destination constraints against them.
type LoginManager struct {
	chain   *Chain
	started atomic.Bool
}

// NewLoginManager creates a login manager backed by chain.
func NewLoginManager(chain *Chain) *LoginManager {
	if chain == nil {
		chain = NewChain()
	}
	return &LoginManager{chain: chain}
}

// Chain returns the authenticator chain.
func (lm *LoginManager) Chain() *Chain { return lm.chain }

// Start enables logins.
func (lm *LoginManager) Start(ctx context.Context) error {
	if lm.started.CompareAndSwap(false, true) {
		log.Printf("[INFO] Login manager started with %d authenticators", lm.chain.Count())
	}
	return nil
}

// Stop disables logins.
func (lm *LoginManager) Stop() error {
	if lm.started.CompareAndSwap(true, false) {
		log.Printf("[INFO] Login manager stopped")
	}
	return nil
}

// Started reports whether logins are accepted.
func (lm *LoginManager) Started() bool { return lm.started.Load() }

// Login authenticates username and binds the principal to the session in ctx.
func (lm *LoginManager) Login(ctx context.Context, username, password string) (*security.Principal, error) {
	if !lm.Started() {
		return nil, security.NewError(security.CodeServerError, "login manager is not started")
	}

	result, p := lm.chain.Authenticate(username, password)
	switch result {
	case Success:
	case Ignore:
		// authentication is switched off; accept the name as given
		p = &security.Principal{Name: username}
	default:
		return nil, security.NewError(security.CodeAuthenticationFailed, "invalid login for user %s", username)
	}

	if s := client.SessionFrom(ctx); s != nil {
		s.SetPrincipal(p)
	} else {
		log.Printf("[WARN] Login for user %s has no session to bind to", username)
	}
	return p, nil
}

// Logout clears the principal of the session in ctx.
func (lm *LoginManager) Logout(ctx context.Context) error {
	if s := client.SessionFrom(ctx); s != nil {
		s.SetPrincipal(nil)
	}
	return nil
}

// CheckConstraint fails when the session in ctx is not authenticated, or
// holds none of c's roles. A nil constraint always passes.
func (lm *LoginManager) CheckConstraint(ctx context.Context, c *security.Constraint) error {
	if c == nil {
		return nil
	}

	var p *security.Principal
	if s := client.SessionFrom(ctx); s != nil {
		p = s.Principal()
	}
	if p == nil {
		return security.NewError(security.CodeAuthenticationRequired, "login required by constraint %s", c.Name)
	}
	if len(c.Roles) > 0 && !p.HasAnyRole(c.Roles) {
		return security.NewError(security.CodeAuthorizationFailed, "user %s is not authorized by constraint %s", p.Name, c.Name)
	}
	return nil
}
