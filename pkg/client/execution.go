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

package client

import (
	"context"
	"sync"
)

type executionKey struct{}

// Binding is the client and session an execution runs on behalf of.
type Binding struct {
	Client  *Client
	Session *Session
}

// Execution is the explicit, mutable ambient context of one request. An
// endpoint creates one per inbound request and threads it through the broker
// inside a context.Context; the push dispatcher rebinds it temporarily while
// pushing to another client.
type Execution struct {
	mu      sync.RWMutex
	current Binding
}

// NewExecution creates an execution bound to c and its session. c may be nil.
func NewExecution(c *Client) *Execution {
	e := &Execution{}
	if c != nil {
		e.current = Binding{Client: c, Session: c.Session()}
	}
	return e
}

// Current returns the active binding.
func (e *Execution) Current() Binding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Client returns the bound client, or nil.
func (e *Execution) Client() *Client { return e.Current().Client }

// Session returns the bound session, or nil.
func (e *Execution) Session() *Session { return e.Current().Session }

// Bind makes c and s the active binding and returns the previous one.
func (e *Execution) Bind(c *Client, s *Session) Binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.current
	e.current = Binding{Client: c, Session: s}
	return prev
}

// Restore reinstates a binding returned by Bind.
func (e *Execution) Restore(b Binding) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = b
}

// WithExecution returns a context carrying e.
func WithExecution(ctx context.Context, e *Execution) context.Context {
	return context.WithValue(ctx, executionKey{}, e)
}

// ExecutionFrom returns the execution carried by ctx, or nil.
func ExecutionFrom(ctx context.Context) *Execution {
	e, _ := ctx.Value(executionKey{}).(*Execution)
	return e
}

// SessionFrom returns the session bound in ctx, or nil.
func SessionFrom(ctx context.Context) *Session {
	if e := ExecutionFrom(ctx); e != nil {
		return e.Session()
	}
	return nil
}

// ClientFrom returns the client bound in ctx, or nil.
func ClientFrom(ctx context.Context) *Client {
	if e := ExecutionFrom(ctx); e != nil {
		return e.Client()
	}
	return nil
}
