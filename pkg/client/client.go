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

// Package client models connected remote peers: the Client identity that
// pushes are addressed to, the transport Session it currently holds, and the
// Execution binding that tells the broker which client a piece of work is
// running on behalf of.
package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/msgroute-go/pkg/actor"
	"github.com/turtacn/msgroute-go/pkg/message"
	"github.com/turtacn/msgroute-go/pkg/security"
	"github.com/turtacn/msgroute-go/pkg/supervisor"
)

var (
	// ErrClientClosed is returned when pushing to a disconnected client.
	ErrClientClosed = errors.New("client is closed")
	// ErrOutboundQueueFull is returned when a client's push queue is full.
	ErrOutboundQueueFull = errors.New("client outbound queue is full")
)

// RemoteCredentials are credentials a client supplied for a destination
// that proxies to a remote system.
type RemoteCredentials struct {
	Service     string
	Destination string
	Username    string
	Password    string
}

// Session is the transport session of one client.
type Session struct {
	id        string
	createdAt time.Time

	mu                sync.RWMutex
	principal         *security.Principal
	remoteCredentials map[string]RemoteCredentials
	attributes        map[string]any
}

// NewSession creates a session with the given id.
func NewSession(id string) *Session {
	return &Session{
		id:                id,
		createdAt:         time.Now(),
		remoteCredentials: make(map[string]RemoteCredentials),
		attributes:        make(map[string]any),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Principal returns the authenticated principal, or nil.
func (s *Session) Principal() *security.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal
}

// SetPrincipal records the authenticated principal. nil logs the session out.
func (s *Session) SetPrincipal(p *security.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principal = p
}

// PutRemoteCredentials stores credentials for rc.Destination.
func (s *Session) PutRemoteCredentials(rc RemoteCredentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteCredentials[rc.Destination] = rc
}

// RemoteCredentials returns credentials stored for destination.
func (s *Session) RemoteCredentials(destination string) (RemoteCredentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rc, ok := s.remoteCredentials[destination]
	return rc, ok
}

// SetAttribute stores an arbitrary session attribute.
func (s *Session) SetAttribute(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attributes[name] = value
}

// Attribute returns a session attribute.
func (s *Session) Attribute(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attributes[name]
	return v, ok
}

// Client is a connected remote peer.
type Client struct {
	id         string
	endpointID string
	session    *Session
	mailbox    *actor.Mailbox
	child      *supervisor.Child
	lastUsed   atomic.Int64
	closed     atomic.Bool
}

// New creates a client bound to session. Pushes are queued in mailbox; a
// nil mailbox makes every push fail with ErrClientClosed.
func New(id, endpointID string, session *Session, mailbox *actor.Mailbox) *Client {
	c := &Client{
		id:         id,
		endpointID: endpointID,
		session:    session,
		mailbox:    mailbox,
	}
	c.Touch()
	return c
}

// ID returns the client id.
func (c *Client) ID() string { return c.id }

// EndpointID returns the id of the endpoint the client is connected through.
func (c *Client) EndpointID() string { return c.endpointID }

// Session returns the client's current session.
func (c *Client) Session() *Session { return c.session }

// Touch records activity.
func (c *Client) Touch() { c.lastUsed.Store(time.Now().UnixNano()) }

// LastUsed returns the time of the last recorded activity.
func (c *Client) LastUsed() time.Time { return time.Unix(0, c.lastUsed.Load()) }

// Closed reports whether the client has been stopped.
func (c *Client) Closed() bool { return c.closed.Load() }

// Push queues msg for delivery to the client without blocking.
func (c *Client) Push(ctx context.Context, msg *message.Message) error {
	if c.closed.Load() || c.mailbox == nil {
		return ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.mailbox.TrySend(msg); err != nil {
		return ErrOutboundQueueFull
	}
	c.Touch()
	return nil
}

// Stop closes the client and its delivery actor.
func (c *Client) Stop() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.child != nil {
		c.child.Stop()
	}
	return nil
}
