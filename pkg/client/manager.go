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
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/msgroute-go/pkg/actor"
	"github.com/turtacn/msgroute-go/pkg/delivery"
	"github.com/turtacn/msgroute-go/pkg/metrics"
	"github.com/turtacn/msgroute-go/pkg/registry"
	"github.com/turtacn/msgroute-go/pkg/supervisor"
)

// ErrManagerNotStarted is returned when connecting before Start.
var ErrManagerNotStarted = errors.New("client manager is not started")

// DefaultMailboxSize is the push queue length used when none is configured.
const DefaultMailboxSize = 100

// Manager owns the connected clients and their delivery actors.
type Manager struct {
	clients     *registry.Registry[*Client]
	sup         *supervisor.OneForOneSupervisor
	mailboxSize int

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewManager creates a client manager. mailboxSize bounds each client's
// push queue; values below 1 select DefaultMailboxSize.
func NewManager(mailboxSize int) *Manager {
	if mailboxSize < 1 {
		mailboxSize = DefaultMailboxSize
	}
	return &Manager{
		clients:     registry.New[*Client]("client"),
		sup:         supervisor.NewOneForOneSupervisor(),
		mailboxSize: mailboxSize,
	}
}

// Start enables connections. Calling Start on a started manager does nothing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.started = true
	log.Println("[INFO] Client manager started")
	return nil
}

// Stop disconnects every client.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	for _, id := range m.clients.IDs() {
		m.Disconnect(id)
	}
	cancel()
	m.sup.StopAll()
	log.Println("[INFO] Client manager stopped")
	return nil
}

// Connect registers a client connected through endpointID whose pushes are
// written by d. An empty id is replaced with a generated one. Connecting an
// id that is already present replaces the old client.
func (m *Manager) Connect(id, endpointID string, d delivery.Deliverer) (*Client, error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil, ErrManagerNotStarted
	}
	ctx := m.ctx
	m.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := m.clients.Get(id); ok {
		log.Printf("[INFO] Client %s reconnected, replacing previous connection", id)
		m.Disconnect(id)
	}

	mb := actor.NewMailbox(m.mailboxSize)
	c := New(id, endpointID, NewSession(uuid.NewString()), mb)
	c.child = m.sup.StartChild(ctx, supervisor.Spec{
		ID:      fmt.Sprintf("delivery-%s", id),
		Actor:   delivery.New(id, d),
		Restart: supervisor.RestartTransient,
		Mailbox: mb,
	})

	if err := m.clients.Add(id, c); err != nil {
		_ = c.Stop()
		return nil, fmt.Errorf("failed to register client %s: %w", id, err)
	}
	metrics.ConnectedClients.Inc()
	log.Printf("[DEBUG] Client %s connected via %s", id, endpointID)
	return c, nil
}

// Disconnect stops and forgets the client. It reports whether the client existed.
func (m *Manager) Disconnect(id string) bool {
	if _, ok := m.clients.Remove(id); !ok {
		return false
	}
	metrics.ConnectedClients.Dec()
	log.Printf("[DEBUG] Client %s disconnected", id)
	return true
}

// Get returns the connected client with the given id.
func (m *Manager) Get(id string) (*Client, bool) {
	return m.clients.Get(id)
}

// Clients returns the connected clients in connection order.
func (m *Manager) Clients() []*Client {
	return m.clients.Values()
}

// Count returns the number of connected clients.
func (m *Manager) Count() int {
	return m.clients.Len()
}

// Sweeper disconnects clients that have been idle longer than a timeout.
type Sweeper struct {
	manager     *Manager
	idleTimeout time.Duration
	interval    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper checking every interval.
func NewSweeper(m *Manager, idleTimeout, interval time.Duration) *Sweeper {
	return &Sweeper{
		manager:     m,
		idleTimeout: idleTimeout,
		interval:    interval,
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				if n := s.Sweep(now); n > 0 {
					log.Printf("[INFO] Disconnected %d idle clients", n)
				}
			}
		}
	}(s.done)
	return nil
}

// Stop ends the sweep loop.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Sweep disconnects clients idle at now and returns how many were removed.
func (s *Sweeper) Sweep(now time.Time) int {
	removed := 0
	for _, c := range s.manager.Clients() {
		if now.Sub(c.LastUsed()) > s.idleTimeout {
			if s.manager.Disconnect(c.ID()) {
				removed++
			}
		}
	}
	return removed
}
