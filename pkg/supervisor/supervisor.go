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

// Package supervisor runs actors and restarts them according to a per-child
// strategy. The broker uses it to keep one delivery actor alive per
// connected client.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/turtacn/msgroute-go/pkg/actor"
	"github.com/turtacn/msgroute-go/pkg/metrics"
)

// RestartStrategy defines the restart behavior for a supervised child.
type RestartStrategy int

const (
	// RestartPermanent always restarts the child.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts the child only after an error or a panic.
	RestartTransient
	// RestartTemporary never restarts the child.
	RestartTemporary
)

// Spec describes a supervised child.
type Spec struct {
	ID      string
	Actor   actor.Actor
	Restart RestartStrategy
	Mailbox *actor.Mailbox
}

// Child is a handle on a running child.
type Child struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the child's spec id.
func (c *Child) ID() string { return c.id }

// Stop cancels the child and waits for it to terminate.
func (c *Child) Stop() {
	c.cancel()
	<-c.done
}

// Done is closed once the child will no longer be restarted.
func (c *Child) Done() <-chan struct{} { return c.done }

// Supervisor starts and monitors children.
type Supervisor interface {
	Start(ctx context.Context, specs []Spec) error
	StartChild(ctx context.Context, spec Spec) *Child
}

// OneForOneSupervisor restarts only the child that terminated.
type OneForOneSupervisor struct {
	// RestartDelay is the pause before a restart.
	RestartDelay time.Duration

	mu       sync.Mutex
	children map[*Child]struct{}
}

// NewOneForOneSupervisor creates a supervisor with a one second restart delay.
func NewOneForOneSupervisor() *OneForOneSupervisor {
	return &OneForOneSupervisor{
		RestartDelay: time.Second,
		children:     make(map[*Child]struct{}),
	}
}

// Start starts every spec as a child.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild starts spec in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) *Child {
	childCtx, cancel := context.WithCancel(ctx)
	child := &Child{id: spec.ID, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.children[child] = struct{}{}
	s.mu.Unlock()

	go s.monitorChild(childCtx, child, spec)
	return child
}

// StopAll stops every running child.
func (s *OneForOneSupervisor) StopAll() {
	s.mu.Lock()
	children := make([]*Child, 0, len(s.children))
	for c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	for _, c := range children {
		c.Stop()
	}
}

// Running returns the number of children not yet terminated for good.
func (s *OneForOneSupervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

func (s *OneForOneSupervisor) monitorChild(ctx context.Context, child *Child, spec Spec) {
	defer func() {
		child.cancel()
		s.mu.Lock()
		delete(s.children, child)
		s.mu.Unlock()
		close(child.done)
	}()

	for {
		err := s.runOnce(ctx, spec)
		log.Printf("[DEBUG] Actor %s terminated: %v", spec.ID, err)

		select {
		case <-ctx.Done():
			return
		default:
		}

		restart := false
		switch spec.Restart {
		case RestartPermanent:
			restart = true
		case RestartTransient:
			restart = err != nil
		}
		if !restart {
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Printf("[WARN] Restarting actor %s after: %v", spec.ID, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.RestartDelay):
		}
	}
}

func (s *OneForOneSupervisor) runOnce(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
	}()
	return spec.Actor.Start(ctx, spec.Mailbox)
}
