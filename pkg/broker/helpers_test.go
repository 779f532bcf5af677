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

package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turtacn/msgroute-go/pkg/endpoint"
	"github.com/turtacn/msgroute-go/pkg/message"
	"github.com/turtacn/msgroute-go/pkg/security"
	"github.com/turtacn/msgroute-go/pkg/service"
)

// events records component lifecycle transitions in order.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type mockService struct {
	*service.Base
	events *events

	msgCalls atomic.Int32
	cmdCalls atomic.Int32
	reply    any
	err      error
	cmdErr   error
	startErr error
	stopErr  error
}

func newMockService(t *testing.T, b *Broker, id string, dests ...*service.Destination) *mockService {
	t.Helper()
	s := &mockService{Base: service.NewBase(id, b)}
	for _, d := range dests {
		require.NoError(t, s.AddDestination(d))
	}
	require.NoError(t, b.AddService(s))
	return s
}

func (s *mockService) Start(ctx context.Context) error {
	s.events.add("service:" + s.ID() + ":start")
	if s.startErr != nil {
		return s.startErr
	}
	return s.Base.Start(ctx)
}

func (s *mockService) Stop() error {
	s.events.add("service:" + s.ID() + ":stop")
	_ = s.Base.Stop()
	return s.stopErr
}

func (s *mockService) ServiceMessage(ctx context.Context, msg *message.Message) (any, error) {
	s.msgCalls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if s.reply != nil {
		return s.reply, nil
	}
	return msg.Body, nil
}

func (s *mockService) ServiceCommand(ctx context.Context, cmd *message.Command) (any, error) {
	s.cmdCalls.Add(1)
	if s.cmdErr != nil {
		return nil, s.cmdErr
	}
	return "handled", nil
}

type mockEndpoint struct {
	*endpoint.Base
	events  *events
	version float64
	stopErr error
}

func newMockEndpoint(id, url string) *mockEndpoint {
	return &mockEndpoint{Base: endpoint.NewBase(id, url, "test"), version: 1}
}

func (e *mockEndpoint) Start(ctx context.Context) error {
	e.events.add("endpoint:" + e.ID() + ":start")
	return e.Base.Start(ctx)
}

func (e *mockEndpoint) Stop() error {
	e.events.add("endpoint:" + e.ID() + ":stop")
	_ = e.Base.Stop()
	return e.stopErr
}

func (e *mockEndpoint) MessagingVersion() float64 { return e.version }

type mockLoginManager struct {
	events *events
	err    error
	checks atomic.Int32
}

func (m *mockLoginManager) Start(ctx context.Context) error {
	m.events.add("logins:start")
	return nil
}

func (m *mockLoginManager) Stop() error {
	m.events.add("logins:stop")
	return nil
}

func (m *mockLoginManager) CheckConstraint(ctx context.Context, c *security.Constraint) error {
	m.checks.Add(1)
	return m.err
}

type mockServer struct {
	id     string
	events *events
	err    error
}

func (s *mockServer) Start(ctx context.Context) error {
	s.events.add("server:" + s.id + ":start")
	return s.err
}

func (s *mockServer) Stop() error {
	s.events.add("server:" + s.id + ":stop")
	return nil
}

type mockListener struct {
	onDestination func(id string)
	servicesCalls atomic.Int32
}

func (l *mockListener) ValidateDestination(id string) {
	if l.onDestination != nil {
		l.onDestination(id)
	}
}

func (l *mockListener) ValidateServices() { l.servicesCalls.Add(1) }

func startBroker(t *testing.T, b *Broker) {
	t.Helper()
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
}
