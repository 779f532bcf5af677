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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/msgroute-go/pkg/actor"
	"github.com/turtacn/msgroute-go/pkg/delivery"
	"github.com/turtacn/msgroute-go/pkg/message"
	"github.com/turtacn/msgroute-go/pkg/security"
)

type sink struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (s *sink) Deliver(m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func startedManager(t *testing.T) *Manager {
	m := NewManager(4)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestSession_State(t *testing.T) {
	s := NewSession("s1")
	assert.Nil(t, s.Principal())

	s.SetPrincipal(&security.Principal{Name: "alice"})
	assert.Equal(t, "alice", s.Principal().Name)

	s.PutRemoteCredentials(RemoteCredentials{Destination: "ledger", Username: "u", Password: "p"})
	rc, ok := s.RemoteCredentials("ledger")
	require.True(t, ok)
	assert.Equal(t, "u", rc.Username)

	s.SetAttribute("locale", "de")
	v, ok := s.Attribute("locale")
	require.True(t, ok)
	assert.Equal(t, "de", v)
}

func TestClient_PushQueueFull(t *testing.T) {
	c := New("c1", "mqtt", NewSession("s1"), actor.NewMailbox(1))
	require.NoError(t, c.Push(context.Background(), message.New("d", 1)))
	assert.ErrorIs(t, c.Push(context.Background(), message.New("d", 2)), ErrOutboundQueueFull)

	require.NoError(t, c.Stop())
	assert.True(t, c.Closed())
	assert.ErrorIs(t, c.Push(context.Background(), message.New("d", 3)), ErrClientClosed)
}

func TestExecution_BindRestore(t *testing.T) {
	requester := New("requester", "mqtt", NewSession("s-req"), nil)
	target := New("target", "mqtt", NewSession("s-target"), nil)

	e := NewExecution(requester)
	ctx := WithExecution(context.Background(), e)
	assert.Same(t, requester, ClientFrom(ctx))
	assert.Same(t, requester.Session(), SessionFrom(ctx))

	prev := e.Bind(target, target.Session())
	assert.Same(t, target, ClientFrom(ctx))
	assert.Same(t, requester, prev.Client)

	e.Restore(prev)
	assert.Same(t, requester, e.Client())
	assert.Same(t, requester.Session(), e.Session())

	assert.Nil(t, ExecutionFrom(context.Background()))
	assert.Nil(t, SessionFrom(context.Background()))
}

func TestManager_ConnectRequiresStart(t *testing.T) {
	m := NewManager(0)
	_, err := m.Connect("c1", "mqtt", &sink{})
	assert.ErrorIs(t, err, ErrManagerNotStarted)
}

func TestManager_ConnectPushDisconnect(t *testing.T) {
	m := startedManager(t)
	out := &sink{}

	c, err := m.Connect("c1", "mqtt", out)
	require.NoError(t, err)
	assert.Equal(t, "mqtt", c.EndpointID())
	assert.Equal(t, 1, m.Count())

	require.NoError(t, c.Push(context.Background(), message.New("alerts", "hi")))
	require.Eventually(t, func() bool { return out.len() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, m.Disconnect("c1"))
	assert.False(t, m.Disconnect("c1"))
	assert.True(t, c.Closed())
	_, ok := m.Get("c1")
	assert.False(t, ok)
}

func TestManager_ReconnectReplaces(t *testing.T) {
	m := startedManager(t)
	first, err := m.Connect("c1", "mqtt", &sink{})
	require.NoError(t, err)
	second, err := m.Connect("c1", "mqtt", delivery.DelivererFunc(func(*message.Message) error { return nil }))
	require.NoError(t, err)

	assert.True(t, first.Closed())
	got, ok := m.Get("c1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.NotEqual(t, first.Session().ID(), second.Session().ID())
}

func TestManager_GeneratedID(t *testing.T) {
	m := startedManager(t)
	c, err := m.Connect("", "mqtt", &sink{})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID())
}

func TestSweeper_RemovesIdleClients(t *testing.T) {
	m := startedManager(t)
	idle, err := m.Connect("idle", "mqtt", &sink{})
	require.NoError(t, err)
	_, err = m.Connect("busy", "mqtt", &sink{})
	require.NoError(t, err)

	idle.lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())

	s := NewSweeper(m, time.Minute, time.Hour)
	assert.Equal(t, 1, s.Sweep(time.Now()))
	_, ok := m.Get("idle")
	assert.False(t, ok)
	_, ok = m.Get("busy")
	assert.True(t, ok)
}

func TestSweeper_StartStop(t *testing.T) {
	m := startedManager(t)
	s := NewSweeper(m, time.Minute, 10*time.Millisecond)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
