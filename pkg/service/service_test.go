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

package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/msgroute-go/pkg/descriptor"
	"github.com/turtacn/msgroute-go/pkg/faults"
	"github.com/turtacn/msgroute-go/pkg/message"
	"github.com/turtacn/msgroute-go/pkg/refcount"
)

type mockRegistrar struct {
	owners map[string]string
	shared *refcount.Counter
}

func newMockRegistrar() *mockRegistrar {
	return &mockRegistrar{owners: make(map[string]string), shared: refcount.New()}
}

func (m *mockRegistrar) RegisterDestination(dest, svc string) error {
	if owner, ok := m.owners[dest]; ok {
		return faults.New(faults.DuplicateDestinationID, dest, svc, owner)
	}
	m.owners[dest] = svc
	return nil
}

func (m *mockRegistrar) UnregisterDestination(dest string) { delete(m.owners, dest) }

func (m *mockRegistrar) SharedResources() *refcount.Counter { return m.shared }

type mockPusher struct {
	target string
	msg    *message.Message
	err    error
}

func (m *mockPusher) PushToClient(ctx context.Context, msg *message.Message, clientID string) error {
	m.target = clientID
	m.msg = msg
	return m.err
}

func TestBase_AddDestination(t *testing.T) {
	r := newMockRegistrar()
	b := NewBase("messaging-service", r)
	b.SetDefaultChannels([]string{"amf"})

	d := NewDestination("chat")
	d.SetSharedResource("jms-factory")
	require.NoError(t, b.AddDestination(d))

	assert.Equal(t, "messaging-service", r.owners["chat"])
	assert.Equal(t, "messaging-service", d.ServiceID())
	assert.Equal(t, []string{"amf"}, d.Channels())
	assert.Equal(t, 1, r.shared.Count("jms-factory"))

	got, ok := b.Destination("chat")
	require.True(t, ok)
	assert.Same(t, d, got)
}

func TestBase_AddDestinationOwnedElsewhere(t *testing.T) {
	r := newMockRegistrar()
	a := NewBase("a", r)
	b := NewBase("b", r)

	require.NoError(t, a.AddDestination(NewDestination("chat")))
	err := b.AddDestination(NewDestination("chat"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrDuplicateDestinationID))
	assert.Equal(t, "a", r.owners["chat"])
	_, ok := b.Destination("chat")
	assert.False(t, ok)
}

func TestBase_RemoveDestination(t *testing.T) {
	r := newMockRegistrar()
	b := NewBase("svc", r)
	d := NewDestination("chat", "amf")
	d.SetSharedResource("pool")
	require.NoError(t, b.AddDestination(d))
	require.NoError(t, b.Start(context.Background()))
	assert.True(t, d.Started())

	assert.True(t, b.RemoveDestination("chat"))
	assert.False(t, d.Started())
	assert.NotContains(t, r.owners, "chat")
	assert.Equal(t, 0, r.shared.Count("pool"))
	assert.False(t, b.RemoveDestination("chat"))
}

func TestBase_Lifecycle(t *testing.T) {
	b := NewBase("svc", newMockRegistrar())
	d := NewDestination("chat", "amf")
	require.NoError(t, b.AddDestination(d))

	assert.False(t, d.Started())
	require.NoError(t, b.Start(context.Background()))
	assert.True(t, b.Started())
	assert.True(t, d.Started())

	late := NewDestination("late", "amf")
	require.NoError(t, b.AddDestination(late))
	assert.True(t, late.Started())

	require.NoError(t, b.Stop())
	assert.False(t, b.Started())
	assert.False(t, d.Started())
}

func TestBase_Describe(t *testing.T) {
	b := NewBase("svc", newMockRegistrar())
	plain := NewDestination("plain", "amf", "polling")
	reliable := NewDestination("reliable", "amf")
	reliable.SetReliable(true)
	other := NewDestination("other", "streaming")
	require.NoError(t, b.AddDestination(plain))
	require.NoError(t, b.AddDestination(reliable))
	require.NoError(t, b.AddDestination(other))

	m := b.Describe("amf", false)
	require.NotNil(t, m)
	svcID, _ := m.Get(descriptor.IDAttr)
	assert.Equal(t, "svc", svcID)
	assert.Len(t, m.All(descriptor.DestinationElement), 2)

	m = b.Describe("amf", true)
	require.NotNil(t, m)
	dests := m.All(descriptor.DestinationElement)
	require.Len(t, dests, 1)
	id, _ := dests[0].(*descriptor.Map).Get(descriptor.IDAttr)
	assert.Equal(t, "reliable", id)

	assert.Len(t, b.Describe("", false).All(descriptor.DestinationElement), 3)
	assert.Nil(t, b.Describe("rtmp", false))
}

func TestBase_ServiceCommandUnsupported(t *testing.T) {
	b := NewBase("svc", newMockRegistrar())
	_, err := b.ServiceCommand(context.Background(), message.NewCommand(message.OperationPoll, "chat", nil))
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
}

func TestDestination_Describe(t *testing.T) {
	d := NewDestination("chat", "amf")
	d.SetProperty("max-frequency", 10)
	m := d.Describe()

	channels := m.GetMap(descriptor.ChannelsElement)
	require.NotNil(t, channels)
	refs := channels.All(descriptor.ChannelElement)
	require.Len(t, refs, 1)
	ref, _ := refs[0].(*descriptor.Map).Get(descriptor.RefAttr)
	assert.Equal(t, "amf", ref)

	props := m.GetMap(descriptor.PropertiesElement)
	require.NotNil(t, props)
	v, ok := props.Get("max-frequency")
	assert.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestEcho_ServiceMessage(t *testing.T) {
	e := NewEcho("echo-service", newMockRegistrar(), nil)
	msg := message.New("echo", "hello")

	body, err := e.ServiceMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "hello", body)
}

func TestEcho_Forward(t *testing.T) {
	p := &mockPusher{}
	e := NewEcho("echo-service", newMockRegistrar(), p)
	msg := message.New("echo", "hello")
	msg.SetHeader(EchoPushHeader, "client-2")

	body, err := e.ServiceMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"forwarded": "client-2"}, body)
	assert.Equal(t, "client-2", p.target)
	require.NotNil(t, p.msg)
	assert.Equal(t, "hello", p.msg.Body)
	assert.Equal(t, "echo", p.msg.Destination)

	p.err = errors.New("gone")
	_, err = e.ServiceMessage(context.Background(), msg)
	assert.Error(t, err)
}

func TestEcho_ForwardWithoutPusher(t *testing.T) {
	e := NewEcho("echo-service", newMockRegistrar(), nil)
	msg := message.New("echo", "hello")
	msg.SetHeader(EchoPushHeader, "client-2")
	_, err := e.ServiceMessage(context.Background(), msg)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
}

func TestEcho_ServiceCommand(t *testing.T) {
	e := NewEcho("echo-service", newMockRegistrar(), nil)
	_, err := e.ServiceCommand(context.Background(), message.NewCommand(message.OperationSubscribe, "echo", nil))
	assert.NoError(t, err)
	_, err = e.ServiceCommand(context.Background(), message.NewCommand(message.OperationPoll, "echo", nil))
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
}
