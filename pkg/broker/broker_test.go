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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/msgroute-go/pkg/faults"
	"github.com/turtacn/msgroute-go/pkg/service"
)

func TestBroker_AddEndpoint(t *testing.T) {
	b := New(WithContextRoot("/app"))
	amf := newMockEndpoint("amf", "http://{server.name}:{server.port}/{context.root}/messagebroker/amf")
	require.NoError(t, b.AddEndpoint(amf))
	require.NoError(t, b.AddEndpoint(amf), "re-adding the same endpoint is a no-op")

	testCases := []struct {
		name string
		url  string
	}{
		{name: "same canonical url", url: "HTTP://{server.name}:{server.port}/{context.root}/MessageBroker/AMF"},
		{name: "same url once the context root is stripped", url: "http://localhost:8400/other/messagebroker/amf"},
		{name: "same path without the context root token", url: "http://{server.name}:{server.port}/messagebroker/amf"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := b.AddEndpoint(newMockEndpoint("clash", tc.url))
			require.Error(t, err)
			assert.ErrorIs(t, err, faults.ErrURIAlreadyRegistered)

			_, ok := b.Endpoint("clash")
			assert.False(t, ok)
			got, ok := b.Endpoint("amf")
			require.True(t, ok)
			assert.Same(t, amf, got)
		})
	}

	err := b.AddEndpoint(newMockEndpoint("amf", "http://localhost/app/messagebroker/other"))
	assert.ErrorIs(t, err, faults.ErrDuplicateComponentID)

	err = b.AddEndpoint(newMockEndpoint("no-url", ""))
	assert.ErrorIs(t, err, faults.ErrNullEndpointURL)
	assert.ErrorIs(t, b.AddEndpoint(nil), faults.ErrNullComponent)
	assert.ErrorIs(t, b.AddEndpoint(newMockEndpoint("", "http://x/y/z")), faults.ErrNullComponentID)
}

func TestBroker_RemoveEndpointReleasesURL(t *testing.T) {
	b := New()
	url := "http://localhost/app/messagebroker/amf"
	first := newMockEndpoint("amf", url)
	require.NoError(t, b.AddEndpoint(first))
	require.NoError(t, first.Start(context.Background()))

	removed, ok := b.RemoveEndpoint("amf")
	require.True(t, ok)
	assert.Same(t, first, removed)
	assert.False(t, first.Started())

	require.NoError(t, b.AddEndpoint(newMockEndpoint("amf2", url)))
}

func TestBroker_EndpointForPath(t *testing.T) {
	b := New(WithContextRoot("/app"))
	amf := newMockEndpoint("amf", "http://{server.name}/{context.root}/messagebroker/amf")
	polling := newMockEndpoint("polling", "http://{server.name}/{context.root}/messagebroker/amfpolling")
	require.NoError(t, b.AddEndpoint(amf))
	require.NoError(t, b.AddEndpoint(polling))

	got, err := b.EndpointForPath("/MessageBroker/AMFPolling/")
	require.NoError(t, err)
	assert.Equal(t, "polling", got.ID())

	_, err = b.EndpointForPath("/messagebroker/streaming")
	assert.ErrorIs(t, err, faults.ErrNoEndpointForPath)
}

func TestBroker_DestinationIndex(t *testing.T) {
	b := New()
	a := newMockService(t, b, "a", service.NewDestination("d1", "c1"))
	other := newMockService(t, b, "b")

	err := other.AddDestination(service.NewDestination("d1", "c1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrDuplicateDestinationID)

	owner, ok := b.ServiceIDFor("d1")
	require.True(t, ok)
	assert.Equal(t, "a", owner)
	assert.Equal(t, []string{"d1"}, b.DestinationIDs())

	assert.True(t, a.RemoveDestination("d1"))
	_, ok = b.ServiceIDFor("d1")
	assert.False(t, ok)
	require.NoError(t, other.AddDestination(service.NewDestination("d1", "c1")))
}

func TestBroker_RegisterDestinationRace(t *testing.T) {
	b := New()
	const workers = 32

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc := string(rune('a' + i%26))
			if err := b.RegisterDestination("shared", svc); err == nil {
				mu.Lock()
				winner = append(winner, svc)
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, faults.ErrDuplicateDestinationID)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winner, 1)
	owner, _ := b.ServiceIDFor("shared")
	assert.Equal(t, winner[0], owner)
}

func TestBroker_AddService(t *testing.T) {
	b := New()
	s := newMockService(t, b, "svc")
	require.NoError(t, b.AddService(s), "re-adding the same service is a no-op")

	dup := &mockService{Base: service.NewBase("svc", b)}
	assert.ErrorIs(t, b.AddService(dup), faults.ErrDuplicateComponentID)
	assert.ErrorIs(t, b.AddService(nil), faults.ErrNullComponent)

	startBroker(t, b)
	late := newMockService(t, b, "late")
	assert.True(t, late.Started(), "services added to a running broker are started")

	removed, ok := b.RemoveService("late")
	require.True(t, ok)
	assert.Same(t, late, removed)
	assert.False(t, late.Started())
	_, ok = b.RemoveService("late")
	assert.False(t, ok)
}

func TestBroker_RemoveServiceReleasesDestinations(t *testing.T) {
	b := New()
	d1 := service.NewDestination("d1")
	d1.SetSharedResource("db")
	newMockService(t, b, "S", d1, service.NewDestination("d2"))
	require.Equal(t, 1, b.SharedResources().Count("db"))

	_, ok := b.RemoveService("S")
	require.True(t, ok)

	_, ok = b.ServiceIDFor("d1")
	assert.False(t, ok)
	_, ok = b.ServiceIDFor("d2")
	assert.False(t, ok)
	assert.Equal(t, 0, b.SharedResources().Count("db"))

	s2 := newMockService(t, b, "S2", service.NewDestination("d1"))
	owner, ok := b.ServiceIDFor("d1")
	require.True(t, ok)
	assert.Equal(t, "S2", owner)
	_, ok = s2.Destination("d1")
	assert.True(t, ok)
}

func TestBroker_AddEndpointConcurrentSameID(t *testing.T) {
	for i := 0; i < 50; i++ {
		b := New()
		var wg sync.WaitGroup
		urls := []string{"http://localhost/app/first", "http://localhost/app/second"}
		for _, url := range urls {
			wg.Add(1)
			go func(url string) {
				defer wg.Done()
				_ = b.AddEndpoint(newMockEndpoint("ep", url))
			}(url)
		}
		wg.Wait()

		winner, ok := b.Endpoint("ep")
		require.True(t, ok)
		err := b.AddEndpoint(newMockEndpoint("other", winner.URL()))
		assert.ErrorIs(t, err, faults.ErrURIAlreadyRegistered, "the registered endpoint keeps its url")
	}
}

func TestBroker_Factories(t *testing.T) {
	b := New()
	require.NoError(t, b.AddFactory("echo", func(b *Broker, id string, props map[string]any) (any, error) {
		return service.NewEcho(id, b, b), nil
	}))

	obj, err := b.Create("echo", "echo-service", nil)
	require.NoError(t, err)
	svc, ok := obj.(*service.Echo)
	require.True(t, ok)
	assert.Equal(t, "echo-service", svc.ID())

	_, err = b.Create("missing", "x", nil)
	assert.Error(t, err)

	_, ok = b.RemoveFactory("echo")
	assert.True(t, ok)
	_, ok = b.Factory("echo")
	assert.False(t, ok)
}

func TestBroker_StartIsIdempotent(t *testing.T) {
	table := NewTable()
	ev := &events{}
	b := New(WithID("main"), WithTable(table))
	s := newMockService(t, b, "svc")
	s.events = ev

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })

	assert.Equal(t, []string{"main"}, table.IDs())
	assert.Equal(t, []string{"service:svc:start"}, ev.all())
	got, ok := table.Get("main")
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestBroker_DuplicateBrokerID(t *testing.T) {
	table := NewTable()
	first := New(WithID("main"), WithTable(table))
	second := New(WithID("main"), WithTable(table))

	startBroker(t, first)
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrDuplicateBrokerID)
	assert.False(t, second.Started())

	require.NoError(t, first.Stop())
	assert.Empty(t, table.IDs())
	require.NoError(t, second.Start(context.Background()))
	require.NoError(t, second.Stop())
}

func TestBroker_LifecycleOrder(t *testing.T) {
	ev := &events{}
	lm := &mockLoginManager{events: ev}
	b := New(WithLoginManager(lm))

	s1 := newMockService(t, b, "s1")
	s1.events = ev
	s2 := newMockService(t, b, "s2")
	s2.events = ev

	local := newMockEndpoint("local", "http://localhost/app/local")
	local.events = ev
	remote := newMockEndpoint("remote", "http://elsewhere/app/remote")
	remote.events = ev
	remote.SetRemote(true)
	require.NoError(t, b.AddEndpoint(local))
	require.NoError(t, b.AddEndpoint(remote))
	require.NoError(t, b.AddServer("admin", &mockServer{id: "admin", events: ev}))

	require.NoError(t, b.Start(context.Background()))
	assert.False(t, remote.Started())
	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())

	assert.Equal(t, []string{
		"service:s1:start",
		"service:s2:start",
		"logins:start",
		"endpoint:local:start",
		"server:admin:start",
		"server:admin:stop",
		"endpoint:local:stop",
		"logins:stop",
		"service:s2:stop",
		"service:s1:stop",
	}, ev.all())
}

func TestBroker_StopToleratesFailures(t *testing.T) {
	table := NewTable()
	ev := &events{}
	b := New(WithTable(table))
	failing := newMockService(t, b, "failing")
	failing.events = ev
	failing.stopErr = errors.New("boom")
	healthy := newMockService(t, b, "healthy")
	healthy.events = ev
	ep := newMockEndpoint("ep", "http://localhost/app/ep")
	ep.events = ev
	ep.stopErr = errors.New("socket busy")
	require.NoError(t, b.AddEndpoint(ep))

	require.NoError(t, b.Start(context.Background()))
	err := b.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "socket busy")

	assert.Contains(t, ev.all(), "service:healthy:stop")
	assert.Contains(t, ev.all(), "service:failing:stop")
	assert.False(t, b.Started())
	assert.Empty(t, table.IDs())
}

func TestBroker_StartFailureRollsBack(t *testing.T) {
	table := NewTable()
	ev := &events{}
	b := New(WithTable(table))
	s := newMockService(t, b, "svc")
	s.events = ev
	require.NoError(t, b.AddServer("broken", &mockServer{id: "broken", events: ev, err: errors.New("port in use")}))

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port in use")
	assert.False(t, b.Started())
	assert.False(t, s.Started())
	assert.Empty(t, table.IDs())
}

func TestTable(t *testing.T) {
	table := NewTable()
	a := New(WithID("a"))
	require.NoError(t, table.Add(a))
	require.NoError(t, table.Add(a))
	assert.ErrorIs(t, table.Add(New(WithID("a"))), faults.ErrDuplicateBrokerID)

	table.Remove(New(WithID("a")))
	_, ok := table.Get("a")
	assert.True(t, ok, "removing a different broker with the same id leaves the entry")

	table.Remove(a)
	_, ok = table.Get("a")
	assert.False(t, ok)
}
