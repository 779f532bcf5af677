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

// Package broker is the message-routing hub. It owns the registries of
// services, endpoints, shared servers and factories, indexes destinations to
// their owning service, and dispatches every inbound message or command to
// that service once the access control gate has passed.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/msgroute-go/pkg/client"
	"github.com/turtacn/msgroute-go/pkg/endpoint"
	"github.com/turtacn/msgroute-go/pkg/refcount"
	"github.com/turtacn/msgroute-go/pkg/registry"
	"github.com/turtacn/msgroute-go/pkg/security"
	"github.com/turtacn/msgroute-go/pkg/service"
)

// DefaultID is the id of a broker created without WithID.
const DefaultID = "__default__"

// ErrClientNotFound is returned when pushing to a client id that is not
// connected.
var ErrClientNotFound = errors.New("client not found")

// LoginManager authenticates sessions and checks destination constraints.
type LoginManager interface {
	Start(ctx context.Context) error
	Stop() error
	CheckConstraint(ctx context.Context, c *security.Constraint) error
}

// Server is a shared server or background task whose lifecycle the broker
// drives.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// ValidationListener may materialize destinations and services on demand
// before the broker gives up on a lookup.
type ValidationListener interface {
	ValidateDestination(destinationID string)
	ValidateServices()
}

// Factory builds a named component from configuration properties. The
// result is a service.Service, an endpoint.Endpoint or a Server.
type Factory func(b *Broker, id string, props map[string]any) (any, error)

// Option configures a Broker.
type Option func(*Broker)

// WithID sets the broker id used in the broker table.
func WithID(id string) Option {
	return func(b *Broker) { b.id = id }
}

// WithContextRoot sets the context root stripped from endpoint URLs when
// matching request paths.
func WithContextRoot(root string) Option {
	return func(b *Broker) { b.contextRoot = root }
}

// WithEnforceEndpointValidation makes the gate check channel reachability
// for every message, not only those carrying the validation header.
func WithEnforceEndpointValidation(enforce bool) Option {
	return func(b *Broker) { b.enforceEndpointValidation = enforce }
}

// WithDefaultChannels sets the broker-wide default channel ids.
func WithDefaultChannels(ids ...string) Option {
	return func(b *Broker) { b.defaultChannels = append([]string(nil), ids...) }
}

// WithLoginManager sets the collaborator that enforces security constraints.
func WithLoginManager(lm LoginManager) Option {
	return func(b *Broker) { b.logins = lm }
}

// WithClientManager replaces the default client manager.
func WithClientManager(m *client.Manager) Option {
	return func(b *Broker) { b.clients = m }
}

// WithTable registers the broker in t on start instead of a private table.
func WithTable(t *Table) Option {
	return func(b *Broker) { b.table = t }
}

// WithIdleTimeout disconnects clients idle for longer than timeout, checking
// every interval.
func WithIdleTimeout(timeout, interval time.Duration) Option {
	return func(b *Broker) {
		b.idleTimeout = timeout
		b.sweepInterval = interval
	}
}

// Broker routes messages and commands to services.
type Broker struct {
	id                        string
	contextRoot               string
	enforceEndpointValidation bool
	defaultChannels           []string

	services  *registry.Registry[service.Service]
	endpoints *registry.Registry[endpoint.Endpoint]
	servers   *registry.Registry[Server]
	factories *registry.Registry[Factory]
	urls      *endpoint.URLValidator
	shared    *refcount.Counter

	// endpointMu serializes URL validation with endpoint registration.
	endpointMu sync.Mutex

	destMu       sync.RWMutex
	destinations map[string]string

	listenerMu sync.RWMutex
	listeners  []ValidationListener

	clients       *client.Manager
	logins        LoginManager
	idleTimeout   time.Duration
	sweepInterval time.Duration
	maintenance   Server
	table         *Table

	lifecycleMu sync.Mutex
	started     atomic.Bool
}

// New creates a stopped broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		id:           DefaultID,
		services:     registry.New[service.Service]("service"),
		endpoints:    registry.New[endpoint.Endpoint]("endpoint"),
		servers:      registry.New[Server]("server"),
		factories:    registry.New[Factory]("factory"),
		urls:         endpoint.NewURLValidator(),
		shared:       refcount.New(),
		destinations: make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.clients == nil {
		b.clients = client.NewManager(client.DefaultMailboxSize)
	}
	if b.table == nil {
		b.table = NewTable()
	}
	if b.idleTimeout > 0 {
		if b.sweepInterval <= 0 {
			b.sweepInterval = b.idleTimeout / 2
		}
		b.maintenance = client.NewSweeper(b.clients, b.idleTimeout, b.sweepInterval)
	}
	return b
}

// ID returns the broker id.
func (b *Broker) ID() string { return b.id }

// ContextRoot returns the configured context root.
func (b *Broker) ContextRoot() string { return b.contextRoot }

// DefaultChannels returns the broker-wide default channel ids.
func (b *Broker) DefaultChannels() []string {
	return append([]string(nil), b.defaultChannels...)
}

// Clients returns the connected-client manager.
func (b *Broker) Clients() *client.Manager { return b.clients }

// SharedResources returns the counter tracking shared resource usage by
// destinations.
func (b *Broker) SharedResources() *refcount.Counter { return b.shared }

// Started reports whether the broker is running.
func (b *Broker) Started() bool { return b.started.Load() }

// AddService registers s. When the broker is already running s is started.
func (b *Broker) AddService(s service.Service) error {
	if s == nil {
		return b.services.Add("", nil)
	}
	if err := b.services.Add(s.ID(), s); err != nil {
		return err
	}
	if b.Started() && !s.Started() {
		if err := s.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start service %s: %w", s.ID(), err)
		}
	}
	return nil
}

// Service returns a registered service.
func (b *Broker) Service(id string) (service.Service, bool) { return b.services.Get(id) }

// Services returns the registered services in registration order.
func (b *Broker) Services() []service.Service { return b.services.Values() }

type destinationOwner interface {
	Destinations() []*service.Destination
	RemoveDestination(id string) bool
}

// RemoveService stops and unregisters a service and releases every
// destination id it owned, so other services may claim them.
func (b *Broker) RemoveService(id string) (service.Service, bool) {
	s, ok := b.services.Remove(id)
	if !ok {
		return nil, false
	}
	if owner, ok := s.(destinationOwner); ok {
		for _, d := range owner.Destinations() {
			owner.RemoveDestination(d.ID())
		}
	}
	if n := b.unregisterService(id); n > 0 {
		log.Printf("[DEBUG] Released %d destinations of removed service %s", n, id)
	}
	return s, true
}

// AddEndpoint validates e's URL and registers it. A URL that collides with
// another endpoint's, in full or once the context root is stripped, fails
// with UriAlreadyRegistered and leaves the other endpoint registered.
func (b *Broker) AddEndpoint(e endpoint.Endpoint) error {
	if e == nil {
		return b.endpoints.Add("", nil)
	}
	if e.ID() == "" {
		return b.endpoints.Add("", e)
	}

	b.endpointMu.Lock()
	defer b.endpointMu.Unlock()
	if existing, ok := b.endpoints.Get(e.ID()); ok && existing == e {
		return nil
	}
	_, taken := b.endpoints.Get(e.ID())
	if !taken {
		if err := b.urls.CheckURL(e.ID(), e.URL()); err != nil {
			return err
		}
	}
	if err := b.endpoints.Add(e.ID(), e); err != nil {
		if !taken {
			b.urls.Release(e.ID())
		}
		return err
	}
	if b.Started() && !e.Remote() && !e.Started() {
		if err := e.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start endpoint %s: %w", e.ID(), err)
		}
	}
	return nil
}

// Endpoint returns a registered endpoint.
func (b *Broker) Endpoint(id string) (endpoint.Endpoint, bool) { return b.endpoints.Get(id) }

// Endpoints returns the registered endpoints in registration order.
func (b *Broker) Endpoints() []endpoint.Endpoint { return b.endpoints.Values() }

// RemoveEndpoint stops and unregisters an endpoint, releasing its URL.
func (b *Broker) RemoveEndpoint(id string) (endpoint.Endpoint, bool) {
	b.endpointMu.Lock()
	defer b.endpointMu.Unlock()
	e, ok := b.endpoints.Remove(id)
	if ok {
		b.urls.Release(id)
	}
	return e, ok
}

// EndpointForPath returns the first registered endpoint whose URL, relative
// to the context root, matches path.
func (b *Broker) EndpointForPath(path string) (endpoint.Endpoint, error) {
	return endpoint.MatchPath(b.endpoints.Values(), path, b.contextRoot)
}

// AddServer registers a shared server.
func (b *Broker) AddServer(id string, s Server) error {
	if err := b.servers.Add(id, s); err != nil {
		return err
	}
	if b.Started() {
		if err := s.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start server %s: %w", id, err)
		}
	}
	return nil
}

// Server returns a registered shared server.
func (b *Broker) Server(id string) (Server, bool) { return b.servers.Get(id) }

// RemoveServer stops and unregisters a shared server.
func (b *Broker) RemoveServer(id string) (Server, bool) { return b.servers.Remove(id) }

// AddFactory registers a named constructor.
func (b *Broker) AddFactory(name string, f Factory) error { return b.factories.Add(name, f) }

// Factory returns a named constructor.
func (b *Broker) Factory(name string) (Factory, bool) { return b.factories.Get(name) }

// RemoveFactory unregisters a named constructor.
func (b *Broker) RemoveFactory(name string) (Factory, bool) { return b.factories.Remove(name) }

// Create builds a component with the named factory.
func (b *Broker) Create(factory, id string, props map[string]any) (any, error) {
	f, ok := b.factories.Get(factory)
	if !ok {
		return nil, fmt.Errorf("no factory registered under %q", factory)
	}
	return f(b, id, props)
}

// AddValidationListener registers a lazy-materialization hook.
func (b *Broker) AddValidationListener(l ValidationListener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.listeners = append(b.listeners, l)
}

// RemoveValidationListener unregisters a hook.
func (b *Broker) RemoveValidationListener(l ValidationListener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	for i, have := range b.listeners {
		if have == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *Broker) validationListeners() []ValidationListener {
	b.listenerMu.RLock()
	defer b.listenerMu.RUnlock()
	return append([]ValidationListener(nil), b.listeners...)
}
