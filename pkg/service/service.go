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

// Package service defines the handlers the broker dispatches to and the
// destinations they own.
package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/turtacn/msgroute-go/pkg/descriptor"
	"github.com/turtacn/msgroute-go/pkg/message"
	"github.com/turtacn/msgroute-go/pkg/refcount"
	"github.com/turtacn/msgroute-go/pkg/registry"
	"github.com/turtacn/msgroute-go/pkg/security"
)

// AuthenticationServiceID is the id of the service that receives every LOGIN
// and LOGOUT command, whatever destination the command names.
const AuthenticationServiceID = "authentication-service"

// ErrUnsupportedOperation is returned by a service for a message or command
// it does not handle.
var ErrUnsupportedOperation = errors.New("operation not supported by service")

// Service handles messages and commands for the destinations it owns.
type Service interface {
	ID() string
	Started() bool
	Destination(id string) (*Destination, bool)
	ServiceMessage(ctx context.Context, msg *message.Message) (any, error)
	ServiceCommand(ctx context.Context, cmd *message.Command) (any, error)
	Start(ctx context.Context) error
	Stop() error
}

// Describer is implemented by services that contribute to the capability
// descriptor. endpointID filters destinations to those reachable over that
// channel; empty means no filtering.
type Describer interface {
	Describe(endpointID string, reliableOnly bool) *descriptor.Map
}

// Registrar is the broker-side index a service registers its destinations
// with.
type Registrar interface {
	RegisterDestination(destinationID, serviceID string) error
	UnregisterDestination(destinationID string)
	SharedResources() *refcount.Counter
}

// Destination is a routable unit owned by exactly one service.
type Destination struct {
	id string

	mu             sync.RWMutex
	serviceID      string
	channels       []string
	constraint     *security.Constraint
	reliable       bool
	sharedResource string
	properties     map[string]any
	started        atomic.Bool
}

// NewDestination creates a stopped destination reachable over channels.
func NewDestination(id string, channels ...string) *Destination {
	return &Destination{
		id:         id,
		channels:   channels,
		properties: make(map[string]any),
	}
}

// ID returns the destination id.
func (d *Destination) ID() string { return d.id }

// ServiceID returns the id of the owning service.
func (d *Destination) ServiceID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.serviceID
}

// Channels returns the ids of the channels the destination is reachable over.
func (d *Destination) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.channels))
	copy(out, d.channels)
	return out
}

// SetChannels replaces the reachable channel ids.
func (d *Destination) SetChannels(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append([]string(nil), ids...)
}

// HasChannel reports whether channel id can reach the destination.
func (d *Destination) HasChannel(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.channels {
		if c == id {
			return true
		}
	}
	return false
}

// SecurityConstraint returns the constraint guarding the destination, or nil.
func (d *Destination) SecurityConstraint() *security.Constraint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.constraint
}

// SetSecurityConstraint attaches a constraint.
func (d *Destination) SetSecurityConstraint(c *security.Constraint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.constraint = c
}

// Reliable reports whether the destination requires reliable delivery.
func (d *Destination) Reliable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reliable
}

// SetReliable sets the reliable flag.
func (d *Destination) SetReliable(reliable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reliable = reliable
}

// SharedResource names the shared resource the destination depends on.
func (d *Destination) SharedResource() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sharedResource
}

// SetSharedResource sets the shared resource name.
func (d *Destination) SetSharedResource(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sharedResource = name
}

// SetProperty sets a destination property exposed in its descriptor.
func (d *Destination) SetProperty(name string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.properties[name] = value
}

// Property returns a destination property.
func (d *Destination) Property(name string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.properties[name]
	return v, ok
}

// Started reports whether the destination is running.
func (d *Destination) Started() bool { return d.started.Load() }

// Start marks the destination started.
func (d *Destination) Start() error {
	d.started.Store(true)
	return nil
}

// Stop marks the destination stopped.
func (d *Destination) Stop() error {
	d.started.Store(false)
	return nil
}

// Describe returns the destination fragment of the capability descriptor.
func (d *Destination) Describe() *descriptor.Map {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m := descriptor.New().Set(descriptor.IDAttr, d.id)
	if len(d.channels) > 0 {
		channels := descriptor.New()
		for _, c := range d.channels {
			channels.Add(descriptor.ChannelElement, descriptor.New().Set(descriptor.RefAttr, c))
		}
		m.Set(descriptor.ChannelsElement, channels)
	}
	if len(d.properties) > 0 || d.reliable {
		props := descriptor.New()
		if d.reliable {
			props.Set("network", descriptor.New().Set("reliable", true))
		}
		for _, k := range sortedKeys(d.properties) {
			props.Set(k, d.properties[k])
		}
		m.Set(descriptor.PropertiesElement, props)
	}
	return m
}

// Base implements destination bookkeeping for services. Embedders supply
// ServiceMessage and may override ServiceCommand.
type Base struct {
	id              string
	registrar       Registrar
	destinations    *registry.Registry[*Destination]
	defaultChannels []string
	started         atomic.Bool
}

// NewBase creates a Base that registers destinations with r.
func NewBase(id string, r Registrar) *Base {
	return &Base{
		id:           id,
		registrar:    r,
		destinations: registry.New[*Destination]("destination"),
	}
}

// ID returns the service id.
func (b *Base) ID() string { return b.id }

// Started reports whether the service is running.
func (b *Base) Started() bool { return b.started.Load() }

// SetDefaultChannels sets the channels given to destinations added without any.
func (b *Base) SetDefaultChannels(ids []string) {
	b.defaultChannels = append([]string(nil), ids...)
}

// Destination returns an owned destination.
func (b *Base) Destination(id string) (*Destination, bool) {
	return b.destinations.Get(id)
}

// Destinations returns the owned destinations in registration order.
func (b *Base) Destinations() []*Destination {
	return b.destinations.Values()
}

// AddDestination claims d for this service. It fails with
// DuplicateDestinationId when any service already owns d's id.
func (b *Base) AddDestination(d *Destination) error {
	if len(d.Channels()) == 0 && len(b.defaultChannels) > 0 {
		d.SetChannels(b.defaultChannels)
	}
	if err := b.registrar.RegisterDestination(d.ID(), b.id); err != nil {
		return err
	}
	if err := b.destinations.Add(d.ID(), d); err != nil {
		b.registrar.UnregisterDestination(d.ID())
		return err
	}

	d.mu.Lock()
	d.serviceID = b.id
	d.mu.Unlock()

	if name := d.SharedResource(); name != "" {
		n := b.registrar.SharedResources().Incr(name)
		log.Printf("[DEBUG] Shared resource %s now used by %d destinations", name, n)
	}
	if b.Started() {
		_ = d.Start()
	}
	return nil
}

// RemoveDestination stops and releases an owned destination.
func (b *Base) RemoveDestination(id string) bool {
	d, ok := b.destinations.Remove(id)
	if !ok {
		return false
	}
	b.registrar.UnregisterDestination(id)
	if name := d.SharedResource(); name != "" {
		if b.registrar.SharedResources().Decr(name) == 0 {
			log.Printf("[INFO] Shared resource %s is no longer referenced", name)
		}
	}
	return true
}

// Start starts the service and its destinations.
func (b *Base) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}
	for _, d := range b.destinations.Values() {
		_ = d.Start()
	}
	log.Printf("[INFO] Service %s started with %d destinations", b.id, b.destinations.Len())
	return nil
}

// Stop stops the service and its destinations.
func (b *Base) Stop() error {
	if !b.started.CompareAndSwap(true, false) {
		return nil
	}
	for _, d := range b.destinations.Values() {
		_ = d.Stop()
	}
	log.Printf("[INFO] Service %s stopped", b.id)
	return nil
}

// ServiceCommand rejects every command.
func (b *Base) ServiceCommand(ctx context.Context, cmd *message.Command) (any, error) {
	return nil, ErrUnsupportedOperation
}

// Describe lists the destinations reachable over endpointID.
func (b *Base) Describe(endpointID string, reliableOnly bool) *descriptor.Map {
	m := descriptor.New().Set(descriptor.IDAttr, b.id)
	if len(b.defaultChannels) > 0 {
		dc := descriptor.New()
		for _, c := range b.defaultChannels {
			dc.Add(descriptor.ChannelElement, descriptor.New().Set(descriptor.RefAttr, c))
		}
		m.Set(descriptor.DefaultChannelsElement, dc)
	}

	found := 0
	for _, d := range b.destinations.Values() {
		if reliableOnly && !d.Reliable() {
			continue
		}
		if endpointID != "" && !d.HasChannel(endpointID) {
			continue
		}
		m.Add(descriptor.DestinationElement, d.Describe())
		found++
	}
	if found == 0 {
		return nil
	}
	return m
}
