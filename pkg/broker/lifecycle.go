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
	"fmt"
	"log"
)

// Start registers the broker in its table and starts, in order, the client
// manager, services, login manager, local endpoints, shared servers and the
// idle-client sweeper. Starting a running broker is a no-op. If a component
// fails to start, everything already started is stopped again.
func (b *Broker) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.started.Load() {
		return nil
	}

	if err := b.table.Add(b); err != nil {
		return err
	}

	if err := b.startComponents(ctx); err != nil {
		if stopErr := b.stopComponents(); stopErr != nil {
			log.Printf("[WARN] Cleanup after failed start of broker %s: %v", b.id, stopErr)
		}
		b.table.Remove(b)
		return err
	}

	b.started.Store(true)
	log.Printf("[INFO] Broker %s started with %d services and %d endpoints", b.id, b.services.Len(), b.endpoints.Len())
	return nil
}

func (b *Broker) startComponents(ctx context.Context) error {
	if err := b.clients.Start(ctx); err != nil {
		return fmt.Errorf("failed to start client manager: %w", err)
	}
	for _, s := range b.services.Values() {
		if s.Started() {
			continue
		}
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start service %s: %w", s.ID(), err)
		}
	}
	if b.logins != nil {
		if err := b.logins.Start(ctx); err != nil {
			return fmt.Errorf("failed to start login manager: %w", err)
		}
	}
	for _, e := range b.endpoints.Values() {
		if e.Remote() || e.Started() {
			continue
		}
		if err := e.Start(ctx); err != nil {
			return fmt.Errorf("failed to start endpoint %s: %w", e.ID(), err)
		}
	}
	for _, id := range b.servers.IDs() {
		s, ok := b.servers.Get(id)
		if !ok {
			continue
		}
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start server %s: %w", id, err)
		}
	}
	if b.maintenance != nil {
		if err := b.maintenance.Start(ctx); err != nil {
			return fmt.Errorf("failed to start client sweeper: %w", err)
		}
	}
	return nil
}

// Stop stops every component in the reverse of the start order and removes
// the broker from its table. A component that fails to stop is logged and
// does not prevent the rest from stopping; all failures are returned joined.
// Stopping a stopped broker is a no-op.
func (b *Broker) Stop() error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if !b.started.Load() {
		return nil
	}

	err := b.stopComponents()
	b.table.Remove(b)
	b.started.Store(false)
	log.Printf("[INFO] Broker %s stopped", b.id)
	return err
}

func (b *Broker) stopComponents() error {
	var errs []error
	record := func(what string, err error) {
		if err != nil {
			log.Printf("[ERROR] Failed to stop %s: %v", what, err)
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
		}
	}

	if b.maintenance != nil {
		record("client sweeper", b.maintenance.Stop())
	}
	ids := b.servers.IDs()
	for i := len(ids) - 1; i >= 0; i-- {
		if s, ok := b.servers.Get(ids[i]); ok {
			record("server "+ids[i], s.Stop())
		}
	}
	endpoints := b.endpoints.Values()
	for i := len(endpoints) - 1; i >= 0; i-- {
		if e := endpoints[i]; !e.Remote() && e.Started() {
			record("endpoint "+e.ID(), e.Stop())
		}
	}
	if b.logins != nil {
		record("login manager", b.logins.Stop())
	}
	services := b.services.Values()
	for i := len(services) - 1; i >= 0; i-- {
		if s := services[i]; s.Started() {
			record("service "+s.ID(), s.Stop())
		}
	}
	record("client manager", b.clients.Stop())
	return errors.Join(errs...)
}
