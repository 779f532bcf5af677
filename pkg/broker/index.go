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
	"sort"

	"github.com/turtacn/msgroute-go/pkg/faults"
	"github.com/turtacn/msgroute-go/pkg/service"
)

// RegisterDestination records that serviceID owns destinationID. A
// destination id is unique across the whole broker: a second registration
// fails with DuplicateDestinationId and leaves the original owner in place.
func (b *Broker) RegisterDestination(destinationID, serviceID string) error {
	b.destMu.Lock()
	defer b.destMu.Unlock()
	if owner, ok := b.destinations[destinationID]; ok {
		return faults.New(faults.DuplicateDestinationID, destinationID, serviceID, owner)
	}
	b.destinations[destinationID] = serviceID
	return nil
}

// UnregisterDestination forgets the owner of destinationID.
func (b *Broker) UnregisterDestination(destinationID string) {
	b.destMu.Lock()
	defer b.destMu.Unlock()
	delete(b.destinations, destinationID)
}

// unregisterService forgets every destination owned by serviceID and
// returns how many were dropped.
func (b *Broker) unregisterService(serviceID string) int {
	b.destMu.Lock()
	defer b.destMu.Unlock()
	n := 0
	for id, owner := range b.destinations {
		if owner == serviceID {
			delete(b.destinations, id)
			n++
		}
	}
	return n
}

// ServiceIDFor returns the id of the service owning destinationID.
func (b *Broker) ServiceIDFor(destinationID string) (string, bool) {
	b.destMu.RLock()
	defer b.destMu.RUnlock()
	id, ok := b.destinations[destinationID]
	return id, ok
}

// DestinationIDs returns every indexed destination id, sorted.
func (b *Broker) DestinationIDs() []string {
	b.destMu.RLock()
	defer b.destMu.RUnlock()
	ids := make([]string, 0, len(b.destinations))
	for id := range b.destinations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// lookupService resolves the owner of destinationID, giving validation
// listeners one chance to materialize it first.
func (b *Broker) lookupService(destinationID string) (service.Service, bool) {
	id, ok := b.ServiceIDFor(destinationID)
	if !ok {
		for _, l := range b.validationListeners() {
			l.ValidateDestination(destinationID)
		}
		id, ok = b.ServiceIDFor(destinationID)
	}
	if !ok {
		return nil, false
	}
	return b.services.Get(id)
}
