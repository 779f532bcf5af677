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
	"sync"

	"github.com/turtacn/msgroute-go/pkg/faults"
)

// Table indexes running brokers by id. Applications create one at startup
// and share it with anything that looks brokers up.
type Table struct {
	mu      sync.RWMutex
	brokers map[string]*Broker
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{brokers: make(map[string]*Broker)}
}

// Add registers b under its id. A different broker already holding the id
// fails with DuplicateBrokerId.
func (t *Table) Add(b *Broker) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.brokers[b.ID()]; ok {
		if existing == b {
			return nil
		}
		return faults.New(faults.DuplicateBrokerID, b.ID())
	}
	t.brokers[b.ID()] = b
	return nil
}

// Get returns the broker registered under id.
func (t *Table) Get(id string) (*Broker, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.brokers[id]
	return b, ok
}

// Remove unregisters b if it is the broker registered under its id.
func (t *Table) Remove(b *Broker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.brokers[b.ID()]; ok && existing == b {
		delete(t.brokers, b.ID())
	}
}

// IDs returns the registered broker ids, sorted.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.brokers))
	for id := range t.brokers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
