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

// Package refcount tracks how many destinations depend on a shared, named
// resource such as a session- or application-scoped assembler.
package refcount

import "sync"

// Counter is a set of named reference counts guarded by a single mutex.
type Counter struct {
	counts map[string]int
	mu     sync.Mutex
}

// New creates an empty Counter.
func New() *Counter {
	return &Counter{counts: make(map[string]int)}
}

// Incr increments the count for id, starting unseen ids at 1.
func (c *Counter) Incr(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[id]++
	return c.counts[id]
}

// Decr decrements the count for id and returns the new value. Unseen ids are
// left alone and report 0. An id whose count reaches 0 is forgotten; callers
// treat that as the point where the resource may be released.
func (c *Counter) Decr(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[id]
	if !ok {
		return 0
	}
	n--
	if n <= 0 {
		delete(c.counts, id)
		return 0
	}
	c.counts[id] = n
	return n
}

// Count returns the current count for id.
func (c *Counter) Count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}
