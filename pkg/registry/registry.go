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

// Package registry provides the id-keyed component maps the broker keeps for
// services, endpoints, shared servers, and factories. A Registry is safe for
// concurrent use; adding a new id is a single check-then-insert under the
// write lock, so two racing registrations of the same id cannot both succeed.
package registry

import (
	"log"
	"reflect"
	"sync"

	"github.com/turtacn/msgroute-go/pkg/faults"
)

// Stopper is implemented by components that must be stopped when they are
// removed from a registry.
type Stopper interface {
	Stop() error
}

// Registry is an insertion-ordered map from id to component.
type Registry[T any] struct {
	kind  string
	data  map[string]T
	order []string
	mu    sync.RWMutex
}

// New creates an empty Registry. kind names the component type in faults,
// e.g. "service" or "endpoint".
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind: kind,
		data: make(map[string]T),
	}
}

// Add registers obj under id. Adding the same instance twice is a no-op;
// adding a different instance under a taken id fails with
// DuplicateComponentId.
func (r *Registry[T]) Add(id string, obj T) error {
	if isNil(obj) {
		return faults.New(faults.NullComponent, r.kind)
	}
	if id == "" {
		return faults.New(faults.NullComponentID, r.kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.data[id]; ok {
		if sameInstance(existing, obj) {
			return nil
		}
		return faults.New(faults.DuplicateComponentID, r.kind, id)
	}
	r.data[id] = obj
	r.order = append(r.order, id)
	return nil
}

// Get returns the component registered under id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.data[id]
	return obj, ok
}

// Remove stops the component registered under id, if it implements Stopper,
// and removes it. It returns the removed component.
func (r *Registry[T]) Remove(id string) (T, bool) {
	obj, ok := r.Get(id)
	if !ok {
		return obj, false
	}

	if s, ok := any(obj).(Stopper); ok {
		if err := s.Stop(); err != nil {
			log.Printf("[WARN] Failed to stop %s %s during removal: %v", r.kind, id, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.data[id]; ok && sameInstance(current, obj) {
		delete(r.data, id)
		for i, k := range r.order {
			if k == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	return obj, true
}

// IDs returns the registered ids in insertion order.
func (r *Registry[T]) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Values returns the registered components in insertion order.
func (r *Registry[T]) Values() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	values := make([]T, 0, len(r.order))
	for _, id := range r.order {
		values = append(values, r.data[id])
	}
	return values
}

// Len returns the number of registered components.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func isNil(obj any) bool {
	if obj == nil {
		return true
	}
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func sameInstance(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	}
	if va.Type().Comparable() {
		return a == b
	}
	return false
}
