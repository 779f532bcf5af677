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

// Package descriptor implements the nested property bag used to describe
// services, destinations, and channels to clients during bootstrap.
//
// A Map keeps its keys in insertion order and allows a key to repeat; adding
// "service" twice yields one "service" key holding two values. Clients rely on
// this shape, so renderings emit a single value for a key added once and a
// list for a key added more than once.
package descriptor

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v2"
)

// Element names of the capability descriptor.
const (
	ServiceElement         = "service"
	DestinationElement     = "destination"
	DestinationsElement    = "destinations"
	ChannelElement         = "channel"
	ChannelsElement        = "channels"
	DefaultChannelsElement = "default-channels"
	PropertiesElement      = "properties"
	IDAttr                 = "id"
	RefAttr                = "ref"
	TypeAttr               = "type"
	URLElement             = "url"
)

// Map is an ordered, multi-valued property bag.
type Map struct {
	keys   []string
	values map[string][]any
}

// New creates an empty Map.
func New() *Map {
	return &Map{values: make(map[string][]any)}
}

// Add appends value under key, keeping earlier values.
func (m *Map) Add(key string, value any) *Map {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = append(m.values[key], value)
	return m
}

// Set replaces all values under key.
func (m *Map) Set(key string, value any) *Map {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = []any{value}
	return m
}

// Get returns the first value under key.
func (m *Map) Get(key string) (any, bool) {
	vs, ok := m.values[key]
	if !ok || len(vs) == 0 {
		return nil, false
	}
	return vs[0], true
}

// GetMap returns the first value under key when it is a nested Map.
func (m *Map) GetMap(key string) *Map {
	v, _ := m.Get(key)
	nested, _ := v.(*Map)
	return nested
}

// All returns every value under key in insertion order.
func (m *Map) All(key string) []any {
	vs := m.values[key]
	out := make([]any, len(vs))
	copy(out, vs)
	return out
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of distinct keys.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

func (m *Map) rendered(key string) any {
	vs := m.values[key]
	if len(vs) == 1 {
		return vs[0]
	}
	return vs
}

// MarshalJSON renders the map as a JSON object preserving key order.
func (m *Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.rendered(k))
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalYAML renders the map as an ordered YAML mapping.
func (m *Map) MarshalYAML() (interface{}, error) {
	out := make(yaml.MapSlice, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, yaml.MapItem{Key: k, Value: m.rendered(k)})
	}
	return out, nil
}
