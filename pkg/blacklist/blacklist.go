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

// Package blacklist refuses connections and messages from banned clients.
// Entries match a client id, username, remote address or destination either
// by exact value or by regular expression; address entries also accept CIDR
// ranges, and destination entries accept glob patterns.
package blacklist

import (
	"errors"
	"log"
	"net"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/turtacn/msgroute-go/pkg/metrics"
)

// Type is what an entry matches against.
type Type string

const (
	ClientID    Type = "clientid"
	Username    Type = "username"
	IPAddress   Type = "ipaddress"
	Destination Type = "destination"
)

// Entry is a single blacklist rule.
type Entry struct {
	ID        string     `yaml:"id" json:"id"`
	Type      Type       `yaml:"type" json:"type"`
	Value     string     `yaml:"value,omitempty" json:"value,omitempty"`
	Pattern   string     `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Reason    string     `yaml:"reason,omitempty" json:"reason,omitempty"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
	Disabled  bool       `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	CreatedAt time.Time  `yaml:"-" json:"created_at"`

	compiled *regexp.Regexp
}

func (e *Entry) active(now time.Time) bool {
	return !e.Disabled && (e.ExpiresAt == nil || now.Before(*e.ExpiresAt))
}

func (e *Entry) matches(value string) bool {
	if value == "" {
		return false
	}
	if e.Value != "" {
		switch e.Type {
		case IPAddress:
			if strings.Contains(e.Value, "/") {
				if _, network, err := net.ParseCIDR(e.Value); err == nil {
					if ip := net.ParseIP(value); ip != nil && network.Contains(ip) {
						return true
					}
				}
			} else if e.Value == value {
				return true
			}
		case Destination:
			if ok, _ := path.Match(e.Value, value); ok {
				return true
			}
		default:
			if e.Value == value {
				return true
			}
		}
	}
	return e.compiled != nil && e.compiled.MatchString(value)
}

// Common errors
var (
	ErrEntryNotFound      = errors.New("blacklist entry not found")
	ErrEntryAlreadyExists = errors.New("blacklist entry already exists")
	ErrInvalidPattern     = errors.New("invalid regex pattern")
	ErrInvalidType        = errors.New("invalid blacklist type")
)

// ConnInfo describes a connecting client.
type ConnInfo struct {
	ClientID  string
	Username  string
	IPAddress string
}

// Manager holds the blacklist entries.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	byType  map[Type][]*Entry
}

// NewManager creates an empty blacklist.
func NewManager() *Manager {
	return &Manager{
		entries: make(map[string]*Entry),
		byType:  make(map[Type][]*Entry),
	}
}

func validateEntry(entry *Entry) error {
	if entry.ID == "" {
		return errors.New("entry ID is required")
	}
	switch entry.Type {
	case ClientID, Username, IPAddress, Destination:
	default:
		return ErrInvalidType
	}
	if entry.Value == "" && entry.Pattern == "" {
		return errors.New("either value or pattern is required")
	}
	if entry.Type == Destination && entry.Value != "" {
		if _, err := path.Match(entry.Value, ""); err != nil {
			return ErrInvalidPattern
		}
	}
	return nil
}

// AddEntry adds a new blacklist entry. The manager keeps its own copy.
func (m *Manager) AddEntry(entry Entry) error {
	if err := validateEntry(&entry); err != nil {
		return err
	}
	if entry.Pattern != "" {
		compiled, err := regexp.Compile(entry.Pattern)
		if err != nil {
			return ErrInvalidPattern
		}
		entry.compiled = compiled
	}
	entry.CreatedAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[entry.ID]; exists {
		return ErrEntryAlreadyExists
	}
	e := &entry
	m.entries[e.ID] = e
	m.byType[e.Type] = append(m.byType[e.Type], e)
	log.Printf("[INFO] Blacklist entry %s added (%s)", e.ID, e.Type)
	return nil
}

// RemoveEntry removes a blacklist entry
func (m *Manager) RemoveEntry(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[id]
	if !exists {
		return ErrEntryNotFound
	}
	delete(m.entries, id)
	m.byType[e.Type] = removeEntry(m.byType[e.Type], id)
	return nil
}

func removeEntry(entries []*Entry, id string) []*Entry {
	for i, e := range entries {
		if e.ID == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// GetEntry returns a copy of the entry with the given id.
func (m *Manager) GetEntry(id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, exists := m.entries[id]
	if !exists {
		return Entry{}, ErrEntryNotFound
	}
	return *e, nil
}

// ListEntries returns copies of the entries, sorted by id. An empty t lists
// every type. Expired entries are omitted.
func (m *Manager) ListEntries(t Type) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var out []Entry
	for _, e := range m.entries {
		if t != "" && e.Type != t {
			continue
		}
		if e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) check(t Type, value string) *Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	for _, e := range m.byType[t] {
		if e.active(now) && e.matches(value) {
			return e
		}
	}
	return nil
}

func (m *Manager) block(t Type, value string, e *Entry) (bool, string) {
	metrics.BlockedTotal.WithLabelValues(string(t)).Inc()
	log.Printf("[WARN] Blacklist entry %s blocked %s %q: %s", e.ID, t, value, e.Reason)
	return false, e.Reason
}

// CheckConnection reports whether a client may connect, and the reason when
// it may not. Client id, username and address are checked in that order.
func (m *Manager) CheckConnection(info ConnInfo) (bool, string) {
	if m == nil {
		return true, ""
	}
	for _, c := range []struct {
		t     Type
		value string
	}{
		{ClientID, info.ClientID},
		{Username, info.Username},
		{IPAddress, info.IPAddress},
	} {
		if e := m.check(c.t, c.value); e != nil {
			return m.block(c.t, c.value, e)
		}
	}
	return true, ""
}

// CheckDestination reports whether messages may be sent to destination.
func (m *Manager) CheckDestination(destination string) (bool, string) {
	if m == nil {
		return true, ""
	}
	if e := m.check(Destination, destination); e != nil {
		return m.block(Destination, destination, e)
	}
	return true, ""
}

// Block adds a temporary entry banning value for duration. A zero duration
// bans permanently.
func (m *Manager) Block(t Type, value, reason string, duration time.Duration) error {
	e := Entry{
		ID:     string(t) + ":" + value,
		Type:   t,
		Value:  value,
		Reason: reason,
	}
	if duration > 0 {
		expires := time.Now().Add(duration)
		e.ExpiresAt = &expires
	}
	return m.AddEntry(e)
}

// CleanupExpiredEntries removes expired entries and returns how many were removed.
func (m *Manager) CleanupExpiredEntries() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, e := range m.entries {
		if e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
			delete(m.entries, id)
			m.byType[e.Type] = removeEntry(m.byType[e.Type], id)
			removed++
		}
	}
	return removed
}
