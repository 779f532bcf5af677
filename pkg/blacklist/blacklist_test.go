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

package blacklist

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/msgroute-go/pkg/metrics"
)

func TestManager_AddEntryValidation(t *testing.T) {
	m := NewManager()

	tests := []struct {
		name    string
		entry   Entry
		wantErr error
	}{
		{"missing id", Entry{Type: ClientID, Value: "c"}, nil},
		{"bad type", Entry{ID: "e", Type: "topic", Value: "c"}, ErrInvalidType},
		{"no value or pattern", Entry{ID: "e", Type: ClientID}, nil},
		{"bad regex", Entry{ID: "e", Type: ClientID, Pattern: "("}, ErrInvalidPattern},
		{"bad glob", Entry{ID: "e", Type: Destination, Value: "["}, ErrInvalidPattern},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.AddEntry(tt.entry)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	require.NoError(t, m.AddEntry(Entry{ID: "e", Type: ClientID, Value: "c"}))
	assert.ErrorIs(t, m.AddEntry(Entry{ID: "e", Type: ClientID, Value: "d"}), ErrEntryAlreadyExists)
}

func TestManager_CheckConnection(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AddEntry(Entry{ID: "c1", Type: ClientID, Value: "bad-client", Reason: "abuse"}))
	require.NoError(t, m.AddEntry(Entry{ID: "u1", Type: Username, Pattern: "^guest-\\d+$", Reason: "guests"}))
	require.NoError(t, m.AddEntry(Entry{ID: "ip1", Type: IPAddress, Value: "10.0.0.0/8", Reason: "internal"}))
	require.NoError(t, m.AddEntry(Entry{ID: "ip2", Type: IPAddress, Value: "192.168.1.7"}))

	tests := []struct {
		name   string
		info   ConnInfo
		ok     bool
		reason string
	}{
		{"clean", ConnInfo{ClientID: "c", Username: "alice", IPAddress: "127.0.0.1"}, true, ""},
		{"client id", ConnInfo{ClientID: "bad-client"}, false, "abuse"},
		{"username pattern", ConnInfo{ClientID: "c", Username: "guest-42"}, false, "guests"},
		{"username near miss", ConnInfo{ClientID: "c", Username: "guest-x"}, true, ""},
		{"cidr", ConnInfo{ClientID: "c", IPAddress: "10.1.2.3"}, false, "internal"},
		{"exact ip", ConnInfo{ClientID: "c", IPAddress: "192.168.1.7"}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := m.CheckConnection(tt.info)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestManager_CheckDestination(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AddEntry(Entry{ID: "d1", Type: Destination, Value: "admin-*", Reason: "internal"}))

	before := testutil.ToFloat64(metrics.BlockedTotal.WithLabelValues(string(Destination)))

	ok, reason := m.CheckDestination("admin-users")
	assert.False(t, ok)
	assert.Equal(t, "internal", reason)

	ok, _ = m.CheckDestination("echo")
	assert.True(t, ok)

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.BlockedTotal.WithLabelValues(string(Destination))))
}

func TestManager_DisabledAndExpired(t *testing.T) {
	m := NewManager()
	past := time.Now().Add(-time.Minute)
	require.NoError(t, m.AddEntry(Entry{ID: "old", Type: ClientID, Value: "c1", ExpiresAt: &past}))
	require.NoError(t, m.AddEntry(Entry{ID: "off", Type: ClientID, Value: "c2", Disabled: true}))

	ok, _ := m.CheckConnection(ConnInfo{ClientID: "c1"})
	assert.True(t, ok)
	ok, _ = m.CheckConnection(ConnInfo{ClientID: "c2"})
	assert.True(t, ok)

	assert.Len(t, m.ListEntries(""), 1)
	assert.Equal(t, 1, m.CleanupExpiredEntries())
	_, err := m.GetEntry("old")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestManager_BlockAndRemove(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Block(Username, "mallory", "spam", time.Hour))

	e, err := m.GetEntry("username:mallory")
	require.NoError(t, err)
	require.NotNil(t, e.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *e.ExpiresAt, time.Minute)

	ok, _ := m.CheckConnection(ConnInfo{Username: "mallory"})
	assert.False(t, ok)

	require.NoError(t, m.RemoveEntry("username:mallory"))
	ok, _ = m.CheckConnection(ConnInfo{Username: "mallory"})
	assert.True(t, ok)
	assert.ErrorIs(t, m.RemoveEntry("username:mallory"), ErrEntryNotFound)
}

func TestManager_ListEntriesSortedAndFiltered(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AddEntry(Entry{ID: "b", Type: ClientID, Value: "x"}))
	require.NoError(t, m.AddEntry(Entry{ID: "a", Type: Username, Value: "y"}))

	all := m.ListEntries("")
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)

	assert.Len(t, m.ListEntries(ClientID), 1)
}

func TestNilManagerAllowsEverything(t *testing.T) {
	var m *Manager
	ok, _ := m.CheckConnection(ConnInfo{ClientID: "c"})
	assert.True(t, ok)
	ok, _ = m.CheckDestination("d")
	assert.True(t, ok)
}
