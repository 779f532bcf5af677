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

package auth

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteUsers(t *testing.T) (*SQLAuthenticator, *sql.DB) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "users.db")
	a, err := OpenSQLAuthenticator(context.Background(), DriverSQLite, dsn, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	db, err := sql.Open(DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE msgroute_users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		salt TEXT,
		roles TEXT,
		enabled INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	return a, db
}

func insertUser(t *testing.T, db *sql.DB, username, password string, alg HashAlgorithm, roles string, enabled bool) {
	t.Helper()
	hash, salt, err := HashPassword(username, password, alg)
	require.NoError(t, err)
	var nullSalt sql.NullString
	if salt != "" {
		nullSalt = sql.NullString{String: salt, Valid: true}
	}
	_, err = db.Exec(`INSERT INTO msgroute_users VALUES (?, ?, ?, ?, ?, ?)`,
		username, hash, string(alg), nullSalt, roles, enabled)
	require.NoError(t, err)
}

func TestDefaultSQLQuery(t *testing.T) {
	assert.Contains(t, DefaultSQLQuery(DriverPostgres), "username = $1")
	assert.Contains(t, DefaultSQLQuery(DriverSQLite), "username = ?")
	assert.Contains(t, DefaultSQLQuery(DriverMySQL), "username = ?")
}

func TestOpenSQLAuthenticator_UnsupportedDriver(t *testing.T) {
	_, err := OpenSQLAuthenticator(context.Background(), "oracle", "dsn", "")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestSQLAuthenticator_Authenticate(t *testing.T) {
	a, db := newSQLiteUsers(t)
	insertUser(t, db, "alice", "secret", HashBcrypt, "user, admin", true)
	insertUser(t, db, "bob", "hunter2", HashSHA256, "", true)
	insertUser(t, db, "carol", "pw", HashPlain, "user", false)

	assert.Equal(t, "sql", a.Name())

	result, p := a.Authenticate("alice", "secret")
	require.Equal(t, Success, result)
	assert.Equal(t, "alice", p.Name)
	assert.Equal(t, []string{"user", "admin"}, p.Roles)

	result, p = a.Authenticate("bob", "hunter2")
	require.Equal(t, Success, result)
	assert.Empty(t, p.Roles)

	result, _ = a.Authenticate("alice", "wrong")
	assert.Equal(t, Failure, result)

	result, _ = a.Authenticate("carol", "pw")
	assert.Equal(t, Failure, result)

	result, _ = a.Authenticate("nobody", "pw")
	assert.Equal(t, Ignore, result)

	result, _ = a.Authenticate("", "pw")
	assert.Equal(t, Ignore, result)

	a.SetEnabled(false)
	assert.False(t, a.Enabled())
	result, _ = a.Authenticate("alice", "secret")
	assert.Equal(t, Ignore, result)
}

func TestSQLAuthenticator_Lookup(t *testing.T) {
	a, db := newSQLiteUsers(t)
	insertUser(t, db, "bob", "hunter2", HashSHA256, "user", true)

	u, err := a.Lookup(context.Background(), "bob")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, HashSHA256, u.Algorithm)
	assert.Equal(t, "bob", u.Salt)
	assert.True(t, u.Enabled)

	u, err = a.Lookup(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestSQLAuthenticator_QueryError(t *testing.T) {
	a, db := newSQLiteUsers(t)
	_, err := db.Exec(`DROP TABLE msgroute_users`)
	require.NoError(t, err)

	result, _ := a.Authenticate("alice", "secret")
	assert.Equal(t, Error, result)

	// An erroring authenticator falls through to the next one.
	mem := NewMemoryAuthenticator()
	require.NoError(t, mem.AddUser("alice", "secret", HashPlain))
	result, p := NewChain(a, mem).Authenticate("alice", "secret")
	require.Equal(t, Success, result)
	assert.Equal(t, "alice", p.Name)
}
