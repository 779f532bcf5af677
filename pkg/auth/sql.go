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
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "modernc.org/sqlite"             // SQLite driver

	"github.com/turtacn/msgroute-go/pkg/security"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// DefaultQueryTimeout bounds one user lookup.
const DefaultQueryTimeout = 5 * time.Second

// DefaultSQLQuery returns the user lookup for driver. The query takes the
// username as its only parameter and selects password_hash, algorithm,
// salt, roles (comma separated) and enabled.
func DefaultSQLQuery(driver string) string {
	placeholder := "?"
	if driver == DriverPostgres {
		placeholder = "$1"
	}
	return "SELECT password_hash, algorithm, salt, roles, enabled FROM msgroute_users WHERE username = " + placeholder
}

// SQLAuthenticator looks users up in a database. Unknown users are ignored so
// a later authenticator in the chain may accept them.
type SQLAuthenticator struct {
	db      *sql.DB
	query   string
	timeout time.Duration
	enabled atomic.Bool
}

// NewSQLAuthenticator creates an authenticator over an open database.
// An empty query selects DefaultSQLQuery for the postgres placeholder style.
func NewSQLAuthenticator(db *sql.DB, query string) *SQLAuthenticator {
	if query == "" {
		query = DefaultSQLQuery(DriverPostgres)
	}
	a := &SQLAuthenticator{
		db:      db,
		query:   query,
		timeout: DefaultQueryTimeout,
	}
	a.enabled.Store(true)
	return a
}

// OpenSQLAuthenticator opens dsn with driver and checks the connection.
func OpenSQLAuthenticator(ctx context.Context, driver, dsn, query string) (*SQLAuthenticator, error) {
	switch driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if query == "" {
		query = DefaultSQLQuery(driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}
	log.Printf("[INFO] SQL authenticator connected to %s database", driver)
	return NewSQLAuthenticator(db, query), nil
}

// Name returns "sql".
func (a *SQLAuthenticator) Name() string { return "sql" }

// Enabled reports whether the authenticator takes part in logins.
func (a *SQLAuthenticator) Enabled() bool { return a.enabled.Load() }

// SetEnabled enables or disables the authenticator.
func (a *SQLAuthenticator) SetEnabled(enabled bool) { a.enabled.Store(enabled) }

// Close closes the database.
func (a *SQLAuthenticator) Close() error { return a.db.Close() }

// Lookup returns the stored user, or nil when the user does not exist.
func (a *SQLAuthenticator) Lookup(ctx context.Context, username string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var (
		u     User
		alg   string
		salt  sql.NullString
		roles sql.NullString
	)
	err := a.db.QueryRowContext(ctx, a.query, username).Scan(&u.PasswordHash, &alg, &salt, &roles, &u.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", username, err)
	}

	u.Username = username
	u.Algorithm = HashAlgorithm(alg)
	u.Salt = salt.String
	u.Roles = splitRoles(roles.String)
	return &u, nil
}

// Authenticate checks the password against the stored user.
func (a *SQLAuthenticator) Authenticate(username, password string) (Result, *security.Principal) {
	if !a.enabled.Load() || username == "" {
		return Ignore, nil
	}
	u, err := a.Lookup(context.Background(), username)
	if err != nil {
		log.Printf("[ERROR] SQL authenticator: %v", err)
		return Error, nil
	}
	if u == nil {
		return Ignore, nil
	}
	if !u.Enabled {
		log.Printf("[WARN] User %s is disabled", username)
		return Failure, nil
	}
	if !verifyPassword(password, u.PasswordHash, u.Salt, u.Algorithm) {
		return Failure, nil
	}
	return Success, &security.Principal{Name: u.Username, Roles: u.Roles}
}

func splitRoles(s string) []string {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

// HashPassword hashes password the way the authenticators expect it stored.
// SHA256 hashes are salted with the username.
func HashPassword(username, password string, algorithm HashAlgorithm) (hash, salt string, err error) {
	if algorithm == HashSHA256 {
		salt = username
	}
	hash, err = hashPassword(password, salt, algorithm)
	return hash, salt, err
}
