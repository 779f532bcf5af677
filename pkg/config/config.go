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

// Package config provides configuration management for msgroute: broker
// settings, the endpoints and services to create, security constraints and
// the users of the built-in authenticator.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/turtacn/msgroute-go/pkg/auth"
	"github.com/turtacn/msgroute-go/pkg/blacklist"
	msgtls "github.com/turtacn/msgroute-go/pkg/tls"
)

// UserConfig represents a user configuration entry
type UserConfig struct {
	Username  string   `yaml:"username" json:"username"`
	Password  string   `yaml:"password" json:"password"`
	Algorithm string   `yaml:"algorithm" json:"algorithm"`
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Roles     []string `yaml:"roles,omitempty" json:"roles,omitempty"`
}

// AuthConfig represents the authentication configuration
type AuthConfig struct {
	Enabled bool         `yaml:"enabled" json:"enabled"`
	Users   []UserConfig `yaml:"users" json:"users"`
	SQL     *SQLConfig   `yaml:"sql,omitempty" json:"sql,omitempty"`
}

// SQLConfig looks users up in a database after the configured users.
type SQLConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Driver  string `yaml:"driver" json:"driver"`
	DSN     string `yaml:"dsn" json:"dsn"`
	Query   string `yaml:"query,omitempty" json:"query,omitempty"`
}

// EndpointConfig declares an endpoint built by the factory named Type.
type EndpointConfig struct {
	ID     string `yaml:"id" json:"id"`
	Type   string `yaml:"type" json:"type"`
	URL    string `yaml:"url" json:"url"`
	Addr   string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Remote bool   `yaml:"remote,omitempty" json:"remote,omitempty"`

	TLS *msgtls.Config `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// ConstraintConfig is a named security constraint destinations refer to.
type ConstraintConfig struct {
	Name  string   `yaml:"name" json:"name"`
	Roles []string `yaml:"roles" json:"roles"`
}

// DestinationConfig declares one destination of a service.
type DestinationConfig struct {
	ID             string            `yaml:"id" json:"id"`
	Channels       []string          `yaml:"channels,omitempty" json:"channels,omitempty"`
	Constraint     string            `yaml:"constraint,omitempty" json:"constraint,omitempty"`
	Reliable       bool              `yaml:"reliable,omitempty" json:"reliable,omitempty"`
	SharedResource string            `yaml:"shared_resource,omitempty" json:"shared_resource,omitempty"`
	Properties     map[string]string `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// ServiceConfig declares a service built by the factory named Type.
type ServiceConfig struct {
	ID              string              `yaml:"id" json:"id"`
	Type            string              `yaml:"type" json:"type"`
	DefaultChannels []string            `yaml:"default_channels,omitempty" json:"default_channels,omitempty"`
	Properties      map[string]string   `yaml:"properties,omitempty" json:"properties,omitempty"`
	Destinations    []DestinationConfig `yaml:"destinations" json:"destinations"`
}

// AdminConfig configures the introspection HTTP API.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// BrokerConfig represents the overall broker configuration
type BrokerConfig struct {
	ID                        string             `yaml:"id" json:"id"`
	ContextRoot               string             `yaml:"context_root" json:"context_root"`
	EnforceEndpointValidation bool               `yaml:"enforce_endpoint_validation" json:"enforce_endpoint_validation"`
	DefaultChannels           []string           `yaml:"default_channels,omitempty" json:"default_channels,omitempty"`
	MailboxSize               int                `yaml:"mailbox_size" json:"mailbox_size"`
	IdleTimeout               string             `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`
	Admin                     AdminConfig        `yaml:"admin" json:"admin"`
	Auth                      AuthConfig         `yaml:"auth" json:"auth"`
	Endpoints                 []EndpointConfig   `yaml:"endpoints" json:"endpoints"`
	Constraints               []ConstraintConfig `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Services                  []ServiceConfig    `yaml:"services" json:"services"`
	Blacklist                 []blacklist.Entry  `yaml:"blacklist,omitempty" json:"blacklist,omitempty"`
}

// Config holds the complete configuration
type Config struct {
	Broker BrokerConfig `yaml:"broker" json:"broker"`
}

// DefaultConfig returns a default configuration: one MQTT endpoint, an echo
// service reachable over it, and two users.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			ID:                        "msgroute",
			ContextRoot:               "/msgroute",
			EnforceEndpointValidation: true,
			MailboxSize:               100,
			IdleTimeout:               "30m",
			Admin: AdminConfig{
				Enabled: true,
				Addr:    ":8082",
			},
			Auth: AuthConfig{
				Enabled: true,
				Users: []UserConfig{
					{
						Username:  "admin",
						Password:  "admin123",
						Algorithm: "bcrypt",
						Enabled:   true,
						Roles:     []string{"admin", "user"},
					},
					{
						Username:  "user1",
						Password:  "password123",
						Algorithm: "sha256",
						Enabled:   true,
						Roles:     []string{"user"},
					},
				},
			},
			Endpoints: []EndpointConfig{
				{
					ID:   "mqtt",
					Type: "mqtt",
					URL:  "mqtt://{server.name}:{server.port}/{context.root}/mqtt",
					Addr: ":1883",
				},
				{
					ID:   "ws",
					Type: "websocket",
					URL:  "ws://{server.name}:{server.port}/{context.root}/ws",
					Addr: ":8083",
				},
			},
			Constraints: []ConstraintConfig{
				{Name: "users", Roles: []string{"user"}},
			},
			Services: []ServiceConfig{
				{
					ID:   "echo-service",
					Type: "echo",
					Destinations: []DestinationConfig{
						{ID: "echo", Channels: []string{"mqtt", "ws"}},
						{ID: "secure-echo", Channels: []string{"mqtt", "ws"}, Constraint: "users"},
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := &Config{}
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Printf("[INFO] Configuration saved to %s", configPath)
	return nil
}

func validAlgorithm(algorithm string) bool {
	switch auth.HashAlgorithm(algorithm) {
	case auth.HashPlain, auth.HashSHA256, auth.HashBcrypt:
		return true
	}
	return false
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	b := &config.Broker
	if b.ID == "" {
		return fmt.Errorf("broker id cannot be empty")
	}
	if b.MailboxSize < 0 {
		return fmt.Errorf("mailbox_size cannot be negative")
	}
	if b.IdleTimeout != "" {
		if _, err := time.ParseDuration(b.IdleTimeout); err != nil {
			return fmt.Errorf("invalid idle_timeout %q: %w", b.IdleTimeout, err)
		}
	}
	if b.Admin.Enabled && b.Admin.Addr == "" {
		return fmt.Errorf("admin addr cannot be empty when admin is enabled")
	}

	usernames := make(map[string]bool)
	for i, user := range b.Auth.Users {
		if user.Username == "" {
			return fmt.Errorf("user %d: username cannot be empty", i)
		}
		if usernames[user.Username] {
			return fmt.Errorf("duplicate username: %s", user.Username)
		}
		usernames[user.Username] = true

		if user.Password == "" {
			return fmt.Errorf("user %s: password cannot be empty", user.Username)
		}
		if !validAlgorithm(user.Algorithm) {
			return fmt.Errorf("user %s: unsupported algorithm: %s (supported: plain, sha256, bcrypt)", user.Username, user.Algorithm)
		}
	}
	if sqlCfg := b.Auth.SQL; sqlCfg != nil && sqlCfg.Enabled {
		switch sqlCfg.Driver {
		case auth.DriverPostgres, auth.DriverMySQL, auth.DriverSQLite:
		default:
			return fmt.Errorf("auth sql: unsupported driver: %s (supported: postgres, mysql, sqlite)", sqlCfg.Driver)
		}
		if sqlCfg.DSN == "" {
			return fmt.Errorf("auth sql: dsn cannot be empty")
		}
	}

	endpoints := make(map[string]bool)
	for i, ep := range b.Endpoints {
		if ep.ID == "" {
			return fmt.Errorf("endpoint %d: id cannot be empty", i)
		}
		if endpoints[ep.ID] {
			return fmt.Errorf("duplicate endpoint id: %s", ep.ID)
		}
		endpoints[ep.ID] = true
		if ep.Type == "" {
			return fmt.Errorf("endpoint %s: type cannot be empty", ep.ID)
		}
		if ep.URL == "" {
			return fmt.Errorf("endpoint %s: url cannot be empty", ep.ID)
		}
	}

	constraints := make(map[string]bool)
	for i, c := range b.Constraints {
		if c.Name == "" {
			return fmt.Errorf("constraint %d: name cannot be empty", i)
		}
		if constraints[c.Name] {
			return fmt.Errorf("duplicate constraint: %s", c.Name)
		}
		constraints[c.Name] = true
	}

	services := make(map[string]bool)
	destinations := make(map[string]string)
	for i, svc := range b.Services {
		if svc.ID == "" {
			return fmt.Errorf("service %d: id cannot be empty", i)
		}
		if services[svc.ID] {
			return fmt.Errorf("duplicate service id: %s", svc.ID)
		}
		services[svc.ID] = true
		if svc.Type == "" {
			return fmt.Errorf("service %s: type cannot be empty", svc.ID)
		}
		for j, d := range svc.Destinations {
			if d.ID == "" {
				return fmt.Errorf("service %s: destination %d: id cannot be empty", svc.ID, j)
			}
			if owner, ok := destinations[d.ID]; ok {
				return fmt.Errorf("destination %s is declared by both %s and %s", d.ID, owner, svc.ID)
			}
			destinations[d.ID] = svc.ID
			if d.Constraint != "" && !constraints[d.Constraint] {
				return fmt.Errorf("destination %s: unknown constraint %s", d.ID, d.Constraint)
			}
		}
	}

	return nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	return validateConfig(c)
}

// IdleTimeoutDuration returns the parsed idle timeout, zero when unset.
func (c *Config) IdleTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Broker.IdleTimeout)
	return d
}

// ConfigureAuth configures authentication from the config
func (c *Config) ConfigureAuth(authChain *auth.Chain) error {
	if !c.Broker.Auth.Enabled {
		authChain.SetEnabled(false)
		log.Println("[INFO] Authentication disabled by configuration")
		return nil
	}

	authChain.SetEnabled(true)

	memAuth := auth.NewMemoryAuthenticator()
	for _, userConfig := range c.Broker.Auth.Users {
		algorithm := auth.HashAlgorithm(userConfig.Algorithm)
		if err := memAuth.AddUser(userConfig.Username, userConfig.Password, algorithm, userConfig.Roles...); err != nil {
			return fmt.Errorf("failed to add user %s: %w", userConfig.Username, err)
		}
		if err := memAuth.SetUserEnabled(userConfig.Username, userConfig.Enabled); err != nil {
			return fmt.Errorf("failed to set user %s enabled status: %w", userConfig.Username, err)
		}

		log.Printf("[INFO] Configured user: %s (algorithm: %s, enabled: %t, roles: %v)",
			userConfig.Username, userConfig.Algorithm, userConfig.Enabled, userConfig.Roles)
	}

	authChain.Add(memAuth)
	log.Printf("[INFO] Authentication configured with %d users", len(c.Broker.Auth.Users))

	if sqlCfg := c.Broker.Auth.SQL; sqlCfg != nil && sqlCfg.Enabled {
		sqlAuth, err := auth.OpenSQLAuthenticator(context.Background(), sqlCfg.Driver, sqlCfg.DSN, sqlCfg.Query)
		if err != nil {
			return err
		}
		authChain.Add(sqlAuth)
		log.Printf("[INFO] SQL authentication configured (driver: %s)", sqlCfg.Driver)
	}
	return nil
}

// AddUser adds a new user to the configuration
func (c *Config) AddUser(username, password, algorithm string, enabled bool, roles ...string) error {
	for _, user := range c.Broker.Auth.Users {
		if user.Username == username {
			return fmt.Errorf("user %s already exists", username)
		}
	}
	if !validAlgorithm(algorithm) {
		return fmt.Errorf("unsupported algorithm: %s (supported: plain, sha256, bcrypt)", algorithm)
	}

	c.Broker.Auth.Users = append(c.Broker.Auth.Users, UserConfig{
		Username:  username,
		Password:  password,
		Algorithm: algorithm,
		Enabled:   enabled,
		Roles:     roles,
	})
	log.Printf("[INFO] Added user to configuration: %s", username)
	return nil
}

// RemoveUser removes a user from the configuration
func (c *Config) RemoveUser(username string) error {
	for i, user := range c.Broker.Auth.Users {
		if user.Username == username {
			c.Broker.Auth.Users = append(c.Broker.Auth.Users[:i], c.Broker.Auth.Users[i+1:]...)
			log.Printf("[INFO] Removed user from configuration: %s", username)
			return nil
		}
	}
	return fmt.Errorf("user %s not found", username)
}

// Constraint returns the named constraint.
func (c *Config) Constraint(name string) (ConstraintConfig, bool) {
	for _, cc := range c.Broker.Constraints {
		if cc.Name == name {
			return cc, true
		}
	}
	return ConstraintConfig{}, false
}
