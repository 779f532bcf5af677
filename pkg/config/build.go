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

package config

import (
	"crypto/tls"
	"fmt"
	"log"
	"time"

	"github.com/turtacn/msgroute-go/pkg/admin"
	"github.com/turtacn/msgroute-go/pkg/auth"
	"github.com/turtacn/msgroute-go/pkg/blacklist"
	"github.com/turtacn/msgroute-go/pkg/broker"
	"github.com/turtacn/msgroute-go/pkg/client"
	"github.com/turtacn/msgroute-go/pkg/endpoint"
	"github.com/turtacn/msgroute-go/pkg/monitor"
	"github.com/turtacn/msgroute-go/pkg/security"
	"github.com/turtacn/msgroute-go/pkg/service"
	msgtls "github.com/turtacn/msgroute-go/pkg/tls"
	"github.com/turtacn/msgroute-go/pkg/transport"
)

// Factory names registered by RegisterFactories.
const (
	EchoFactory      = "echo"
	MQTTFactory      = "mqtt"
	WebSocketFactory = "websocket"
)

// AdminServerID is the id the admin API is registered under.
const AdminServerID = "admin"

const certificateExpiryWarning = 30 * 24 * time.Hour

// listener is implemented by the endpoints that accept connections on an
// address.
type listener interface {
	endpoint.Endpoint
	SetRemote(remote bool)
	SetTLSConfig(c *tls.Config)
	SetBlacklist(m *blacklist.Manager)
}

// RegisterFactories registers the built-in endpoint and service
// constructors. Endpoints refuse clients and destinations banned by bl,
// which may be nil.
func RegisterFactories(b *broker.Broker, bl *blacklist.Manager) error {
	if err := b.AddFactory(EchoFactory, newEcho); err != nil {
		return err
	}
	if err := b.AddFactory(MQTTFactory, listenerFactory(MQTTFactory, bl, func(b *broker.Broker, id, url, addr string) listener {
		return transport.New(id, url, addr, b)
	})); err != nil {
		return err
	}
	return b.AddFactory(WebSocketFactory, listenerFactory(WebSocketFactory, bl, func(b *broker.Broker, id, url, addr string) listener {
		return transport.NewWebSocket(id, url, addr, b)
	}))
}

func newEcho(b *broker.Broker, id string, props map[string]any) (any, error) {
	return service.NewEcho(id, b, b), nil
}

// listenerFactory adapts an endpoint constructor to a broker factory reading
// the url, addr, remote and tls properties.
func listenerFactory(kind string, bl *blacklist.Manager, create func(b *broker.Broker, id, url, addr string) listener) broker.Factory {
	return func(b *broker.Broker, id string, props map[string]any) (any, error) {
		url, _ := props["url"].(string)
		addr, _ := props["addr"].(string)
		if addr == "" {
			return nil, fmt.Errorf("%s endpoint %s: addr is required", kind, id)
		}
		e := create(b, id, url, addr)
		if remote, _ := props["remote"].(bool); remote {
			e.SetRemote(true)
		}
		if tc, _ := props["tls"].(*msgtls.Config); tc != nil {
			serverConfig, err := tc.ServerConfig()
			if err != nil {
				return nil, fmt.Errorf("%s endpoint %s: %w", kind, id, err)
			}
			e.SetTLSConfig(serverConfig)
			if info, err := tc.Inspect(); err == nil && info.ExpiresWithin(time.Now(), certificateExpiryWarning) {
				log.Printf("[WARN] Certificate of endpoint %s expires at %s", id, info.NotAfter.Format(time.RFC3339))
			}
		}
		e.SetBlacklist(bl)
		return e, nil
	}
}

// BrokerOptions translates the broker section into broker options.
func (c *Config) BrokerOptions() []broker.Option {
	opts := []broker.Option{
		broker.WithID(c.Broker.ID),
		broker.WithContextRoot(c.Broker.ContextRoot),
		broker.WithEnforceEndpointValidation(c.Broker.EnforceEndpointValidation),
		broker.WithClientManager(client.NewManager(c.Broker.MailboxSize)),
	}
	if len(c.Broker.DefaultChannels) > 0 {
		opts = append(opts, broker.WithDefaultChannels(c.Broker.DefaultChannels...))
	}
	if d := c.IdleTimeoutDuration(); d > 0 {
		opts = append(opts, broker.WithIdleTimeout(d, d/2))
	}
	return opts
}

// Build creates a broker from the configuration: authentication, factories,
// endpoints, services and the admin server. The broker is not started.
func Build(c *Config, opts ...broker.Option) (*broker.Broker, error) {
	if err := validateConfig(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	chain := auth.NewChain()
	if err := c.ConfigureAuth(chain); err != nil {
		return nil, err
	}
	logins := auth.NewLoginManager(chain)

	opts = append(c.BrokerOptions(), append(opts, broker.WithLoginManager(logins))...)
	b := broker.New(opts...)

	bl, err := c.BuildBlacklist()
	if err != nil {
		return nil, err
	}
	if err := RegisterFactories(b, bl); err != nil {
		return nil, err
	}
	if err := b.AddService(auth.NewService(b, logins)); err != nil {
		return nil, err
	}
	if err := Apply(b, c); err != nil {
		return nil, err
	}
	if c.Broker.Admin.Enabled {
		hc := monitor.NewHealthChecker(b.ID())
		monitor.RegisterBrokerChecks(hc, b)
		srv := admin.NewServer(c.Broker.Admin.Addr, b, admin.WithBlacklist(bl), admin.WithHealthChecker(hc))
		if err := b.AddServer(AdminServerID, srv); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// BuildBlacklist creates a blacklist holding the configured entries.
func (c *Config) BuildBlacklist() (*blacklist.Manager, error) {
	bl := blacklist.NewManager()
	for _, entry := range c.Broker.Blacklist {
		if err := bl.AddEntry(entry); err != nil {
			return nil, fmt.Errorf("invalid blacklist entry %s: %w", entry.ID, err)
		}
	}
	return bl, nil
}

type destinationAdder interface {
	AddDestination(d *service.Destination) error
}

type defaultChannelSetter interface {
	SetDefaultChannels(ids []string)
}

// Apply creates the configured endpoints and services through the broker's
// factories and registers them.
func Apply(b *broker.Broker, c *Config) error {
	for _, ec := range c.Broker.Endpoints {
		obj, err := b.Create(ec.Type, ec.ID, map[string]any{
			"url":    ec.URL,
			"addr":   ec.Addr,
			"remote": ec.Remote,
			"tls":    ec.TLS,
		})
		if err != nil {
			return fmt.Errorf("failed to create endpoint %s: %w", ec.ID, err)
		}
		e, ok := obj.(endpoint.Endpoint)
		if !ok {
			return fmt.Errorf("factory %s did not build an endpoint for %s", ec.Type, ec.ID)
		}
		if err := b.AddEndpoint(e); err != nil {
			return err
		}
		log.Printf("[INFO] Configured endpoint: %s (type: %s, url: %s)", ec.ID, ec.Type, ec.URL)
	}

	for _, sc := range c.Broker.Services {
		props := make(map[string]any, len(sc.Properties))
		for k, v := range sc.Properties {
			props[k] = v
		}
		obj, err := b.Create(sc.Type, sc.ID, props)
		if err != nil {
			return fmt.Errorf("failed to create service %s: %w", sc.ID, err)
		}
		svc, ok := obj.(service.Service)
		if !ok {
			return fmt.Errorf("factory %s did not build a service for %s", sc.Type, sc.ID)
		}
		if s, ok := svc.(defaultChannelSetter); ok && len(sc.DefaultChannels) > 0 {
			s.SetDefaultChannels(sc.DefaultChannels)
		}
		if len(sc.Destinations) > 0 {
			adder, ok := svc.(destinationAdder)
			if !ok {
				return fmt.Errorf("service %s does not accept destinations", sc.ID)
			}
			for _, dc := range sc.Destinations {
				d, err := c.destination(dc)
				if err != nil {
					return err
				}
				if err := adder.AddDestination(d); err != nil {
					return err
				}
			}
		}
		if err := b.AddService(svc); err != nil {
			return err
		}
		log.Printf("[INFO] Configured service: %s (type: %s, destinations: %d)", sc.ID, sc.Type, len(sc.Destinations))
	}
	return nil
}

func (c *Config) destination(dc DestinationConfig) (*service.Destination, error) {
	d := service.NewDestination(dc.ID, dc.Channels...)
	if dc.Constraint != "" {
		cc, ok := c.Constraint(dc.Constraint)
		if !ok {
			return nil, fmt.Errorf("destination %s: unknown constraint %s", dc.ID, dc.Constraint)
		}
		d.SetSecurityConstraint(&security.Constraint{Name: cc.Name, Roles: cc.Roles})
	}
	d.SetReliable(dc.Reliable)
	if dc.SharedResource != "" {
		d.SetSharedResource(dc.SharedResource)
	}
	for k, v := range dc.Properties {
		d.SetProperty(k, v)
	}
	return d, nil
}
