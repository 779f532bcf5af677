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

// Package transport provides the MQTT and websocket endpoints of the broker.
//
// Over MQTT, publishing to a topic routes a message to the destination of the
// same name; the reply is published back on AckTopicPrefix+destination, or on
// ErrorTopicPrefix+destination when routing fails. Over websocket, clients
// exchange JSON frames: a connect frame first, then message and command
// frames answered by ack or error frames.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/msgroute-go/pkg/blacklist"
	"github.com/turtacn/msgroute-go/pkg/client"
	"github.com/turtacn/msgroute-go/pkg/endpoint"
	"github.com/turtacn/msgroute-go/pkg/message"
	"github.com/turtacn/msgroute-go/pkg/metrics"
	"github.com/turtacn/msgroute-go/pkg/security"
)

const (
	// Kind is the endpoint type reported in capability descriptors.
	Kind = "mqtt"
	// AckTopicPrefix prefixes the topic replies are published on.
	AckTopicPrefix = "$ack/"
	// ErrorTopicPrefix prefixes the topic routing failures are published on.
	ErrorTopicPrefix = "$error/"
	// MessagingVersion is announced to clients on PING and LOGIN.
	MessagingVersion = 1.0
)

// Router is the part of the broker the endpoint dispatches to.
type Router interface {
	Route(ctx context.Context, msg *message.Message) (*message.Acknowledgement, error)
	RouteCommand(ctx context.Context, cmd *message.Command) (*message.Acknowledgement, error)
	Clients() *client.Manager
}

// Endpoint accepts MQTT connections on a TCP address.
type Endpoint struct {
	*endpoint.Base
	addr      string
	router    Router
	blacklist *blacklist.Manager
	tlsConfig *tls.Config

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates an MQTT endpoint listening on addr once started.
func New(id, url, addr string, r Router) *Endpoint {
	return &Endpoint{
		Base:   endpoint.NewBase(id, url, Kind),
		addr:   addr,
		router: r,
		conns:  make(map[net.Conn]struct{}),
	}
}

// SetBlacklist makes the endpoint refuse banned clients on CONNECT and
// messages to banned destinations. It must be called before Start.
func (e *Endpoint) SetBlacklist(m *blacklist.Manager) { e.blacklist = m }

// SetTLSConfig makes the endpoint accept TLS connections only. It must be
// called before Start.
func (e *Endpoint) SetTLSConfig(c *tls.Config) { e.tlsConfig = c }

// MessagingVersion returns the protocol version announced to clients.
func (e *Endpoint) MessagingVersion() float64 { return MessagingVersion }

// Addr returns the listening address, or nil when stopped.
func (e *Endpoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Start begins accepting connections.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.addr, err)
	}
	if e.tlsConfig != nil {
		ln = tls.NewListener(ln, e.tlsConfig)
	}
	e.listener = ln
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	e.wg.Add(1)
	go e.acceptLoop(loopCtx, ln)

	e.MarkStarted(true)
	log.Printf("[INFO] MQTT endpoint %s listening on %s", e.ID(), ln.Addr())
	return nil
}

// Stop closes the listener and every open connection and waits for their
// handlers to return.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	ln, cancel := e.listener, e.cancel
	e.listener, e.cancel = nil, nil
	e.mu.Unlock()

	if ln == nil {
		return nil
	}
	cancel()
	err := ln.Close()

	e.mu.Lock()
	for conn := range e.conns {
		conn.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.MarkStarted(false)
	log.Printf("[INFO] MQTT endpoint %s stopped", e.ID())
	return err
}

func (e *Endpoint) acceptLoop(ctx context.Context, ln net.Listener) {
	defer e.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[WARN] Failed to accept connection on %s: %v", e.ID(), err)
			continue
		}

		e.mu.Lock()
		if ctx.Err() != nil {
			e.mu.Unlock()
			conn.Close()
			return
		}
		e.conns[conn] = struct{}{}
		e.mu.Unlock()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection serves one client connection until it disconnects.
func (e *Endpoint) handleConnection(ctx context.Context, conn net.Conn) {
	metrics.ConnectionsTotal.Inc()
	w := &connWriter{conn: conn}
	defer func() {
		e.mu.Lock()
		delete(e.conns, conn)
		e.mu.Unlock()
		conn.Close()
	}()
	log.Printf("[DEBUG] Accepted connection from %s", conn.RemoteAddr())

	reader := bufio.NewReader(conn)
	var (
		c      *client.Client
		reqCtx context.Context
	)
	defer func() {
		if c == nil {
			return
		}
		if current, ok := e.router.Clients().Get(c.ID()); ok && current == c {
			e.router.Clients().Disconnect(c.ID())
		}
	}()

	for {
		pk, err := readPacket(reader)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Printf("[WARN] Error reading packet from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		if c == nil && pk.FixedHeader.Type != packets.Connect {
			log.Printf("[WARN] Packet type %v received before CONNECT from %s", pk.FixedHeader.Type, conn.RemoteAddr())
			return
		}

		switch pk.FixedHeader.Type {
		case packets.Connect:
			if c != nil {
				log.Printf("[WARN] Second CONNECT from client %s, closing", c.ID())
				return
			}
			if ok, reason := e.blacklist.CheckConnection(blacklist.ConnInfo{
				ClientID:  pk.Connect.ClientIdentifier,
				Username:  string(pk.Connect.Username),
				IPAddress: remoteIP(conn.RemoteAddr()),
			}); !ok {
				log.Printf("[INFO] Connection from %s refused: %s", conn.RemoteAddr(), reason)
				_ = w.write(&packets.Packet{
					FixedHeader: packets.FixedHeader{Type: packets.Connack},
					ReasonCode:  connackNotAuthorized,
				})
				return
			}
			c, err = e.router.Clients().Connect(pk.Connect.ClientIdentifier, e.ID(), w)
			if err != nil {
				log.Printf("[ERROR] Failed to register client from %s: %v", conn.RemoteAddr(), err)
				return
			}
			reqCtx = client.WithExecution(ctx, client.NewExecution(c))

			code := packets.CodeSuccess.Code
			if pk.Connect.UsernameFlag {
				code = e.login(reqCtx, string(pk.Connect.Username), string(pk.Connect.Password))
			}
			err = w.write(&packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Connack},
				ReasonCode:  code,
			})
			if err == nil && code != packets.CodeSuccess.Code {
				return
			}

		case packets.Publish:
			err = e.publish(reqCtx, w, c, pk.TopicName, pk.Payload)

		case packets.Subscribe:
			codes := make([]byte, 0, len(pk.Filters))
			for _, sub := range pk.Filters {
				codes = append(codes, e.subscribe(reqCtx, c, sub.Filter))
			}
			err = w.write(&packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Suback},
				PacketID:    pk.PacketID,
				ReasonCodes: codes,
			})

		case packets.Pingreq:
			cmd := message.NewCommand(message.OperationPing, "", nil)
			cmd.ClientID = c.ID()
			cmd.SetHeader(message.EndpointHeader, e.ID())
			if _, perr := e.router.RouteCommand(reqCtx, cmd); perr != nil {
				log.Printf("[WARN] PING for client %s failed: %v", c.ID(), perr)
			}
			err = w.write(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}})

		case packets.Disconnect:
			log.Printf("[DEBUG] Client %s sent DISCONNECT", c.ID())
			return

		default:
			log.Printf("[DEBUG] Ignoring packet type %v from client %s", pk.FixedHeader.Type, c.ID())
		}

		if err != nil {
			log.Printf("[WARN] Error handling packet for client %s: %v", c.ID(), err)
			return
		}
	}
}

// login issues a LOGIN command and maps its outcome to a CONNACK code.
func (e *Endpoint) login(ctx context.Context, username, password string) byte {
	cmd := message.NewCommand(message.OperationLogin, "", security.EncodeCredentials(username, password))
	cmd.SetHeader(message.EndpointHeader, e.ID())
	ack, err := e.router.RouteCommand(ctx, cmd)
	if err != nil {
		log.Printf("[WARN] Login for user %s could not be processed: %v", username, err)
		return connackNotAuthorized
	}
	if em, ok := ack.Body.(*message.ErrorMessage); ok {
		log.Printf("[INFO] Login rejected for user %s: %s", username, em.FaultString)
		return connackBadCredentials
	}
	return packets.CodeSuccess.Code
}

// publish routes a message and writes the reply or the failure back.
func (e *Endpoint) publish(ctx context.Context, w *connWriter, c *client.Client, topic string, payload []byte) error {
	msg := message.New(topic, decodeBody(payload))
	msg.ClientID = c.ID()
	msg.SetHeader(message.EndpointHeader, e.ID())

	var ack *message.Acknowledgement
	var err error
	if ok, reason := e.blacklist.CheckDestination(topic); !ok {
		err = security.NewError(security.CodeAuthorizationFailed, "destination %s is blacklisted: %s", topic, reason)
	} else {
		ack, err = e.router.Route(ctx, msg)
	}
	if err != nil {
		body, encErr := encodeError(msg.ID, err)
		if encErr != nil {
			return encErr
		}
		return w.publish(ErrorTopicPrefix+topic, body)
	}
	body, err := encodeAck(ack)
	if err != nil {
		return fmt.Errorf("failed to encode reply for %s: %w", topic, err)
	}
	return w.publish(AckTopicPrefix+topic, body)
}

func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// subscribe issues a SUBSCRIBE command and maps its outcome to a SUBACK code.
func (e *Endpoint) subscribe(ctx context.Context, c *client.Client, filter string) byte {
	cmd := message.NewCommand(message.OperationSubscribe, filter, nil)
	cmd.ClientID = c.ID()
	cmd.SetHeader(message.EndpointHeader, e.ID())
	if _, err := e.router.RouteCommand(ctx, cmd); err != nil {
		log.Printf("[INFO] Subscription of client %s to %s refused: %v", c.ID(), filter, err)
		return subackFailure
	}
	return packets.CodeGrantedQos0.Code
}

// connWriter serializes writes to a connection shared by the request loop
// and the client's delivery actor.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) write(pk *packets.Packet) error {
	b, err := encodePacket(pk)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.conn.Write(b)
	return err
}

func (w *connWriter) publish(topic string, payload []byte) error {
	return w.write(&packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish},
		TopicName:   topic,
		Payload:     payload,
	})
}

// Deliver writes a pushed message as a PUBLISH on its destination topic.
func (w *connWriter) Deliver(msg *message.Message) error {
	payload, err := encodePush(msg)
	if err != nil {
		return fmt.Errorf("failed to encode push %s: %w", msg.ID, err)
	}
	return w.publish(msg.Destination, payload)
}
