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

package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/turtacn/msgroute-go/pkg/blacklist"
	"github.com/turtacn/msgroute-go/pkg/client"
	"github.com/turtacn/msgroute-go/pkg/endpoint"
	"github.com/turtacn/msgroute-go/pkg/message"
	"github.com/turtacn/msgroute-go/pkg/metrics"
	"github.com/turtacn/msgroute-go/pkg/security"
)

// WebSocketKind is the websocket endpoint type reported in capability
// descriptors.
const WebSocketKind = "websocket"

// Frame types exchanged over a websocket connection.
const (
	FrameConnect = "connect"
	FrameConnack = "connack"
	FrameMessage = "message"
	FrameCommand = "command"
	FrameAck     = "ack"
	FrameError   = "error"
	FramePush    = "push"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

// inFrame is a JSON text frame sent by a websocket client. The first frame
// of a connection must be a connect frame.
type inFrame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	ClientID    string          `json:"clientId,omitempty"`
	Username    string          `json:"username,omitempty"`
	Password    string          `json:"password,omitempty"`
	Operation   string          `json:"operation,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Headers     map[string]any  `json:"headers,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// outFrame wraps every frame the endpoint sends.
type outFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// connackFrame answers a connect frame.
type connackFrame struct {
	ClientID  string `json:"clientId,omitempty"`
	Accepted  bool   `json:"accepted"`
	FaultCode string `json:"faultCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

// WebSocketEndpoint accepts websocket connections carrying JSON frames.
type WebSocketEndpoint struct {
	*endpoint.Base
	addr      string
	router    Router
	blacklist *blacklist.Manager
	tlsConfig *tls.Config
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	conns    map[*websocket.Conn]struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWebSocket creates a websocket endpoint listening on addr once started.
// Every request path is upgraded.
func NewWebSocket(id, url, addr string, r Router) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		Base:   endpoint.NewBase(id, url, WebSocketKind),
		addr:   addr,
		router: r,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// SetBlacklist makes the endpoint refuse banned clients and messages to
// banned destinations. It must be called before Start.
func (e *WebSocketEndpoint) SetBlacklist(m *blacklist.Manager) { e.blacklist = m }

// SetTLSConfig makes the endpoint accept TLS connections only. It must be
// called before Start.
func (e *WebSocketEndpoint) SetTLSConfig(c *tls.Config) { e.tlsConfig = c }

// MessagingVersion returns the protocol version announced to clients.
func (e *WebSocketEndpoint) MessagingVersion() float64 { return MessagingVersion }

// Addr returns the listening address, or nil when stopped.
func (e *WebSocketEndpoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Start begins accepting connections.
func (e *WebSocketEndpoint) Start(ctx context.Context) error {
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
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.listener, e.cancel = ln, cancel
	e.srv = &http.Server{
		Handler:           http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { e.serveWS(loopCtx, w, r) }),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := e.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[ERROR] Websocket endpoint %s stopped serving: %v", e.ID(), err)
		}
	}()

	e.MarkStarted(true)
	log.Printf("[INFO] Websocket endpoint %s listening on %s", e.ID(), ln.Addr())
	return nil
}

// Stop closes the listener and every open connection and waits for their
// handlers to return.
func (e *WebSocketEndpoint) Stop() error {
	e.mu.Lock()
	srv, cancel := e.srv, e.cancel
	e.srv, e.listener, e.cancel = nil, nil, nil
	e.mu.Unlock()

	if srv == nil {
		return nil
	}
	cancel()
	// Hijacked connections are not tracked by the server, so close them here.
	err := srv.Close()

	e.mu.Lock()
	for conn := range e.conns {
		conn.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.MarkStarted(false)
	log.Printf("[INFO] Websocket endpoint %s stopped", e.ID())
	return err
}

func (e *WebSocketEndpoint) serveWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.conns[conn] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	defer e.wg.Done()
	e.handleConnection(ctx, conn)
}

// handleConnection serves one websocket client until it disconnects.
func (e *WebSocketEndpoint) handleConnection(ctx context.Context, conn *websocket.Conn) {
	metrics.ConnectionsTotal.Inc()
	w := &wsWriter{conn: conn}
	done := make(chan struct{})
	defer func() {
		close(done)
		e.mu.Lock()
		delete(e.conns, conn)
		e.mu.Unlock()
		conn.Close()
	}()
	log.Printf("[DEBUG] Accepted websocket connection from %s", conn.RemoteAddr())

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go w.keepalive(done)

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
		var f inFrame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				log.Printf("[WARN] Error reading frame from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if c == nil && f.Type != FrameConnect {
			log.Printf("[WARN] Frame %q received before connect from %s", f.Type, conn.RemoteAddr())
			return
		}

		var err error
		switch f.Type {
		case FrameConnect:
			if c != nil {
				log.Printf("[WARN] Second connect from client %s, closing", c.ID())
				return
			}
			var ok bool
			c, reqCtx, ok = e.connect(ctx, conn, w, &f)
			if !ok {
				return
			}
		case FrameMessage:
			err = e.message(reqCtx, w, c, &f)
		case FrameCommand:
			err = e.command(reqCtx, w, c, &f)
		default:
			log.Printf("[DEBUG] Ignoring frame %q from client %s", f.Type, c.ID())
		}
		if err != nil {
			log.Printf("[WARN] Error handling frame for client %s: %v", c.ID(), err)
			return
		}
	}
}

// connect registers the client, logs it in when credentials are supplied,
// and answers with a connack frame. It reports whether the connection may
// continue.
func (e *WebSocketEndpoint) connect(ctx context.Context, conn *websocket.Conn, w *wsWriter, f *inFrame) (*client.Client, context.Context, bool) {
	if ok, reason := e.blacklist.CheckConnection(blacklist.ConnInfo{
		ClientID:  f.ClientID,
		Username:  f.Username,
		IPAddress: remoteIP(conn.RemoteAddr()),
	}); !ok {
		log.Printf("[INFO] Websocket connection from %s refused: %s", conn.RemoteAddr(), reason)
		_ = w.send(FrameConnack, connackFrame{FaultCode: security.CodeAuthorizationFailed, Message: reason})
		return nil, nil, false
	}

	c, err := e.router.Clients().Connect(f.ClientID, e.ID(), w)
	if err != nil {
		log.Printf("[ERROR] Failed to register client from %s: %v", conn.RemoteAddr(), err)
		return nil, nil, false
	}
	reqCtx := client.WithExecution(ctx, client.NewExecution(c))

	reply := connackFrame{ClientID: c.ID(), Accepted: true}
	if f.Username != "" {
		if fault, msg := e.login(reqCtx, f.Username, f.Password); fault != "" {
			reply = connackFrame{ClientID: c.ID(), FaultCode: fault, Message: msg}
		}
	}
	if err := w.send(FrameConnack, reply); err != nil || !reply.Accepted {
		return c, reqCtx, false
	}
	return c, reqCtx, true
}

// login issues a LOGIN command and returns the fault code and message of a
// rejected login, or "" when it succeeded.
func (e *WebSocketEndpoint) login(ctx context.Context, username, password string) (string, string) {
	cmd := message.NewCommand(message.OperationLogin, "", security.EncodeCredentials(username, password))
	cmd.SetHeader(message.EndpointHeader, e.ID())
	ack, err := e.router.RouteCommand(ctx, cmd)
	if err != nil {
		log.Printf("[WARN] Login for user %s could not be processed: %v", username, err)
		return security.CodeAuthenticationFailed, err.Error()
	}
	if em, ok := ack.Body.(*message.ErrorMessage); ok {
		log.Printf("[INFO] Login rejected for user %s: %s", username, em.FaultString)
		return em.FaultCode, em.FaultString
	}
	return "", ""
}

// message routes a message frame and writes the reply or the failure back.
func (e *WebSocketEndpoint) message(ctx context.Context, w *wsWriter, c *client.Client, f *inFrame) error {
	msg := message.New(f.Destination, decodeBody(f.Body))
	if f.ID != "" {
		msg.ID = f.ID
	}
	msg.ClientID = c.ID()
	for k, v := range f.Headers {
		msg.SetHeader(k, v)
	}
	msg.SetHeader(message.EndpointHeader, e.ID())

	var ack *message.Acknowledgement
	var err error
	if ok, reason := e.blacklist.CheckDestination(f.Destination); !ok {
		err = security.NewError(security.CodeAuthorizationFailed, "destination %s is blacklisted: %s", f.Destination, reason)
	} else {
		ack, err = e.router.Route(ctx, msg)
	}
	return e.reply(w, msg.ID, ack, err)
}

// command routes a command frame. Login commands take their credentials
// from the frame's username and password.
func (e *WebSocketEndpoint) command(ctx context.Context, w *wsWriter, c *client.Client, f *inFrame) error {
	op := message.ParseOperation(f.Operation)
	var body any = decodeBody(f.Body)
	if op == message.OperationLogin && f.Username != "" {
		body = security.EncodeCredentials(f.Username, f.Password)
	}
	cmd := message.NewCommand(op, f.Destination, body)
	if f.ID != "" {
		cmd.ID = f.ID
	}
	cmd.ClientID = c.ID()
	for k, v := range f.Headers {
		cmd.SetHeader(k, v)
	}
	cmd.SetHeader(message.EndpointHeader, e.ID())

	ack, err := e.router.RouteCommand(ctx, cmd)
	return e.reply(w, cmd.ID, ack, err)
}

func (e *WebSocketEndpoint) reply(w *wsWriter, correlationID string, ack *message.Acknowledgement, err error) error {
	if err != nil {
		return w.send(FrameError, errorFrameOf(correlationID, err))
	}
	return w.send(FrameAck, ackFrameOf(ack))
}

// wsWriter serializes writes to a websocket connection shared by the request
// loop, the keepalive loop and the client's delivery actor.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(frameType string, data any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(outFrame{Type: frameType, Data: data})
}

func (w *wsWriter) keepalive(done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// Deliver writes a pushed message as a push frame.
func (w *wsWriter) Deliver(msg *message.Message) error {
	return w.send(FramePush, pushFrameOf(msg))
}
