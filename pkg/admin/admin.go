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

// Package admin provides a read-mostly HTTP API for inspecting a running
// broker: its services, destinations, endpoints and connected clients, the
// capability descriptor, health and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/turtacn/msgroute-go/pkg/blacklist"
	"github.com/turtacn/msgroute-go/pkg/client"
	"github.com/turtacn/msgroute-go/pkg/descriptor"
	"github.com/turtacn/msgroute-go/pkg/endpoint"
	"github.com/turtacn/msgroute-go/pkg/metrics"
	"github.com/turtacn/msgroute-go/pkg/monitor"
	"github.com/turtacn/msgroute-go/pkg/security"
	"github.com/turtacn/msgroute-go/pkg/service"
)

// Broker is the view of the broker the API reads from.
type Broker interface {
	ID() string
	Started() bool
	Services() []service.Service
	Endpoints() []endpoint.Endpoint
	DestinationIDs() []string
	ServiceIDFor(destinationID string) (string, bool)
	DescribeServices(endpointID string, reliableOnly bool) *descriptor.Map
	Clients() *client.Manager
}

// ServiceInfo describes a registered service.
type ServiceInfo struct {
	ID           string            `json:"id"`
	Started      bool              `json:"started"`
	Destinations []DestinationInfo `json:"destinations"`
}

// DestinationInfo describes a destination.
type DestinationInfo struct {
	ID         string               `json:"id"`
	Service    string               `json:"service"`
	Channels   []string             `json:"channels"`
	Started    bool                 `json:"started"`
	Reliable   bool                 `json:"reliable,omitempty"`
	Constraint *security.Constraint `json:"constraint,omitempty"`
}

// EndpointInfo describes a registered endpoint.
type EndpointInfo struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Started bool   `json:"started"`
	Remote  bool   `json:"remote"`
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ClientID  string    `json:"clientid"`
	Endpoint  string    `json:"endpoint"`
	Username  string    `json:"username,omitempty"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// PaginationMeta represents pagination metadata
type PaginationMeta struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Count int `json:"count"`
	Total int `json:"total"`
}

// APIServer serves the admin routes.
type APIServer struct {
	broker    Broker
	blacklist *blacklist.Manager
	health    *monitor.HealthChecker
}

// Option configures an APIServer.
type Option func(*APIServer)

// WithBlacklist exposes m under /api/v1/blacklist.
func WithBlacklist(m *blacklist.Manager) Option {
	return func(s *APIServer) { s.blacklist = m }
}

// WithHealthChecker reports hc's checks under /health and adds the
// liveness, readiness and detailed probes.
func WithHealthChecker(hc *monitor.HealthChecker) Option {
	return func(s *APIServer) { s.health = hc }
}

// NewAPIServer creates a new API server instance
func NewAPIServer(b Broker, opts ...Option) *APIServer {
	s := &APIServer{broker: b}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes registers all API routes
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/services", s.handleServices)
	mux.HandleFunc("/api/v1/destinations", s.handleDestinations)
	mux.HandleFunc("/api/v1/endpoints", s.handleEndpoints)
	mux.HandleFunc("/api/v1/clients", s.handleClients)
	mux.HandleFunc("/api/v1/clients/", s.handleClientByID)
	mux.HandleFunc("/api/v1/describe", s.handleDescribe)
	if s.blacklist != nil {
		mux.HandleFunc("/api/v1/blacklist", s.handleBlacklist)
		mux.HandleFunc("/api/v1/blacklist/", s.handleBlacklistEntry)
	}
	mux.HandleFunc("/health", s.handleHealth)
	if s.health != nil {
		mux.HandleFunc("/health/live", s.handleLiveness)
		mux.HandleFunc("/health/ready", s.handleReadiness)
		mux.HandleFunc("/health/detailed", s.handleDetailedHealth)
	}
	mux.Handle("/metrics", metrics.Handler())
}

type destinationLister interface {
	Destinations() []*service.Destination
}

func destinationInfo(d *service.Destination) DestinationInfo {
	return DestinationInfo{
		ID:         d.ID(),
		Service:    d.ServiceID(),
		Channels:   d.Channels(),
		Started:    d.Started(),
		Reliable:   d.Reliable(),
		Constraint: d.SecurityConstraint(),
	}
}

// handleServices handles /api/v1/services endpoint
func (s *APIServer) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	services := s.broker.Services()
	infos := make([]ServiceInfo, 0, len(services))
	for _, svc := range services {
		info := ServiceInfo{ID: svc.ID(), Started: svc.Started(), Destinations: []DestinationInfo{}}
		if l, ok := svc.(destinationLister); ok {
			for _, d := range l.Destinations() {
				info.Destinations = append(info.Destinations, destinationInfo(d))
			}
		}
		infos = append(infos, info)
	}
	s.writeSuccess(w, infos)
}

// handleDestinations handles /api/v1/destinations endpoint
func (s *APIServer) handleDestinations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	index := make(map[string]string)
	for _, id := range s.broker.DestinationIDs() {
		if owner, ok := s.broker.ServiceIDFor(id); ok {
			index[id] = owner
		}
	}
	s.writeSuccess(w, index)
}

// handleEndpoints handles /api/v1/endpoints endpoint
func (s *APIServer) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	endpoints := s.broker.Endpoints()
	infos := make([]EndpointInfo, 0, len(endpoints))
	for _, e := range endpoints {
		infos = append(infos, EndpointInfo{ID: e.ID(), URL: e.URL(), Started: e.Started(), Remote: e.Remote()})
	}
	s.writeSuccess(w, infos)
}

// handleClients handles /api/v1/clients endpoint
func (s *APIServer) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	clients := s.broker.Clients().Clients()
	page, limit := s.getPagination(r)
	start := (page - 1) * limit
	end := start + limit
	if start > len(clients) {
		start = len(clients)
	}
	if end > len(clients) {
		end = len(clients)
	}

	infos := make([]ClientInfo, 0, end-start)
	for _, c := range clients[start:end] {
		infos = append(infos, clientInfo(c))
	}
	s.writeSuccess(w, struct {
		Data []ClientInfo   `json:"data"`
		Meta PaginationMeta `json:"meta"`
	}{
		Data: infos,
		Meta: PaginationMeta{Page: page, Limit: limit, Count: len(infos), Total: len(clients)},
	})
}

// handleClientByID handles /api/v1/clients/{clientid} endpoint
func (s *APIServer) handleClientByID(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimPrefix(r.URL.Path, "/api/v1/clients/")
	if clientID == "" {
		s.writeError(w, http.StatusBadRequest, "Client ID is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		c, ok := s.broker.Clients().Get(clientID)
		if !ok {
			s.writeError(w, http.StatusNotFound, "Client not found")
			return
		}
		s.writeSuccess(w, clientInfo(c))
	case http.MethodDelete:
		if !s.broker.Clients().Disconnect(clientID) {
			s.writeError(w, http.StatusNotFound, "Client not found")
			return
		}
		s.writeSuccess(w, map[string]string{"result": "disconnected"})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func clientInfo(c *client.Client) ClientInfo {
	info := ClientInfo{
		ClientID:  c.ID(),
		Endpoint:  c.EndpointID(),
		SessionID: c.Session().ID(),
		CreatedAt: c.Session().CreatedAt(),
		LastUsed:  c.LastUsed(),
	}
	if p := c.Session().Principal(); p != nil {
		info.Username = p.Name
	}
	return info
}

// handleDescribe handles /api/v1/describe endpoint. Query parameters:
// endpoint (channel filter), reliable (true/false) and format (json/yaml).
func (s *APIServer) handleDescribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	q := r.URL.Query()
	reliable, _ := strconv.ParseBool(q.Get("reliable"))
	desc := s.broker.DescribeServices(q.Get("endpoint"), reliable)

	if q.Get("format") == "yaml" {
		out, err := yaml.Marshal(desc)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
		return
	}
	s.writeSuccess(w, desc)
}

// handleBlacklist handles /api/v1/blacklist endpoint
func (s *APIServer) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries := s.blacklist.ListEntries(blacklist.Type(r.URL.Query().Get("type")))
		if entries == nil {
			entries = []blacklist.Entry{}
		}
		s.writeSuccess(w, entries)
	case http.MethodPost:
		var entry blacklist.Entry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		if err := s.blacklist.AddEntry(entry); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, blacklist.ErrEntryAlreadyExists) {
				status = http.StatusConflict
			}
			s.writeError(w, status, err.Error())
			return
		}
		created, _ := s.blacklist.GetEntry(entry.ID)
		s.writeJSON(w, http.StatusCreated, APIResponse{Code: 0, Data: created})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleBlacklistEntry handles /api/v1/blacklist/{id} endpoint
func (s *APIServer) handleBlacklistEntry(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/blacklist/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "Entry ID is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		entry, err := s.blacklist.GetEntry(id)
		if err != nil {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeSuccess(w, entry)
	case http.MethodDelete:
		if err := s.blacklist.RemoveEntry(id); err != nil {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeSuccess(w, map[string]string{"result": "removed"})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleHealth handles /health endpoint
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	status := "ok"
	code := http.StatusOK
	if !s.broker.Started() {
		status, code = "stopped", http.StatusServiceUnavailable
	} else if s.health != nil {
		if hs := s.health.RunChecks(); hs.Status == monitor.StatusUnhealthy {
			status, code = hs.Status, http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, code, APIResponse{Code: 0, Data: map[string]string{
		"status": status,
		"broker": s.broker.ID(),
		"time":   time.Now().Format(time.RFC3339),
	}})
}

// handleLiveness answers while the process is serving requests.
func (s *APIServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReadiness reports whether every critical check passes.
func (s *APIServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.health.RunChecks()
	if !s.health.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Service Unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *APIServer) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	status := s.health.RunChecks()
	code := http.StatusOK
	if status.Status == monitor.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, APIResponse{Code: 0, Data: status})
}

func (s *APIServer) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, APIResponse{Code: 0, Data: data})
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, APIResponse{Code: statusCode, Message: message})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] Failed to encode admin response: %v", err)
	}
}

func (s *APIServer) getPagination(r *http.Request) (page int, limit int) {
	page = 1
	limit = 20

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}
	return page, limit
}

// Server runs the admin API as one of the broker's shared servers.
type Server struct {
	addr string
	api  *APIServer

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer creates an admin server listening on addr once started.
func NewServer(addr string, b Broker, opts ...Option) *Server {
	return &Server{addr: addr, api: NewAPIServer(b, opts...)}
}

// Addr returns the listening address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	mux := http.NewServeMux()
	s.api.RegisterRoutes(mux)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.listener = ln
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[ERROR] Admin API server failed: %v", err)
		}
	}(s.srv, s.done)

	log.Printf("[INFO] Admin API listening on %s", ln.Addr())
	return nil
}

// Stop shuts the server down, waiting up to five seconds for requests in
// flight.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.listener, s.done = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	<-done
	log.Printf("[INFO] Admin API stopped")
	return err
}
