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

// Package endpoint defines the contract the broker expects from channels,
// the transport entry points clients connect through, along with the URL
// bookkeeping used to keep endpoint URLs unique and to map request paths
// back to endpoints.
package endpoint

import (
	"context"
	"log"
	"strings"
	"sync/atomic"

	"github.com/turtacn/msgroute-go/pkg/descriptor"
)

// URL placeholder tokens substituted at request time.
const (
	ServerNameToken  = "{server.name}"
	ServerPortToken  = "{server.port}"
	ContextRootToken = "{context.root}"
)

// Endpoint is a named transport entry point.
type Endpoint interface {
	ID() string
	URL() string
	// ParsedURL returns the endpoint's URL path relative to contextRoot.
	ParsedURL(contextRoot string) string
	Start(ctx context.Context) error
	Stop() error
	Started() bool
	// Remote reports whether the endpoint is served by another process.
	// Remote endpoints are neither started nor described locally.
	Remote() bool
	Describe() *descriptor.Map
}

// Versioned is implemented by endpoints that announce a messaging version.
type Versioned interface {
	MessagingVersion() float64
}

// Base carries the identity and state shared by endpoint implementations.
// Embedders override Start and Stop and call MarkStarted.
type Base struct {
	id      string
	url     string
	kind    string
	remote  bool
	started atomic.Bool
}

// NewBase creates a Base. kind is the transport type reported to clients,
// e.g. "mqtt".
func NewBase(id, url, kind string) *Base {
	return &Base{id: id, url: url, kind: kind}
}

// ID returns the endpoint id.
func (b *Base) ID() string { return b.id }

// URL returns the endpoint URL template.
func (b *Base) URL() string { return b.url }

// Kind returns the transport type.
func (b *Base) Kind() string { return b.kind }

// Remote reports whether the endpoint is served elsewhere.
func (b *Base) Remote() bool { return b.remote }

// SetRemote marks the endpoint as served by another process.
func (b *Base) SetRemote(remote bool) { b.remote = remote }

// Started reports whether the endpoint is running.
func (b *Base) Started() bool { return b.started.Load() }

// MarkStarted records the running state.
func (b *Base) MarkStarted(started bool) { b.started.Store(started) }

// Start marks the endpoint started.
func (b *Base) Start(ctx context.Context) error {
	if b.started.CompareAndSwap(false, true) {
		log.Printf("[INFO] Endpoint %s started", b.id)
	}
	return nil
}

// Stop marks the endpoint stopped.
func (b *Base) Stop() error {
	if b.started.CompareAndSwap(true, false) {
		log.Printf("[INFO] Endpoint %s stopped", b.id)
	}
	return nil
}

// ParsedURL substitutes contextRoot into the URL, drops scheme and host, and
// returns the remaining path relative to contextRoot.
func (b *Base) ParsedURL(contextRoot string) string {
	return RelativePath(b.url, contextRoot)
}

// Describe returns the channel fragment of the capability descriptor.
func (b *Base) Describe() *descriptor.Map {
	ep := descriptor.New().Set(descriptor.URLElement, b.url)
	return descriptor.New().
		Set(descriptor.IDAttr, b.id).
		Set(descriptor.TypeAttr, b.kind).
		Set("endpoint", ep)
}

// RelativePath resolves url against contextRoot and returns its path with
// the context root prefix removed.
func RelativePath(url, contextRoot string) string {
	root := normalizeRoot(contextRoot)
	resolved := strings.ReplaceAll(url, ContextRootToken, strings.Trim(root, "/"))
	path := collapseSlashes(pathOf(resolved))
	if root != "" && len(path) >= len(root) && strings.EqualFold(path[:len(root)], root) &&
		(len(path) == len(root) || path[len(root)] == '/') {
		path = path[len(root):]
	}
	if path == "" {
		path = "/"
	}
	return path
}

func normalizeRoot(contextRoot string) string {
	root := strings.Trim(contextRoot, "/")
	if root == "" {
		return ""
	}
	return "/" + root
}

// pathOf strips "scheme://authority" from s when present.
func pathOf(s string) string {
	i := strings.Index(s, "://")
	if i < 0 {
		return s
	}
	rest := s[i+3:]
	j := strings.Index(rest, "/")
	if j < 0 {
		return ""
	}
	return rest[j:]
}

func collapseSlashes(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}
