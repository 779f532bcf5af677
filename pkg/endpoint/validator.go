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

package endpoint

import (
	"strings"
	"sync"

	"github.com/turtacn/msgroute-go/pkg/faults"
)

// URLValidator keeps endpoint URLs unique. Each URL is recorded in two
// forms: its canonical request path, and that path starting at its second
// segment. Every form of a new URL is checked against every recorded form,
// so two endpoints cannot become indistinguishable once a context root is
// added to or removed from the request path.
type URLValidator struct {
	mu     sync.Mutex
	owners map[string]string
}

// NewURLValidator creates an empty validator.
func NewURLValidator() *URLValidator {
	return &URLValidator{owners: make(map[string]string)}
}

// CheckURL validates url for endpoint id and records it. Re-checking the
// same id and url succeeds. A failed check records nothing.
func (v *URLValidator) CheckURL(id, url string) error {
	if url == "" {
		return faults.New(faults.NullEndpointURL, id)
	}

	forms := []string{Canonical(url)}
	if suffix := ContextStripped(forms[0]); suffix != "" {
		forms = append(forms, suffix)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, f := range forms {
		if owner, ok := v.owners[f]; ok && owner != id {
			return faults.New(faults.URIAlreadyRegistered, url, id, owner)
		}
	}
	for _, f := range forms {
		v.owners[f] = id
	}
	return nil
}

// Release forgets every URL recorded for id.
func (v *URLValidator) Release(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for f, owner := range v.owners {
		if owner == id {
			delete(v.owners, f)
		}
	}
}

// Canonical reduces url to the lowercase request path it is served on, with
// placeholder tokens removed, repeated slashes collapsed and no trailing
// slash. A URL without a path is not addressed by path and keeps its scheme
// and authority.
func Canonical(url string) string {
	c := stripTokens(strings.ToLower(url))
	path := strings.TrimSuffix(collapseSlashes(stripTokens(pathOf(strings.ToLower(url)))), "/")
	if path == "" {
		return strings.TrimSuffix(c, "/")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func stripTokens(s string) string {
	for _, token := range []string{ServerNameToken, ServerPortToken, ContextRootToken} {
		s = strings.ReplaceAll(s, token, "")
	}
	return s
}

// ContextStripped returns the part of a canonical path that starts at its
// second segment, or "" when the path has a single segment.
func ContextStripped(canonical string) string {
	path := pathOf(canonical)
	if len(path) < 2 {
		return ""
	}
	j := strings.Index(path[1:], "/")
	if j < 0 {
		return ""
	}
	return path[j+1:]
}
