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

// Package security holds the authorization vocabulary shared by the broker
// and login providers: constraints attached to destinations, authenticated
// principals, and the security failures raised when a check does not pass.
package security

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/turtacn/msgroute-go/pkg/message"
	"golang.org/x/text/encoding/ianaindex"
)

// Failure codes reported to clients.
const (
	CodeAuthenticationFailed   = "Client.Authentication"
	CodeAuthenticationRequired = "Client.Authentication.Required"
	CodeAuthorizationFailed    = "Client.Authorization"
	CodeServerError            = "Server.Authentication"
)

// Constraint is a named authorization policy attached to a destination. An
// empty Roles list only requires an authenticated principal.
type Constraint struct {
	Name  string   `yaml:"name" json:"name"`
	Roles []string `yaml:"roles" json:"roles"`
}

// Principal is an authenticated identity.
type Principal struct {
	Name  string
	Roles []string
}

// HasAnyRole reports whether the principal holds at least one of roles.
func (p *Principal) HasAnyRole(roles []string) bool {
	if p == nil {
		return false
	}
	for _, want := range roles {
		for _, have := range p.Roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Error is a security failure.
type Error struct {
	Code    string
	Message string
	Cause   error
}

// NewError creates a security failure.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrorMessage converts the failure into a reply body.
func (e *Error) ErrorMessage(correlationID string) *message.ErrorMessage {
	em := &message.ErrorMessage{
		FaultCode:     e.Code,
		FaultString:   e.Message,
		CorrelationID: correlationID,
	}
	if e.Cause != nil {
		em.FaultDetail = e.Cause.Error()
	}
	return em
}

// AsError returns the security failure in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

var (
	// ErrMalformedCredentials is returned when credentials are not base64
	// encoded "user:password".
	ErrMalformedCredentials = errors.New("malformed credentials")
	// ErrUnknownCharset is returned for a charset name with no known encoding.
	ErrUnknownCharset = errors.New("unknown credentials charset")
)

// DecodeCredentials decodes base64 "user:password" credentials. charset is an
// IANA name such as "ISO-8859-1"; empty means UTF-8.
func DecodeCredentials(encoded, charset string) (string, string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedCredentials, err)
	}

	text := string(raw)
	if charset != "" && !strings.EqualFold(charset, "utf-8") && !strings.EqualFold(charset, "utf8") {
		enc, err := ianaindex.IANA.Encoding(charset)
		if err != nil || enc == nil {
			return "", "", fmt.Errorf("%w: %s", ErrUnknownCharset, charset)
		}
		decoded, err := enc.NewDecoder().Bytes(raw)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrMalformedCredentials, err)
		}
		text = string(decoded)
	}

	user, pass, ok := strings.Cut(text, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: missing ':' separator", ErrMalformedCredentials)
	}
	return user, pass, nil
}

// EncodeCredentials is the inverse of DecodeCredentials for UTF-8 input.
func EncodeCredentials(user, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
}
