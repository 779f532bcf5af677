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

// Package faults defines the coded errors raised by the routing core.
//
// Every fault carries a stable numeric code and the arguments used to render
// its message template, so that endpoint adapters can map a failure to a
// protocol-level fault code without parsing strings. Faults fall into two
// families: configuration faults, which abort startup or registration, and
// routing faults, which are surfaced to the calling endpoint.
package faults

import (
	"errors"
	"fmt"
)

// Code is the stable identity of a fault.
type Code int

// Family groups codes by the phase in which they are raised.
type Family int

const (
	// FamilyConfiguration covers faults raised while registering components.
	FamilyConfiguration Family = iota
	// FamilyRouting covers faults raised while dispatching messages.
	FamilyRouting
)

// String returns the string representation of Family
func (f Family) String() string {
	switch f {
	case FamilyConfiguration:
		return "configuration"
	case FamilyRouting:
		return "routing"
	default:
		return "unknown"
	}
}

// Configuration-time codes.
const (
	NullComponent          Code = 11100
	NullComponentID        Code = 11101
	DuplicateComponentID   Code = 11102
	NullEndpointURL        Code = 11103
	URIAlreadyRegistered   Code = 11104
	DuplicateDestinationID Code = 11105
	DuplicateBrokerID      Code = 11106
)

// Runtime routing codes.
const (
	NoServiceForDestination        Code = 11200
	DestinationUnreachable         Code = 11201
	ServiceStopped                 Code = 11202
	DestinationStopped             Code = 11203
	NullMessageID                  Code = 11204
	UnknownRemoteCredentialsFormat Code = 11205
	ServiceCommandNotSupported     Code = 11206
	NoEndpointForPath              Code = 11207
)

var templates = map[Code]string{
	NullComponent:                  "cannot add null %s to the broker",
	NullComponentID:                "cannot add %s with null id to the broker",
	DuplicateComponentID:           "%s with id '%s' is already registered with the broker",
	NullEndpointURL:                "endpoint '%s' must have a url",
	URIAlreadyRegistered:           "url '%s' of endpoint '%s' is already registered by endpoint '%s'",
	DuplicateDestinationID:         "destination '%s' cannot be registered for service '%s', it is already owned by service '%s'",
	DuplicateBrokerID:              "a message broker with id '%s' is already registered",
	NoServiceForDestination:        "no destination with id '%s' is registered with any service",
	DestinationUnreachable:         "destination '%s' is not accessible over channel '%s'",
	ServiceStopped:                 "service '%s' for destination '%s' is not started",
	DestinationStopped:             "destination '%s' is not started",
	NullMessageID:                  "cannot route a message without a message id",
	UnknownRemoteCredentialsFormat: "remote credentials for destination '%s' are not in a supported format",
	ServiceCommandNotSupported:     "service '%s' does not support command operation '%s'",
	NoEndpointForPath:              "no endpoint is configured for request path '%s'",
}

// Family reports which family the code belongs to.
func (c Code) Family() Family {
	if c >= 11200 {
		return FamilyRouting
	}
	return FamilyConfiguration
}

// Error is a coded fault. Two faults are considered the same by errors.Is
// when their codes match, regardless of arguments.
type Error struct {
	Code  Code
	Args  []any
	Cause error
}

// New creates a fault with the given code and template arguments.
func New(code Code, args ...any) *Error {
	return &Error{Code: code, Args: args}
}

// Wrap creates a fault that records cause as its underlying error.
func Wrap(cause error, code Code, args ...any) *Error {
	return &Error{Code: code, Args: args, Cause: cause}
}

func (e *Error) Error() string {
	msg := e.Message()
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%d] %s", e.Code, msg)
}

// Message renders the code's template without the cause.
func (e *Error) Message() string {
	tmpl, ok := templates[e.Code]
	if !ok {
		return fmt.Sprintf("fault %d %v", e.Code, e.Args)
	}
	return fmt.Sprintf(tmpl, padArgs(tmpl, e.Args)...)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels usable as errors.Is targets.
var (
	ErrNullComponent                  = New(NullComponent)
	ErrNullComponentID                = New(NullComponentID)
	ErrDuplicateComponentID           = New(DuplicateComponentID)
	ErrNullEndpointURL                = New(NullEndpointURL)
	ErrURIAlreadyRegistered           = New(URIAlreadyRegistered)
	ErrDuplicateDestinationID         = New(DuplicateDestinationID)
	ErrDuplicateBrokerID              = New(DuplicateBrokerID)
	ErrNoServiceForDestination        = New(NoServiceForDestination)
	ErrDestinationUnreachable         = New(DestinationUnreachable)
	ErrServiceStopped                 = New(ServiceStopped)
	ErrDestinationStopped             = New(DestinationStopped)
	ErrNullMessageID                  = New(NullMessageID)
	ErrUnknownRemoteCredentialsFormat = New(UnknownRemoteCredentialsFormat)
	ErrServiceCommandNotSupported     = New(ServiceCommandNotSupported)
	ErrNoEndpointForPath              = New(NoEndpointForPath)
)

// CodeOf extracts the fault code from err, returning false when err carries none.
func CodeOf(err error) (Code, bool) {
	var f *Error
	if errors.As(err, &f) {
		return f.Code, true
	}
	return 0, false
}

// Chain renders err and every error it wraps, outermost first.
func Chain(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		err = errors.Unwrap(err)
	}
	return chain
}

// padArgs fills missing template arguments so a partially populated fault
// still renders without %!s(MISSING) noise.
func padArgs(tmpl string, args []any) []any {
	n := 0
	for i := 0; i < len(tmpl)-1; i++ {
		if tmpl[i] == '%' {
			if tmpl[i+1] == '%' {
				i++
				continue
			}
			n++
		}
	}
	if len(args) >= n {
		return args
	}
	padded := make([]any, n)
	copy(padded, args)
	for i := len(args); i < n; i++ {
		padded[i] = "?"
	}
	return padded
}
