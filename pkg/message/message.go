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

// Package message defines the envelopes exchanged between endpoints, the
// broker, and services: application messages, protocol commands, and the
// acknowledgements that answer them.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Well-known header names.
const (
	// EndpointHeader carries the id of the channel a message arrived on.
	EndpointHeader = "Endpoint"
	// ValidateEndpointHeader asks the broker to check channel reachability
	// for this message even when enforcement is off. It is consumed by routing.
	ValidateEndpointHeader = "ValidateEndpoint"
	// RemoteCredentialsHeader carries base64 "user:pass" credentials for a
	// remote destination.
	RemoteCredentialsHeader = "RemoteCredentials"
	// RemoteCredentialsCharsetHeader names the charset of the decoded credentials.
	RemoteCredentialsCharsetHeader = "RemoteCredentialsCharset"
	// CredentialsCharsetHeader names the charset of login credentials.
	CredentialsCharsetHeader = "CredentialsCharset"
	// NeedsConfigHeader asks for a capability descriptor in the reply to a
	// ping or login command.
	NeedsConfigHeader = "NeedsConfig"
	// MessagingVersionHeader carries the serving endpoint's messaging version.
	MessagingVersionHeader = "MessagingVersion"
	// ClientIDHeader carries the id of the connected client bound to the request.
	ClientIDHeader = "ClientId"
)

// Message is an application message addressed to a destination.
type Message struct {
	ID          string
	Destination string
	ClientID    string
	Timestamp   time.Time
	Headers     map[string]any
	Body        any
}

// New creates a message with a generated id.
func New(destination string, body any) *Message {
	return &Message{
		ID:          uuid.NewString(),
		Destination: destination,
		Timestamp:   time.Now(),
		Headers:     make(map[string]any),
		Body:        body,
	}
}

// Header returns the named header value.
func (m *Message) Header(name string) (any, bool) {
	if m.Headers == nil {
		return nil, false
	}
	v, ok := m.Headers[name]
	return v, ok
}

// StringHeader returns the named header when it holds a string.
func (m *Message) StringHeader(name string) string {
	v, _ := m.Header(name)
	s, _ := v.(string)
	return s
}

// BoolHeader returns the named header as a boolean. Strings "true" and "1"
// count as true so text-based transports can set flags.
func (m *Message) BoolHeader(name string) bool {
	v, _ := m.Header(name)
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1"
	}
	return false
}

// SetHeader sets a header, allocating the header map when needed.
func (m *Message) SetHeader(name string, value any) {
	if m.Headers == nil {
		m.Headers = make(map[string]any)
	}
	m.Headers[name] = value
}

// RemoveHeader deletes a header.
func (m *Message) RemoveHeader(name string) {
	delete(m.Headers, name)
}

// Endpoint returns the id of the channel the message arrived on.
func (m *Message) Endpoint() string {
	return m.StringHeader(EndpointHeader)
}

// Operation identifies a protocol-level command. Values match the operation
// numbers used on the wire by existing clients.
type Operation int

const (
	OperationSubscribe              Operation = 0
	OperationUnsubscribe            Operation = 1
	OperationPoll                   Operation = 2
	OperationClientSync             Operation = 4
	OperationPing                   Operation = 5
	OperationClusterRequest         Operation = 7
	OperationLogin                  Operation = 8
	OperationLogout                 Operation = 9
	OperationSubscriptionInvalidate Operation = 10
	OperationMultiSubscribe         Operation = 11
	OperationDisconnect             Operation = 12
	OperationTriggerConnect         Operation = 13
	OperationUnknown                Operation = 10000
)

// String returns the string representation of Operation
func (o Operation) String() string {
	switch o {
	case OperationSubscribe:
		return "subscribe"
	case OperationUnsubscribe:
		return "unsubscribe"
	case OperationPoll:
		return "poll"
	case OperationClientSync:
		return "client_sync"
	case OperationPing:
		return "ping"
	case OperationClusterRequest:
		return "cluster_request"
	case OperationLogin:
		return "login"
	case OperationLogout:
		return "logout"
	case OperationSubscriptionInvalidate:
		return "subscription_invalidate"
	case OperationMultiSubscribe:
		return "multi_subscribe"
	case OperationDisconnect:
		return "disconnect"
	case OperationTriggerConnect:
		return "trigger_connect"
	default:
		return "unknown"
	}
}

// ParseOperation returns the operation named by s, as produced by String,
// or OperationUnknown.
func ParseOperation(s string) Operation {
	for op := OperationSubscribe; op <= OperationTriggerConnect; op++ {
		if name := op.String(); name != "unknown" && name == s {
			return op
		}
	}
	return OperationUnknown
}

// Command is a protocol-level control message.
type Command struct {
	Message
	Operation Operation
}

// NewCommand creates a command with a generated id.
func NewCommand(op Operation, destination string, body any) *Command {
	return &Command{
		Message:   *New(destination, body),
		Operation: op,
	}
}

// Acknowledgement is the reply to a message or command.
type Acknowledgement struct {
	ID            string
	CorrelationID string
	ClientID      string
	Destination   string
	Timestamp     time.Time
	Headers       map[string]any
	Body          any
}

// NewAcknowledgement creates a reply correlated to the given message.
func NewAcknowledgement(to *Message, body any) *Acknowledgement {
	return &Acknowledgement{
		ID:            uuid.NewString(),
		CorrelationID: to.ID,
		ClientID:      to.ClientID,
		Destination:   to.Destination,
		Timestamp:     time.Now(),
		Headers:       make(map[string]any),
		Body:          body,
	}
}

// SetHeader sets a header on the acknowledgement.
func (a *Acknowledgement) SetHeader(name string, value any) {
	if a.Headers == nil {
		a.Headers = make(map[string]any)
	}
	a.Headers[name] = value
}

// ErrorMessage is the body of a reply that reports a failure as data rather
// than as a transport fault, e.g. a rejected login.
type ErrorMessage struct {
	FaultCode     string `json:"faultCode" yaml:"faultCode"`
	FaultString   string `json:"faultString" yaml:"faultString"`
	FaultDetail   string `json:"faultDetail,omitempty" yaml:"faultDetail,omitempty"`
	CorrelationID string `json:"correlationId,omitempty" yaml:"correlationId,omitempty"`
}
