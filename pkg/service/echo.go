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

package service

import (
	"context"
	"fmt"

	"github.com/turtacn/msgroute-go/pkg/message"
)

// EchoPushHeader names the client an echo request is forwarded to instead of
// being answered directly.
const EchoPushHeader = "EchoPushTo"

// Pusher delivers a message to a connected client by id.
type Pusher interface {
	PushToClient(ctx context.Context, msg *message.Message, clientID string) error
}

// Echo answers each message with its own body. A message carrying
// EchoPushHeader is forwarded to that client instead.
type Echo struct {
	*Base
	pusher Pusher
}

// NewEcho creates an echo service. pusher may be nil when forwarding is not
// needed.
func NewEcho(id string, r Registrar, pusher Pusher) *Echo {
	return &Echo{Base: NewBase(id, r), pusher: pusher}
}

// ServiceMessage echoes msg.Body or forwards msg to another client.
func (e *Echo) ServiceMessage(ctx context.Context, msg *message.Message) (any, error) {
	target := msg.StringHeader(EchoPushHeader)
	if target == "" {
		return msg.Body, nil
	}
	if e.pusher == nil {
		return nil, fmt.Errorf("echo service %s cannot forward: %w", e.ID(), ErrUnsupportedOperation)
	}

	out := message.New(msg.Destination, msg.Body)
	out.ClientID = msg.ClientID
	if err := e.pusher.PushToClient(ctx, out, target); err != nil {
		return nil, fmt.Errorf("failed to forward to client %s: %w", target, err)
	}
	return map[string]any{"forwarded": target}, nil
}

// ServiceCommand accepts subscription commands so clients can attach to an
// echo destination. Everything else is unsupported.
func (e *Echo) ServiceCommand(ctx context.Context, cmd *message.Command) (any, error) {
	switch cmd.Operation {
	case message.OperationSubscribe, message.OperationUnsubscribe:
		return nil, nil
	default:
		return e.Base.ServiceCommand(ctx, cmd)
	}
}
