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

// Package delivery provides the actor that writes pushed messages to a
// connected client's transport. One actor runs per client under a
// supervisor, so a transport write failure restarts delivery instead of
// tearing down the broker.
package delivery

import (
	"context"
	"log"

	"github.com/turtacn/msgroute-go/pkg/actor"
	"github.com/turtacn/msgroute-go/pkg/message"
)

// Deliverer writes a message to a client's transport.
type Deliverer interface {
	Deliver(msg *message.Message) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(msg *message.Message) error

// Deliver calls f(msg).
func (f DelivererFunc) Deliver(msg *message.Message) error { return f(msg) }

// Actor drains a client's mailbox into its Deliverer.
type Actor struct {
	ClientID  string
	deliverer Deliverer
}

// New creates a delivery actor for the given client.
func New(clientID string, d Deliverer) *Actor {
	return &Actor{
		ClientID:  clientID,
		deliverer: d,
	}
}

// Start delivers queued messages until ctx is done. A failed write ends the
// actor with the error; the message that failed is dropped.
func (a *Actor) Start(ctx context.Context, mb *actor.Mailbox) error {
	log.Printf("[DEBUG] Delivery actor started for client %s", a.ClientID)
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			log.Printf("[DEBUG] Delivery actor for client %s shutting down: %v", a.ClientID, err)
			return nil
		}

		switch m := msg.(type) {
		case *message.Message:
			if err := a.deliverer.Deliver(m); err != nil {
				log.Printf("[ERROR] Failed to deliver message %s to client %s: %v", m.ID, a.ClientID, err)
				return err
			}
		default:
			log.Printf("[WARN] Delivery actor for %s received unknown message type: %T", a.ClientID, m)
		}
	}
}
