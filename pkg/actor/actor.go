// Copyright 2022 The emqx-go Authors
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

// Package actor provides the minimal actor runtime used for outbound
// delivery: an Actor is a long-running function that consumes a Mailbox.
package actor

import (
	"context"
	"errors"
)

// ErrMailboxFull is returned by TrySend when the mailbox buffer is exhausted.
var ErrMailboxFull = errors.New("mailbox full")

// Actor consumes messages from a mailbox until its context is done or it
// fails. Returning a non-nil error marks the termination as abnormal.
type Actor interface {
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a bounded FIFO queue feeding a single actor.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a mailbox that buffers up to size messages.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send enqueues msg, blocking while the mailbox is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// SendContext enqueues msg, giving up when ctx is done.
func (mb *Mailbox) SendContext(ctx context.Context, msg any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case mb.messages <- msg:
		return nil
	}
}

// TrySend enqueues msg without blocking.
func (mb *Mailbox) TrySend(msg any) error {
	select {
	case mb.messages <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive dequeues the next message, giving up when ctx is done.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}

// Chan exposes the underlying channel for select loops.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}
