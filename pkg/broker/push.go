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

package broker

import (
	"context"
	"fmt"
	"log"

	"github.com/turtacn/msgroute-go/pkg/client"
	"github.com/turtacn/msgroute-go/pkg/message"
	"github.com/turtacn/msgroute-go/pkg/metrics"
)

// PushTo delivers msg to target as if executing on target's behalf. The
// execution in ctx is rebound to target for the duration of the push and
// restored afterwards, even if the push fails or panics.
func (b *Broker) PushTo(ctx context.Context, msg *message.Message, target *client.Client) (err error) {
	if target == nil {
		metrics.PushesTotal.WithLabelValues("error").Inc()
		log.Printf("[WARN] Push of message %s failed: no target client", msg.ID)
		return fmt.Errorf("%w: no target client", ErrClientNotFound)
	}
	exec := client.ExecutionFrom(ctx)
	if exec == nil {
		exec = client.NewExecution(nil)
		ctx = client.WithExecution(ctx, exec)
	}

	saved := exec.Bind(target, target.Session())
	defer exec.Restore(saved)

	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			log.Printf("[WARN] Push of message %s to client %s failed: %v", msg.ID, target.ID(), err)
		}
		metrics.PushesTotal.WithLabelValues(result).Inc()
	}()

	if msg.ClientID == "" {
		msg.ClientID = target.ID()
	}
	return target.Push(ctx, msg)
}

// PushToClient pushes msg to the connected client with id clientID.
func (b *Broker) PushToClient(ctx context.Context, msg *message.Message, clientID string) error {
	target, ok := b.clients.Get(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	return b.PushTo(ctx, msg, target)
}
