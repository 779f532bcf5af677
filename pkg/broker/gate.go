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

	"github.com/turtacn/msgroute-go/pkg/faults"
	"github.com/turtacn/msgroute-go/pkg/message"
	"github.com/turtacn/msgroute-go/pkg/security"
	"github.com/turtacn/msgroute-go/pkg/service"
)

// inspectChannel checks that msg arrived on a channel d is reachable over.
// It only runs when validation is enforced broker-wide or msg opts in with
// the validation header.
func (b *Broker) inspectChannel(msg *message.Message, d *service.Destination) error {
	if !b.enforceEndpointValidation && !msg.BoolHeader(message.ValidateEndpointHeader) {
		return nil
	}
	channel := msg.Endpoint()
	if channel != "" && d.HasChannel(channel) {
		return nil
	}
	return faults.New(faults.DestinationUnreachable, d.ID(), channel)
}

// inspectOperation runs every check that must pass before svc is invoked
// for d.
func (b *Broker) inspectOperation(ctx context.Context, msg *message.Message, svc service.Service, d *service.Destination) error {
	if err := b.inspectChannel(msg, d); err != nil {
		return err
	}

	if c := d.SecurityConstraint(); c != nil {
		if b.logins == nil {
			return security.NewError(security.CodeAuthorizationFailed,
				"destination %s is constrained by %s but no login manager is configured", d.ID(), c.Name)
		}
		if err := b.logins.CheckConstraint(ctx, c); err != nil {
			return err
		}
	}

	if !svc.Started() {
		return faults.New(faults.ServiceStopped, svc.ID(), d.ID())
	}
	if !d.Started() {
		return faults.New(faults.DestinationStopped, d.ID())
	}
	return nil
}
