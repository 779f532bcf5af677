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
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/turtacn/msgroute-go/pkg/client"
	"github.com/turtacn/msgroute-go/pkg/endpoint"
	"github.com/turtacn/msgroute-go/pkg/faults"
	"github.com/turtacn/msgroute-go/pkg/message"
	"github.com/turtacn/msgroute-go/pkg/metrics"
	"github.com/turtacn/msgroute-go/pkg/security"
	"github.com/turtacn/msgroute-go/pkg/service"
)

// Route dispatches msg to the service owning its destination and returns
// the acknowledgement. Service failures are logged and returned unchanged.
func (b *Broker) Route(ctx context.Context, msg *message.Message) (*message.Acknowledgement, error) {
	if msg == nil || msg.ID == "" {
		return nil, b.routingFault(faults.New(faults.NullMessageID), "")
	}

	svc, ok := b.lookupService(msg.Destination)
	if !ok {
		return nil, b.routingFault(faults.New(faults.NoServiceForDestination, msg.Destination), msg.Destination)
	}
	d, ok := svc.Destination(msg.Destination)
	if !ok {
		return nil, b.routingFault(faults.New(faults.NoServiceForDestination, msg.Destination), msg.Destination)
	}

	if err := b.inspectOperation(ctx, msg, svc, d); err != nil {
		return nil, b.routingFault(err, msg.Destination)
	}
	msg.RemoveHeader(message.ValidateEndpointHeader)
	if err := b.extractRemoteCredentials(ctx, msg, svc); err != nil {
		return nil, b.routingFault(err, msg.Destination)
	}

	touch(ctx)
	result, err := svc.ServiceMessage(ctx, msg)
	if err != nil {
		logServiceFailure(svc.ID(), msg.Destination, err)
		return nil, err
	}

	metrics.MessagesRoutedTotal.WithLabelValues(svc.ID()).Inc()
	return acknowledge(msg, result), nil
}

// RouteCommand dispatches a protocol-level command. LOGIN and LOGOUT always
// go to the authentication service; a security failure raised there is
// returned as the reply body rather than as an error.
func (b *Broker) RouteCommand(ctx context.Context, cmd *message.Command) (*message.Acknowledgement, error) {
	if cmd == nil || cmd.ID == "" {
		return nil, b.routingFault(faults.New(faults.NullMessageID), "")
	}
	op := cmd.Operation
	metrics.CommandsRoutedTotal.WithLabelValues(op.String()).Inc()

	var (
		svc       service.Service
		serviceID string
	)
	switch op {
	case message.OperationLogin, message.OperationLogout:
		serviceID = service.AuthenticationServiceID
		svc, _ = b.services.Get(serviceID)
	default:
		if cmd.Destination != "" {
			svc, _ = b.lookupService(cmd.Destination)
		}
	}

	var (
		result  any
		handled bool
	)
	if svc != nil {
		if d, ok := svc.Destination(cmd.Destination); ok {
			if err := b.inspectOperation(ctx, &cmd.Message, svc, d); err != nil {
				return nil, b.routingFault(err, cmd.Destination)
			}
		}

		touch(ctx)
		r, err := svc.ServiceCommand(ctx, cmd)
		switch {
		case err == nil:
			result, handled = r, true
		case errors.Is(err, service.ErrUnsupportedOperation):
			return nil, b.routingFault(faults.Wrap(err, faults.ServiceCommandNotSupported, svc.ID(), op.String()), cmd.Destination)
		default:
			se, isSecurity := security.AsError(err)
			if !isSecurity || serviceID != service.AuthenticationServiceID {
				logServiceFailure(svc.ID(), cmd.Destination, err)
				return nil, err
			}
			log.Printf("[INFO] %s command rejected: %v", op, err)
			result, handled = se.ErrorMessage(cmd.ID), true
		}
	}

	if op != message.OperationPing && op != message.OperationLogin {
		if !handled {
			return nil, b.routingFault(faults.New(faults.NoServiceForDestination, cmd.Destination), cmd.Destination)
		}
		return acknowledge(&cmd.Message, result), nil
	}

	ack := acknowledge(&cmd.Message, result)
	channelID := cmd.Endpoint()
	if _, failed := ack.Body.(*message.ErrorMessage); !failed && cmd.BoolHeader(message.NeedsConfigHeader) {
		ack.Body = b.DescribeServices(channelID, false)
	}
	if e, ok := b.endpoints.Get(channelID); ok {
		if v, ok := e.(endpoint.Versioned); ok {
			ack.SetHeader(message.MessagingVersionHeader, v.MessagingVersion())
		}
	}
	if c := client.ClientFrom(ctx); c != nil {
		ack.SetHeader(message.ClientIDHeader, c.ID())
	}
	return ack, nil
}

// extractRemoteCredentials hands base64 "user:password" credentials carried
// by msg to the session bound in ctx.
func (b *Broker) extractRemoteCredentials(ctx context.Context, msg *message.Message, svc service.Service) error {
	raw, ok := msg.Header(message.RemoteCredentialsHeader)
	if !ok || raw == nil {
		return nil
	}
	encoded, ok := raw.(string)
	if !ok {
		return faults.Wrap(fmt.Errorf("%w: header is %T", security.ErrMalformedCredentials, raw),
			faults.UnknownRemoteCredentialsFormat, msg.Destination)
	}
	if encoded == "" {
		return nil
	}

	user, pass, err := security.DecodeCredentials(encoded, msg.StringHeader(message.RemoteCredentialsCharsetHeader))
	if err != nil {
		return faults.Wrap(err, faults.UnknownRemoteCredentialsFormat, msg.Destination)
	}

	s := client.SessionFrom(ctx)
	if s == nil {
		log.Printf("[WARN] Remote credentials for destination %s dropped, no session is bound", msg.Destination)
		return nil
	}
	s.PutRemoteCredentials(client.RemoteCredentials{
		Service:     svc.ID(),
		Destination: msg.Destination,
		Username:    user,
		Password:    pass,
	})
	return nil
}

// acknowledge shapes a service result into the reply for msg.
func acknowledge(msg *message.Message, result any) *message.Acknowledgement {
	ack, ok := result.(*message.Acknowledgement)
	if !ok || ack == nil {
		return message.NewAcknowledgement(msg, result)
	}
	ack.CorrelationID = msg.ID
	ack.ClientID = msg.ClientID
	if ack.Destination == "" {
		ack.Destination = msg.Destination
	}
	return ack
}

func touch(ctx context.Context) {
	if c := client.ClientFrom(ctx); c != nil {
		c.Touch()
	}
}

// routingFault logs err with its causal chain and counts it.
func (b *Broker) routingFault(err error, destination string) error {
	label := "security"
	if code, ok := faults.CodeOf(err); ok {
		label = strconv.Itoa(int(code))
	}
	metrics.RoutingFaultsTotal.WithLabelValues(label).Inc()
	log.Printf("[WARN] Routing failed for destination '%s': %s", destination, strings.Join(faults.Chain(err), " <- "))
	return err
}

func logServiceFailure(serviceID, destination string, err error) {
	log.Printf("[ERROR] Service %s failed for destination '%s': %s", serviceID, destination, strings.Join(faults.Chain(err), " <- "))
}
