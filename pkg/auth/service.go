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

package auth

import (
	"context"
	"fmt"

	"github.com/turtacn/msgroute-go/pkg/message"
	"github.com/turtacn/msgroute-go/pkg/security"
	"github.com/turtacn/msgroute-go/pkg/service"
)

// Service handles LOGIN and LOGOUT commands. It owns no destinations.
type Service struct {
	*service.Base
	logins *LoginManager
}

// NewService creates the authentication service.
func NewService(r service.Registrar, logins *LoginManager) *Service {
	return &Service{
		Base:   service.NewBase(service.AuthenticationServiceID, r),
		logins: logins,
	}
}

// ServiceMessage rejects every message.
func (s *Service) ServiceMessage(ctx context.Context, msg *message.Message) (any, error) {
	return nil, service.ErrUnsupportedOperation
}

// ServiceCommand logs in with base64 "user:password" credentials in the body,
// or logs out.
func (s *Service) ServiceCommand(ctx context.Context, cmd *message.Command) (any, error) {
	switch cmd.Operation {
	case message.OperationLogin:
		encoded, ok := cmd.Body.(string)
		if !ok {
			return nil, &security.Error{
				Code:    security.CodeAuthenticationFailed,
				Message: "login credentials must be a string",
				Cause:   fmt.Errorf("%w: body is %T", security.ErrMalformedCredentials, cmd.Body),
			}
		}
		user, pass, err := security.DecodeCredentials(encoded, cmd.StringHeader(message.CredentialsCharsetHeader))
		if err != nil {
			return nil, &security.Error{Code: security.CodeAuthenticationFailed, Message: "cannot decode login credentials", Cause: err}
		}
		if _, err := s.logins.Login(ctx, user, pass); err != nil {
			return nil, err
		}
		return "success", nil
	case message.OperationLogout:
		if err := s.logins.Logout(ctx); err != nil {
			return nil, err
		}
		return "success", nil
	default:
		return nil, service.ErrUnsupportedOperation
	}
}
