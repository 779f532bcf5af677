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

package monitor

import (
	"fmt"
	"strings"

	"github.com/turtacn/msgroute-go/pkg/endpoint"
	"github.com/turtacn/msgroute-go/pkg/service"
)

// Broker is the part of the broker the component checks inspect.
type Broker interface {
	Started() bool
	Endpoints() []endpoint.Endpoint
	Services() []service.Service
}

// RegisterBrokerChecks registers critical checks for the broker, its local
// endpoints and its services.
func RegisterBrokerChecks(hc *HealthChecker, b Broker) {
	hc.RegisterCheck("broker", func() error {
		if !b.Started() {
			return fmt.Errorf("broker is not started")
		}
		return nil
	}, true)

	hc.RegisterCheck("endpoints", func() error {
		var stopped []string
		for _, ep := range b.Endpoints() {
			if !ep.Remote() && !ep.Started() {
				stopped = append(stopped, ep.ID())
			}
		}
		return stoppedError("endpoints", stopped)
	}, true)

	hc.RegisterCheck("services", func() error {
		var stopped []string
		for _, svc := range b.Services() {
			if !svc.Started() {
				stopped = append(stopped, svc.ID())
			}
		}
		return stoppedError("services", stopped)
	}, true)
}

func stoppedError(kind string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return fmt.Errorf("%s not started: %s", kind, strings.Join(ids, ", "))
}
