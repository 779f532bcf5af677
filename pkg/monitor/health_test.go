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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/msgroute-go/pkg/broker"
	"github.com/turtacn/msgroute-go/pkg/endpoint"
	"github.com/turtacn/msgroute-go/pkg/service"
)

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker("node1")

	assert.True(t, hc.IsHealthy())
	assert.Equal(t, []string{"goroutines"}, hc.CheckNames())

	status := hc.Status()
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "node1", status.Node)
	assert.Equal(t, CheckUnknown, status.Checks["goroutines"].Status)
}

func TestHealthChecker_RunChecks(t *testing.T) {
	tests := []struct {
		name     string
		critical bool
		err      error
		want     string
		healthy  bool
	}{
		{name: "passing", critical: true, want: StatusHealthy, healthy: true},
		{name: "critical failure", critical: true, err: errors.New("down"), want: StatusUnhealthy},
		{name: "non-critical failure", err: errors.New("slow"), want: StatusDegraded, healthy: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker("node1")
			called := false
			hc.RegisterCheck("probe", func() error {
				called = true
				return tt.err
			}, tt.critical)

			status := hc.RunChecks()
			assert.True(t, called)
			assert.Equal(t, tt.want, status.Status)
			assert.Equal(t, tt.healthy, hc.IsHealthy())

			r := status.Checks["probe"]
			assert.Equal(t, tt.critical, r.Critical)
			assert.False(t, r.LastChecked.IsZero())
			if tt.err != nil {
				assert.Equal(t, CheckFailed, r.Status)
				assert.Equal(t, tt.err.Error(), r.Message)
			} else {
				assert.Equal(t, CheckPassed, r.Status)
			}
		})
	}
}

func TestHealthChecker_DisableAndUnregister(t *testing.T) {
	hc := NewHealthChecker("node1")
	hc.RegisterCheck("failing", func() error { return errors.New("boom") }, true)

	hc.SetEnabled("failing", false)
	status := hc.RunChecks()
	assert.Equal(t, StatusHealthy, status.Status)
	assert.NotContains(t, status.Checks, "failing")

	hc.SetEnabled("failing", true)
	assert.Equal(t, StatusUnhealthy, hc.RunChecks().Status)

	hc.UnregisterCheck("failing")
	assert.Equal(t, StatusHealthy, hc.RunChecks().Status)
	assert.NotContains(t, hc.CheckNames(), "failing")
}

func TestGoroutineCheck(t *testing.T) {
	assert.NoError(t, GoroutineCheck(1<<20)())
	assert.Error(t, GoroutineCheck(0)())
}

func TestRegisterBrokerChecks(t *testing.T) {
	b := broker.New(broker.WithID("monitor-test"))
	echo := service.NewEcho("echo-service", b, b)
	require.NoError(t, echo.AddDestination(service.NewDestination("echo")))
	require.NoError(t, b.AddService(echo))
	require.NoError(t, b.AddEndpoint(endpoint.NewBase("amf", "http://{server.name}/app/amf", "mqtt")))

	remote := endpoint.NewBase("remote", "http://{server.name}/app/remote", "mqtt")
	remote.SetRemote(true)
	require.NoError(t, b.AddEndpoint(remote))

	hc := NewHealthChecker("monitor-test")
	RegisterBrokerChecks(hc, b)
	assert.ElementsMatch(t, []string{"broker", "endpoints", "services", "goroutines"}, hc.CheckNames())

	status := hc.RunChecks()
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, CheckFailed, status.Checks["broker"].Status)
	assert.Contains(t, status.Checks["endpoints"].Message, "amf")
	assert.NotContains(t, status.Checks["endpoints"].Message, "remote")
	assert.Contains(t, status.Checks["services"].Message, "echo-service")

	require.NoError(t, b.Start(context.Background()))
	status = hc.RunChecks()
	assert.Equal(t, StatusHealthy, status.Status)
	for _, name := range []string{"broker", "endpoints", "services"} {
		assert.Equal(t, CheckPassed, status.Checks[name].Status, name)
	}

	require.NoError(t, b.Stop())
	assert.Equal(t, StatusUnhealthy, hc.RunChecks().Status)
}
