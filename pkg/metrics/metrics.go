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

// Package metrics exposes the broker's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesRoutedTotal counts messages handed to a service, by service id.
	MessagesRoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgroute_messages_routed_total",
		Help: "The total number of messages dispatched to a service.",
	},
		[]string{"service"},
	)

	// CommandsRoutedTotal counts routed commands, by operation.
	CommandsRoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgroute_commands_routed_total",
		Help: "The total number of commands routed by the broker.",
	},
		[]string{"operation"},
	)

	// RoutingFaultsTotal counts failed dispatches, by fault code.
	RoutingFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgroute_routing_faults_total",
		Help: "The total number of routing failures, labelled by fault code.",
	},
		[]string{"code"},
	)

	// PushesTotal counts server-initiated pushes, by result.
	PushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgroute_pushes_total",
		Help: "The total number of messages pushed to connected clients.",
	},
		[]string{"result"},
	)

	// ConnectionsTotal counts transport connections accepted by endpoints.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgroute_connections_total",
		Help: "The total number of connections accepted by endpoints.",
	})

	// ConnectedClients tracks currently connected clients.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgroute_connected_clients",
		Help: "The number of clients currently known to the client manager.",
	})

	// BlockedTotal counts connections and messages refused by the blacklist,
	// by entry type.
	BlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgroute_blacklist_blocks_total",
		Help: "The total number of connections or messages refused by the blacklist.",
	},
		[]string{"type"},
	)

	// SupervisorRestartsTotal counts restarts of supervised actors.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgroute_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
