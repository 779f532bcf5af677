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
	"github.com/turtacn/msgroute-go/pkg/descriptor"
	"github.com/turtacn/msgroute-go/pkg/service"
)

// DescribeServices builds the capability descriptor sent to clients on
// bootstrap. Service destinations are filtered to those reachable over
// endpointID; an empty endpointID describes every destination and every
// local endpoint.
func (b *Broker) DescribeServices(endpointID string, reliableOnly bool) *descriptor.Map {
	for _, l := range b.validationListeners() {
		l.ValidateServices()
	}

	root := descriptor.New()

	var channelIDs []string
	if endpointID != "" {
		channelIDs = append(channelIDs, endpointID)
	} else {
		channelIDs = b.endpoints.IDs()
	}

	if len(b.defaultChannels) > 0 {
		defaults := descriptor.New()
		for _, id := range b.defaultChannels {
			defaults.Add(descriptor.ChannelElement, descriptor.New().Set(descriptor.RefAttr, id))
			channelIDs = appendUnique(channelIDs, id)
		}
		root.Add(descriptor.DefaultChannelsElement, defaults)
	}

	for _, svc := range b.services.Values() {
		d, ok := svc.(service.Describer)
		if !ok {
			continue
		}
		if m := d.Describe(endpointID, reliableOnly); m.Len() > 0 {
			root.Add(descriptor.ServiceElement, m)
		}
	}

	channels := descriptor.New()
	for _, id := range channelIDs {
		e, ok := b.endpoints.Get(id)
		if !ok || e.Remote() {
			continue
		}
		if m := e.Describe(); m.Len() > 0 {
			channels.Add(descriptor.ChannelElement, m)
		}
	}
	if channels.Len() > 0 {
		root.Add(descriptor.ChannelsElement, channels)
	}
	return root
}

func appendUnique(ids []string, id string) []string {
	for _, have := range ids {
		if have == id {
			return ids
		}
	}
	return append(ids, id)
}
