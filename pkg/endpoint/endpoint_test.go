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

package endpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/msgroute-go/pkg/descriptor"
	"github.com/turtacn/msgroute-go/pkg/faults"
)

const templatedURL = "http://{server.name}:{server.port}/{context.root}/messagebroker/amf"

func TestBase_Lifecycle(t *testing.T) {
	b := NewBase("amf", templatedURL, "mqtt")
	assert.False(t, b.Started())
	require.NoError(t, b.Start(context.Background()))
	assert.True(t, b.Started())
	require.NoError(t, b.Stop())
	assert.False(t, b.Started())

	b.SetRemote(true)
	assert.True(t, b.Remote())
}

func TestBase_Describe(t *testing.T) {
	d := NewBase("amf", templatedURL, "mqtt").Describe()
	id, _ := d.Get(descriptor.IDAttr)
	kind, _ := d.Get(descriptor.TypeAttr)
	url, _ := d.GetMap("endpoint").Get(descriptor.URLElement)
	assert.Equal(t, "amf", id)
	assert.Equal(t, "mqtt", kind)
	assert.Equal(t, templatedURL, url)
}

func TestRelativePath(t *testing.T) {
	tests := []struct {
		url, root, want string
	}{
		{templatedURL, "/app", "/messagebroker/amf"},
		{templatedURL, "app/", "/messagebroker/amf"},
		{templatedURL, "", "/messagebroker/amf"},
		{"http://localhost:8080/app/messagebroker/amf", "/app", "/messagebroker/amf"},
		{"http://localhost:8080/application/amf", "/app", "/application/amf"},
		{"/app/streaming", "/app", "/streaming"},
		{"tcp://0.0.0.0:1883", "", "/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RelativePath(tt.url, tt.root), "url=%s root=%s", tt.url, tt.root)
	}
}

func TestURLValidator_NullURL(t *testing.T) {
	v := NewURLValidator()
	assert.ErrorIs(t, v.CheckURL("amf", ""), faults.ErrNullEndpointURL)
}

func TestURLValidator_CanonicalCollision(t *testing.T) {
	v := NewURLValidator()
	require.NoError(t, v.CheckURL("amf", templatedURL))
	require.NoError(t, v.CheckURL("amf", templatedURL))

	err := v.CheckURL("amf-copy", "HTTP://{server.name}:{server.port}/{context.root}/MessageBroker/AMF")
	assert.ErrorIs(t, err, faults.ErrURIAlreadyRegistered)
}

func TestURLValidator_ContextStrippedCollision(t *testing.T) {
	v := NewURLValidator()
	require.NoError(t, v.CheckURL("amf", templatedURL))

	err := v.CheckURL("explicit", "http://localhost:8080/ctx/messagebroker/amf")
	assert.ErrorIs(t, err, faults.ErrURIAlreadyRegistered)

	require.NoError(t, v.CheckURL("polling", "http://localhost:8080/ctx/messagebroker/amfpolling"))
}

func TestURLValidator_ContextRootTokenCollision(t *testing.T) {
	testCases := []struct {
		name   string
		first  string
		second string
	}{
		{
			name:   "token omitted",
			first:  templatedURL,
			second: "http://{server.name}:{server.port}/messagebroker/amf",
		},
		{
			name:   "token added",
			first:  "http://{server.name}:{server.port}/messagebroker/amf",
			second: templatedURL,
		},
		{
			name:   "explicit host and trailing slash",
			first:  templatedURL,
			second: "https://example.com//MessageBroker/AMF/",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := NewURLValidator()
			require.NoError(t, v.CheckURL("first", tc.first))
			err := v.CheckURL("second", tc.second)
			assert.ErrorIs(t, err, faults.ErrURIAlreadyRegistered)
		})
	}
}

func TestURLValidator_FailedCheckRecordsNothing(t *testing.T) {
	v := NewURLValidator()
	require.NoError(t, v.CheckURL("amf", "http://h/messagebroker/amf"))

	// The suffix /messagebroker/amf collides; the canonical /other/messagebroker/amf must stay free.
	require.Error(t, v.CheckURL("clash", "http://h/other/messagebroker/amf"))
	assert.NoError(t, v.CheckURL("other", "http://h/other/messagebroker/amf2"))
	v.Release("amf")
	assert.NoError(t, v.CheckURL("later", "http://h/other/messagebroker/amf"))
}

func TestURLValidator_PathlessURLs(t *testing.T) {
	v := NewURLValidator()
	require.NoError(t, v.CheckURL("mqtt", "tcp://0.0.0.0:1883"))
	require.NoError(t, v.CheckURL("mqtts", "ssl://0.0.0.0:8883"))
	assert.ErrorIs(t, v.CheckURL("copy", "TCP://0.0.0.0:1883/"), faults.ErrURIAlreadyRegistered)
}

func TestCanonical(t *testing.T) {
	assert.Equal(t, "/messagebroker/amf", Canonical(templatedURL))
	assert.Equal(t, "/messagebroker/amf", Canonical("http://{server.name}:{server.port}/messagebroker/amf"))
	assert.Equal(t, "/messagebroker/amf", Canonical("HTTP://localhost:8400//MessageBroker/AMF/"))
	assert.Equal(t, "/local", Canonical("local://{context.root}/local"))
	assert.Equal(t, "tcp://0.0.0.0:1883", Canonical("tcp://0.0.0.0:1883"))
}

func TestURLValidator_Release(t *testing.T) {
	v := NewURLValidator()
	require.NoError(t, v.CheckURL("amf", templatedURL))
	v.Release("amf")
	assert.NoError(t, v.CheckURL("other", templatedURL))
}

func TestContextStripped(t *testing.T) {
	assert.Equal(t, "/amf", ContextStripped(Canonical(templatedURL)))
	assert.Equal(t, "/messagebroker/amf", ContextStripped("http://h/ctx/messagebroker/amf"))
	assert.Equal(t, "", ContextStripped("http://h/amf"))
	assert.Equal(t, "", ContextStripped("tcp://h"))
}

func TestMatchPath(t *testing.T) {
	amf := NewBase("amf", templatedURL, "mqtt")
	dup := NewBase("amf-dup", "http://localhost/app/messagebroker/amf", "mqtt")
	polling := NewBase("polling", "http://{server.name}/{context.root}/messagebroker/amfpolling", "mqtt")
	endpoints := []*Base{amf, dup, polling}

	got, err := MatchPath(endpoints, "/MessageBroker/AMFPolling/", "/app")
	require.NoError(t, err)
	assert.Same(t, polling, got)

	got, err = MatchPath(endpoints, "/messagebroker/amf", "/app")
	require.NoError(t, err)
	assert.Same(t, amf, got, "first registered endpoint wins")

	_, err = MatchPath(endpoints, "/nothing", "/app")
	assert.ErrorIs(t, err, faults.ErrNoEndpointForPath)
}
