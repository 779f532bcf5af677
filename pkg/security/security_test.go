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

package security

import (
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCredentials(t *testing.T) {
	user, pass, err := DecodeCredentials(EncodeCredentials("admin", "s3cr:et"), "")
	require.NoError(t, err)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "s3cr:et", pass)
}

func TestDecodeCredentials_Charset(t *testing.T) {
	// "jörg:pw" in ISO-8859-1
	latin1 := []byte{'j', 0xf6, 'r', 'g', ':', 'p', 'w'}
	user, pass, err := DecodeCredentials(base64.StdEncoding.EncodeToString(latin1), "ISO-8859-1")
	require.NoError(t, err)
	assert.Equal(t, "jörg", user)
	assert.Equal(t, "pw", pass)
}

func TestDecodeCredentials_Malformed(t *testing.T) {
	_, _, err := DecodeCredentials("%%%not-base64", "")
	assert.ErrorIs(t, err, ErrMalformedCredentials)

	_, _, err = DecodeCredentials(base64.StdEncoding.EncodeToString([]byte("nocolon")), "")
	assert.ErrorIs(t, err, ErrMalformedCredentials)

	_, _, err = DecodeCredentials(EncodeCredentials("a", "b"), "x-no-such-charset")
	assert.ErrorIs(t, err, ErrUnknownCharset)
}

func TestError_ErrorMessage(t *testing.T) {
	cause := errors.New("bad password")
	se := &Error{Code: CodeAuthenticationFailed, Message: "login failed", Cause: cause}

	em := se.ErrorMessage("m-1")
	assert.Equal(t, CodeAuthenticationFailed, em.FaultCode)
	assert.Equal(t, "login failed", em.FaultString)
	assert.Equal(t, "bad password", em.FaultDetail)
	assert.Equal(t, "m-1", em.CorrelationID)

	found, ok := AsError(fmt.Errorf("servicing: %w", se))
	require.True(t, ok)
	assert.Same(t, se, found)
}

func TestPrincipal_HasAnyRole(t *testing.T) {
	p := &Principal{Name: "ops", Roles: []string{"operators"}}
	assert.True(t, p.HasAnyRole([]string{"admins", "operators"}))
	assert.False(t, p.HasAnyRole([]string{"admins"}))

	var none *Principal
	assert.False(t, none.HasAnyRole([]string{"operators"}))
}
