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
	"strings"

	"github.com/turtacn/msgroute-go/pkg/faults"
)

// MatchPath returns the first endpoint, in the given order, whose URL
// relative to contextRoot equals path. Comparison ignores case and a single
// trailing slash on path.
func MatchPath[E Endpoint](endpoints []E, path, contextRoot string) (E, error) {
	want := path
	if len(want) > 1 {
		want = strings.TrimSuffix(want, "/")
	}
	for _, e := range endpoints {
		if strings.EqualFold(e.ParsedURL(contextRoot), want) {
			return e, nil
		}
	}
	var zero E
	return zero, faults.New(faults.NoEndpointForPath, path)
}
