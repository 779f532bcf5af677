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

package refcount

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounter_IncrDecr(t *testing.T) {
	c := New()
	assert.Equal(t, 1, c.Incr("assembler"))
	assert.Equal(t, 2, c.Incr("assembler"))
	assert.Equal(t, 1, c.Decr("assembler"))
	assert.Equal(t, 0, c.Decr("assembler"))
	assert.Equal(t, 0, c.Count("assembler"))
}

func TestCounter_DecrUnseenIsNoop(t *testing.T) {
	c := New()
	assert.Equal(t, 0, c.Decr("never-seen"))
	assert.Equal(t, 1, c.Incr("never-seen"))
}

func TestCounter_ConcurrentInterleaving(t *testing.T) {
	c := New()
	const increments = 400
	const decrements = 250

	// Prime so every decrement has a matching prior increment.
	for i := 0; i < decrements; i++ {
		c.Incr("shared")
	}

	var wg sync.WaitGroup
	negative := make(chan int, increments+decrements)
	for i := 0; i < increments-decrements; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Incr("shared")
		}()
	}
	for i := 0; i < decrements; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n := c.Decr("shared"); n < 0 {
				negative <- n
			}
		}()
	}
	wg.Wait()
	close(negative)

	assert.Empty(t, negative)
	assert.Equal(t, increments-decrements, c.Count("shared"))
}
