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

// Package monitor runs named health checks over the broker and reports an
// aggregated status for liveness and readiness probes.
package monitor

import (
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Status values reported by the checker.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)

// Check result values.
const (
	CheckPassed  = "passed"
	CheckFailed  = "failed"
	CheckUnknown = "unknown"
)

// slowCheck is the duration after which a check is logged as slow.
const slowCheck = time.Second

// HealthCheck is one registered check.
type HealthCheck struct {
	Name        string
	CheckFunc   func() error
	Critical    bool
	Enabled     bool
	LastChecked time.Time
	LastError   error
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// SystemInfo carries runtime figures reported with the detailed status.
type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`
}

// HealthStatus is the aggregated status.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Node       string                 `json:"node"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// HealthChecker holds the registered checks. A failing critical check makes
// the node unhealthy; a failing non-critical one only degrades it.
type HealthChecker struct {
	node      string
	startedAt time.Time

	mu        sync.RWMutex
	checks    map[string]HealthCheck
	status    string
	lastCheck time.Time
}

// NewHealthChecker creates a checker for node with the default runtime checks.
func NewHealthChecker(node string) *HealthChecker {
	hc := &HealthChecker{
		node:      node,
		startedAt: time.Now(),
		checks:    make(map[string]HealthCheck),
		status:    StatusHealthy,
	}
	hc.RegisterCheck("goroutines", GoroutineCheck(10000), false)
	return hc
}

// GoroutineCheck fails when more than limit goroutines are running.
func GoroutineCheck(limit int) func() error {
	return func() error {
		if n := runtime.NumGoroutine(); n > limit {
			return fmt.Errorf("high goroutine count: %d", n)
		}
		return nil
	}
}

// RegisterCheck adds or replaces a check.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = HealthCheck{
		Name:      name,
		CheckFunc: checkFunc,
		Critical:  critical,
		Enabled:   true,
	}
}

// UnregisterCheck removes a check.
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// SetEnabled enables or disables a check. Disabled checks are skipped.
func (hc *HealthChecker) SetEnabled(name string, enabled bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if check, ok := hc.checks[name]; ok {
		check.Enabled = enabled
		hc.checks[name] = check
	}
}

// CheckNames returns the registered check names in sorted order.
func (hc *HealthChecker) CheckNames() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunChecks executes every enabled check and returns the aggregated status.
func (hc *HealthChecker) RunChecks() HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	now := time.Now()
	hc.lastCheck = now
	status := StatusHealthy
	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}
		start := time.Now()
		err := check.CheckFunc()
		if d := time.Since(start); d > slowCheck {
			log.Printf("[WARN] Health check %s took %v", name, d)
		}
		check.LastChecked = now
		check.LastError = err
		hc.checks[name] = check

		if err == nil {
			continue
		}
		if check.Critical {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}
	if status != hc.status {
		log.Printf("[INFO] Health status changed from %s to %s", hc.status, status)
	}
	hc.status = status
	return hc.snapshot()
}

// Status returns the status of the last run without running the checks.
func (hc *HealthChecker) Status() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.snapshot()
}

// IsHealthy reports whether the last run found no failing critical check.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.status != StatusUnhealthy
}

func (hc *HealthChecker) snapshot() HealthStatus {
	results := make(map[string]CheckResult, len(hc.checks))
	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}
		r := CheckResult{
			Status:      CheckUnknown,
			LastChecked: check.LastChecked,
			Critical:    check.Critical,
		}
		if !check.LastChecked.IsZero() {
			r.Status = CheckPassed
			if check.LastError != nil {
				r.Status = CheckFailed
				r.Message = check.LastError.Error()
			}
		}
		results[name] = r
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return HealthStatus{
		Status:    hc.status,
		Node:      hc.node,
		Timestamp: hc.lastCheck,
		Uptime:    int64(time.Since(hc.startedAt).Seconds()),
		Checks:    results,
		SystemInfo: SystemInfo{
			Goroutines: runtime.NumGoroutine(),
			HeapAlloc:  m.HeapAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
			GoVersion:  runtime.Version(),
			NumCPU:     runtime.NumCPU(),
		},
	}
}
