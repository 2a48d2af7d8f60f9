// Package health aggregates component checks for the rating study server.
//
// Features:
//   - Liveness probe (is the process serving HTTP)
//   - Readiness probe (accepting participants, store reachable)
//   - Per-component status with critical and non-critical components
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name     string
	Critical bool // failure makes the overall status unhealthy
	Check    Check
	Timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a Checker that is not yet ready.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register registers a component. A zero timeout uses 5s.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 5 * time.Second
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a check function.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs all registered checks concurrently.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := run(ctx, comp)
			mu.Lock()
			results[comp.Name] = result
			mu.Unlock()
		}(comp)
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range results {
		if _, ok := c.components[name]; ok {
			c.results[name] = r
		}
	}
	c.mu.Unlock()
	return results
}

// run executes one check with its timeout and recovers a panicking check.
func run(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: checkCtx.Err().Error()}
	}
	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// OverallStatus aggregates the last results. An unhealthy critical
// component makes the whole unhealthy; anything else unhealthy degrades it.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false
	for name, result := range c.results {
		comp := c.components[name]
		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	switch {
	case hasUnknown:
		return StatusUnknown
	case hasDegraded:
		return StatusDegraded
	}
	return StatusHealthy
}

// Response is the body of the health endpoints.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Response runs the checks and builds the full response.
func (c *Checker) Response(ctx context.Context) Response {
	components := c.Check(ctx)

	return Response{
		Status:     c.OverallStatus(),
		Ready:      c.IsReady(),
		Uptime:     time.Since(c.startTime).Truncate(time.Second).String(),
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

// LivenessHandler answers 200 while the process can serve HTTP.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now().UTC()})
	})
}

// ReadinessHandler runs the checks and answers 503 when the server is not
// ready or a critical component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Response(r.Context())
		code := http.StatusOK
		if !resp.Ready || resp.Status == StatusUnhealthy || resp.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// PingCheck reports a dependency reachable through ping.
func PingCheck(name string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: name + " unreachable", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: name + " ok"}
	}
}

// CapacityCheck degrades when in-use reaches warnAt of limit and is
// unhealthy at the limit. A zero limit is unlimited.
func CapacityCheck(inUse func() int, limit int, warnAt float64) Check {
	return func(ctx context.Context) CheckResult {
		n := inUse()
		details := map[string]any{"in_use": n, "limit": limit}
		switch {
		case limit <= 0:
			return CheckResult{Status: StatusHealthy, Details: details}
		case n >= limit:
			return CheckResult{Status: StatusUnhealthy, Message: "at capacity", Details: details}
		case float64(n) >= warnAt*float64(limit):
			return CheckResult{Status: StatusDegraded, Message: "near capacity", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}

// DiskSpaceCheck reports the free space on the volume holding path.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		free, err := freeBytes(path)
		if err != nil {
			return CheckResult{Status: StatusUnknown, Message: "disk space unavailable", Error: err.Error()}
		}
		details := map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFreeBytes}
		if free < minFreeBytes {
			return CheckResult{Status: StatusUnhealthy, Message: "low disk space", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}
