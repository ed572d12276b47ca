package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component represents a system component that can be health-checked.
type Component struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // database, circuit, http
	Critical bool   `json:"critical"`
	CheckResult
}

// CheckFunc probes one component. Returning an error marks it unhealthy;
// a non-empty status overrides the default healthy result.
type CheckFunc func(ctx context.Context) (Status, string, error)

type registration struct {
	name     string
	typ      string
	critical bool
	check    CheckFunc
}

// Checker performs health checks on registered components.
type Checker struct {
	mu         sync.RWMutex
	checks     []registration
	components []Component

	timeout    time.Duration
	maxLatency time.Duration
	now        func() time.Time
}

// Config holds health checker configuration.
type Config struct {
	// Timeout bounds each individual check. Default 2s.
	Timeout time.Duration
	// MaxLatency above which a healthy check is reported degraded. Default 100ms.
	MaxLatency time.Duration
	Now        func() time.Time
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxLatency == 0 {
		cfg.MaxLatency = 100 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Checker{timeout: cfg.Timeout, maxLatency: cfg.MaxLatency, now: cfg.Now}
}

// Register adds a component check. Failures of critical components make the
// overall status unhealthy; others only degrade it.
func (c *Checker) Register(name, typ string, critical bool, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, registration{name: name, typ: typ, critical: critical, check: check})
}

// Pinger is satisfied by storage backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseCheck reports a pinger as healthy, or unhealthy when the ping fails.
func DatabaseCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) (Status, string, error) {
		if err := p.Ping(ctx); err != nil {
			return StatusUnhealthy, "Database unreachable", err
		}
		return "", "Connected", nil
	}
}

// HTTPCheck reports whether baseURL answers at all. Any HTTP status counts as
// reachable; transport failures degrade.
func HTTPCheck(client *http.Client, baseURL string) CheckFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (Status, string, error) {
		if baseURL == "" {
			return StatusHealthy, "Not configured", nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return StatusUnhealthy, "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return StatusDegraded, "Endpoint unreachable", err
		}
		defer resp.Body.Close()
		return StatusHealthy, fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode), nil
	}
}

// Check runs all registered checks concurrently and returns overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	c.mu.RLock()
	checks := append([]registration(nil), c.checks...)
	c.mu.RUnlock()

	var wg sync.WaitGroup
	results := make(chan Component, len(checks))
	for _, reg := range checks {
		wg.Add(1)
		go func(reg registration) {
			defer wg.Done()
			results <- c.run(ctx, reg)
		}(reg)
	}
	wg.Wait()
	close(results)

	components := make([]Component, 0, len(checks))
	for comp := range results {
		components = append(components, comp)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return c.calculateOverallStatus(components)
}

func (c *Checker) run(ctx context.Context, reg registration) Component {
	comp := Component{
		Name:     reg.name,
		Type:     reg.typ,
		Critical: reg.critical,
		CheckResult: CheckResult{
			Timestamp: c.now(),
		},
	}
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	status, msg, err := reg.check(checkCtx)
	comp.Latency = time.Since(start)
	comp.Message = msg

	switch {
	case err != nil:
		comp.Error = err.Error()
		if status == "" || status == StatusHealthy {
			status = StatusUnhealthy
		}
	case status == "":
		status = StatusHealthy
		if reg.typ == "database" && comp.Latency > c.maxLatency {
			status = StatusDegraded
			comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
		}
	}
	comp.Status = status
	return comp
}

// calculateOverallStatus determines overall health based on component statuses.
func (c *Checker) calculateOverallStatus(components []Component) HealthStatus {
	overallStatus := StatusHealthy
	criticalUnhealthy := false

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Critical {
				criticalUnhealthy = true
			}
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		case StatusDegraded:
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		}
	}
	if criticalUnhealthy {
		overallStatus = StatusUnhealthy
	}

	return HealthStatus{
		Status:     overallStatus,
		Timestamp:  c.now(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// HTTPStatus maps overall health to a response code.
func (h HealthStatus) HTTPStatus() int {
	if h.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return HealthStatus{
			Status:    StatusHealthy,
			Timestamp: c.now(),
		}
	}
	return c.calculateOverallStatus(c.components)
}
