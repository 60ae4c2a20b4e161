package obs

import (
	"context"
	"time"
)

// ComponentStatus is the health reading for a single named component
// (vector store, edge store, kv store, ...).
type ComponentStatus struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// HealthStatus is the aggregate report HealthChecker.Check returns.
type HealthStatus struct {
	Healthy    bool                       `json:"healthy"`
	Components map[string]ComponentStatus `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Check is a single component health probe.
type Check func(ctx context.Context) ComponentStatus

// HealthChecker runs a named set of component checks and aggregates them.
// Unlike the teacher's HealthChecker (which reached back into the root
// *Database to hard-code a single "basic" check, forcing obs to import the
// root package and creating an import cycle with database.go's own
// `internal/obs` import), this HealthChecker takes its checks as plain
// functions registered by the caller, so obs stays a leaf package.
type HealthChecker struct {
	checks map[string]Check
}

// NewHealthChecker builds an empty checker; register components with
// Register.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]Check)}
}

// Register adds or replaces a named component check.
func (hc *HealthChecker) Register(name string, check Check) {
	hc.checks[name] = check
}

// Check runs every registered component check and aggregates the result.
// Healthy overall iff every component reports healthy.
func (hc *HealthChecker) Check(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Healthy:    true,
		Components: make(map[string]ComponentStatus, len(hc.checks)),
		Timestamp:  time.Now(),
	}
	for name, check := range hc.checks {
		c := check(ctx)
		status.Components[name] = c
		if !c.Healthy {
			status.Healthy = false
		}
	}
	return status
}
