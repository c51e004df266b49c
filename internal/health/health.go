// Package health provides health check endpoints for blockd.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (is the server accepting requests?)
//   - /health: Basic status for load balancers
//   - /health/detailed: Per-component status
//
// Each detailed check returns JSON status with component health:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "device": "healthy",
//	    "queue": "healthy"
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walkthetalk/zircon-sub003/internal/driver"
	"github.com/walkthetalk/zircon-sub003/internal/fifo"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but core functionality works.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the process.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Device is the slice of the driver surface the checker probes.
type Device interface {
	Query() driver.Info
}

// Conn exposes the signal state of the request queue.
type Conn interface {
	Observed(mask fifo.Signals) fifo.Signals
}

// Checker performs health checks on the device and the request queue.
type Checker struct {
	cacheExpiry  time.Time
	dev          Device
	conn         Conn
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	ready        atomic.Bool
	mu           sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker(dev Device, conn Conn) *Checker {
	return &Checker{
		dev:      dev,
		conn:     conn,
		cacheTTL: 5 * time.Second, // Cache health checks for 5 seconds
	}
}

// SetReady marks the serving loop as started (or stopped). Readiness
// stays false until the first call.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	// Check cache first
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	checks := make(map[string]Check)

	// Run checks in parallel
	var (
		wg       sync.WaitGroup
		checksMu sync.Mutex
	)

	wg.Add(2)

	go func() {
		defer wg.Done()

		check := c.CheckDevice(ctx)

		checksMu.Lock()

		checks["device"] = check

		checksMu.Unlock()
	}()

	go func() {
		defer wg.Done()

		check := c.CheckQueue(ctx)

		checksMu.Lock()

		checks["queue"] = check

		checksMu.Unlock()
	}()

	wg.Wait()

	status := c.determineOverallStatus(checks)

	healthStatus := &HealthStatus{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now(),
	}

	// Cache the result
	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckDevice checks the block device.
func (c *Checker) CheckDevice(_ context.Context) Check {
	if c.dev == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "device not initialized",
		}
	}

	info := c.dev.Query()
	if info.BlockSize == 0 {
		return Check{
			Status:  StatusUnhealthy,
			Message: "device reports zero block size",
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("block size %d, max transfer %d blocks", info.BlockSize, info.MaxTransferBlocks),
	}
}

// CheckQueue checks the request queue connection.
func (c *Checker) CheckQueue(_ context.Context) Check {
	if c.conn == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "queue not initialized",
		}
	}

	if c.conn.Observed(fifo.SignalTerminated) != 0 {
		return Check{
			Status:  StatusUnhealthy,
			Message: "connection terminated",
		}
	}

	if c.conn.Observed(fifo.SignalTerminate) != 0 {
		return Check{
			Status:  StatusDegraded,
			Message: "connection draining",
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: "queue is operational",
	}
}

// IsReady checks if the server is ready to accept requests.
func (c *Checker) IsReady(_ context.Context) bool {
	if !c.ready.Load() {
		return false
	}

	return c.conn == nil || c.conn.Observed(fifo.SignalTerminated) == 0
}

// IsLive checks if the process is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	// Basic liveness check - if we can execute this, we're alive
	return true
}

func (c *Checker) determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// Register installs the health endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthHandler)
	mux.HandleFunc("/health/live", h.LivenessHandler)
	mux.HandleFunc("/health/ready", h.ReadinessHandler)
	mux.HandleFunc("/health/detailed", h.DetailedHandler)
}

// HealthHandler handles basic health check requests (for load balancers).
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": string(status.Status),
	})
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsLive(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ok"}`))
	}
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsReady(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
	}
}

// DetailedHandler handles detailed health check requests.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")

	switch status.Status {
	case StatusUnhealthy:
		w.WriteHeader(http.StatusServiceUnavailable)
	case StatusDegraded:
		w.WriteHeader(http.StatusOK) // Return 200 for degraded but include status in body
	default:
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(status)
}
