// Package handlers implements the status server's HTTP handlers: health
// probes, version, and the run query API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each registered checker.
const checkTimeout = 2 * time.Second

// HealthChecker reports the health of one dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the body returned for healthy probes.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers and renders probe responses.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager creates a manager reporting the given version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds a named dependency check.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// runChecks executes every checker with a per-check timeout.
func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(checkers))
	for name, checker := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checker.CheckHealth(checkCtx)
		cancel()
		switch {
		case err == nil:
			results[name] = "healthy"
		case checkCtx.Err() == context.DeadlineExceeded:
			results[name] = "timeout"
		default:
			results[name] = "unhealthy"
		}
	}
	return results
}

// determineOverallStatus reduces check results to one status. Any
// unhealthy check makes the whole probe unhealthy; timeouts alone
// degrade it.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, s := range checks {
		switch s {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler serves the full health probe.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == "unhealthy" {
		writeHealthError(w, checks)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  status,
		Version: m.version,
		Checks:  checks,
	})
}

// LivenessHandler reports process liveness; it never runs dependency checks.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: m.version})
}

// ReadinessHandler reports whether the process can serve traffic.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

// StartupHandler reports whether startup finished.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: m.version})
}

func writeHealthError(w http.ResponseWriter, checks map[string]string) {
	checkDetails := make(map[string]interface{}, len(checks))
	for name, status := range checks {
		checkDetails[name] = status
	}

	body := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    "SERVICE_UNAVAILABLE",
			"message": "one or more health checks failed",
			"details": map[string]interface{}{
				"checks": checkDetails,
			},
		},
	}
	writeJSON(w, http.StatusServiceUnavailable, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var globalHealthManager *HealthManager

// InitHealthManager initializes the process-wide health manager.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide health manager, nil before init.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func notInitialized(w http.ResponseWriter) {
	writeHealthError(w, map[string]string{"health_manager": "unhealthy"})
}

// HealthHandler serves the full probe via the global manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		notInitialized(w)
		return
	}
	globalHealthManager.HealthHandler(w, r)
}

// LivenessHandler serves the liveness probe via the global manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		notInitialized(w)
		return
	}
	globalHealthManager.LivenessHandler(w, r)
}

// ReadinessHandler serves the readiness probe via the global manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		notInitialized(w)
		return
	}
	globalHealthManager.ReadinessHandler(w, r)
}

// StartupHandler serves the startup probe via the global manager.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		notInitialized(w)
		return
	}
	globalHealthManager.StartupHandler(w, r)
}
