package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/predmkts/predmkts/internal/errors"
	"github.com/predmkts/predmkts/internal/metrics"
)

// Check results reported per checker and in aggregate.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
)

// ErrDegraded marks a checker failure that should not fail the probe.
var ErrDegraded = errors.New("degraded")

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProbeResponse is the body of the live, ready and startup probes.
type ProbeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker is implemented by anything the probes should consult.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthManager runs registered checkers for the probe endpoints.
type HealthManager struct {
	checkers map[string]HealthChecker
	version  string
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		version:  version,
	}
}

// RegisterChecker adds checker under name. Nil checkers are ignored.
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	if checker == nil {
		return
	}
	hm.checkers[name] = checker
}

type probe struct {
	name    string
	timeout time.Duration
	// full responses carry version and per-check results.
	full bool
}

var (
	aggregateProbe = probe{name: "", timeout: 5 * time.Second, full: true}
	livenessProbe  = probe{name: "live", timeout: 2 * time.Second}
	readinessProbe = probe{name: "ready", timeout: 5 * time.Second}
	startupProbe   = probe{name: "startup", timeout: 3 * time.Second}
)

func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, aggregateProbe)
}

// LivenessHandler reports whether the process is running.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, livenessProbe)
}

// ReadinessHandler reports whether the gateway can take traffic.
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, readinessProbe)
}

// StartupHandler reports whether initialization has finished.
func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, startupProbe)
}

func (hm *HealthManager) serveProbe(w http.ResponseWriter, r *http.Request, p probe) {
	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	checks := hm.runHealthChecks(ctx)
	status := hm.determineOverallStatus(checks)

	if status == StatusUnhealthy {
		respondWithError(w, r, probeFailure(p, status, checks))
		return
	}

	var body any = ProbeResponse{Status: status, Timestamp: time.Now().UTC()}
	if p.full {
		body = HealthResponse{
			Status:    status,
			Version:   hm.version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    checks,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// runHealthChecks runs every checker concurrently under ctx. A check that
// fails because ctx expired is reported as a timeout.
func (hm *HealthManager) runHealthChecks(ctx context.Context) map[string]string {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(hm.checkers))
		g      errgroup.Group
	)

	for name, checker := range hm.checkers {
		g.Go(func() error {
			result := StatusTimeout
			if ctx.Err() == nil {
				start := time.Now()
				err := checker.CheckHealth(ctx)
				result = classifyCheck(ctx, err)
				metrics.RecordHealthCheck(name, err == nil, time.Since(start))
			}
			mu.Lock()
			checks[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return checks
}

func classifyCheck(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return StatusHealthy
	case ctx.Err() != nil:
		return StatusTimeout
	case errors.Is(err, ErrDegraded):
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// determineOverallStatus is unhealthy if any check is, degraded if any
// check degraded or timed out, and healthy otherwise.
func (hm *HealthManager) determineOverallStatus(checks map[string]string) string {
	overall := StatusHealthy
	for _, status := range checks {
		switch status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded, StatusTimeout:
			overall = StatusDegraded
		}
	}
	return overall
}

func probeFailure(p probe, status string, checks map[string]string) error {
	message := "aggregate health check failed"
	if p.name != "" {
		message = p.name + " probe failed"
	}

	details := map[string]interface{}{"status": status}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	if p.name != "" {
		details["probe"] = p.name
	}

	var failing []string
	for name, result := range checks {
		if result != StatusHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	if len(failing) > 0 {
		details["unhealthy_checks"] = failing
	}

	return apperrors.NewServiceUnavailableError(message).WithDetails(details)
}
