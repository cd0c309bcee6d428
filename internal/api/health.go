package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/orphan"
)

// HealthStatus represents the overall health of the ingestion engine.
type HealthStatus struct {
	Status  string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Version string                    `json:"version"`
	Uptime  string                    `json:"uptime"`
	Checks  map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker reports on the engine's dependencies: Postgres, Redis, and
// the orphan retry queue (backlog depth plus scheduler poll freshness).
type HealthChecker struct {
	db          *sql.DB
	redisClient *redis.Client
	queue       *orphan.Queue
	startTime   time.Time

	// queueDepthWarn marks the backlog depth above which the retry queue
	// is reported as degraded.
	queueDepthWarn int64
	// pollStaleAfter marks how long the scheduler may go without a
	// successful poll before the queue is reported degraded.
	pollStaleAfter time.Duration
}

const healthVersion = "1.0.0"

// NewHealthChecker creates a HealthChecker. Any dependency can be nil; the
// check reports "not configured" for nil deps.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client, queue *orphan.Queue) *HealthChecker {
	return &HealthChecker{
		db:             db,
		redisClient:    redisClient,
		queue:          queue,
		startTime:      time.Now(),
		queueDepthWarn: 5000,
		pollStaleAfter: 2 * time.Minute,
	}
}

// HandleHealth returns the comprehensive health status of all components.
// Always returns 200; the status field in the body conveys health. Use
// /health/ready for probes that need HTTP 503 on failure.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())

	respondJSON(w, http.StatusOK, HealthStatus{
		Status:  determineOverallStatus(checks),
		Version: healthVersion,
		Uptime:  formatUptime(time.Since(hc.startTime)),
		Checks:  checks,
	})
}

// HandleLiveness always returns 200 while the process is running.
//
//	GET /health/live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": formatUptime(time.Since(hc.startTime)),
	})
}

// HandleReadiness returns 200 only when critical dependencies are reachable.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	overall := determineOverallStatus(checks)

	ready := overall != "unhealthy"
	httpStatus := http.StatusOK
	if !ready {
		httpStatus = http.StatusServiceUnavailable
	}

	respondJSON(w, httpStatus, map[string]interface{}{
		"ready":  ready,
		"status": overall,
		"checks": checks,
	})
}

func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	checks := make(map[string]ComponentCheck, 3)

	type result struct {
		name  string
		check ComponentCheck
	}
	ch := make(chan result, 3)

	go func() { ch <- result{"database", hc.checkDatabase(ctx)} }()
	go func() { ch <- result{"redis", hc.checkRedis(ctx)} }()
	go func() { ch <- result{"retry_queue", hc.checkRetryQueue(ctx)} }()

	for i := 0; i < 3; i++ {
		r := <-ch
		checks[r.name] = r.check
	}
	return checks
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.db.PingContext(pingCtx)
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("ping failed: %v", err)}
	}
	if latency > time.Second {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("slow response (%s)", latency)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}

func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redisClient == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.redisClient.Ping(pingCtx).Err()
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("ping failed: %v", err)}
	}
	if latency > 500*time.Millisecond {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("slow response (%s)", latency)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}

// checkRetryQueue reports orphan backlog and scheduler poll freshness. A
// deep backlog or a stale poll means events are accumulating unapplied.
func (hc *HealthChecker) checkRetryQueue(ctx context.Context) ComponentCheck {
	if hc.queue == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}

	statsCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	stats, err := hc.queue.Stats(statsCtx)
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("stats unavailable: %v", err)}
	}

	if stats.FallbackEngaged {
		return ComponentCheck{
			Status:  "degraded",
			Latency: latency.String(),
			Message: fmt.Sprintf("fallback buffer engaged (%d buffered)", stats.FallbackBuffered),
		}
	}
	if !stats.LastPollAt.IsZero() && time.Since(stats.LastPollAt) > hc.pollStaleAfter {
		return ComponentCheck{
			Status:  "degraded",
			Latency: latency.String(),
			Message: fmt.Sprintf("scheduler last polled %s ago", time.Since(stats.LastPollAt).Round(time.Second)),
		}
	}
	if stats.Depth > hc.queueDepthWarn {
		return ComponentCheck{
			Status:  "degraded",
			Latency: latency.String(),
			Message: fmt.Sprintf("backlog depth %d", stats.Depth),
		}
	}
	return ComponentCheck{
		Status:  "up",
		Latency: latency.String(),
		Message: fmt.Sprintf("depth %d, due %d", stats.Depth, stats.DueNow),
	}
}

// determineOverallStatus rolls component checks into one status. Database
// down means unhealthy; anything else down or degraded means degraded.
func determineOverallStatus(checks map[string]ComponentCheck) string {
	if c, ok := checks["database"]; ok && c.Status == "down" {
		return "unhealthy"
	}
	for _, c := range checks {
		if c.Status != "up" {
			return "degraded"
		}
	}
	return "healthy"
}

func formatUptime(d time.Duration) string {
	return d.Round(time.Second).String()
}
