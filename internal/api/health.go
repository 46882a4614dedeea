package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crmkit/impguard/internal/store"
)

// Version is reported on startup and by the readiness endpoint.
const Version = "0.3.0"

// HealthChecker probes one dependency the service cannot serve without.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthStatus is the readiness payload: overall state plus one entry per
// probed dependency.
type HealthStatus struct {
	Status  string                     `json:"status"`
	Checks  map[string]DependencyCheck `json:"checks,omitempty"`
	Version string                     `json:"version,omitempty"`
}

type DependencyCheck struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RedisHealthChecker probes the Redis backing the session store and the
// alert deduplicator.
type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(redisURL string) (*RedisHealthChecker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisHealthChecker{client: redis.NewClient(opts)}, nil
}

// NewRedisHealthCheckerWithClient shares an existing client's connection pool.
func NewRedisHealthCheckerWithClient(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string {
	return "redis"
}

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PostgresHealthChecker probes the Postgres holding violations and the
// audit trail.
type PostgresHealthChecker struct {
	db *sql.DB
}

func NewPostgresHealthChecker(db *sql.DB) *PostgresHealthChecker {
	return &PostgresHealthChecker{db: db}
}

func (c *PostgresHealthChecker) Name() string {
	return "postgres"
}

func (c *PostgresHealthChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// SessionStoreHealthChecker probes the session store through its own
// interface, so readiness reflects whatever backend is actually wired.
type SessionStoreHealthChecker struct {
	sessions store.SessionStore
}

func NewSessionStoreHealthChecker(sessions store.SessionStore) *SessionStoreHealthChecker {
	return &SessionStoreHealthChecker{sessions: sessions}
}

func (c *SessionStoreHealthChecker) Name() string {
	return "session_store"
}

func (c *SessionStoreHealthChecker) Check(ctx context.Context) error {
	_, err := c.sessions.Tenants(ctx)
	return err
}

// runHealthChecks probes all dependencies concurrently under one deadline.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]DependencyCheck {
	results := make(map[string]DependencyCheck)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)

			result := DependencyCheck{
				Status:   "ok",
				Duration: time.Since(start).String(),
			}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := runHealthChecks(ctx, checkers)

		allHealthy := true
		for _, result := range results {
			if result.Status != "ok" {
				allHealthy = false
				break
			}
		}

		status := HealthStatus{
			Status:  "ready",
			Checks:  results,
			Version: Version,
		}

		httpStatus := http.StatusOK
		if !allHealthy {
			status.Status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(status)
	}
}
