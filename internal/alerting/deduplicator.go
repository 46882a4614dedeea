package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator suppresses repeat alerts for the same (tenant, admin,
// level) so a fleet of instances does not page for every poll cycle.
type AlertDeduplicator interface {
	// ShouldAlert reports whether this alert is new and should be dispatched.
	ShouldAlert(ctx context.Context, tenantID, adminID string, level AlertLevel) bool

	// ClearAlert drops the alert state, re-arming the thresholds.
	ClearAlert(ctx context.Context, tenantID, adminID string)
}

// InMemoryDeduplicator keeps alert state in process. Suitable for
// single-instance deployments.
type InMemoryDeduplicator struct {
	mu         sync.Mutex
	lastAlerts map[string]AlertLevel
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		lastAlerts: make(map[string]AlertLevel),
	}
}

func dedupKey(tenantID, adminID string) string {
	return tenantID + "|" + adminID
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, tenantID, adminID string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dedupKey(tenantID, adminID)
	lastLevel, exists := d.lastAlerts[key]
	if exists && lastLevel == level {
		return false
	}

	d.lastAlerts[key] = level
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, tenantID, adminID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastAlerts, dedupKey(tenantID, adminID))
}

// RedisDeduplicator shares alert state across instances. SETNX guarantees
// exactly one instance wins each (tenant, admin, level) alert.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisDeduplicator connects to Redis and verifies the connection.
// lockTTL bounds how long an alert stays suppressed; an hour matches the
// rolling quota window.
func NewRedisDeduplicator(redisURL string, lockTTL time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}, nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(tenantID, adminID string, level AlertLevel) string {
	return fmt.Sprintf("imp:alert:%s:%s:%s", tenantID, adminID, level)
}

func (d *RedisDeduplicator) adminKeyPattern(tenantID, adminID string) string {
	return fmt.Sprintf("imp:alert:%s:%s:*", tenantID, adminID)
}

func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, tenantID, adminID string, level AlertLevel) bool {
	key := d.alertKey(tenantID, adminID, level)

	// SETNX returns true only for the first instance to set the key.
	acquired, err := d.client.SetNX(ctx, key, time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		// On Redis error, allow the alert (fail open)
		return true
	}

	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, tenantID, adminID string) {
	pattern := d.adminKeyPattern(tenantID, adminID)
	keys, err := d.client.Keys(ctx, pattern).Result()
	if err != nil || len(keys) == 0 {
		return
	}

	d.client.Del(ctx, keys...)
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
