package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crmkit/impguard/internal/domain"
)

// startHistoryTTL bounds how long start-event ZSETs live without traffic.
// Must exceed the one-hour accounting window.
const startHistoryTTL = 2 * time.Hour

// startSessionScript performs the quota re-check and the session insert in
// one atomic step, so two concurrent starts can never both slip under a limit.
// Keys: [starts_zset, active_hash, live_set]
// Args: [window_start_ns, now_ns, hourly_limit, concurrent_limit, session_id, session_json, history_ttl_s]
// Returns: {"ok", live_count} or {"hourly"|"concurrent", observed_count}
var startSessionScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local starts = redis.call('ZCARD', KEYS[1])
if starts >= tonumber(ARGV[3]) then
    return {'hourly', starts}
end

local live = redis.call('SCARD', KEYS[3])
if live >= tonumber(ARGV[4]) then
    return {'concurrent', live}
end

redis.call('ZADD', KEYS[1], ARGV[2], ARGV[5])
redis.call('HSET', KEYS[2], ARGV[5], ARGV[6])
redis.call('SADD', KEYS[3], ARGV[5])
redis.call('EXPIRE', KEYS[1], ARGV[7])
return {'ok', live + 1}
`)

// RedisSessionStore implements SessionStore on Redis, suitable for running
// multiple service instances against shared state.
type RedisSessionStore struct {
	client *redis.Client
}

func NewRedisSessionStore(redisURL string) (*RedisSessionStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisSessionStore{client: client}, nil
}

// NewRedisSessionStoreWithClient shares an existing client's connection pool.
func NewRedisSessionStoreWithClient(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func startsRedisKey(adminID, tenantID string) string {
	return "imp:" + tenantID + ":" + adminID + ":starts"
}

func activeRedisKey(tenantID string) string {
	return "imp:" + tenantID + ":active"
}

func liveRedisKey(adminID, tenantID string) string {
	return "imp:" + tenantID + ":" + adminID + ":live"
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(domain.ErrBackendUnavailable, err))
}

func (st *RedisSessionStore) StartSession(ctx context.Context, s domain.Session, limits domain.Limits) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	keys := []string{
		startsRedisKey(s.AdminID, s.TenantID),
		activeRedisKey(s.TenantID),
		liveRedisKey(s.AdminID, s.TenantID),
	}
	args := []interface{}{
		s.StartedAt.Add(-time.Hour).UnixNano(),
		s.StartedAt.UnixNano(),
		limits.MaxStartsPerHour,
		limits.MaxConcurrentSessions,
		s.ID,
		string(payload),
		int(startHistoryTTL.Seconds()),
	}

	result, err := startSessionScript.Run(ctx, st.client, keys, args...).Slice()
	if err != nil {
		return backendErr("start session", err)
	}
	if len(result) != 2 {
		return backendErr("start session", fmt.Errorf("unexpected script result %v", result))
	}

	status, _ := result[0].(string)
	observed, _ := result[1].(int64)

	switch status {
	case "ok":
		return nil
	case "hourly":
		return &CapacityError{
			Type:     domain.ViolationHourlyLimit,
			Observed: int(observed),
			Limit:    limits.MaxStartsPerHour,
		}
	case "concurrent":
		return &CapacityError{
			Type:     domain.ViolationConcurrentLimit,
			Observed: int(observed),
			Limit:    limits.MaxConcurrentSessions,
		}
	default:
		return backendErr("start session", fmt.Errorf("unexpected script status %q", status))
	}
}

func (st *RedisSessionStore) EndSession(ctx context.Context, sessionID, tenantID string) (bool, error) {
	data, err := st.client.HGet(ctx, activeRedisKey(tenantID), sessionID).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, backendErr("end session", err)
	}

	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return false, fmt.Errorf("unmarshal session: %w", err)
	}

	pipe := st.client.Pipeline()
	del := pipe.HDel(ctx, activeRedisKey(tenantID), sessionID)
	pipe.SRem(ctx, liveRedisKey(s.AdminID, tenantID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, backendErr("end session", err)
	}

	return del.Val() > 0, nil
}

func (st *RedisSessionStore) GetSession(ctx context.Context, sessionID, tenantID string) (*domain.Session, error) {
	data, err := st.client.HGet(ctx, activeRedisKey(tenantID), sessionID).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, backendErr("get session", err)
	}

	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (st *RedisSessionStore) ActiveSessions(ctx context.Context, adminID, tenantID string) ([]domain.Session, error) {
	ids, err := st.client.SMembers(ctx, liveRedisKey(adminID, tenantID)).Result()
	if err != nil {
		return nil, backendErr("list sessions", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := st.client.HMGet(ctx, activeRedisKey(tenantID), ids...).Result()
	if err != nil {
		return nil, backendErr("list sessions", err)
	}

	sessions := make([]domain.Session, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var s domain.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions, nil
}

func (st *RedisSessionStore) CountActive(ctx context.Context, adminID, tenantID string) (int, error) {
	count, err := st.client.SCard(ctx, liveRedisKey(adminID, tenantID)).Result()
	if err != nil {
		return 0, backendErr("count sessions", err)
	}
	return int(count), nil
}

func (st *RedisSessionStore) CountStartsSince(ctx context.Context, adminID, tenantID string, since time.Time) (int, error) {
	min := strconv.FormatInt(since.UnixNano(), 10)
	count, err := st.client.ZCount(ctx, startsRedisKey(adminID, tenantID), min, "+inf").Result()
	if err != nil {
		return 0, backendErr("count starts", err)
	}
	return int(count), nil
}

func (st *RedisSessionStore) ExpiredSessions(ctx context.Context, tenantID string, deadline time.Time) ([]domain.Session, error) {
	all, err := st.client.HGetAll(ctx, activeRedisKey(tenantID)).Result()
	if err != nil {
		return nil, backendErr("list expired", err)
	}

	var expired []domain.Session
	for _, raw := range all {
		var s domain.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		if s.StartedAt.Before(deadline) {
			expired = append(expired, s)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].StartedAt.Before(expired[j].StartedAt)
	})
	return expired, nil
}

func (st *RedisSessionStore) Tenants(ctx context.Context) ([]string, error) {
	var tenants []string
	iter := st.client.Scan(ctx, 0, "imp:*:active", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		tenant := strings.TrimSuffix(strings.TrimPrefix(key, "imp:"), ":active")
		if tenant != "" {
			tenants = append(tenants, tenant)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, backendErr("list tenants", err)
	}
	sort.Strings(tenants)
	return tenants, nil
}

func (st *RedisSessionStore) Reset(ctx context.Context, adminID, tenantID string) (int, error) {
	ids, err := st.client.SMembers(ctx, liveRedisKey(adminID, tenantID)).Result()
	if err != nil {
		return 0, backendErr("reset", err)
	}

	pipe := st.client.Pipeline()
	if len(ids) > 0 {
		pipe.HDel(ctx, activeRedisKey(tenantID), ids...)
	}
	pipe.Del(ctx, liveRedisKey(adminID, tenantID))
	pipe.Del(ctx, startsRedisKey(adminID, tenantID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, backendErr("reset", err)
	}

	return len(ids), nil
}

func (st *RedisSessionStore) Close() error {
	return st.client.Close()
}
