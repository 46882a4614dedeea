//go:build integration

package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/crmkit/impguard/internal/domain"
	"github.com/crmkit/impguard/internal/store"
)

func getRedisStore(t *testing.T) *store.RedisSessionStore {
	t.Helper()

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}

	st, err := store.NewRedisSessionStore(redisURL)
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	return st
}

func integrationTenant() string {
	return "it-tenant-" + time.Now().Format("20060102150405.000000000")
}

func TestRedisSessionStore_StartEndGet(t *testing.T) {
	st := getRedisStore(t)
	defer st.Close()
	ctx := context.Background()

	tenantID := integrationTenant()
	limits := domain.DefaultLimits()
	s := domain.Session{
		ID:           "it-s1",
		AdminID:      "it-admin",
		TenantID:     tenantID,
		TargetUserID: "it-user",
		StartedAt:    time.Now().UTC(),
	}

	if err := st.StartSession(ctx, s, limits); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	defer st.Reset(ctx, "it-admin", tenantID)

	got, err := st.GetSession(ctx, "it-s1", tenantID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.AdminID != "it-admin" || got.TargetUserID != "it-user" {
		t.Errorf("GetSession() = %+v, want admin it-admin targeting it-user", got)
	}

	count, err := st.CountActive(ctx, "it-admin", tenantID)
	if err != nil {
		t.Fatalf("CountActive() error = %v", err)
	}
	if count != 1 {
		t.Errorf("CountActive() = %d, want 1", count)
	}

	ended, err := st.EndSession(ctx, "it-s1", tenantID)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if !ended {
		t.Error("EndSession() = false, want true")
	}

	// Ending again is an idempotent no-op.
	ended, err = st.EndSession(ctx, "it-s1", tenantID)
	if err != nil {
		t.Fatalf("EndSession() second call error = %v", err)
	}
	if ended {
		t.Error("EndSession() second call = true, want false")
	}

	if _, err := st.GetSession(ctx, "it-s1", tenantID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("GetSession() after end error = %v, want ErrSessionNotFound", err)
	}
}

func TestRedisSessionStore_RejectsOverConcurrentLimit(t *testing.T) {
	st := getRedisStore(t)
	defer st.Close()
	ctx := context.Background()

	tenantID := integrationTenant()
	limits := domain.Limits{
		MaxStartsPerHour:      100,
		MaxConcurrentSessions: 2,
		MaxSessionDuration:    30 * time.Minute,
	}
	defer st.Reset(ctx, "it-admin", tenantID)

	for i := 0; i < 2; i++ {
		s := domain.Session{
			ID:        fmt.Sprintf("it-s%d", i),
			AdminID:   "it-admin",
			TenantID:  tenantID,
			StartedAt: time.Now().UTC(),
		}
		if err := st.StartSession(ctx, s, limits); err != nil {
			t.Fatalf("StartSession(%d) error = %v", i, err)
		}
	}

	err := st.StartSession(ctx, domain.Session{
		ID:        "it-s-over",
		AdminID:   "it-admin",
		TenantID:  tenantID,
		StartedAt: time.Now().UTC(),
	}, limits)

	var capErr *store.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("StartSession() over cap error = %v, want *CapacityError", err)
	}
	if capErr.Type != domain.ViolationConcurrentLimit {
		t.Errorf("CapacityError.Type = %v, want %v", capErr.Type, domain.ViolationConcurrentLimit)
	}
	if !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Error("CapacityError should match ErrCapacityExceeded")
	}
}

func TestRedisSessionStore_HourlyWindowRolls(t *testing.T) {
	st := getRedisStore(t)
	defer st.Close()
	ctx := context.Background()

	tenantID := integrationTenant()
	limits := domain.Limits{
		MaxStartsPerHour:      2,
		MaxConcurrentSessions: 100,
		MaxSessionDuration:    30 * time.Minute,
	}
	defer st.Reset(ctx, "it-admin", tenantID)

	now := time.Now().UTC()

	// Two starts just inside the window exhaust the hourly quota.
	for i := 0; i < 2; i++ {
		s := domain.Session{
			ID:        fmt.Sprintf("it-h%d", i),
			AdminID:   "it-admin",
			TenantID:  tenantID,
			StartedAt: now.Add(-50 * time.Minute),
		}
		if err := st.StartSession(ctx, s, limits); err != nil {
			t.Fatalf("StartSession(%d) error = %v", i, err)
		}
	}

	err := st.StartSession(ctx, domain.Session{
		ID:        "it-h-blocked",
		AdminID:   "it-admin",
		TenantID:  tenantID,
		StartedAt: now.Add(-50 * time.Minute),
	}, limits)
	var capErr *store.CapacityError
	if !errors.As(err, &capErr) || capErr.Type != domain.ViolationHourlyLimit {
		t.Fatalf("StartSession() over quota error = %v, want hourly CapacityError", err)
	}

	// A start an hour later sees the old entries pruned from the window.
	err = st.StartSession(ctx, domain.Session{
		ID:        "it-h-later",
		AdminID:   "it-admin",
		TenantID:  tenantID,
		StartedAt: now.Add(15 * time.Minute),
	}, limits)
	if err != nil {
		t.Errorf("StartSession() after window roll error = %v", err)
	}
}

func TestRedisSessionStore_TenantsAndReset(t *testing.T) {
	st := getRedisStore(t)
	defer st.Close()
	ctx := context.Background()

	tenantID := integrationTenant()
	limits := domain.DefaultLimits()

	err := st.StartSession(ctx, domain.Session{
		ID:        "it-t1",
		AdminID:   "it-admin",
		TenantID:  tenantID,
		StartedAt: time.Now().UTC(),
	}, limits)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	tenants, err := st.Tenants(ctx)
	if err != nil {
		t.Fatalf("Tenants() error = %v", err)
	}
	found := false
	for _, id := range tenants {
		if id == tenantID {
			found = true
		}
	}
	if !found {
		t.Errorf("Tenants() = %v, want to include %s", tenants, tenantID)
	}

	removed, err := st.Reset(ctx, "it-admin", tenantID)
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Reset() removed = %d, want 1", removed)
	}

	count, _ := st.CountStartsSince(ctx, "it-admin", tenantID, time.Now().Add(-time.Hour))
	if count != 0 {
		t.Errorf("CountStartsSince() after reset = %d, want 0", count)
	}
}
