//go:build integration

package audit_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/crmkit/impguard/internal/audit"
	"github.com/crmkit/impguard/internal/domain"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

func integrationTenant() string {
	return "it-tenant-" + time.Now().Format("20060102150405.000000000")
}

func TestPostgresViolationStore_RecordListPrune(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	st := audit.NewPostgresViolationStore(db)
	ctx := context.Background()
	tenantID := integrationTenant()
	now := time.Now().UTC()

	mk := func(id string, age time.Duration) domain.Violation {
		return domain.Violation{
			ID:           id,
			AdminID:      "it-admin",
			TenantID:     tenantID,
			Type:         domain.ViolationHourlyLimit,
			TargetUserID: "it-user",
			Observed:     10,
			Limit:        10,
			OccurredAt:   now.Add(-age),
		}
	}

	for i, age := range []time.Duration{0, time.Hour, 100 * 24 * time.Hour} {
		if err := st.Record(ctx, mk(fmt.Sprintf("it-v%d", i), age)); err != nil {
			t.Fatalf("Record(%d) error = %v", i, err)
		}
	}
	defer st.Clear(ctx, "it-admin", tenantID)

	listed, err := st.List(ctx, "it-admin", tenantID, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("List() returned %d violations, want 2", len(listed))
	}
	// Newest first.
	if listed[0].ID != "it-v0" || listed[1].ID != "it-v1" {
		t.Errorf("List() order = [%s %s], want [it-v0 it-v1]", listed[0].ID, listed[1].ID)
	}

	pruned, err := st.PruneBefore(ctx, tenantID, now.AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("PruneBefore() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("PruneBefore() = %d, want 1", pruned)
	}

	cleared, err := st.Clear(ctx, "it-admin", tenantID)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if cleared != 2 {
		t.Errorf("Clear() = %d, want 2", cleared)
	}
}

func TestPostgresTrailStore_AppendList(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	st := audit.NewPostgresTrailStore(db)
	ctx := context.Background()
	tenantID := integrationTenant()
	now := time.Now().UTC()

	entries := []domain.AuditEntry{
		{
			ID:         "it-a1",
			TenantID:   tenantID,
			AdminID:    "it-admin",
			SessionID:  "it-s1",
			Action:     domain.AuditActionForceTerminate,
			Reason:     "suspicious activity",
			OccurredAt: now.Add(-time.Minute),
		},
		{
			ID:         "it-a2",
			TenantID:   tenantID,
			AdminID:    "it-admin",
			Action:     domain.AuditActionReset,
			Reason:     "support escalation",
			OccurredAt: now,
		},
	}

	for _, e := range entries {
		if err := st.Append(ctx, e); err != nil {
			t.Fatalf("Append(%s) error = %v", e.ID, err)
		}
	}
	defer db.ExecContext(ctx, "DELETE FROM audit_trail WHERE tenant_id = $1", tenantID)

	listed, err := st.List(ctx, tenantID, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(listed))
	}
	if listed[0].ID != "it-a2" {
		t.Errorf("List()[0].ID = %s, want it-a2 (newest first)", listed[0].ID)
	}
	if listed[0].Action != domain.AuditActionReset {
		t.Errorf("List()[0].Action = %s, want %s", listed[0].Action, domain.AuditActionReset)
	}
}
