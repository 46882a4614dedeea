package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/crmkit/impguard/internal/domain"
)

type mockStats struct {
	starts map[string]int
	limit  int
}

func newMockStats(limit int) *mockStats {
	return &mockStats{starts: make(map[string]int), limit: limit}
}

func (m *mockStats) Stats(ctx context.Context, adminID, tenantID string) (domain.Stats, error) {
	return domain.Stats{
		AdminID:        adminID,
		TenantID:       tenantID,
		StartsThisHour: m.starts[tenantID+"|"+adminID],
		HourlyLimit:    m.limit,
	}, nil
}

func TestDefaultThresholds(t *testing.T) {
	th := DefaultThresholds()

	if th.Warning != 0.8 {
		t.Errorf("Warning threshold = %v, want 0.8", th.Warning)
	}
	if th.Critical != 0.95 {
		t.Errorf("Critical threshold = %v, want 0.95", th.Critical)
	}
}

func TestMonitor_Check_UnderThreshold(t *testing.T) {
	source := newMockStats(10)
	source.starts["t1|admin1"] = 5

	monitor := NewMonitor(source, NewInMemoryDeduplicator(), DefaultThresholds())

	alert, err := monitor.Check(context.Background(), "admin1", "t1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if alert != nil {
		t.Error("Check() should return nil alert under warning threshold")
	}
}

func TestMonitor_Check_WarningLevel(t *testing.T) {
	source := newMockStats(10)
	source.starts["t1|admin1"] = 8

	monitor := NewMonitor(source, NewInMemoryDeduplicator(), DefaultThresholds())

	alert, err := monitor.Check(context.Background(), "admin1", "t1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if alert == nil {
		t.Fatal("Check() should return alert at warning level")
	}
	if alert.Level != AlertLevelWarning {
		t.Errorf("alert.Level = %v, want %v", alert.Level, AlertLevelWarning)
	}
	if alert.Used != 8 || alert.Limit != 10 {
		t.Errorf("alert usage = %d/%d, want 8/10", alert.Used, alert.Limit)
	}
}

func TestMonitor_Check_CriticalLevel(t *testing.T) {
	source := newMockStats(10)
	source.starts["t1|admin1"] = 10

	monitor := NewMonitor(source, NewInMemoryDeduplicator(), DefaultThresholds())

	alert, err := monitor.Check(context.Background(), "admin1", "t1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if alert == nil {
		t.Fatal("Check() should return alert at critical level")
	}
	if alert.Level != AlertLevelCritical {
		t.Errorf("alert.Level = %v, want %v", alert.Level, AlertLevelCritical)
	}
}

func TestMonitor_Check_NoRepeatAlerts(t *testing.T) {
	source := newMockStats(10)
	source.starts["t1|admin1"] = 8

	monitor := NewMonitor(source, NewInMemoryDeduplicator(), DefaultThresholds())
	ctx := context.Background()

	alert1, _ := monitor.Check(ctx, "admin1", "t1")
	if alert1 == nil {
		t.Fatal("First check should return alert")
	}

	alert2, _ := monitor.Check(ctx, "admin1", "t1")
	if alert2 != nil {
		t.Error("Second check at same level should not return alert")
	}

	// Escalation to critical alerts again.
	source.starts["t1|admin1"] = 10
	alert3, _ := monitor.Check(ctx, "admin1", "t1")
	if alert3 == nil || alert3.Level != AlertLevelCritical {
		t.Errorf("escalated check = %v, want critical alert", alert3)
	}
}

func TestMonitor_Check_ClearsWhenUsageDrops(t *testing.T) {
	source := newMockStats(10)
	source.starts["t1|admin1"] = 8

	monitor := NewMonitor(source, NewInMemoryDeduplicator(), DefaultThresholds())
	ctx := context.Background()

	if alert, _ := monitor.Check(ctx, "admin1", "t1"); alert == nil {
		t.Fatal("First check should return alert")
	}

	// Usage drops below the warning threshold, re-arming the alert.
	source.starts["t1|admin1"] = 2
	if alert, _ := monitor.Check(ctx, "admin1", "t1"); alert != nil {
		t.Error("Check() below threshold should return nil")
	}

	source.starts["t1|admin1"] = 9
	if alert, _ := monitor.Check(ctx, "admin1", "t1"); alert == nil {
		t.Error("Check() after re-arm should alert again")
	}
}

func TestMonitor_OnAlert(t *testing.T) {
	source := newMockStats(10)
	source.starts["t1|admin1"] = 8

	monitor := NewMonitor(source, NewInMemoryDeduplicator(), DefaultThresholds())

	var receivedAlert *Alert
	monitor.OnAlert(func(a Alert) {
		receivedAlert = &a
	})

	monitor.Check(context.Background(), "admin1", "t1")

	if receivedAlert == nil {
		t.Fatal("Alert handler should have been called")
	}
	if receivedAlert.TenantID != "t1" || receivedAlert.AdminID != "admin1" {
		t.Errorf("receivedAlert = %+v, want t1/admin1", receivedAlert)
	}
}

func TestLogAlertHandler(t *testing.T) {
	// Just verify it doesn't panic
	alert := Alert{
		AdminID:    "admin1",
		TenantID:   "t1",
		Level:      AlertLevelWarning,
		Used:       8,
		Limit:      10,
		Percentage: 80.0,
		Timestamp:  time.Now(),
	}

	LogAlertHandler(alert)
}
