// Package alerting watches hourly quota usage and raises alerts as admins
// approach their impersonation limits, before the limiter starts denying.
package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crmkit/impguard/internal/domain"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

type Alert struct {
	AdminID    string
	TenantID   string
	Level      AlertLevel
	Used       int
	Limit      int
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(alert Alert)

// StatsSource projects current quota usage for one (admin, tenant).
// *limiter.Guard satisfies it.
type StatsSource interface {
	Stats(ctx context.Context, adminID, tenantID string) (domain.Stats, error)
}

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Monitor raises at most one alert per (admin, tenant, level). Deduplication
// is delegated so multiple instances sharing Redis do not alert twice.
type Monitor struct {
	mu            sync.Mutex
	source        StatsSource
	dedup         AlertDeduplicator
	thresholds    Thresholds
	alertHandlers []AlertHandler
}

func NewMonitor(source StatsSource, dedup AlertDeduplicator, thresholds Thresholds) *Monitor {
	return &Monitor{
		source:        source,
		dedup:         dedup,
		thresholds:    thresholds,
		alertHandlers: make([]AlertHandler, 0),
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

// Check inspects the admin's hourly quota usage and returns an alert when a
// threshold is newly crossed. Usage back under the warning threshold clears
// the dedup state so the next climb alerts again.
func (m *Monitor) Check(ctx context.Context, adminID, tenantID string) (*Alert, error) {
	stats, err := m.source.Stats(ctx, adminID, tenantID)
	if err != nil {
		return nil, err
	}
	if stats.HourlyLimit <= 0 {
		return nil, nil
	}

	percentage := float64(stats.StartsThisHour) / float64(stats.HourlyLimit)

	var level AlertLevel
	switch {
	case percentage >= m.thresholds.Critical:
		level = AlertLevelCritical
	case percentage >= m.thresholds.Warning:
		level = AlertLevelWarning
	default:
		m.dedup.ClearAlert(ctx, tenantID, adminID)
		return nil, nil
	}

	if !m.dedup.ShouldAlert(ctx, tenantID, adminID, level) {
		return nil, nil
	}

	alert := &Alert{
		AdminID:    adminID,
		TenantID:   tenantID,
		Level:      level,
		Used:       stats.StartsThisHour,
		Limit:      stats.HourlyLimit,
		Percentage: percentage * 100,
		Timestamp:  time.Now(),
	}

	m.mu.Lock()
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(*alert)
	}

	return alert, nil
}

func LogAlertHandler(alert Alert) {
	slog.Warn("quota alert",
		"tenant_id", alert.TenantID,
		"admin_id", alert.AdminID,
		"level", alert.Level,
		"used", alert.Used,
		"limit", alert.Limit,
		"percentage", alert.Percentage,
	)
}
