// Package limiter enforces impersonation quotas for super-admin support
// sessions: a rolling hourly cap on session starts, a concurrent session cap,
// and a maximum session duration. Quota denials are results, not errors.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/crmkit/impguard/internal/audit"
	"github.com/crmkit/impguard/internal/domain"
	"github.com/crmkit/impguard/internal/metrics"
	"github.com/crmkit/impguard/internal/store"
	"github.com/crmkit/impguard/internal/telemetry"
)

const (
	// DefaultViolationRetentionDays bounds how long violations are kept
	// before cleanup prunes them.
	DefaultViolationRetentionDays = 90

	// DefaultViolationWindowDays is the trailing window for violation listing.
	DefaultViolationWindowDays = 30
)

// Guard coordinates the session store and violation log. It holds the
// configured limits and nothing else; all state lives in the stores, so the
// decision is correct across restarts and multiple instances.
type Guard struct {
	limits     domain.Limits
	sessions   store.SessionStore
	violations audit.ViolationStore
	trail      audit.TrailStore
	now        func() time.Time
}

type Option func(*Guard)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

func New(limits domain.Limits, sessions store.SessionStore, violations audit.ViolationStore, trail audit.TrailStore, opts ...Option) *Guard {
	g := &Guard{
		limits:     limits,
		sessions:   sessions,
		violations: violations,
		trail:      trail,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Limits() domain.Limits {
	return g.limits
}

func requireIDs(ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: empty identifier", domain.ErrInvalidInput)
		}
	}
	return nil
}

// Check decides whether the admin may start another impersonation session in
// the tenant. The hourly check runs before the concurrency check; when both
// are at capacity the reported violation is the hourly one. A denial records
// a violation as a side effect.
func (g *Guard) Check(ctx context.Context, adminID, tenantID, targetUserID string) (domain.CheckResult, error) {
	if err := requireIDs(adminID, tenantID, targetUserID); err != nil {
		return domain.CheckResult{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, "guard.check")
	defer span.End()

	now := g.now()

	starts, err := g.sessions.CountStartsSince(ctx, adminID, tenantID, now.Add(-time.Hour))
	if err != nil {
		return domain.CheckResult{}, fmt.Errorf("count hourly starts: %w", err)
	}
	if starts >= g.limits.MaxStartsPerHour {
		return g.deny(ctx, adminID, tenantID, targetUserID, domain.ViolationHourlyLimit, starts, g.limits.MaxStartsPerHour), nil
	}

	active, err := g.sessions.CountActive(ctx, adminID, tenantID)
	if err != nil {
		return domain.CheckResult{}, fmt.Errorf("count active sessions: %w", err)
	}
	if active >= g.limits.MaxConcurrentSessions {
		return g.deny(ctx, adminID, tenantID, targetUserID, domain.ViolationConcurrentLimit, active, g.limits.MaxConcurrentSessions), nil
	}

	telemetry.AddCheckAttributes(span, true, "")
	metrics.RecordCheck(tenantID, "allowed", "")
	return domain.CheckResult{Allowed: true}, nil
}

func (g *Guard) deny(ctx context.Context, adminID, tenantID, targetUserID string, vtype domain.ViolationType, observed, limit int) domain.CheckResult {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		telemetry.AddCheckAttributes(span, false, string(vtype))
		telemetry.AddQuotaAttributes(span, observed, limit)
	}
	g.recordViolation(ctx, adminID, tenantID, targetUserID, vtype, observed, limit)
	metrics.RecordCheck(tenantID, "denied", string(vtype))

	return domain.CheckResult{
		Allowed:  false,
		Reason:   denialReason(vtype, observed, limit),
		Type:     vtype,
		Observed: observed,
		Limit:    limit,
	}
}

func denialReason(vtype domain.ViolationType, observed, limit int) string {
	switch vtype {
	case domain.ViolationHourlyLimit:
		return fmt.Sprintf("hourly impersonation limit reached (%d/%d)", observed, limit)
	case domain.ViolationConcurrentLimit:
		return fmt.Sprintf("concurrent session limit reached (%d/%d)", observed, limit)
	default:
		return fmt.Sprintf("limit reached (%d/%d)", observed, limit)
	}
}

// recordViolation is a best-effort side channel: a failed audit write must
// not turn a correct denial into an internal error.
func (g *Guard) recordViolation(ctx context.Context, adminID, tenantID, targetUserID string, vtype domain.ViolationType, observed, limit int) {
	v := domain.Violation{
		ID:           uuid.New().String(),
		AdminID:      adminID,
		TenantID:     tenantID,
		Type:         vtype,
		TargetUserID: targetUserID,
		Observed:     observed,
		Limit:        limit,
		OccurredAt:   g.now(),
	}
	if err := g.violations.Record(ctx, v); err != nil {
		slog.Warn("failed to record violation",
			"error", err,
			"tenant_id", tenantID,
			"admin_id", adminID,
			"violation_type", vtype,
		)
		return
	}
	metrics.RecordViolation(tenantID, string(vtype))
}

// StartSession records a session start after a passing Check. The store
// re-validates both quotas atomically at insert time; a rejection there is
// surfaced exactly like a failed check (domain.ErrCapacityExceeded) and
// records a violation, so callers never see the race window.
func (g *Guard) StartSession(ctx context.Context, adminID, tenantID, targetUserID, targetUserEmail string) (*domain.Session, error) {
	if err := requireIDs(adminID, tenantID, targetUserID); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "guard.start_session")
	defer span.End()

	s := domain.Session{
		ID:              uuid.New().String(),
		AdminID:         adminID,
		TenantID:        tenantID,
		TargetUserID:    targetUserID,
		TargetUserEmail: targetUserEmail,
		StartedAt:       g.now(),
	}

	err := g.sessions.StartSession(ctx, s, g.limits)
	if err != nil {
		var capErr *store.CapacityError
		if errors.As(err, &capErr) {
			g.recordViolation(ctx, adminID, tenantID, targetUserID, capErr.Type, capErr.Observed, capErr.Limit)
			metrics.RecordCheck(tenantID, "denied", string(capErr.Type))
			return nil, err
		}
		return nil, fmt.Errorf("start session: %w", err)
	}

	telemetry.AddSessionAttributes(span, tenantID, adminID, s.ID)
	metrics.RecordSessionStart(tenantID)
	slog.Info("impersonation session started",
		"session_id", s.ID,
		"tenant_id", tenantID,
		"admin_id", adminID,
		"target_user_id", targetUserID,
	)
	return &s, nil
}

// EndSession removes the session from the active set. Ending a session that
// no longer exists returns false, never an error: the UI retries network
// calls and a double end must stay benign.
func (g *Guard) EndSession(ctx context.Context, sessionID, tenantID string) (bool, error) {
	if err := requireIDs(sessionID, tenantID); err != nil {
		return false, err
	}

	ended, err := g.sessions.EndSession(ctx, sessionID, tenantID)
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	if ended {
		metrics.RecordSessionEnd(tenantID, "ended")
		slog.Info("impersonation session ended", "session_id", sessionID, "tenant_id", tenantID)
	}
	return ended, nil
}

// SessionExpired reports whether the session has outlived the configured
// maximum duration. An unknown session reports false: it cannot exceed a
// duration it does not have.
func (g *Guard) SessionExpired(ctx context.Context, sessionID, tenantID string) (bool, error) {
	if err := requireIDs(sessionID, tenantID); err != nil {
		return false, err
	}

	s, err := g.sessions.GetSession(ctx, sessionID, tenantID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get session: %w", err)
	}

	return g.now().Sub(s.StartedAt) > g.limits.MaxSessionDuration, nil
}

// ForceTerminate ends the session regardless of its duration and appends an
// audit trail entry carrying the operator's reason. Returns the terminated
// session, or nil when the session is already gone.
func (g *Guard) ForceTerminate(ctx context.Context, sessionID, tenantID, reason string) (*domain.Session, error) {
	if err := requireIDs(sessionID, tenantID); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", domain.ErrInvalidInput)
	}

	s, err := g.sessions.GetSession(ctx, sessionID, tenantID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	ended, err := g.sessions.EndSession(ctx, sessionID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("terminate session: %w", err)
	}
	if !ended {
		return nil, nil
	}

	entry := domain.AuditEntry{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		AdminID:    s.AdminID,
		SessionID:  sessionID,
		Action:     domain.AuditActionForceTerminate,
		Reason:     reason,
		OccurredAt: g.now(),
	}
	if err := g.trail.Append(ctx, entry); err != nil {
		slog.Warn("failed to append audit entry", "error", err, "session_id", sessionID, "tenant_id", tenantID)
	}

	metrics.RecordSessionEnd(tenantID, "force_terminated")
	slog.Warn("impersonation session force-terminated",
		"session_id", sessionID,
		"tenant_id", tenantID,
		"admin_id", s.AdminID,
		"reason", reason,
	)
	return s, nil
}

// Cleanup force-ends sessions past the maximum duration (recording a
// duration violation for each) and prunes violations older than daysToKeep.
// It only removes sessions already past their deadline, so it is safe to run
// concurrently with live traffic.
func (g *Guard) Cleanup(ctx context.Context, tenantID string, daysToKeep int) (domain.CleanupResult, error) {
	if err := requireIDs(tenantID); err != nil {
		return domain.CleanupResult{}, err
	}
	if daysToKeep <= 0 {
		daysToKeep = DefaultViolationRetentionDays
	}

	now := g.now()
	deadline := now.Add(-g.limits.MaxSessionDuration)

	expired, err := g.sessions.ExpiredSessions(ctx, tenantID, deadline)
	if err != nil {
		return domain.CleanupResult{}, fmt.Errorf("list expired sessions: %w", err)
	}

	var result domain.CleanupResult
	for _, s := range expired {
		ended, err := g.sessions.EndSession(ctx, s.ID, tenantID)
		if err != nil {
			return result, fmt.Errorf("expire session %s: %w", s.ID, err)
		}
		if !ended {
			// Someone else ended it between listing and removal.
			continue
		}
		g.recordViolation(ctx, s.AdminID, tenantID, s.TargetUserID, domain.ViolationDurationExceeded,
			int(now.Sub(s.StartedAt).Minutes()), int(g.limits.MaxSessionDuration.Minutes()))
		metrics.RecordSessionEnd(tenantID, "expired")
		result.SessionsExpired++
	}

	pruned, err := g.violations.PruneBefore(ctx, tenantID, now.AddDate(0, 0, -daysToKeep))
	if err != nil {
		return result, fmt.Errorf("prune violations: %w", err)
	}
	result.ViolationsPruned = pruned

	metrics.RecordCleanup(tenantID, result.SessionsExpired, result.ViolationsPruned)
	if result.SessionsExpired > 0 || result.ViolationsPruned > 0 {
		slog.Info("cleanup completed",
			"tenant_id", tenantID,
			"sessions_expired", result.SessionsExpired,
			"violations_pruned", result.ViolationsPruned,
		)
	}
	return result, nil
}

// CleanupAll runs Cleanup for every tenant visible to the stores. Tenants are
// gathered from both the session store and the violation store: a tenant whose
// sessions have all ended can still hold violations awaiting age-out.
func (g *Guard) CleanupAll(ctx context.Context, daysToKeep int) (domain.CleanupResult, error) {
	live, err := g.sessions.Tenants(ctx)
	if err != nil {
		return domain.CleanupResult{}, fmt.Errorf("list session tenants: %w", err)
	}
	recorded, err := g.violations.Tenants(ctx)
	if err != nil {
		return domain.CleanupResult{}, fmt.Errorf("list violation tenants: %w", err)
	}

	seen := make(map[string]bool, len(live)+len(recorded))
	var total domain.CleanupResult
	for _, tenantID := range append(live, recorded...) {
		if seen[tenantID] {
			continue
		}
		seen[tenantID] = true

		result, err := g.Cleanup(ctx, tenantID, daysToKeep)
		if err != nil {
			slog.Warn("cleanup failed", "error", err, "tenant_id", tenantID)
			continue
		}
		total.SessionsExpired += result.SessionsExpired
		total.ViolationsPruned += result.ViolationsPruned
	}
	return total, nil
}

// Reset clears the admin's sessions and violations in the tenant. An audit
// trail entry records the operator's reason.
func (g *Guard) Reset(ctx context.Context, adminID, tenantID, reason string) error {
	if err := requireIDs(adminID, tenantID); err != nil {
		return err
	}
	if reason == "" {
		return fmt.Errorf("%w: reason is required", domain.ErrInvalidInput)
	}

	removed, err := g.sessions.Reset(ctx, adminID, tenantID)
	if err != nil {
		return fmt.Errorf("reset sessions: %w", err)
	}
	if _, err := g.violations.Clear(ctx, adminID, tenantID); err != nil {
		return fmt.Errorf("clear violations: %w", err)
	}

	entry := domain.AuditEntry{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		AdminID:    adminID,
		Action:     domain.AuditActionReset,
		Reason:     reason,
		OccurredAt: g.now(),
	}
	if err := g.trail.Append(ctx, entry); err != nil {
		slog.Warn("failed to append audit entry", "error", err, "tenant_id", tenantID, "admin_id", adminID)
	}

	slog.Warn("rate limits reset",
		"tenant_id", tenantID,
		"admin_id", adminID,
		"sessions_removed", removed,
		"reason", reason,
	)
	return nil
}

// Stats projects current usage for (admin, tenant). Zero sessions yields
// zeroed stats, not an error.
func (g *Guard) Stats(ctx context.Context, adminID, tenantID string) (domain.Stats, error) {
	if err := requireIDs(adminID, tenantID); err != nil {
		return domain.Stats{}, err
	}

	starts, err := g.sessions.CountStartsSince(ctx, adminID, tenantID, g.now().Add(-time.Hour))
	if err != nil {
		return domain.Stats{}, fmt.Errorf("count hourly starts: %w", err)
	}
	active, err := g.sessions.CountActive(ctx, adminID, tenantID)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("count active sessions: %w", err)
	}

	stats := domain.Stats{
		AdminID:            adminID,
		TenantID:           tenantID,
		StartsThisHour:     starts,
		HourlyLimit:        g.limits.MaxStartsPerHour,
		ConcurrentSessions: active,
		ConcurrentLimit:    g.limits.MaxConcurrentSessions,
	}
	stats.HourlyRemaining = clampZero(stats.HourlyLimit - starts)
	stats.ConcurrentRemain = clampZero(stats.ConcurrentLimit - active)
	if stats.HourlyLimit > 0 {
		stats.HourlyUsagePct = 100 * float64(starts) / float64(stats.HourlyLimit)
	}
	if stats.ConcurrentLimit > 0 {
		stats.ConcurrentUsagePct = 100 * float64(active) / float64(stats.ConcurrentLimit)
	}
	return stats, nil
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// ActiveSessions lists the admin's live sessions, oldest first. The stable
// ordering keeps UI polling diffs quiet.
func (g *Guard) ActiveSessions(ctx context.Context, adminID, tenantID string) ([]domain.Session, error) {
	if err := requireIDs(adminID, tenantID); err != nil {
		return nil, err
	}
	sessions, err := g.sessions.ActiveSessions(ctx, adminID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Violations lists the admin's violations within the trailing window
// (default 30 days), newest first.
func (g *Guard) Violations(ctx context.Context, adminID, tenantID string, days int) ([]domain.Violation, error) {
	if err := requireIDs(adminID, tenantID); err != nil {
		return nil, err
	}
	if days <= 0 {
		days = DefaultViolationWindowDays
	}
	violations, err := g.violations.List(ctx, adminID, tenantID, g.now().AddDate(0, 0, -days))
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	return violations, nil
}

// ClearViolations removes all violations for (admin, tenant) and returns how
// many were deleted.
func (g *Guard) ClearViolations(ctx context.Context, adminID, tenantID string) (int, error) {
	if err := requireIDs(adminID, tenantID); err != nil {
		return 0, err
	}
	cleared, err := g.violations.Clear(ctx, adminID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("clear violations: %w", err)
	}
	return cleared, nil
}
