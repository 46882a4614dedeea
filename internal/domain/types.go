package domain

import "time"

// Limits holds the impersonation quotas for a deployment.
// They are read once at startup and never mutated afterwards.
type Limits struct {
	MaxStartsPerHour      int
	MaxConcurrentSessions int
	MaxSessionDuration    time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxStartsPerHour:      10,
		MaxConcurrentSessions: 5,
		MaxSessionDuration:    30 * time.Minute,
	}
}

// Session is one in-progress impersonation grant. Exactly one record exists
// per live session; it is removed from the active set on end, force-terminate,
// or expiry cleanup.
type Session struct {
	ID              string    `json:"id"`
	AdminID         string    `json:"admin_id"`
	TenantID        string    `json:"tenant_id"`
	TargetUserID    string    `json:"target_user_id"`
	TargetUserEmail string    `json:"target_user_email"`
	StartedAt       time.Time `json:"started_at"`
}

type ViolationType string

const (
	ViolationHourlyLimit      ViolationType = "hourly_limit"
	ViolationConcurrentLimit  ViolationType = "concurrent_limit"
	ViolationDurationExceeded ViolationType = "duration_exceeded"
)

// Violation is an immutable record of a rate-limit breach. It is only ever
// removed by an explicit admin clear or age-based pruning.
type Violation struct {
	ID           string        `json:"id"`
	AdminID      string        `json:"admin_id"`
	TenantID     string        `json:"tenant_id"`
	Type         ViolationType `json:"type"`
	TargetUserID string        `json:"target_user_id,omitempty"`
	Observed     int           `json:"observed"`
	Limit        int           `json:"limit"`
	OccurredAt   time.Time     `json:"occurred_at"`
}

// CheckResult is the outcome of a quota check. A denial is an expected
// result, not an error; Type and the counts give the caller enough to build
// a specific message.
type CheckResult struct {
	Allowed  bool          `json:"allowed"`
	Reason   string        `json:"reason,omitempty"`
	Type     ViolationType `json:"violation_type,omitempty"`
	Observed int           `json:"observed,omitempty"`
	Limit    int           `json:"limit,omitempty"`
}

// Stats is a derived projection over the session store for one (admin, tenant).
type Stats struct {
	AdminID            string  `json:"admin_id"`
	TenantID           string  `json:"tenant_id"`
	StartsThisHour     int     `json:"starts_this_hour"`
	HourlyLimit        int     `json:"hourly_limit"`
	HourlyRemaining    int     `json:"hourly_remaining"`
	HourlyUsagePct     float64 `json:"hourly_usage_pct"`
	ConcurrentSessions int     `json:"concurrent_sessions"`
	ConcurrentLimit    int     `json:"concurrent_limit"`
	ConcurrentRemain   int     `json:"concurrent_remaining"`
	ConcurrentUsagePct float64 `json:"concurrent_usage_pct"`
}

type CleanupResult struct {
	SessionsExpired  int `json:"sessions_expired"`
	ViolationsPruned int `json:"violations_pruned"`
}

// AuditEntry records an operator action (force-terminate, reset). Distinct
// from a Violation: these are deliberate interventions, not quota breaches.
type AuditEntry struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	AdminID    string    `json:"admin_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	AuditActionForceTerminate = "force_terminate"
	AuditActionReset          = "limits_reset"
)
