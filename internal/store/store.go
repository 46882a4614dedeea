// Package store persists impersonation sessions and their start history.
// It supports both in-memory (single instance) and Redis (distributed)
// backends. The store owns the atomic insert-if-under-limit operation that
// closes the race between a quota check and the matching session start.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crmkit/impguard/internal/domain"
)

// SessionStore is the persistence contract for active sessions and the
// rolling start history used for hourly accounting. Implementations must be
// safe for concurrent use, and every operation is scoped by tenant.
type SessionStore interface {
	// StartSession inserts the session only if, at insert time, the admin is
	// still under both the hourly and concurrent limits. On rejection it
	// returns a *CapacityError naming the limit that was hit. The session's
	// StartedAt is the authoritative "now" for window accounting.
	StartSession(ctx context.Context, s domain.Session, limits domain.Limits) error

	// EndSession removes the session from the active set. Returns false when
	// no matching session exists (idempotent no-op).
	EndSession(ctx context.Context, sessionID, tenantID string) (bool, error)

	// GetSession returns the live session or domain.ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID, tenantID string) (*domain.Session, error)

	// ActiveSessions lists live sessions for (admin, tenant), oldest first.
	ActiveSessions(ctx context.Context, adminID, tenantID string) ([]domain.Session, error)

	// CountActive counts live sessions for (admin, tenant).
	CountActive(ctx context.Context, adminID, tenantID string) (int, error)

	// CountStartsSince counts session starts (live or since ended) for
	// (admin, tenant) with StartedAt >= since.
	CountStartsSince(ctx context.Context, adminID, tenantID string, since time.Time) (int, error)

	// ExpiredSessions lists live sessions in the tenant started before deadline.
	ExpiredSessions(ctx context.Context, tenantID string, deadline time.Time) ([]domain.Session, error)

	// Reset drops all live sessions and start history for (admin, tenant).
	// Returns the number of sessions removed.
	Reset(ctx context.Context, adminID, tenantID string) (int, error)

	// Tenants lists tenant IDs with live sessions, for background sweeps.
	Tenants(ctx context.Context) ([]string, error)
}

// CapacityError reports an insert-time quota rejection. It matches
// domain.ErrCapacityExceeded under errors.Is so callers can treat it
// identically to a failed check.
type CapacityError struct {
	Type     domain.ViolationType
	Observed int
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: %s (%d/%d)", e.Type, e.Observed, e.Limit)
}

func (e *CapacityError) Is(target error) bool {
	return target == domain.ErrCapacityExceeded
}

// InMemorySessionStore keeps sessions in process memory. Suitable for
// single-instance deployments and tests.
type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]map[string]domain.Session // tenantID -> sessionID -> session
	starts   map[string][]time.Time               // tenantID|adminID -> start times
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: make(map[string]map[string]domain.Session),
		starts:   make(map[string][]time.Time),
	}
}

func startKey(adminID, tenantID string) string {
	return tenantID + "|" + adminID
}

func (st *InMemorySessionStore) StartSession(ctx context.Context, s domain.Session, limits domain.Limits) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := startKey(s.AdminID, s.TenantID)
	windowStart := s.StartedAt.Add(-time.Hour)

	// Prune start history outside the rolling window while counting.
	kept := st.starts[key][:0]
	for _, ts := range st.starts[key] {
		if !ts.Before(windowStart) {
			kept = append(kept, ts)
		}
	}
	st.starts[key] = kept

	if len(kept) >= limits.MaxStartsPerHour {
		return &CapacityError{
			Type:     domain.ViolationHourlyLimit,
			Observed: len(kept),
			Limit:    limits.MaxStartsPerHour,
		}
	}

	active := 0
	for _, existing := range st.sessions[s.TenantID] {
		if existing.AdminID == s.AdminID {
			active++
		}
	}
	if active >= limits.MaxConcurrentSessions {
		return &CapacityError{
			Type:     domain.ViolationConcurrentLimit,
			Observed: active,
			Limit:    limits.MaxConcurrentSessions,
		}
	}

	if st.sessions[s.TenantID] == nil {
		st.sessions[s.TenantID] = make(map[string]domain.Session)
	}
	st.sessions[s.TenantID][s.ID] = s
	st.starts[key] = append(st.starts[key], s.StartedAt)

	return nil
}

func (st *InMemorySessionStore) EndSession(ctx context.Context, sessionID, tenantID string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	tenant, ok := st.sessions[tenantID]
	if !ok {
		return false, nil
	}
	if _, ok := tenant[sessionID]; !ok {
		return false, nil
	}
	delete(tenant, sessionID)
	return true, nil
}

func (st *InMemorySessionStore) GetSession(ctx context.Context, sessionID, tenantID string) (*domain.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[tenantID][sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &s, nil
}

func (st *InMemorySessionStore) ActiveSessions(ctx context.Context, adminID, tenantID string) ([]domain.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var sessions []domain.Session
	for _, s := range st.sessions[tenantID] {
		if s.AdminID == adminID {
			sessions = append(sessions, s)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions, nil
}

func (st *InMemorySessionStore) CountActive(ctx context.Context, adminID, tenantID string) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	count := 0
	for _, s := range st.sessions[tenantID] {
		if s.AdminID == adminID {
			count++
		}
	}
	return count, nil
}

func (st *InMemorySessionStore) CountStartsSince(ctx context.Context, adminID, tenantID string, since time.Time) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	count := 0
	for _, ts := range st.starts[startKey(adminID, tenantID)] {
		if !ts.Before(since) {
			count++
		}
	}
	return count, nil
}

func (st *InMemorySessionStore) ExpiredSessions(ctx context.Context, tenantID string, deadline time.Time) ([]domain.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var expired []domain.Session
	for _, s := range st.sessions[tenantID] {
		if s.StartedAt.Before(deadline) {
			expired = append(expired, s)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].StartedAt.Before(expired[j].StartedAt)
	})
	return expired, nil
}

func (st *InMemorySessionStore) Tenants(ctx context.Context) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var tenants []string
	for tenantID, sessions := range st.sessions {
		if len(sessions) > 0 {
			tenants = append(tenants, tenantID)
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

func (st *InMemorySessionStore) Reset(ctx context.Context, adminID, tenantID string) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, s := range st.sessions[tenantID] {
		if s.AdminID == adminID {
			delete(st.sessions[tenantID], id)
			removed++
		}
	}
	delete(st.starts, startKey(adminID, tenantID))
	return removed, nil
}
