// Package audit persists rate-limit violations and operator audit entries.
// Violations are append-only: they are removed only by an explicit admin
// clear or by age-based pruning during cleanup.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crmkit/impguard/internal/domain"
)

// ViolationStore is the persistence contract for rate-limit violations.
// All queries are scoped by tenant.
type ViolationStore interface {
	Record(ctx context.Context, v domain.Violation) error
	// List returns violations for (admin, tenant) with OccurredAt >= since,
	// newest first.
	List(ctx context.Context, adminID, tenantID string, since time.Time) ([]domain.Violation, error)
	// PruneBefore deletes the tenant's violations older than cutoff and
	// returns how many were removed.
	PruneBefore(ctx context.Context, tenantID string, cutoff time.Time) (int, error)
	// Clear deletes all violations for (admin, tenant).
	Clear(ctx context.Context, adminID, tenantID string) (int, error)
	// Tenants lists tenant IDs with stored violations, for background sweeps.
	Tenants(ctx context.Context) ([]string, error)
}

// TrailStore records operator actions (force-terminate, reset) for
// compliance review.
type TrailStore interface {
	Append(ctx context.Context, e domain.AuditEntry) error
	List(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error)
}

type InMemoryViolationStore struct {
	mu         sync.Mutex
	violations map[string][]domain.Violation // tenantID -> violations
}

func NewInMemoryViolationStore() *InMemoryViolationStore {
	return &InMemoryViolationStore{
		violations: make(map[string][]domain.Violation),
	}
}

func (st *InMemoryViolationStore) Record(ctx context.Context, v domain.Violation) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.violations[v.TenantID] = append(st.violations[v.TenantID], v)
	return nil
}

func (st *InMemoryViolationStore) List(ctx context.Context, adminID, tenantID string, since time.Time) ([]domain.Violation, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var result []domain.Violation
	for _, v := range st.violations[tenantID] {
		if v.AdminID == adminID && !v.OccurredAt.Before(since) {
			result = append(result, v)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OccurredAt.After(result[j].OccurredAt)
	})
	return result, nil
}

func (st *InMemoryViolationStore) PruneBefore(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	kept := st.violations[tenantID][:0]
	pruned := 0
	for _, v := range st.violations[tenantID] {
		if v.OccurredAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, v)
	}
	st.violations[tenantID] = kept
	return pruned, nil
}

func (st *InMemoryViolationStore) Clear(ctx context.Context, adminID, tenantID string) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	kept := st.violations[tenantID][:0]
	cleared := 0
	for _, v := range st.violations[tenantID] {
		if v.AdminID == adminID {
			cleared++
			continue
		}
		kept = append(kept, v)
	}
	st.violations[tenantID] = kept
	return cleared, nil
}

func (st *InMemoryViolationStore) Tenants(ctx context.Context) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	tenants := make([]string, 0, len(st.violations))
	for tenantID, vs := range st.violations {
		if len(vs) > 0 {
			tenants = append(tenants, tenantID)
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

type InMemoryTrailStore struct {
	mu      sync.Mutex
	entries map[string][]domain.AuditEntry // tenantID -> entries
}

func NewInMemoryTrailStore() *InMemoryTrailStore {
	return &InMemoryTrailStore{
		entries: make(map[string][]domain.AuditEntry),
	}
}

func (st *InMemoryTrailStore) Append(ctx context.Context, e domain.AuditEntry) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.entries[e.TenantID] = append(st.entries[e.TenantID], e)
	return nil
}

func (st *InMemoryTrailStore) List(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	entries := st.entries[tenantID]
	result := make([]domain.AuditEntry, len(entries))
	copy(result, entries)
	sort.Slice(result, func(i, j int) bool {
		return result[i].OccurredAt.After(result[j].OccurredAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
