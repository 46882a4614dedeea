package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/crmkit/impguard/internal/domain"
)

type PostgresViolationStore struct {
	db *sql.DB
}

func NewPostgresViolationStore(db *sql.DB) *PostgresViolationStore {
	return &PostgresViolationStore{db: db}
}

func (st *PostgresViolationStore) Record(ctx context.Context, v domain.Violation) error {
	query := `
		INSERT INTO rate_limit_violations (id, admin_id, tenant_id, violation_type, target_user_id, observed, limit_value, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := st.db.ExecContext(ctx, query,
		v.ID,
		v.AdminID,
		v.TenantID,
		string(v.Type),
		v.TargetUserID,
		v.Observed,
		v.Limit,
		v.OccurredAt,
	)

	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}

	return nil
}

func (st *PostgresViolationStore) List(ctx context.Context, adminID, tenantID string, since time.Time) ([]domain.Violation, error) {
	query := `
		SELECT id, admin_id, tenant_id, violation_type, target_user_id, observed, limit_value, occurred_at
		FROM rate_limit_violations
		WHERE admin_id = $1 AND tenant_id = $2 AND occurred_at >= $3
		ORDER BY occurred_at DESC
	`

	rows, err := st.db.QueryContext(ctx, query, adminID, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var violations []domain.Violation
	for rows.Next() {
		var v domain.Violation
		var vtype string
		err := rows.Scan(
			&v.ID,
			&v.AdminID,
			&v.TenantID,
			&vtype,
			&v.TargetUserID,
			&v.Observed,
			&v.Limit,
			&v.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Type = domain.ViolationType(vtype)
		violations = append(violations, v)
	}

	return violations, rows.Err()
}

func (st *PostgresViolationStore) PruneBefore(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	query := `DELETE FROM rate_limit_violations WHERE tenant_id = $1 AND occurred_at < $2`

	result, err := st.db.ExecContext(ctx, query, tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune violations: %w", err)
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (st *PostgresViolationStore) Clear(ctx context.Context, adminID, tenantID string) (int, error) {
	query := `DELETE FROM rate_limit_violations WHERE admin_id = $1 AND tenant_id = $2`

	result, err := st.db.ExecContext(ctx, query, adminID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("clear violations: %w", err)
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (st *PostgresViolationStore) Tenants(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT tenant_id FROM rate_limit_violations ORDER BY tenant_id`

	rows, err := st.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query violation tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, tenantID)
	}

	return tenants, rows.Err()
}

type PostgresTrailStore struct {
	db *sql.DB
}

func NewPostgresTrailStore(db *sql.DB) *PostgresTrailStore {
	return &PostgresTrailStore{db: db}
}

func (st *PostgresTrailStore) Append(ctx context.Context, e domain.AuditEntry) error {
	query := `
		INSERT INTO audit_trail (id, tenant_id, admin_id, session_id, action, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := st.db.ExecContext(ctx, query,
		e.ID,
		e.TenantID,
		e.AdminID,
		e.SessionID,
		e.Action,
		e.Reason,
		e.OccurredAt,
	)

	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	return nil
}

func (st *PostgresTrailStore) List(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, admin_id, session_id, action, reason, occurred_at
		FROM audit_trail
		WHERE tenant_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`

	rows, err := st.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		err := rows.Scan(
			&e.ID,
			&e.TenantID,
			&e.AdminID,
			&e.SessionID,
			&e.Action,
			&e.Reason,
			&e.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
