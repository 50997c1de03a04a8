package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	allowancedomain "github.com/smallbiznis/memora/internal/allowance/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() allowancedomain.Repository {
	return &repo{}
}

const allowanceColumns = `id, org_id, plan_code, period_start, period_end, base_allowance, rollover_allowance,
		 total_allowance, consumed, base_consumed, created_at`

func (r *repo) InsertAllowance(ctx context.Context, db *gorm.DB, a *allowancedomain.UsageAllowance) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO usage_allowances (`+allowanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, period_start) DO NOTHING`,
		a.ID,
		a.OrgID,
		a.PlanCode,
		a.PeriodStart,
		a.PeriodEnd,
		a.BaseAllowance,
		a.RolloverAllowance,
		a.TotalAllowance,
		a.Consumed,
		a.BaseConsumed,
		a.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindAllowanceByPeriod(ctx context.Context, db *gorm.DB, orgID string, periodStart time.Time) (*allowancedomain.UsageAllowance, error) {
	var rows []allowancedomain.UsageAllowance
	err := db.WithContext(ctx).Raw(
		`SELECT `+allowanceColumns+`
		 FROM usage_allowances
		 WHERE org_id = ? AND period_start = ?
		 LIMIT 1`,
		orgID,
		periodStart,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) FindCurrent(ctx context.Context, db *gorm.DB, orgID string, at time.Time) (*allowancedomain.UsageAllowance, error) {
	return r.findCurrent(ctx, db, orgID, at, false)
}

func (r *repo) LockCurrent(ctx context.Context, db *gorm.DB, orgID string, at time.Time) (*allowancedomain.UsageAllowance, error) {
	return r.findCurrent(ctx, db, orgID, at, true)
}

func (r *repo) findCurrent(ctx context.Context, db *gorm.DB, orgID string, at time.Time, lock bool) (*allowancedomain.UsageAllowance, error) {
	query := `SELECT ` + allowanceColumns + `
		 FROM usage_allowances
		 WHERE org_id = ? AND period_start <= ?
		 ORDER BY period_start DESC
		 LIMIT 1`
	if lock {
		query += ` FOR UPDATE`
	}
	var rows []allowancedomain.UsageAllowance
	if err := db.WithContext(ctx).Raw(query, orgID, at).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) IncrementConsumed(ctx context.Context, db *gorm.DB, id snowflake.ID, amount, baseAmount int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_allowances
		 SET consumed = consumed + ?, base_consumed = base_consumed + ?
		 WHERE id = ?`,
		amount,
		baseAmount,
		id,
	).Error
}

func (r *repo) InsertGrant(ctx context.Context, db *gorm.DB, g *allowancedomain.RolloverGrant) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO rollover_grants (id, org_id, origin_allowance_id, origin_period_start, amount_granted,
		 amount_remaining, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (origin_allowance_id) DO NOTHING`,
		g.ID,
		g.OrgID,
		g.OriginAllowanceID,
		g.OriginPeriodStart,
		g.AmountGranted,
		g.AmountRemaining,
		g.ExpiresAt,
		g.CreatedAt,
	).Error
}

func (r *repo) ListConsumableGrants(ctx context.Context, db *gorm.DB, orgID string, at time.Time) ([]allowancedomain.RolloverGrant, error) {
	var rows []allowancedomain.RolloverGrant
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, origin_allowance_id, origin_period_start, amount_granted, amount_remaining,
		 expires_at, created_at
		 FROM rollover_grants
		 WHERE org_id = ? AND expires_at > ? AND amount_remaining > 0
		 ORDER BY expires_at ASC, id ASC`,
		orgID,
		at,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ConsumeGrant(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE rollover_grants
		 SET amount_remaining = amount_remaining - ?
		 WHERE id = ? AND amount_remaining >= ?`,
		amount,
		id,
		amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, e *allowancedomain.LedgerEntry) (bool, error) {
	var allowanceID any
	if e.AllowanceID != nil {
		allowanceID = *e.AllowanceID
	}
	result := db.WithContext(ctx).Exec(
		`INSERT INTO usage_ledger_entries (id, org_id, allowance_id, job_id, amount, base_amount,
		 rollover_amount, balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id) DO NOTHING`,
		e.ID,
		e.OrgID,
		allowanceID,
		e.JobID,
		e.Amount,
		e.BaseAmount,
		e.RolloverAmount,
		e.BalanceAfter,
		e.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

const entryColumns = `id, org_id, allowance_id, job_id, amount, base_amount, rollover_amount, balance_after, created_at`

func (r *repo) FindEntryByJob(ctx context.Context, db *gorm.DB, jobID snowflake.ID) (*allowancedomain.LedgerEntry, error) {
	var rows []allowancedomain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+` FROM usage_ledger_entries WHERE job_id = ? LIMIT 1`,
		jobID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) ListEntries(ctx context.Context, db *gorm.DB, orgID string, limit int) ([]allowancedomain.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var rows []allowancedomain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		 FROM usage_ledger_entries
		 WHERE org_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		orgID,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) SumUnallocated(ctx context.Context, db *gorm.DB, orgID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM usage_ledger_entries
		 WHERE org_id = ? AND allowance_id IS NULL`,
		orgID,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
