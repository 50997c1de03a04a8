package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertAllowance reports false when a row for the same org and period exists.
	InsertAllowance(ctx context.Context, db *gorm.DB, allowance *UsageAllowance) (bool, error)
	FindAllowanceByPeriod(ctx context.Context, db *gorm.DB, orgID string, periodStart time.Time) (*UsageAllowance, error)
	FindCurrent(ctx context.Context, db *gorm.DB, orgID string, at time.Time) (*UsageAllowance, error)
	LockCurrent(ctx context.Context, db *gorm.DB, orgID string, at time.Time) (*UsageAllowance, error)
	IncrementConsumed(ctx context.Context, db *gorm.DB, id snowflake.ID, amount, baseAmount int64) error

	InsertGrant(ctx context.Context, db *gorm.DB, grant *RolloverGrant) error
	ListConsumableGrants(ctx context.Context, db *gorm.DB, orgID string, at time.Time) ([]RolloverGrant, error)
	ConsumeGrant(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64) (bool, error)

	// InsertEntry reports false when the job already has an entry.
	InsertEntry(ctx context.Context, db *gorm.DB, entry *LedgerEntry) (bool, error)
	FindEntryByJob(ctx context.Context, db *gorm.DB, jobID snowflake.ID) (*LedgerEntry, error)
	ListEntries(ctx context.Context, db *gorm.DB, orgID string, limit int) ([]LedgerEntry, error)
	SumUnallocated(ctx context.Context, db *gorm.DB, orgID string) (int64, error)
}
