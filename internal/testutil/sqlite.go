// Package testutil holds shared fixtures for database-backed tests.
package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenSQLite returns a single-connection in-memory database with models
// migrated. Row locking clauses are stripped because SQLite serializes
// writers on its own; the single connection serializes transactions.
func OpenSQLite(t testing.TB, models ...any) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	stripLocking := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			sql = strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			sql = strings.ReplaceAll(sql, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(sql)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLocking); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLocking); err != nil {
		t.Fatalf("register row callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

// NewNode returns a snowflake node for test id generation.
func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// TimeAccelerator rewrites timestamps so time-based sweeps can be exercised
// without waiting.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// AgeJob overwrites a job's creation time.
func (ta *TimeAccelerator) AgeJob(ctx context.Context, jobID snowflake.ID, createdAt time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE analysis_jobs SET created_at = ? WHERE id = ?`,
		createdAt,
		jobID,
	).Error
}

// StartJob overwrites the time a worker first loaded a job.
func (ta *TimeAccelerator) StartJob(ctx context.Context, jobID snowflake.ID, startedAt time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE analysis_jobs SET started_at = ? WHERE id = ?`,
		startedAt,
		jobID,
	).Error
}

// SetAllowanceUsage overwrites the consumption counters of an allowance period.
func (ta *TimeAccelerator) SetAllowanceUsage(ctx context.Context, allowanceID snowflake.ID, consumed, baseConsumed int64) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE usage_allowances SET consumed = ?, base_consumed = ? WHERE id = ?`,
		consumed,
		baseConsumed,
		allowanceID,
	).Error
}
