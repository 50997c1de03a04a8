package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/smallbiznis/memora/internal/analysisjob/domain"
	"gorm.io/gorm"
)

// Repository performs the conditional state transitions. Each Mark method
// reports false when the job was no longer processing.
type Repository interface {
	FindJob(ctx context.Context, db *gorm.DB, jobID snowflake.ID) (*jobdomain.Job, error)
	MarkCompleted(ctx context.Context, db *gorm.DB, jobID snowflake.ID, artifact string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, jobID snowflake.ID, detail string, balanceAfter int64, at time.Time) (bool, error)
	SetBalanceAfter(ctx context.Context, db *gorm.DB, jobID snowflake.ID, balanceAfter int64) error
	ListStale(ctx context.Context, db *gorm.DB, cutoffs StaleCutoffs, limit int) ([]snowflake.ID, error)
}
