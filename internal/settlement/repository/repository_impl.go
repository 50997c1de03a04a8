package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/smallbiznis/memora/internal/analysisjob/domain"
	settlementdomain "github.com/smallbiznis/memora/internal/settlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() settlementdomain.Repository {
	return &repo{}
}

func (r *repo) FindJob(ctx context.Context, db *gorm.DB, jobID snowflake.ID) (*jobdomain.Job, error) {
	var rows []jobdomain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, org_id, standard, word_count, file_count, price, status, artifact, error_detail,
		 charged, balance_after, created_at, started_at, completed_at
		 FROM analysis_jobs
		 WHERE id = ?
		 LIMIT 1`,
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

// MarkCompleted copies the stored price into charged. The price column is
// the only source of the amount.
func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, jobID snowflake.ID, artifact string, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE analysis_jobs
		 SET status = ?, artifact = ?, charged = price, error_detail = NULL, completed_at = ?
		 WHERE id = ? AND status = ?`,
		jobdomain.StatusCompleted,
		artifact,
		at,
		jobID,
		jobdomain.StatusProcessing,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, jobID snowflake.ID, detail string, balanceAfter int64, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE analysis_jobs
		 SET status = ?, error_detail = ?, charged = 0, balance_after = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		jobdomain.StatusFailed,
		detail,
		balanceAfter,
		at,
		jobID,
		jobdomain.StatusProcessing,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) SetBalanceAfter(ctx context.Context, db *gorm.DB, jobID snowflake.ID, balanceAfter int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE analysis_jobs SET balance_after = ? WHERE id = ?`,
		balanceAfter,
		jobID,
	).Error
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, cutoffs settlementdomain.StaleCutoffs, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []snowflake.ID
	var err error
	if cutoffs.QueuedBefore.IsZero() {
		err = db.WithContext(ctx).Raw(
			`SELECT id
			 FROM analysis_jobs
			 WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
			 ORDER BY started_at ASC
			 LIMIT ?`,
			jobdomain.StatusProcessing,
			cutoffs.StartedBefore,
			limit,
		).Scan(&ids).Error
	} else {
		err = db.WithContext(ctx).Raw(
			`SELECT id
			 FROM analysis_jobs
			 WHERE status = ?
			   AND ((started_at IS NOT NULL AND started_at < ?)
			     OR (started_at IS NULL AND created_at < ?))
			 ORDER BY created_at ASC
			 LIMIT ?`,
			jobdomain.StatusProcessing,
			cutoffs.StartedBefore,
			cutoffs.QueuedBefore,
			limit,
		).Scan(&ids).Error
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}
