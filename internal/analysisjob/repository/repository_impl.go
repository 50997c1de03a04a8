package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/smallbiznis/memora/internal/analysisjob/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() jobdomain.Repository {
	return &repo{}
}

const jobColumns = `id, user_id, org_id, standard, word_count, file_count, price, status, artifact, error_detail,
		 charged, balance_after, metadata, created_at, started_at, completed_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *jobdomain.Job) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO analysis_jobs (id, user_id, org_id, standard, word_count, file_count, price, status,
		 charged, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.UserID,
		job.OrgID,
		job.Standard,
		job.WordCount,
		job.FileCount,
		job.Price,
		job.Status,
		job.Charged,
		job.Metadata,
		job.CreatedAt,
	).Error
}

func (r *repo) InsertDocuments(ctx context.Context, db *gorm.DB, docs []jobdomain.Document) error {
	for _, doc := range docs {
		err := db.WithContext(ctx).Exec(
			`INSERT INTO analysis_job_documents (id, job_id, position, name, word_count, content, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			doc.ID,
			doc.JobID,
			doc.Position,
			doc.Name,
			doc.WordCount,
			doc.Content,
			doc.CreatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*jobdomain.Job, error) {
	var rows []jobdomain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE id = ? LIMIT 1`,
		id,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID string, limit int) ([]jobdomain.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var rows []jobdomain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+`
		 FROM analysis_jobs
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		userID,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListDocuments(ctx context.Context, db *gorm.DB, jobID snowflake.ID) ([]jobdomain.Document, error) {
	var rows []jobdomain.Document
	err := db.WithContext(ctx).Raw(
		`SELECT id, job_id, position, name, word_count, content, created_at
		 FROM analysis_job_documents
		 WHERE job_id = ?
		 ORDER BY position ASC`,
		jobID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) UpsertProgress(ctx context.Context, db *gorm.DB, p jobdomain.Progress) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO analysis_job_progress (job_id, current_step, total_steps, step_name, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (job_id) DO UPDATE
		 SET current_step = excluded.current_step,
		     total_steps = excluded.total_steps,
		     step_name = excluded.step_name,
		     updated_at = excluded.updated_at
		 WHERE analysis_job_progress.current_step < excluded.current_step`,
		p.JobID,
		p.CurrentStep,
		p.TotalSteps,
		p.StepName,
		p.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindProgress(ctx context.Context, db *gorm.DB, jobID snowflake.ID) (*jobdomain.Progress, error) {
	var rows []jobdomain.Progress
	err := db.WithContext(ctx).Raw(
		`SELECT job_id, current_step, total_steps, step_name, updated_at
		 FROM analysis_job_progress
		 WHERE job_id = ?`,
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

func (r *repo) MarkStarted(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE analysis_jobs
		 SET started_at = ?
		 WHERE id = ? AND status = ? AND started_at IS NULL`,
		at,
		id,
		jobdomain.StatusProcessing,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
