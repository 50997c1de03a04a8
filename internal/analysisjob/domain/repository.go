package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *Job) error
	InsertDocuments(ctx context.Context, db *gorm.DB, docs []Document) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Job, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string, limit int) ([]Job, error)
	ListDocuments(ctx context.Context, db *gorm.DB, jobID snowflake.ID) ([]Document, error)
	// UpsertProgress reports false when the stored step is already at or past p.
	UpsertProgress(ctx context.Context, db *gorm.DB, p Progress) (bool, error)
	FindProgress(ctx context.Context, db *gorm.DB, jobID snowflake.ID) (*Progress, error)
	// MarkStarted records the first start of a processing job and reports
	// whether this call set it.
	MarkStarted(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
}
