package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one submitted contract analysis. Price and word count are fixed at
// creation; only settlement writes the status columns.
type Job struct {
	ID           snowflake.ID      `json:"id" gorm:"primaryKey"`
	UserID       string            `json:"user_id" gorm:"type:text;not null;index:ix_analysis_jobs_user_created,priority:1"`
	OrgID        string            `json:"org_id" gorm:"type:text;not null;index"`
	Standard     string            `json:"standard" gorm:"type:text;not null"`
	WordCount    int64             `json:"word_count" gorm:"not null"`
	FileCount    int               `json:"file_count" gorm:"not null"`
	Price        int64             `json:"price" gorm:"not null"`
	Status       Status            `json:"status" gorm:"type:text;not null;index:ix_analysis_jobs_status_created,priority:1"`
	Artifact     *string           `json:"artifact,omitempty" gorm:"type:text"`
	ErrorDetail  *string           `json:"error,omitempty" gorm:"type:text"`
	Charged      int64             `json:"charged" gorm:"not null;default:0"`
	BalanceAfter *int64            `json:"balance_after,omitempty"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at" gorm:"not null;index:ix_analysis_jobs_user_created,priority:2;index:ix_analysis_jobs_status_created,priority:2"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

func (Job) TableName() string { return "analysis_jobs" }

// Document is the extracted text of one uploaded file.
type Document struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	JobID     snowflake.ID `json:"job_id" gorm:"not null;index:ix_analysis_job_documents_job,priority:1"`
	Position  int          `json:"position" gorm:"not null;index:ix_analysis_job_documents_job,priority:2"`
	Name      string       `json:"name" gorm:"type:text;not null"`
	WordCount int64        `json:"word_count" gorm:"not null"`
	Content   string       `json:"-" gorm:"type:text;not null"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
}

func (Document) TableName() string { return "analysis_job_documents" }

// Progress is the externally visible step position of a running job.
type Progress struct {
	JobID       snowflake.ID `json:"job_id" gorm:"primaryKey;autoIncrement:false"`
	CurrentStep int          `json:"current_step" gorm:"not null"`
	TotalSteps  int          `json:"total_steps" gorm:"not null"`
	StepName    string       `json:"step_name" gorm:"type:text;not null"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null"`
}

func (Progress) TableName() string { return "analysis_job_progress" }

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Job{}, &Document{}, &Progress{}}
}
