package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/smallbiznis/memora/internal/pricing/domain"
)

type SubmitRequest struct {
	UserID            string                   `json:"-"`
	OrgID             string                   `json:"-"`
	Standard          string                   `json:"standard"`
	Documents         []pricingdomain.Document `json:"documents"`
	DeclaredWordCount *int64                   `json:"word_count,omitempty"`
}

type SubmitResponse struct {
	JobID  snowflake.ID `json:"job_id"`
	Price  int64        `json:"price"`
	Status Status       `json:"status"`
}

type ProgressView struct {
	CurrentStep int       `json:"current_step"`
	TotalSteps  int       `json:"total_steps"`
	StepName    string    `json:"step_name"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type StatusResponse struct {
	JobID       snowflake.ID  `json:"job_id"`
	Status      Status        `json:"status"`
	Standard    string        `json:"standard"`
	Price       int64         `json:"price"`
	WordCount   int64         `json:"word_count"`
	FileCount   int           `json:"file_count"`
	Charged     int64         `json:"charged"`
	Progress    *ProgressView `json:"progress,omitempty"`
	Artifact    *string       `json:"artifact,omitempty"`
	Error       *string       `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

type ProgressUpdate struct {
	JobID       snowflake.ID
	CurrentStep int
	TotalSteps  int
	StepName    string
	At          time.Time
}

// Execution is what a worker needs to run a job. It deliberately has no price.
type Execution struct {
	JobID     snowflake.ID
	UserID    string
	OrgID     string
	Standard  string
	Status    Status
	StartedAt *time.Time
	Documents []pricingdomain.Document
}

// Abandoner settles a job as failed on behalf of the system.
type Abandoner interface {
	Abandon(ctx context.Context, jobID snowflake.ID, reason string) error
}

type Service interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
	GetStatus(ctx context.Context, jobID snowflake.ID, callerUserID string) (*StatusResponse, error)
	List(ctx context.Context, userID string, limit int) ([]StatusResponse, error)
	UpdateProgress(ctx context.Context, update ProgressUpdate) error
	LoadForExecution(ctx context.Context, jobID snowflake.ID) (*Execution, error)
}

var (
	ErrInvalidID           = pricingdomain.NewValidationError("invalid_job_id")
	ErrInvalidUser         = pricingdomain.NewValidationError("invalid_user")
	ErrInvalidOrganization = pricingdomain.NewValidationError("invalid_organization")
	ErrInvalidProgress     = pricingdomain.NewValidationError("invalid_progress")

	ErrJobNotFound           = errors.New("job_not_found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInsufficientAllowance = errors.New("insufficient_allowance")
	ErrQueueUnavailable      = errors.New("queue_unavailable")
)

func ParseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(value)
	if err != nil || id <= 0 {
		return 0, ErrInvalidID
	}
	return id, nil
}
