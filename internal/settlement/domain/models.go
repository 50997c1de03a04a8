package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/smallbiznis/memora/internal/analysisjob/domain"
	pricingdomain "github.com/smallbiznis/memora/internal/pricing/domain"
)

// Report is everything a worker may tell settlement about a job. Any other
// field in a decoded payload, including a price, is dropped.
type Report struct {
	JobID    snowflake.ID `json:"job_id"`
	Success  bool         `json:"success"`
	Artifact string       `json:"artifact,omitempty"`
	Error    string       `json:"error,omitempty"`
}

type SettleRequest struct {
	CallerUserID string
	Report       Report
}

type Result struct {
	JobID            snowflake.ID     `json:"job_id"`
	Status           jobdomain.Status `json:"status"`
	BalanceRemaining int64            `json:"balance_remaining"`
}

// Service is the only writer of job terminal state and of allowance
// consumption.
type Service interface {
	Settle(ctx context.Context, req SettleRequest) (*Result, error)
	// Abandon fails a job on behalf of the system, without a caller identity.
	Abandon(ctx context.Context, jobID snowflake.ID, reason string) error
	// ExpireStale fails up to limit jobs that are past either cutoff.
	ExpireStale(ctx context.Context, cutoffs StaleCutoffs, limit int) (int, error)
}

// StaleCutoffs bound how long a job may stay processing. StartedBefore applies
// to jobs a worker has loaded; QueuedBefore to jobs no worker has started yet,
// and a zero QueuedBefore never expires those.
type StaleCutoffs struct {
	StartedBefore time.Time
	QueuedBefore  time.Time
}

var (
	ErrJobNotFound   = jobdomain.ErrJobNotFound
	ErrUnauthorized  = jobdomain.ErrUnauthorized
	ErrInvalidReport = pricingdomain.NewValidationError("invalid_report")
)

const (
	TimeoutReason      = "analysis timed out"
	QueueTimeoutReason = "analysis was not started in time"
)
