package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/smallbiznis/memora/internal/pricing/domain"
	"gorm.io/gorm"
)

const (
	EventSubscriptionStarted = "subscription_started"
	EventPlanUpgraded        = "plan_upgraded"
	EventSubscriptionRenewed = "subscription_renewed"
)

// SubscriptionEvent is a billing-provider event that opens a new period.
type SubscriptionEvent struct {
	OrgID       string    `json:"org_id"`
	PlanCode    string    `json:"plan_code"`
	Type        string    `json:"type"`
	EffectiveAt time.Time `json:"effective_at"`
	PeriodEnd   time.Time `json:"period_end"`
}

type PeriodRequest struct {
	OrgID       string
	PlanCode    string
	EffectiveAt time.Time
	PeriodEnd   time.Time
}

type DebitRequest struct {
	OrgID  string
	JobID  snowflake.ID
	Amount int64
	At     time.Time
}

// Balance is the spendable position of an organization at a point in time.
type Balance struct {
	OrgID             string          `json:"org_id"`
	AllowanceID       *snowflake.ID   `json:"allowance_id,omitempty"`
	PlanCode          string          `json:"plan_code,omitempty"`
	PeriodStart       *time.Time      `json:"period_start,omitempty"`
	PeriodEnd         *time.Time      `json:"period_end,omitempty"`
	BaseAllowance     int64           `json:"base_allowance"`
	RolloverAllowance int64           `json:"rollover_allowance"`
	TotalAllowance    int64           `json:"total_allowance"`
	Consumed          int64           `json:"consumed"`
	Remaining         int64           `json:"remaining"`
	Grants            []RolloverGrant `json:"grants"`
}

type Service interface {
	ApplyEvent(ctx context.Context, event SubscriptionEvent) (*UsageAllowance, error)
	OpenPeriod(ctx context.Context, req PeriodRequest) (*UsageAllowance, error)
	ChangePlan(ctx context.Context, req PeriodRequest) (*UsageAllowance, error)
	// Debit must run inside the caller's transaction.
	Debit(ctx context.Context, tx *gorm.DB, req DebitRequest) (*LedgerEntry, error)
	Balance(ctx context.Context, orgID string, at time.Time) (*Balance, error)
	ListEntries(ctx context.Context, orgID string, limit int) ([]LedgerEntry, error)
}

var (
	ErrInvalidOrganization = pricingdomain.NewValidationError("invalid_organization")
	ErrUnknownPlan         = pricingdomain.NewValidationError("unknown_plan")
	ErrInvalidPeriod       = pricingdomain.NewValidationError("invalid_period")
	ErrUnknownEventType    = pricingdomain.NewValidationError("unknown_event_type")
	ErrInvalidAmount       = pricingdomain.NewValidationError("invalid_amount")

	ErrDuplicateEntry  = errors.New("ledger_entry_exists")
	ErrGrantContention = errors.New("rollover_grant_contention")
)
