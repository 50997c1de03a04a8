package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageAllowance is the credit budget of one organization for one billing
// period. Rows are superseded by later periods and never updated except for
// the consumption counters.
type UsageAllowance struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	OrgID             string       `json:"org_id" gorm:"type:text;not null;uniqueIndex:ux_usage_allowances_org_period,priority:1"`
	PlanCode          string       `json:"plan_code" gorm:"type:text;not null"`
	PeriodStart       time.Time    `json:"period_start" gorm:"not null;uniqueIndex:ux_usage_allowances_org_period,priority:2"`
	PeriodEnd         time.Time    `json:"period_end" gorm:"not null"`
	BaseAllowance     int64        `json:"base_allowance" gorm:"not null"`
	RolloverAllowance int64        `json:"rollover_allowance" gorm:"not null;default:0"`
	TotalAllowance    int64        `json:"total_allowance" gorm:"not null"`
	Consumed          int64        `json:"consumed" gorm:"not null;default:0"`
	BaseConsumed      int64        `json:"base_consumed" gorm:"not null;default:0"`
	CreatedAt         time.Time    `json:"created_at" gorm:"not null"`
}

func (UsageAllowance) TableName() string { return "usage_allowances" }

// Remaining is total minus consumed, clamped at zero.
func (a UsageAllowance) Remaining() int64 {
	if a.TotalAllowance <= a.Consumed {
		return 0
	}
	return a.TotalAllowance - a.Consumed
}

// BaseAvailable is the unconsumed part of the plan's base allowance.
func (a UsageAllowance) BaseAvailable() int64 {
	if a.BaseAllowance <= a.BaseConsumed {
		return 0
	}
	return a.BaseAllowance - a.BaseConsumed
}

// RolloverGrant carries unused allowance from one period into later ones.
type RolloverGrant struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	OrgID             string       `json:"org_id" gorm:"type:text;not null;index:ix_rollover_grants_org_expiry,priority:1"`
	OriginAllowanceID snowflake.ID `json:"origin_allowance_id" gorm:"not null;uniqueIndex:ux_rollover_grants_origin"`
	OriginPeriodStart time.Time    `json:"origin_period_start" gorm:"not null"`
	AmountGranted     int64        `json:"amount_granted" gorm:"not null"`
	AmountRemaining   int64        `json:"amount_remaining" gorm:"not null"`
	ExpiresAt         time.Time    `json:"expires_at" gorm:"not null;index:ix_rollover_grants_org_expiry,priority:2"`
	CreatedAt         time.Time    `json:"created_at" gorm:"not null"`
}

func (RolloverGrant) TableName() string { return "rollover_grants" }

// ConsumableAt reports whether the grant can still be drawn from at t.
func (g RolloverGrant) ConsumableAt(t time.Time) bool {
	return g.AmountRemaining > 0 && g.ExpiresAt.After(t)
}

// LedgerEntry is the append-only record of one settled job's charge.
type LedgerEntry struct {
	ID             snowflake.ID  `json:"id" gorm:"primaryKey"`
	OrgID          string        `json:"org_id" gorm:"type:text;not null;index:ix_usage_ledger_entries_org_created,priority:1"`
	AllowanceID    *snowflake.ID `json:"allowance_id,omitempty"`
	JobID          snowflake.ID  `json:"job_id" gorm:"not null;uniqueIndex:ux_usage_ledger_entries_job"`
	Amount         int64         `json:"amount" gorm:"not null"`
	BaseAmount     int64         `json:"base_amount" gorm:"not null"`
	RolloverAmount int64         `json:"rollover_amount" gorm:"not null"`
	BalanceAfter   int64         `json:"balance_after" gorm:"not null"`
	CreatedAt      time.Time     `json:"created_at" gorm:"not null;index:ix_usage_ledger_entries_org_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "usage_ledger_entries" }

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&UsageAllowance{}, &RolloverGrant{}, &LedgerEntry{}}
}
