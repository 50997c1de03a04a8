package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// RolloverAmount is the unused base allowance of prior that may be carried
// into a new period, limited by capAmount when it is positive. Balance held
// in earlier grants is excluded; those grants keep their own expiry.
func RolloverAmount(prior UsageAllowance, capAmount int64) int64 {
	amount := prior.Remaining()
	if base := prior.BaseAvailable(); base < amount {
		amount = base
	}
	if capAmount > 0 && amount > capAmount {
		amount = capAmount
	}
	if amount < 0 {
		return 0
	}
	return amount
}

// GrantExpiry is months after the first day of the month containing at.
func GrantExpiry(at time.Time, months int) time.Time {
	at = at.UTC()
	return time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, months, 0)
}

// GrantDraw is the amount taken from one grant by a debit.
type GrantDraw struct {
	GrantID snowflake.ID
	Amount  int64
}

// DebitSplit describes how a debit is funded.
type DebitSplit struct {
	BaseAmount     int64
	RolloverAmount int64
	Draws          []GrantDraw
}

// SplitDebit funds amount from the base allowance first, then from grants in
// the given order. Grants must already be sorted soonest expiry first. Any
// shortfall is booked against the base allowance as overage.
func SplitDebit(amount, baseAvailable int64, grants []RolloverGrant) DebitSplit {
	var split DebitSplit
	if amount <= 0 {
		return split
	}
	if baseAvailable < 0 {
		baseAvailable = 0
	}
	fromBase := amount
	if fromBase > baseAvailable {
		fromBase = baseAvailable
	}
	rest := amount - fromBase
	for _, grant := range grants {
		if rest == 0 {
			break
		}
		if grant.AmountRemaining <= 0 {
			continue
		}
		take := rest
		if take > grant.AmountRemaining {
			take = grant.AmountRemaining
		}
		split.Draws = append(split.Draws, GrantDraw{GrantID: grant.ID, Amount: take})
		split.RolloverAmount += take
		rest -= take
	}
	split.BaseAmount = fromBase + rest
	return split
}
