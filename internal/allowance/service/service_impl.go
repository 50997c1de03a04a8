package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	allowancedomain "github.com/smallbiznis/memora/internal/allowance/domain"
	"github.com/smallbiznis/memora/internal/clock"
	"github.com/smallbiznis/memora/internal/config"
	"github.com/smallbiznis/memora/internal/observability/metrics"
	"github.com/smallbiznis/memora/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    allowancedomain.Repository
	Pricing *config.PricingConfigHolder
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    allowancedomain.Repository
	pricing *config.PricingConfigHolder
	clock   clock.Clock
	metrics *metrics.Metrics
}

func New(p Params) allowancedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("allowance.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		pricing: p.Pricing,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

var errPeriodExists = errors.New("period_exists")

func (s *Service) ApplyEvent(ctx context.Context, event allowancedomain.SubscriptionEvent) (*allowancedomain.UsageAllowance, error) {
	req := allowancedomain.PeriodRequest{
		OrgID:       event.OrgID,
		PlanCode:    event.PlanCode,
		EffectiveAt: event.EffectiveAt,
		PeriodEnd:   event.PeriodEnd,
	}
	switch strings.ToLower(strings.TrimSpace(event.Type)) {
	case allowancedomain.EventSubscriptionStarted:
		return s.OpenPeriod(ctx, req)
	case allowancedomain.EventPlanUpgraded, allowancedomain.EventSubscriptionRenewed:
		return s.ChangePlan(ctx, req)
	default:
		return nil, allowancedomain.ErrUnknownEventType
	}
}

// OpenPeriod starts a period without carrying over the previous one. Grants
// that are still unexpired count toward the new total.
func (s *Service) OpenPeriod(ctx context.Context, req allowancedomain.PeriodRequest) (*allowancedomain.UsageAllowance, error) {
	return s.openPeriod(ctx, req, false)
}

// ChangePlan closes the current period on an upgrade or renewal, grants its
// unused base allowance as rollover when the plan allows it and opens the
// next period. The prior period row is never modified.
func (s *Service) ChangePlan(ctx context.Context, req allowancedomain.PeriodRequest) (*allowancedomain.UsageAllowance, error) {
	return s.openPeriod(ctx, req, true)
}

func (s *Service) openPeriod(ctx context.Context, req allowancedomain.PeriodRequest, carryOver bool) (*allowancedomain.UsageAllowance, error) {
	orgID := strings.TrimSpace(req.OrgID)
	if orgID == "" {
		return nil, allowancedomain.ErrInvalidOrganization
	}
	catalog := s.pricing.Get()
	plan, ok := catalog.Plan(req.PlanCode)
	if !ok {
		return nil, allowancedomain.ErrUnknownPlan
	}

	effective := req.EffectiveAt.UTC().Truncate(time.Second)
	if effective.IsZero() {
		effective = s.clock.Now().UTC().Truncate(time.Second)
	}
	periodEnd := req.PeriodEnd.UTC().Truncate(time.Second)
	if periodEnd.IsZero() {
		periodEnd = effective.AddDate(0, 1, 0)
	}
	if !periodEnd.After(effective) {
		return nil, allowancedomain.ErrInvalidPeriod
	}

	log := s.log.With(
		zap.String("org_id", orgID),
		zap.String("plan_code", plan.Code),
		zap.Time("effective_at", effective),
	)

	var created *allowancedomain.UsageAllowance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindAllowanceByPeriod(ctx, tx, orgID, effective)
		if err != nil {
			return err
		}
		if existing != nil {
			created = existing
			return errPeriodExists
		}

		now := s.clock.Now().UTC()
		if carryOver {
			prior, err := s.repo.LockCurrent(ctx, tx, orgID, effective)
			if err != nil {
				return err
			}
			if prior == nil {
				log.Info("no prior usage record, opening period without rollover")
			} else if err := s.grantRollover(ctx, tx, log, *prior, plan, effective, now); err != nil {
				return err
			}
		}

		grants, err := s.repo.ListConsumableGrants(ctx, tx, orgID, effective)
		if err != nil {
			return err
		}
		var rollover int64
		for _, grant := range grants {
			rollover += grant.AmountRemaining
		}

		allowance := &allowancedomain.UsageAllowance{
			ID:                s.genID.Generate(),
			OrgID:             orgID,
			PlanCode:          plan.Code,
			PeriodStart:       effective,
			PeriodEnd:         periodEnd,
			BaseAllowance:     plan.BaseAllowance,
			RolloverAllowance: rollover,
			TotalAllowance:    plan.BaseAllowance + rollover,
			CreatedAt:         now,
		}
		inserted, err := s.repo.InsertAllowance(ctx, tx, allowance)
		if err != nil {
			return err
		}
		if !inserted {
			return errPeriodExists
		}
		created = allowance
		return nil
	})
	if errors.Is(err, errPeriodExists) {
		if created == nil {
			created, err = s.repo.FindAllowanceByPeriod(ctx, s.db, orgID, effective)
			if err != nil {
				return nil, db.Persistence("find allowance", err)
			}
		}
		log.Info("subscription event already applied", zap.String("allowance_id", created.ID.String()))
		return created, nil
	}
	if err != nil {
		return nil, db.Persistence("open allowance period", err)
	}

	log.Info("allowance period opened",
		zap.String("allowance_id", created.ID.String()),
		zap.Int64("base_allowance", created.BaseAllowance),
		zap.Int64("rollover_allowance", created.RolloverAllowance),
		zap.Int64("total_allowance", created.TotalAllowance),
	)
	return created, nil
}

func (s *Service) grantRollover(ctx context.Context, tx *gorm.DB, log *zap.Logger, prior allowancedomain.UsageAllowance, next config.PlanTerms, effective, now time.Time) error {
	terms, ok := s.pricing.Get().Plan(prior.PlanCode)
	if !ok {
		terms = next
	}
	if !terms.Rollover {
		return nil
	}
	amount := allowancedomain.RolloverAmount(prior, terms.RolloverCap)
	if amount <= 0 {
		return nil
	}
	grant := &allowancedomain.RolloverGrant{
		ID:                s.genID.Generate(),
		OrgID:             prior.OrgID,
		OriginAllowanceID: prior.ID,
		OriginPeriodStart: prior.PeriodStart,
		AmountGranted:     amount,
		AmountRemaining:   amount,
		ExpiresAt:         allowancedomain.GrantExpiry(effective, terms.RolloverMonths),
		CreatedAt:         now,
	}
	if err := s.repo.InsertGrant(ctx, tx, grant); err != nil {
		return err
	}
	log.Info("rollover granted",
		zap.String("origin_allowance_id", prior.ID.String()),
		zap.Int64("amount", amount),
		zap.Time("expires_at", grant.ExpiresAt),
	)
	return nil
}

// Debit charges amount for a completed job. Insufficient balance is never an
// error; the shortfall is booked as overage against the base allowance.
func (s *Service) Debit(ctx context.Context, tx *gorm.DB, req allowancedomain.DebitRequest) (*allowancedomain.LedgerEntry, error) {
	orgID := strings.TrimSpace(req.OrgID)
	if orgID == "" {
		return nil, allowancedomain.ErrInvalidOrganization
	}
	if req.Amount < 0 {
		return nil, allowancedomain.ErrInvalidAmount
	}
	at := req.At.UTC()
	if at.IsZero() {
		at = s.clock.Now().UTC()
	}

	entry := &allowancedomain.LedgerEntry{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		JobID:     req.JobID,
		Amount:    req.Amount,
		CreatedAt: at,
	}

	current, err := s.repo.LockCurrent(ctx, tx, orgID, at)
	if err != nil {
		return nil, err
	}

	if current == nil {
		unallocated, err := s.repo.SumUnallocated(ctx, tx, orgID)
		if err != nil {
			return nil, err
		}
		entry.BaseAmount = req.Amount
		entry.BalanceAfter = -(unallocated + req.Amount)
		s.log.Warn("debit without allowance period",
			zap.String("org_id", orgID),
			zap.String("job_id", req.JobID.String()),
			zap.Int64("amount", req.Amount),
		)
	} else {
		grants, err := s.repo.ListConsumableGrants(ctx, tx, orgID, at)
		if err != nil {
			return nil, err
		}
		split := allowancedomain.SplitDebit(req.Amount, current.BaseAvailable(), grants)
		for _, draw := range split.Draws {
			ok, err := s.repo.ConsumeGrant(ctx, tx, draw.GrantID, draw.Amount)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, allowancedomain.ErrGrantContention
			}
		}
		if err := s.repo.IncrementConsumed(ctx, tx, current.ID, req.Amount, split.BaseAmount); err != nil {
			return nil, err
		}

		var grantsLeft int64
		for _, grant := range grants {
			grantsLeft += grant.AmountRemaining
		}
		grantsLeft -= split.RolloverAmount

		allowanceID := current.ID
		entry.AllowanceID = &allowanceID
		entry.BaseAmount = split.BaseAmount
		entry.RolloverAmount = split.RolloverAmount
		entry.BalanceAfter = current.BaseAllowance - (current.BaseConsumed + split.BaseAmount) + grantsLeft
	}

	inserted, err := s.repo.InsertEntry(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, allowancedomain.ErrDuplicateEntry
	}

	s.metrics.RecordDebit(entry.BaseAmount, entry.RolloverAmount)
	return entry, nil
}

func (s *Service) Balance(ctx context.Context, orgID string, at time.Time) (*allowancedomain.Balance, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, allowancedomain.ErrInvalidOrganization
	}
	if at.IsZero() {
		at = s.clock.Now()
	}
	at = at.UTC()

	current, err := s.repo.FindCurrent(ctx, s.db, orgID, at)
	if err != nil {
		return nil, db.Persistence("find allowance", err)
	}
	if current == nil {
		unallocated, err := s.repo.SumUnallocated(ctx, s.db, orgID)
		if err != nil {
			return nil, db.Persistence("sum unallocated", err)
		}
		return &allowancedomain.Balance{
			OrgID:     orgID,
			Consumed:  unallocated,
			Remaining: -unallocated,
			Grants:    []allowancedomain.RolloverGrant{},
		}, nil
	}

	grants, err := s.repo.ListConsumableGrants(ctx, s.db, orgID, at)
	if err != nil {
		return nil, db.Persistence("list grants", err)
	}
	var grantsLeft int64
	for _, grant := range grants {
		grantsLeft += grant.AmountRemaining
	}

	allowanceID := current.ID
	periodStart := current.PeriodStart
	periodEnd := current.PeriodEnd
	return &allowancedomain.Balance{
		OrgID:             orgID,
		AllowanceID:       &allowanceID,
		PlanCode:          current.PlanCode,
		PeriodStart:       &periodStart,
		PeriodEnd:         &periodEnd,
		BaseAllowance:     current.BaseAllowance,
		RolloverAllowance: current.RolloverAllowance,
		TotalAllowance:    current.TotalAllowance,
		Consumed:          current.Consumed,
		Remaining:         current.BaseAllowance - current.BaseConsumed + grantsLeft,
		Grants:            grants,
	}, nil
}

func (s *Service) ListEntries(ctx context.Context, orgID string, limit int) ([]allowancedomain.LedgerEntry, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, allowancedomain.ErrInvalidOrganization
	}
	entries, err := s.repo.ListEntries(ctx, s.db, orgID, limit)
	if err != nil {
		return nil, db.Persistence("list ledger entries", err)
	}
	return entries, nil
}
