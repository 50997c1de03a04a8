package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	allowancedomain "github.com/smallbiznis/memora/internal/allowance/domain"
	"github.com/smallbiznis/memora/internal/allowance/repository"
	"github.com/smallbiznis/memora/internal/clock"
	"github.com/smallbiznis/memora/internal/config"
	"github.com/smallbiznis/memora/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	svc   allowancedomain.Service
	repo  allowancedomain.Repository
	clock *clock.FakeClock
	accel *testutil.TimeAccelerator
	node  *snowflake.Node
}

func newFixture(t *testing.T, pricing config.PricingConfig) *fixture {
	t.Helper()
	db := testutil.OpenSQLite(t, allowancedomain.Models()...)
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	repo := repository.Provide()
	node := testutil.NewNode(t)
	svc := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    repo,
		Pricing: config.NewStaticPricingConfigHolder(pricing),
		Clock:   clk,
	})
	return &fixture{db: db, svc: svc, repo: repo, clock: clk, accel: testutil.NewTimeAccelerator(db), node: node}
}

func (f *fixture) debit(t *testing.T, orgID string, amount int64, at time.Time) (*allowancedomain.LedgerEntry, error) {
	t.Helper()
	var entry *allowancedomain.LedgerEntry
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = f.svc.Debit(context.Background(), tx, allowancedomain.DebitRequest{
			OrgID:  orgID,
			JobID:  f.node.Generate(),
			Amount: amount,
			At:     at,
		})
		return err
	})
	return entry, err
}

func (f *fixture) countGrants(t *testing.T, orgID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM rollover_grants WHERE org_id = ?`, orgID).Scan(&n).Error)
	return n
}

func jan(day int) time.Time { return time.Date(2026, 1, day, 0, 0, 0, 0, time.UTC) }

func TestChangePlanCarriesUnusedAllowance(t *testing.T) {
	f := newFixture(t, config.DefaultPricingConfig())
	ctx := context.Background()

	prior, err := f.svc.OpenPeriod(ctx, allowancedomain.PeriodRequest{
		OrgID: "org-1", PlanCode: "starter", EffectiveAt: jan(1), PeriodEnd: jan(31),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), prior.TotalAllowance)

	_, err = f.debit(t, "org-1", 8_500, jan(10))
	require.NoError(t, err)

	next, err := f.svc.ChangePlan(ctx, allowancedomain.PeriodRequest{
		OrgID: "org-1", PlanCode: "professional", EffectiveAt: jan(20), PeriodEnd: jan(20).AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(75_000), next.BaseAllowance)
	assert.Equal(t, int64(21_500), next.RolloverAllowance)
	assert.Equal(t, int64(96_500), next.TotalAllowance)
	assert.Equal(t, int64(0), next.Consumed)

	grants, err := f.repo.ListConsumableGrants(ctx, f.db, "org-1", jan(20))
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, int64(21_500), grants[0].AmountGranted)
	assert.Equal(t, prior.ID, grants[0].OriginAllowanceID)
	assert.True(t, grants[0].ExpiresAt.Equal(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)))

	reloaded, err := f.repo.FindAllowanceByPeriod(ctx, f.db, "org-1", jan(1))
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	assert.Equal(t, int64(30_000), reloaded.TotalAllowance)
	assert.Equal(t, int64(8_500), reloaded.Consumed)
	assert.Equal(t, "starter", reloaded.PlanCode)
}

func TestChangePlanFullyUsedPriorGivesNoRollover(t *testing.T) {
	f := newFixture(t, config.DefaultPricingConfig())
	ctx := context.Background()

	prior, err := f.svc.OpenPeriod(ctx, allowancedomain.PeriodRequest{OrgID: "org-1", PlanCode: "starter", EffectiveAt: jan(1)})
	require.NoError(t, err)
	require.NoError(t, f.accel.SetAllowanceUsage(ctx, prior.ID, 30_000, 30_000))

	next, err := f.svc.ChangePlan(ctx, allowancedomain.PeriodRequest{OrgID: "org-1", PlanCode: "professional", EffectiveAt: jan(15)})
	require.NoError(t, err)
	assert.Equal(t, int64(75_000), next.TotalAllowance)
	assert.Equal(t, int64(0), next.RolloverAllowance)
	assert.Equal(t, int64(0), f.countGrants(t, "org-1"))
}

func TestChangePlanOverusedPriorGivesNoNegativeRollover(t *testing.T) {
	f := newFixture(t, config.DefaultPricingConfig())
	ctx := context.Background()

	_, err := f.svc.OpenPeriod(ctx, allowancedomain.PeriodRequest{OrgID: "org-1", PlanCode: "starter", EffectiveAt: jan(1)})
	require.NoError(t, err)
	_, err = f.debit(t, "org-1", 41_000, jan(5))
	require.NoError(t, err)

	next, err := f.svc.ChangePlan(ctx, allowancedomain.PeriodRequest{OrgID: "org-1", PlanCode: "professional", EffectiveAt: jan(15)})
	require.NoError(t, err)
	assert.Equal(t, int64(75_000), next.TotalAllowance)
}

func TestChangePlanWithoutPriorUsageRecord(t *testing.T) {
	f := newFixture(t, config.DefaultPricingConfig())

	next, err := f.svc.ChangePlan(context.Background(), allowancedomain.PeriodRequest{
		OrgID: "org-new", PlanCode: "professional", EffectiveAt: jan(3),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(75_000), next.TotalAllowance)
	assert.Equal(t, int64(0), next.RolloverAllowance)
	assert.True(t, next.PeriodEnd.Equal(time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)))
}

func TestChangePlanReplayReturnsExistingPeriod(t *testing.T) {
	f := newFixture(t, config.DefaultPricingConfig())
	ctx := context.Background()

	_, err := f.svc.OpenPeriod(ctx, allowancedomain.PeriodRequest{OrgID: "org-1", PlanCode: "starter", EffectiveAt: jan(1)})
	require.NoError(t, err)

	event := allowancedomain.SubscriptionEvent{
		OrgID: "org-1", PlanCode: "professional", Type: allowancedomain.EventPlanUpgraded, EffectiveAt: jan(10).Add(90 * time.Minute),
	}
	first, err := f.svc.ApplyEvent(ctx, event)
	require.NoError(t, err)
	second, err := f.svc.ApplyEvent(ctx, event)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.TotalAllowance, second.TotalAllowance)
	assert.Equal(t, int64(1), f.countGrants(t, "org-1"))
}

func TestChangePlanRespectsPlanTerms(t *testing.T) {
	pricing := config.DefaultPricingConfig()
	for i := range pricing.Plans {
		if pricing.Plans[i].Code == "starter" {
			pricing.Plans[i].RolloverCap = 10_000
		}
	}
	f := newFixture(t, pricing)
	ctx := context.Background()

	_, err := f.svc.OpenPeriod(ctx, allowancedomain.PeriodRequest{OrgID: "capped", PlanCode: "starter", EffectiveAt: jan(1)})
	require.NoError(t, err)
	next, err := f.svc.ChangePlan(ctx, allowancedomain.PeriodRequest{OrgID: "capped", PlanCode: "professional", EffectiveAt: jan(20)})
	require.NoError(t, err)
	assert.Equal(t, int64(85_000), next.TotalAllowance)

	_, err = f.svc.OpenPeriod(ctx, allowancedomain.PeriodRequest{OrgID: "trial", PlanCode: "trial", EffectiveAt: jan(1)})
	require.NoError(t, err)
	next, err = f.svc.ChangePlan(ctx, allowancedomain.PeriodRequest{OrgID: "trial", PlanCode: "starter", EffectiveAt: jan(20)})
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), next.TotalAllowance)
}

func TestDebitConsumesBaseThenSoonestExpiringGrant(t *testing.T) {
	f := newFixture(t, config.DefaultPricingConfig())
	ctx := context.Background()
	feb1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mar1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := f.svc.OpenPeriod(ctx, allowancedomain.PeriodRequest{OrgID: "org-1", PlanCode: "starter", EffectiveAt: jan(1)})
	require.NoError(t, err)
	_, err = f.svc.ApplyEvent(ctx, allowancedomain.SubscriptionEvent{
		OrgID: "org-1", PlanCode: "starter", Type: allowancedomain.EventSubscriptionRenewed, EffectiveAt: feb1,
	})
	require.NoError(t, err)
	_, err = f.debit(t, "org-1", 10_000, feb1.AddDate(0, 0, 3))
	require.NoError(t, err)
	march, err := f.svc.ApplyEvent(ctx, allowancedomain.SubscriptionEvent{
		OrgID: "org-1", PlanCode: "starter", Type: allowancedomain.EventSubscriptionRenewed, EffectiveAt: mar1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30_000+30_000+20_000), march.TotalAllowance)

	entry, err := f.debit(t, "org-1", 45_000, mar1.AddDate(0, 0, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), entry.BaseAmount)
	assert.Equal(t, int64(15_000), entry.RolloverAmount)
	assert.Equal(t, int64(35_000), entry.BalanceAfter)
	require.NotNil(t, entry.AllowanceID)
	assert.Equal(t, march.ID, *entry.AllowanceID)

	grants, err := f.repo.ListConsumableGrants(ctx, f.db, "org-1", mar1)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, int64(15_000), grants[0].AmountRemaining)
	assert.Equal(t, int64(20_000), grants[1].AmountRemaining)

	balance, err := f.svc.Balance(ctx, "org-1", mar1.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Equal(t, int64(35_000), balance.Remaining)
	assert.Equal(t, int64(45_000), balance.Consumed)
}

func TestBalanceExcludesExpiredGrants(t *testing.T) {
	f := newFixture(t, config.DefaultPricingConfig())
	ctx := context.Background()

	_, err := f.svc.OpenPeriod(ctx, allowancedomain.PeriodRequest{OrgID: "org-1", PlanCode: "starter", EffectiveAt: jan(1)})
	require.NoError(t, err)
	_, err = f.svc.ChangePlan(ctx, allowancedomain.PeriodRequest{
		OrgID: "org-1", PlanCode: "starter", EffectiveAt: jan(31), PeriodEnd: time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	before, err := f.svc.Balance(ctx, "org-1", time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), before.Remaining)

	after, err := f.svc.Balance(ctx, "org-1", time.Date(2027, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), after.Remaining)
	assert.Empty(t, after.Grants)

	entry, err := f.debit(t, "org-1", 31_000, time.Date(2027, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(31_000), entry.BaseAmount)
	assert.Equal(t, int64(0), entry.RolloverAmount)
	assert.Equal(t, int64(-1_000), entry.BalanceAfter)
}

func TestDebitRecordsOverageWithoutError(t *testing.T) {
	f := newFixture(t, config.DefaultPricingConfig())
	ctx := context.Background()

	_, err := f.svc.OpenPeriod(ctx, allowancedomain.PeriodRequest{OrgID: "org-1", PlanCode: "trial", EffectiveAt: jan(1)})
	require.NoError(t, err)

	entry, err := f.debit(t, "org-1", 5_000, jan(2))
	require.NoError(t, err)
	assert.Equal(t, int64(-2_000), entry.BalanceAfter)

	balance, err := f.svc.Balance(ctx, "org-1", jan(3))
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), balance.Consumed)
	assert.Equal(t, int64(-2_000), balance.Remaining)
}

func TestDebitRejectsSecondEntryForJob(t *testing.T) {
	f := newFixture(t, config.DefaultPricingConfig())
	ctx := context.Background()

	_, err := f.svc.OpenPeriod(ctx, allowancedomain.PeriodRequest{OrgID: "org-1", PlanCode: "starter", EffectiveAt: jan(1)})
	require.NoError(t, err)

	jobID := f.node.Generate()
	debit := func() error {
		return f.db.Transaction(func(tx *gorm.DB) error {
			_, err := f.svc.Debit(ctx, tx, allowancedomain.DebitRequest{OrgID: "org-1", JobID: jobID, Amount: 700, At: jan(2)})
			return err
		})
	}
	require.NoError(t, debit())
	assert.ErrorIs(t, debit(), allowancedomain.ErrDuplicateEntry)

	balance, err := f.svc.Balance(ctx, "org-1", jan(3))
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance.Consumed)

	entries, err := f.svc.ListEntries(ctx, "org-1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDebitWithoutAllowancePeriod(t *testing.T) {
	f := newFixture(t, config.DefaultPricingConfig())

	first, err := f.debit(t, "org-none", 600, jan(2))
	require.NoError(t, err)
	assert.Nil(t, first.AllowanceID)
	assert.Equal(t, int64(-600), first.BalanceAfter)

	second, err := f.debit(t, "org-none", 400, jan(3))
	require.NoError(t, err)
	assert.Equal(t, int64(-1_000), second.BalanceAfter)

	balance, err := f.svc.Balance(context.Background(), "org-none", jan(4))
	require.NoError(t, err)
	assert.Equal(t, int64(-1_000), balance.Remaining)
}

func TestApplyEventValidation(t *testing.T) {
	f := newFixture(t, config.DefaultPricingConfig())
	ctx := context.Background()

	_, err := f.svc.ApplyEvent(ctx, allowancedomain.SubscriptionEvent{OrgID: "org-1", PlanCode: "starter", Type: "plan_paused"})
	assert.ErrorIs(t, err, allowancedomain.ErrUnknownEventType)

	_, err = f.svc.ApplyEvent(ctx, allowancedomain.SubscriptionEvent{OrgID: "org-1", PlanCode: "platinum", Type: allowancedomain.EventSubscriptionStarted})
	assert.ErrorIs(t, err, allowancedomain.ErrUnknownPlan)

	_, err = f.svc.ApplyEvent(ctx, allowancedomain.SubscriptionEvent{
		OrgID: "org-1", PlanCode: "starter", Type: allowancedomain.EventSubscriptionStarted,
		EffectiveAt: jan(10), PeriodEnd: jan(9),
	})
	assert.ErrorIs(t, err, allowancedomain.ErrInvalidPeriod)
}
