package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	allowancedomain "github.com/smallbiznis/memora/internal/allowance/domain"
	jobdomain "github.com/smallbiznis/memora/internal/analysisjob/domain"
	"github.com/smallbiznis/memora/internal/clock"
	"github.com/smallbiznis/memora/internal/observability/logger"
	"github.com/smallbiznis/memora/internal/observability/metrics"
	"github.com/smallbiznis/memora/internal/observability/tracing"
	"github.com/smallbiznis/memora/internal/sanitize"
	settlementdomain "github.com/smallbiznis/memora/internal/settlement/domain"
	"github.com/smallbiznis/memora/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const noArtifactReason = "analysis produced no artifact"

var errAlreadySettled = errors.New("already_settled")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Repo      settlementdomain.Repository
	Allowance allowancedomain.Service
	Clock     clock.Clock
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      settlementdomain.Repository
	allowance allowancedomain.Service
	clock     clock.Clock
	metrics   *metrics.Metrics
}

func New(p Params) settlementdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("settlement.service"),
		repo:      p.Repo,
		allowance: p.Allowance,
		clock:     p.Clock,
		metrics:   p.Metrics,
	}
}

// Settle moves a processing job to its terminal state. A job that is already
// terminal returns its stored result unchanged.
func (s *Service) Settle(ctx context.Context, req settlementdomain.SettleRequest) (result *settlementdomain.Result, err error) {
	ctx, span := otel.Tracer("memora/settlement").Start(ctx, "settlement.settle")
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("job.id", req.Report.JobID.String()),
		attribute.Bool("report.success", req.Report.Success),
	)...)
	defer func() {
		if err != nil {
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, "settlement failed")
		}
		span.End()
	}()

	if req.Report.JobID <= 0 {
		return nil, settlementdomain.ErrInvalidReport
	}
	caller := strings.TrimSpace(req.CallerUserID)

	job, err := s.repo.FindJob(ctx, s.db, req.Report.JobID)
	if err != nil {
		s.metrics.RecordSettlement(metrics.OutcomeError)
		return nil, db.Persistence("load job for settlement", err)
	}
	if job == nil {
		s.metrics.RecordSettlement(metrics.OutcomeRejected)
		return nil, settlementdomain.ErrJobNotFound
	}

	log := logger.WithJob(logger.WithContext(ctx, s.log), job.ID.String(), job.OrgID)

	if caller == "" || caller != job.UserID {
		s.metrics.RecordSettlement(metrics.OutcomeRejected)
		log.Warn("settlement rejected for non-owning caller", zap.String("caller_user_id", caller))
		return nil, settlementdomain.ErrUnauthorized
	}

	if job.Status.Terminal() {
		s.metrics.RecordSettlement(metrics.OutcomeDuplicate)
		log.Info("duplicate settlement", zap.String("status", string(job.Status)))
		return s.storedResult(ctx, job)
	}

	if !req.Report.Success {
		return s.fail(ctx, log, job, sanitize.Message(req.Report.Error, sanitize.DefaultMaxLength))
	}
	if strings.TrimSpace(req.Report.Artifact) == "" {
		return s.fail(ctx, log, job, noArtifactReason)
	}
	return s.complete(ctx, log, job, req.Report.Artifact)
}

func (s *Service) complete(ctx context.Context, log *zap.Logger, job *jobdomain.Job, artifact string) (*settlementdomain.Result, error) {
	now := s.clock.Now().UTC()

	var entry *allowancedomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.repo.MarkCompleted(ctx, tx, job.ID, artifact, now)
		if err != nil {
			return err
		}
		if !updated {
			return errAlreadySettled
		}

		entry, err = s.allowance.Debit(ctx, tx, allowancedomain.DebitRequest{
			OrgID:  job.OrgID,
			JobID:  job.ID,
			Amount: job.Price,
			At:     now,
		})
		if err != nil {
			return err
		}
		return s.repo.SetBalanceAfter(ctx, tx, job.ID, entry.BalanceAfter)
	})
	switch {
	case errors.Is(err, errAlreadySettled), errors.Is(err, allowancedomain.ErrDuplicateEntry):
		return s.superseded(ctx, log, job.ID)
	case err != nil:
		s.metrics.RecordSettlement(metrics.OutcomeError)
		log.Error("settlement transaction failed, job left processing", zap.Error(err))
		return nil, db.Persistence("settle job", err)
	}

	s.metrics.RecordSettlement(metrics.OutcomeCompleted)
	log.Info("job settled",
		zap.String("status", string(jobdomain.StatusCompleted)),
		zap.Int64("charged", job.Price),
		zap.Int64("base_amount", entry.BaseAmount),
		zap.Int64("rollover_amount", entry.RolloverAmount),
		zap.Int64("balance_after", entry.BalanceAfter),
	)
	return &settlementdomain.Result{
		JobID:            job.ID,
		Status:           jobdomain.StatusCompleted,
		BalanceRemaining: entry.BalanceAfter,
	}, nil
}

// fail never touches the allowance; the balance is recorded only so that
// repeated calls return the same result.
func (s *Service) fail(ctx context.Context, log *zap.Logger, job *jobdomain.Job, detail string) (*settlementdomain.Result, error) {
	now := s.clock.Now().UTC()

	balance, err := s.allowance.Balance(ctx, job.OrgID, now)
	if err != nil {
		s.metrics.RecordSettlement(metrics.OutcomeError)
		return nil, db.Persistence("read balance for settlement", err)
	}

	updated, err := s.repo.MarkFailed(ctx, s.db, job.ID, detail, balance.Remaining, now)
	if err != nil {
		s.metrics.RecordSettlement(metrics.OutcomeError)
		log.Error("failure settlement not persisted, job left processing", zap.Error(err))
		return nil, db.Persistence("settle job", err)
	}
	if !updated {
		return s.superseded(ctx, log, job.ID)
	}

	s.metrics.RecordSettlement(metrics.OutcomeFailed)
	log.Info("job settled",
		zap.String("status", string(jobdomain.StatusFailed)),
		zap.String("error", detail),
	)
	return &settlementdomain.Result{
		JobID:            job.ID,
		Status:           jobdomain.StatusFailed,
		BalanceRemaining: balance.Remaining,
	}, nil
}

// superseded handles losing a race against a concurrent settlement of the
// same job.
func (s *Service) superseded(ctx context.Context, log *zap.Logger, jobID snowflake.ID) (*settlementdomain.Result, error) {
	s.metrics.RecordSettlement(metrics.OutcomeSuperseded)
	log.Info("concurrent settlement won, returning stored result")

	job, err := s.repo.FindJob(ctx, s.db, jobID)
	if err != nil {
		return nil, db.Persistence("reload settled job", err)
	}
	if job == nil {
		return nil, settlementdomain.ErrJobNotFound
	}
	return s.storedResult(ctx, job)
}

func (s *Service) storedResult(ctx context.Context, job *jobdomain.Job) (*settlementdomain.Result, error) {
	result := &settlementdomain.Result{JobID: job.ID, Status: job.Status}
	if job.BalanceAfter != nil {
		result.BalanceRemaining = *job.BalanceAfter
		return result, nil
	}
	balance, err := s.allowance.Balance(ctx, job.OrgID, s.clock.Now())
	if err != nil {
		return nil, db.Persistence("read balance", err)
	}
	result.BalanceRemaining = balance.Remaining
	return result, nil
}

func (s *Service) Abandon(ctx context.Context, jobID snowflake.ID, reason string) error {
	job, err := s.repo.FindJob(ctx, s.db, jobID)
	if err != nil {
		return db.Persistence("load job for abandon", err)
	}
	if job == nil {
		return settlementdomain.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	log := logger.WithJob(logger.WithContext(ctx, s.log), job.ID.String(), job.OrgID)
	_, err = s.fail(ctx, log, job, sanitize.Message(reason, sanitize.DefaultMaxLength))
	return err
}

func (s *Service) ExpireStale(ctx context.Context, cutoffs settlementdomain.StaleCutoffs, limit int) (int, error) {
	cutoffs.StartedBefore = cutoffs.StartedBefore.UTC()
	if !cutoffs.QueuedBefore.IsZero() {
		cutoffs.QueuedBefore = cutoffs.QueuedBefore.UTC()
	}
	ids, err := s.repo.ListStale(ctx, s.db, cutoffs, limit)
	if err != nil {
		return 0, db.Persistence("list stale jobs", err)
	}

	var (
		expired int
		errs    []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		job, err := s.repo.FindJob(ctx, s.db, id)
		if err != nil {
			errs = append(errs, db.Persistence("load stale job", err))
			continue
		}
		if job == nil || job.Status.Terminal() {
			continue
		}
		log := logger.WithJob(logger.WithContext(ctx, s.log), job.ID.String(), job.OrgID)
		reason := settlementdomain.TimeoutReason
		if job.StartedAt == nil {
			reason = settlementdomain.QueueTimeoutReason
		}
		result, err := s.fail(ctx, log, job, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if result.Status == jobdomain.StatusFailed {
			expired++
		}
	}
	if expired > 0 {
		s.log.Info("expired stale jobs",
			zap.Int("count", expired),
			zap.Time("started_before", cutoffs.StartedBefore),
			zap.Time("queued_before", cutoffs.QueuedBefore),
		)
	}
	return expired, errors.Join(errs...)
}
