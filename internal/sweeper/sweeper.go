// Package sweeper runs the supervisory jobs that recover from lost workers:
// expiring jobs stuck in processing and redelivering expired queue leases.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/memora/internal/clock"
	"github.com/smallbiznis/memora/internal/config"
	"github.com/smallbiznis/memora/internal/observability/metrics"
	"github.com/smallbiznis/memora/internal/queue"
	"github.com/smallbiznis/memora/internal/ratelimit"
	settlementdomain "github.com/smallbiznis/memora/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobExpireStale   = "expire_stale_jobs"
	JobRequeueLeases = "requeue_expired_leases"

	lockKey = "memora:sweeper:lock"
)

var ErrInvalidConfig = errors.New("invalid_sweeper_config")

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Settlement settlementdomain.Service
	Queue      queue.Queue
	Clock      clock.Clock
	GenID      *snowflake.Node
	Locker     *ratelimit.Locker `optional:"true"`
	Metrics    *metrics.Metrics  `optional:"true"`
}

type Sweeper struct {
	cfg        config.SweeperConfig
	log        *zap.Logger
	settlement settlementdomain.Service
	queue      queue.Queue
	clock      clock.Clock
	genID      *snowflake.Node
	locker     *ratelimit.Locker
	metrics    *metrics.Metrics
}

func New(p Params) (*Sweeper, error) {
	if p.Log == nil || p.Settlement == nil || p.Queue == nil || p.Clock == nil || p.GenID == nil {
		return nil, ErrInvalidConfig
	}
	return &Sweeper{
		cfg:        withDefaults(p.Config.Sweeper),
		log:        p.Log.Named("sweeper").With(zap.String("component", "sweeper")),
		settlement: p.Settlement,
		queue:      p.Queue,
		clock:      p.Clock,
		genID:      p.GenID,
		locker:     p.Locker,
		metrics:    p.Metrics,
	}, nil
}

func withDefaults(c config.SweeperConfig) config.SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.MaxProcessingDuration <= 0 {
		c.MaxProcessingDuration = 30 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	return c
}

func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweeper run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// keepLease renews the lock at half its TTL until ctx ends.
func (s *Sweeper) keepLease(ctx context.Context, lease *ratelimit.Lease) {
	ticker := time.NewTicker(s.cfg.LockTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Renew(ctx, s.cfg.LockTTL); err != nil {
				if ctx.Err() == nil {
					s.log.Warn("renew sweeper lock", zap.Error(err))
				}
				return
			}
		}
	}
}

// RunOnce runs every job once. When a Redis locker is configured, only the
// instance holding the lock sweeps.
func (s *Sweeper) RunOnce(parent context.Context) error {
	if s.locker != nil {
		lease, err := s.locker.Acquire(parent, lockKey, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("acquire sweeper lock: %w", err)
		}
		if lease == nil {
			s.log.Debug("sweeper lock held elsewhere, skipping run")
			return nil
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(parent)); err != nil {
				s.log.Warn("release sweeper lock", zap.Error(err))
			}
		}()
		renewCtx, stopRenew := context.WithCancel(parent)
		defer stopRenew()
		go s.keepLease(renewCtx, lease)
	}

	sweeps := []struct {
		name string
		run  func(ctx context.Context) (int, error)
	}{
		{JobRequeueLeases, s.RequeueLeases},
		{JobExpireStale, s.ExpireStale},
	}

	runID := s.genID.Generate().String()
	var err error
	for _, sweep := range sweeps {
		err = errors.Join(err, s.sweep(parent, runID, sweep.name, sweep.run))
	}
	return err
}

const sweepTimeout = 30 * time.Second

func (s *Sweeper) sweep(parent context.Context, runID, name string, fn func(ctx context.Context) (int, error)) error {
	ctx, cancel := context.WithTimeout(parent, sweepTimeout)
	defer cancel()

	start := s.clock.Now()
	s.metrics.IncSweeperRun(name)
	n, err := fn(ctx)
	elapsed := s.clock.Now().Sub(start)
	s.metrics.ObserveSweeperJob(name, elapsed)
	s.metrics.AddSweeperProcessed(name, n)

	log := s.log.With(
		zap.String("job", name),
		zap.String("run_id", runID),
		zap.Int("processed_count", n),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	)
	switch {
	case err == nil && n > 0:
		log.Info("sweeper.job.finish")
		return nil
	case err == nil:
		log.Debug("sweeper.job.finish")
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.IncSweeperError(name, "timeout")
		log.Warn("sweeper job timed out", zap.Duration("timeout", sweepTimeout))
		return nil
	default:
		s.metrics.IncSweeperError(name, "error")
		log.Warn("sweeper.job.finish", zap.Error(err))
		return fmt.Errorf("%s: %w", name, err)
	}
}

// ExpireStale fails jobs a worker started longer than the maximum processing
// duration ago, and jobs left unstarted past the queue limit, draining in
// batches until a short batch.
func (s *Sweeper) ExpireStale(ctx context.Context) (int, error) {
	now := s.clock.Now()
	cutoffs := settlementdomain.StaleCutoffs{StartedBefore: now.Add(-s.cfg.MaxProcessingDuration)}
	if s.cfg.MaxQueuedDuration > 0 {
		cutoffs.QueuedBefore = now.Add(-s.cfg.MaxQueuedDuration)
	}
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.settlement.ExpireStale(ctx, cutoffs, s.cfg.BatchSize)
		total += n
		if err != nil || n < s.cfg.BatchSize {
			return total, err
		}
	}
}

// RequeueLeases returns deliveries whose visibility lease has lapsed to the queue.
func (s *Sweeper) RequeueLeases(ctx context.Context) (int, error) {
	return s.queue.RequeueExpired(ctx, s.clock.Now())
}
