package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jobdomain "github.com/smallbiznis/memora/internal/analysisjob/domain"
	"github.com/smallbiznis/memora/internal/artifact"
	"github.com/smallbiznis/memora/internal/clock"
	"github.com/smallbiznis/memora/internal/config"
	"github.com/smallbiznis/memora/internal/observability/logger"
	"github.com/smallbiznis/memora/internal/observability/metrics"
	"github.com/smallbiznis/memora/internal/queue"
	"github.com/smallbiznis/memora/internal/sanitize"
	settlementdomain "github.com/smallbiznis/memora/internal/settlement/domain"
	"github.com/smallbiznis/memora/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	resultCompleted = "completed"
	resultFailed    = "failed"
	resultSkipped   = "skipped"
	resultRetry     = "retry"
)

var errNoArtifact = errors.New("no artifact produced")

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Queue      queue.Queue
	Jobs       jobdomain.Service
	Settlement settlementdomain.Service
	Engine     Engine
	Archiver   artifact.Archiver `optional:"true"`
	Clock      clock.Clock
	Metrics    *metrics.Metrics `optional:"true"`
}

type Pool struct {
	cfg        config.WorkerConfig
	log        *zap.Logger
	queue      queue.Queue
	jobs       jobdomain.Service
	settlement settlementdomain.Service
	engine     Engine
	archiver   artifact.Archiver
	clock      clock.Clock
	metrics    *metrics.Metrics

	// leaseRenewal is how often a held delivery is extended; zero disables it.
	leaseRenewal time.Duration

	wg sync.WaitGroup
}

func New(p Params) *Pool {
	cfg := p.Config.Worker
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	archiver := p.Archiver
	if archiver == nil {
		archiver = artifact.Nop{}
	}
	return &Pool{
		cfg:          cfg,
		log:          p.Log.Named("worker"),
		queue:        p.Queue,
		jobs:         p.Jobs,
		settlement:   p.Settlement,
		engine:       p.Engine,
		archiver:     archiver,
		clock:        p.Clock,
		metrics:      p.Metrics,
		leaseRenewal: p.Config.Queue.VisibilityTimeout / 2,
	}
}

// Start launches the configured number of consumers. They exit when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			p.consume(ctx, slot)
		}(i)
	}
	p.log.Info("worker pool started", zap.Int("concurrency", p.cfg.Concurrency))
}

// Wait blocks until every consumer has returned or ctx expires.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) consume(ctx context.Context, slot int) {
	log := p.log.With(zap.Int("slot", slot))
	for ctx.Err() == nil {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn("worker iteration failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// RunOnce leases at most one descriptor and processes it. It reports whether
// a descriptor was handled.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	delivery, err := p.queue.Dequeue(ctx, p.cfg.PollTimeout)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}
	return true, p.handle(ctx, delivery)
}

func (p *Pool) handle(ctx context.Context, d *queue.Delivery) error {
	started := p.clock.Now()
	log := logger.WithJob(logger.WithContext(ctx, p.log), d.JobID, d.OrgID).With(
		zap.String("message_id", d.MessageID),
		zap.Int("attempt", d.Attempt),
	)
	ctx = logger.WithLogger(ctx, logger.WithJob(p.log, d.JobID, d.OrgID))

	renewCtx, stopRenew := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		p.keepLease(renewCtx, log, d)
	}()
	result, err := p.process(ctx, log, d)
	stopRenew()
	<-renewed
	p.metrics.ObserveWorkerJob(result, p.clock.Now().Sub(started))

	if result == resultRetry {
		log.Warn("job attempt will be redelivered", zap.Error(err))
		nackErr := p.queue.Nack(ctx, d)
		if errors.Is(nackErr, queue.ErrUnknownDelivery) {
			log.Warn("queue lease lost before nack")
			return nil
		}
		if nackErr != nil {
			return errors.Join(err, nackErr)
		}
		return nil
	}
	if err != nil {
		log.Error("job attempt dropped", zap.Error(err))
	}
	if ackErr := p.queue.Ack(ctx, d); ackErr != nil {
		if errors.Is(ackErr, queue.ErrUnknownDelivery) {
			// The redelivered copy settles as a no-op.
			log.Warn("queue lease lost before ack")
			return nil
		}
		return ackErr
	}
	return nil
}

// keepLease extends the delivery at half the visibility timeout until ctx
// ends or the lease is lost to redelivery.
func (p *Pool) keepLease(ctx context.Context, log *zap.Logger, d *queue.Delivery) {
	if p.leaseRenewal <= 0 {
		return
	}
	ticker := time.NewTicker(p.leaseRenewal)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.Extend(ctx, d)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrUnknownDelivery):
				log.Warn("queue lease lost while processing")
				return
			case ctx.Err() == nil:
				log.Warn("extend queue lease", zap.Error(err))
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, log *zap.Logger, d *queue.Delivery) (string, error) {
	jobID, err := jobdomain.ParseID(d.JobID)
	if err != nil {
		return resultSkipped, err
	}

	exec, err := p.jobs.LoadForExecution(ctx, jobID)
	switch {
	case errors.Is(err, jobdomain.ErrJobNotFound):
		return resultSkipped, err
	case err != nil:
		return retryable(err), err
	}
	if exec.Status.Terminal() {
		log.Info("job already settled, skipping", zap.String("status", string(exec.Status)))
		return resultSkipped, nil
	}

	run := &Run{
		JobID:     exec.JobID,
		OrgID:     exec.OrgID,
		Standard:  exec.Standard,
		Documents: exec.Documents,
		Outputs:   map[string]string{},
	}
	failure := p.execute(ctx, log, run)
	if ctx.Err() != nil {
		// Shutdown mid-run is not a job failure; the lease expires and the
		// job is redelivered.
		return resultRetry, ctx.Err()
	}

	report := settlementdomain.Report{JobID: exec.JobID}
	if failure != nil {
		report.Error = sanitize.Error(failure)
		log.Warn("analysis failed", zap.String("step", failure.Step), zap.String("error", report.Error))
	} else {
		report.Success = true
		report.Artifact = run.Artifact
		p.archive(ctx, log, exec, run.Artifact)
	}

	// The caller identity comes from the descriptor; settlement rejects it
	// unless it matches the job owner.
	settled, err := p.settlement.Settle(ctx, settlementdomain.SettleRequest{
		CallerUserID: d.UserID,
		Report:       report,
	})
	if err != nil {
		return retryable(err), fmt.Errorf("settle: %w", err)
	}

	log.Info("job attempt settled",
		zap.String("status", string(settled.Status)),
		zap.Int64("balance_remaining", settled.BalanceRemaining),
	)
	if settled.Status == jobdomain.StatusCompleted {
		return resultCompleted, nil
	}
	return resultFailed, nil
}

// execute runs every step in order and stops at the first failure.
func (p *Pool) execute(ctx context.Context, log *zap.Logger, run *Run) *StepFailure {
	steps := p.engine.Steps(run.Standard)
	if len(steps) == 0 {
		return &StepFailure{Step: "plan", Err: fmt.Errorf("no steps for standard %s", run.Standard)}
	}

	for i, step := range steps {
		if err := p.runStep(ctx, step, run); err != nil {
			p.metrics.RecordStep(step.Name, resultFailed)
			return &StepFailure{Step: step.Name, Err: err}
		}
		p.metrics.RecordStep(step.Name, resultCompleted)

		err := p.jobs.UpdateProgress(ctx, jobdomain.ProgressUpdate{
			JobID:       run.JobID,
			CurrentStep: i + 1,
			TotalSteps:  len(steps),
			StepName:    step.Name,
			At:          p.clock.Now(),
		})
		if err != nil {
			log.Warn("progress update failed", zap.String("step", step.Name), zap.Error(err))
		}
	}

	if strings.TrimSpace(run.Artifact) == "" {
		return &StepFailure{Step: steps[len(steps)-1].Name, Err: errNoArtifact}
	}
	return nil
}

func (p *Pool) runStep(ctx context.Context, step Step, run *Run) (err error) {
	if p.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StepTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.Exec(ctx, run)
}

func (p *Pool) archive(ctx context.Context, log *zap.Logger, exec *jobdomain.Execution, body string) {
	key, err := p.archiver.Archive(ctx, artifact.Memo{
		JobID:    exec.JobID.String(),
		OrgID:    exec.OrgID,
		Standard: exec.Standard,
		Body:     body,
		At:       p.clock.Now(),
	})
	if err != nil {
		log.Warn("memo archive failed", zap.Error(err))
		return
	}
	if key != "" {
		log.Debug("memo archived", zap.String("object_key", key))
	}
}

func retryable(err error) string {
	if db.IsPersistenceErr(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resultRetry
	}
	return resultSkipped
}
