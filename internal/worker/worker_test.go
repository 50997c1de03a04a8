package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/smallbiznis/memora/internal/analysisjob/domain"
	"github.com/smallbiznis/memora/internal/clock"
	"github.com/smallbiznis/memora/internal/config"
	pricingdomain "github.com/smallbiznis/memora/internal/pricing/domain"
	"github.com/smallbiznis/memora/internal/queue"
	settlementdomain "github.com/smallbiznis/memora/internal/settlement/domain"
	"github.com/smallbiznis/memora/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockJobs struct {
	mock.Mock
}

func (m *mockJobs) Submit(ctx context.Context, req jobdomain.SubmitRequest) (*jobdomain.SubmitResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobdomain.SubmitResponse), args.Error(1)
}

func (m *mockJobs) GetStatus(ctx context.Context, jobID snowflake.ID, callerUserID string) (*jobdomain.StatusResponse, error) {
	args := m.Called(ctx, jobID, callerUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobdomain.StatusResponse), args.Error(1)
}

func (m *mockJobs) List(ctx context.Context, userID string, limit int) ([]jobdomain.StatusResponse, error) {
	args := m.Called(ctx, userID, limit)
	return args.Get(0).([]jobdomain.StatusResponse), args.Error(1)
}

func (m *mockJobs) UpdateProgress(ctx context.Context, update jobdomain.ProgressUpdate) error {
	args := m.Called(ctx, update)
	return args.Error(0)
}

func (m *mockJobs) LoadForExecution(ctx context.Context, jobID snowflake.ID) (*jobdomain.Execution, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobdomain.Execution), args.Error(1)
}

type mockSettlement struct {
	mock.Mock
}

func (m *mockSettlement) Settle(ctx context.Context, req settlementdomain.SettleRequest) (*settlementdomain.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settlementdomain.Result), args.Error(1)
}

func (m *mockSettlement) Abandon(ctx context.Context, jobID snowflake.ID, reason string) error {
	return m.Called(ctx, jobID, reason).Error(0)
}

func (m *mockSettlement) ExpireStale(ctx context.Context, cutoffs settlementdomain.StaleCutoffs, limit int) (int, error) {
	args := m.Called(ctx, cutoffs, limit)
	return args.Int(0), args.Error(1)
}

type harness struct {
	pool       *Pool
	clock      *clock.FakeClock
	queue      *queue.MemoryQueue
	jobs       *mockJobs
	settlement *mockSettlement
	calls      []string
}

const testJobID snowflake.ID = 1789

func newHarness(t *testing.T, engine func(h *harness) Engine) *harness {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	h := &harness{
		clock:      clk,
		queue:      queue.NewMemoryQueue(clk, time.Minute),
		jobs:       &mockJobs{},
		settlement: &mockSettlement{},
	}
	h.pool = New(Params{
		Config:     config.Config{Worker: config.WorkerConfig{Concurrency: 1, StepTimeout: time.Second}},
		Log:        zap.NewNop(),
		Queue:      h.queue,
		Jobs:       h.jobs,
		Settlement: h.settlement,
		Engine:     engine(h),
		Clock:      clk,
	})
	return h
}

func (h *harness) enqueue(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, h.queue.Enqueue(context.Background(), queue.Descriptor{
		JobID:    testJobID.String(),
		UserID:   userID,
		OrgID:    "org-1",
		Standard: "ASC606",
	}))
}

func (h *harness) expectProcessingJob() {
	h.jobs.On("LoadForExecution", mock.Anything, testJobID).Return(&jobdomain.Execution{
		JobID:     testJobID,
		UserID:    "user-1",
		OrgID:     "org-1",
		Standard:  "ASC606",
		Status:    jobdomain.StatusProcessing,
		Documents: []pricingdomain.Document{{Name: "contract.pdf", Text: "master services agreement"}},
	}, nil)
}

func recordingEngine(h *harness) Engine {
	return EngineFunc(func(_ context.Context, step string, run *Run) error {
		h.calls = append(h.calls, step)
		run.Outputs[step] = "ok"
		if step == "draft_memo" {
			run.Artifact = "# ASC 606 memo"
		}
		return nil
	})
}

func TestRunOnceSettlesSuccessfulJob(t *testing.T) {
	h := newHarness(t, recordingEngine)
	h.enqueue(t, "user-1")
	h.expectProcessingJob()
	h.jobs.On("UpdateProgress", mock.Anything, mock.Anything).Return(nil)
	h.settlement.On("Settle", mock.Anything, settlementdomain.SettleRequest{
		CallerUserID: "user-1",
		Report:       settlementdomain.Report{JobID: testJobID, Success: true, Artifact: "# ASC 606 memo"},
	}).Return(&settlementdomain.Result{JobID: testJobID, Status: jobdomain.StatusCompleted, BalanceRemaining: 100}, nil)

	handled, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, handled)

	assert.Equal(t, DefaultStepNames, h.calls)
	h.jobs.AssertNumberOfCalls(t, "UpdateProgress", len(DefaultStepNames))
	h.jobs.AssertCalled(t, "UpdateProgress", mock.Anything, mock.MatchedBy(func(u jobdomain.ProgressUpdate) bool {
		return u.CurrentStep == len(DefaultStepNames) && u.TotalSteps == len(DefaultStepNames) && u.StepName == "draft_memo"
	}))
	h.settlement.AssertExpectations(t)

	pending, leased := h.queue.Len()
	assert.Zero(t, pending)
	assert.Zero(t, leased)
}

func TestRunOnceReportsStepFailureWithoutRunningLaterSteps(t *testing.T) {
	h := newHarness(t, func(h *harness) Engine {
		return EngineFunc(func(_ context.Context, step string, run *Run) error {
			h.calls = append(h.calls, step)
			if step == "apply_standard" {
				return errors.New("engine rejected contract for jane.doe@example.com")
			}
			return nil
		})
	})
	h.enqueue(t, "user-1")
	h.expectProcessingJob()
	h.jobs.On("UpdateProgress", mock.Anything, mock.Anything).Return(nil)

	var captured settlementdomain.SettleRequest
	h.settlement.On("Settle", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(1).(settlementdomain.SettleRequest)
	}).Return(&settlementdomain.Result{JobID: testJobID, Status: jobdomain.StatusFailed}, nil)

	_, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"extract_terms", "identify_arrangement", "apply_standard"}, h.calls)
	h.jobs.AssertNumberOfCalls(t, "UpdateProgress", 2)
	assert.False(t, captured.Report.Success)
	assert.Empty(t, captured.Report.Artifact)
	assert.Contains(t, captured.Report.Error, "apply_standard")
	assert.NotContains(t, captured.Report.Error, "jane.doe@example.com")
}

func TestRunOnceTreatsPanicAsFailure(t *testing.T) {
	h := newHarness(t, func(*harness) Engine {
		return EngineFunc(func(_ context.Context, step string, _ *Run) error {
			if step == "extract_terms" {
				panic("nil pointer in parser")
			}
			return nil
		})
	})
	h.enqueue(t, "user-1")
	h.expectProcessingJob()
	h.settlement.On("Settle", mock.Anything, mock.MatchedBy(func(req settlementdomain.SettleRequest) bool {
		return !req.Report.Success && req.Report.Error != ""
	})).Return(&settlementdomain.Result{JobID: testJobID, Status: jobdomain.StatusFailed}, nil)

	_, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)
	h.settlement.AssertExpectations(t)
	h.jobs.AssertNotCalled(t, "UpdateProgress", mock.Anything, mock.Anything)
}

func TestRunOnceFailsJobWithoutArtifact(t *testing.T) {
	h := newHarness(t, func(*harness) Engine {
		return EngineFunc(func(context.Context, string, *Run) error { return nil })
	})
	h.enqueue(t, "user-1")
	h.expectProcessingJob()
	h.jobs.On("UpdateProgress", mock.Anything, mock.Anything).Return(nil)
	h.settlement.On("Settle", mock.Anything, mock.MatchedBy(func(req settlementdomain.SettleRequest) bool {
		return !req.Report.Success
	})).Return(&settlementdomain.Result{JobID: testJobID, Status: jobdomain.StatusFailed}, nil)

	_, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)
	h.settlement.AssertExpectations(t)
}

func TestRunOnceSkipsSettledJob(t *testing.T) {
	h := newHarness(t, recordingEngine)
	h.enqueue(t, "user-1")
	h.jobs.On("LoadForExecution", mock.Anything, testJobID).Return(&jobdomain.Execution{
		JobID:  testJobID,
		Status: jobdomain.StatusCompleted,
	}, nil)

	handled, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Empty(t, h.calls)
	h.settlement.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything)

	pending, leased := h.queue.Len()
	assert.Zero(t, pending+leased)
}

func TestRunOnceRedeliversOnPersistenceError(t *testing.T) {
	h := newHarness(t, recordingEngine)
	h.enqueue(t, "user-1")
	h.expectProcessingJob()
	h.jobs.On("UpdateProgress", mock.Anything, mock.Anything).Return(nil)
	h.settlement.On("Settle", mock.Anything, mock.Anything).
		Return(nil, db.Persistence("settle job", errors.New("connection reset")))

	_, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)

	delivery, err := h.queue.Dequeue(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, 2, delivery.Attempt)
}

func TestRunOnceDropsUnauthorizedSettlement(t *testing.T) {
	h := newHarness(t, recordingEngine)
	h.enqueue(t, "intruder")
	h.expectProcessingJob()
	h.jobs.On("UpdateProgress", mock.Anything, mock.Anything).Return(nil)
	h.settlement.On("Settle", mock.Anything, mock.MatchedBy(func(req settlementdomain.SettleRequest) bool {
		return req.CallerUserID == "intruder"
	})).Return(nil, settlementdomain.ErrUnauthorized)

	_, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)

	pending, leased := h.queue.Len()
	assert.Zero(t, pending+leased)
}

func TestRunOnceReturnsFalseWhenIdle(t *testing.T) {
	h := newHarness(t, recordingEngine)
	h.pool.cfg.PollTimeout = 10 * time.Millisecond

	handled, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestRunOnceToleratesLeaseLostBeforeAck(t *testing.T) {
	var requeued int
	h := newHarness(t, func(h *harness) Engine {
		return EngineFunc(func(ctx context.Context, step string, run *Run) error {
			if step == DefaultStepNames[0] {
				h.clock.Advance(2 * time.Minute)
				n, err := h.queue.RequeueExpired(ctx, h.clock.Now())
				if err != nil {
					return err
				}
				requeued = n
			}
			if step == "draft_memo" {
				run.Artifact = "# ASC 606 memo"
			}
			return nil
		})
	})
	h.enqueue(t, "user-1")
	h.expectProcessingJob()
	h.jobs.On("UpdateProgress", mock.Anything, mock.Anything).Return(nil)
	h.settlement.On("Settle", mock.Anything, mock.Anything).
		Return(&settlementdomain.Result{JobID: testJobID, Status: jobdomain.StatusCompleted}, nil)

	handled, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 1, requeued)

	// The redelivered copy stays queued; the stale ack did not remove it.
	pending, leased := h.queue.Len()
	assert.Equal(t, 1, pending)
	assert.Zero(t, leased)
}

type extendCountingQueue struct {
	*queue.MemoryQueue
	extends atomic.Int32
}

func (q *extendCountingQueue) Extend(ctx context.Context, d *queue.Delivery) error {
	err := q.MemoryQueue.Extend(ctx, d)
	if err == nil {
		q.extends.Add(1)
	}
	return err
}

func TestRunOnceExtendsLeaseDuringLongRun(t *testing.T) {
	const visibility = 40 * time.Millisecond
	h := newHarness(t, recordingEngine)
	mq := &extendCountingQueue{MemoryQueue: queue.NewMemoryQueue(h.clock, visibility)}

	var requeued int
	engine := EngineFunc(func(ctx context.Context, step string, run *Run) error {
		if step == DefaultStepNames[0] {
			// Each half of the step is shorter than the lease; together they
			// outlast it unless the worker extends in between.
			h.clock.Advance(3 * visibility / 4)
			before := mq.extends.Load()
			require.Eventually(t, func() bool { return mq.extends.Load() > before }, time.Second, 5*time.Millisecond)
			h.clock.Advance(3 * visibility / 4)
			n, err := mq.RequeueExpired(ctx, h.clock.Now())
			if err != nil {
				return err
			}
			requeued = n
		}
		if step == "draft_memo" {
			run.Artifact = "# ASC 606 memo"
		}
		return nil
	})
	h.pool = New(Params{
		Config: config.Config{
			Queue:  config.QueueConfig{VisibilityTimeout: visibility},
			Worker: config.WorkerConfig{Concurrency: 1, StepTimeout: 5 * time.Second},
		},
		Log:        zap.NewNop(),
		Queue:      mq,
		Jobs:       h.jobs,
		Settlement: h.settlement,
		Engine:     engine,
		Clock:      h.clock,
	})
	require.NoError(t, mq.Enqueue(context.Background(), queue.Descriptor{
		JobID:  testJobID.String(),
		UserID: "user-1",
		OrgID:  "org-1",
	}))
	h.expectProcessingJob()
	h.jobs.On("UpdateProgress", mock.Anything, mock.Anything).Return(nil)
	h.settlement.On("Settle", mock.Anything, mock.Anything).
		Return(&settlementdomain.Result{JobID: testJobID, Status: jobdomain.StatusCompleted}, nil)

	handled, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Zero(t, requeued)
	h.settlement.AssertNumberOfCalls(t, "Settle", 1)

	pending, leased := mq.Len()
	assert.Zero(t, pending)
	assert.Zero(t, leased)
}
