package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	allowancedomain "github.com/smallbiznis/memora/internal/allowance/domain"
	jobdomain "github.com/smallbiznis/memora/internal/analysisjob/domain"
	"github.com/smallbiznis/memora/internal/clock"
	"github.com/smallbiznis/memora/internal/config"
	"github.com/smallbiznis/memora/internal/observability/logger"
	"github.com/smallbiznis/memora/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/memora/internal/pricing/domain"
	pricingservice "github.com/smallbiznis/memora/internal/pricing/service"
	"github.com/smallbiznis/memora/internal/queue"
	"github.com/smallbiznis/memora/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const abandonReasonQueue = "queue unavailable"

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      jobdomain.Repository
	Pricing   pricingdomain.Service
	Allowance allowancedomain.Service
	Queue     queue.Queue
	Abandoner jobdomain.Abandoner
	Config    config.Config
	Clock     clock.Clock
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      jobdomain.Repository
	pricing   pricingdomain.Service
	allowance allowancedomain.Service
	queue     queue.Queue
	abandoner jobdomain.Abandoner
	strict    bool
	clock     clock.Clock
	metrics   *metrics.Metrics
}

func New(p Params) jobdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("analysisjob.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		pricing:   p.Pricing,
		allowance: p.Allowance,
		queue:     p.Queue,
		abandoner: p.Abandoner,
		strict:    p.Config.Allowance.Strict(),
		clock:     p.Clock,
		metrics:   p.Metrics,
	}
}

// Submit prices the documents server-side, persists the job and only then
// enqueues it.
func (s *Service) Submit(ctx context.Context, req jobdomain.SubmitRequest) (*jobdomain.SubmitResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, jobdomain.ErrInvalidUser
	}
	orgID := strings.TrimSpace(req.OrgID)
	if orgID == "" {
		return nil, jobdomain.ErrInvalidOrganization
	}

	quote, err := s.pricing.Quote(ctx, req.Standard, req.Documents)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	if s.strict {
		balance, err := s.allowance.Balance(ctx, orgID, now)
		if err != nil {
			return nil, err
		}
		if balance.Remaining < quote.Price {
			return nil, jobdomain.ErrInsufficientAllowance
		}
	}

	job := &jobdomain.Job{
		ID:        s.genID.Generate(),
		UserID:    userID,
		OrgID:     orgID,
		Standard:  string(quote.Standard),
		WordCount: quote.WordCount,
		FileCount: quote.FileCount,
		Price:     quote.Price,
		Status:    jobdomain.StatusProcessing,
		Metadata:  submissionMetadata(req),
		CreatedAt: now,
	}
	docs := make([]jobdomain.Document, 0, len(req.Documents))
	for i, doc := range req.Documents {
		docs = append(docs, jobdomain.Document{
			ID:        s.genID.Generate(),
			JobID:     job.ID,
			Position:  i,
			Name:      documentName(doc.Name, i),
			WordCount: pricingservice.CountWords(doc.Text),
			Content:   doc.Text,
			CreatedAt: now,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, job); err != nil {
			return err
		}
		return s.repo.InsertDocuments(ctx, tx, docs)
	})
	if err != nil {
		return nil, db.Persistence("create analysis job", err)
	}

	log := logger.WithJob(logger.WithContext(ctx, s.log), job.ID.String(), orgID)

	descriptor := queue.Descriptor{
		JobID:      job.ID.String(),
		UserID:     userID,
		OrgID:      orgID,
		Standard:   job.Standard,
		EnqueuedAt: now,
	}
	if err := s.queue.Enqueue(ctx, descriptor); err != nil {
		log.Error("enqueue failed, abandoning job", zap.Error(err))
		if abandonErr := s.abandoner.Abandon(ctx, job.ID, abandonReasonQueue); abandonErr != nil {
			log.Error("abandon after enqueue failure", zap.Error(abandonErr))
		}
		return nil, fmt.Errorf("%w: %v", jobdomain.ErrQueueUnavailable, err)
	}

	s.metrics.RecordSubmission(job.Standard)
	log.Info("analysis job submitted",
		zap.String("standard", job.Standard),
		zap.Int64("word_count", job.WordCount),
		zap.Int("file_count", job.FileCount),
		zap.Int64("price", job.Price),
	)

	return &jobdomain.SubmitResponse{
		JobID:  job.ID,
		Price:  job.Price,
		Status: job.Status,
	}, nil
}

func (s *Service) GetStatus(ctx context.Context, jobID snowflake.ID, callerUserID string) (*jobdomain.StatusResponse, error) {
	job, err := s.repo.FindByID(ctx, s.db, jobID)
	if err != nil {
		return nil, db.Persistence("find analysis job", err)
	}
	if job == nil {
		return nil, jobdomain.ErrJobNotFound
	}
	if job.UserID != strings.TrimSpace(callerUserID) {
		return nil, jobdomain.ErrUnauthorized
	}

	progress, err := s.repo.FindProgress(ctx, s.db, jobID)
	if err != nil {
		return nil, db.Persistence("find job progress", err)
	}
	return toStatus(job, progress), nil
}

func (s *Service) List(ctx context.Context, userID string, limit int) ([]jobdomain.StatusResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, jobdomain.ErrInvalidUser
	}
	jobs, err := s.repo.ListByUser(ctx, s.db, userID, limit)
	if err != nil {
		return nil, db.Persistence("list analysis jobs", err)
	}
	resp := make([]jobdomain.StatusResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, *toStatus(&jobs[i], nil))
	}
	return resp, nil
}

// UpdateProgress records a completed step. Updates that do not advance the
// stored step are ignored.
func (s *Service) UpdateProgress(ctx context.Context, update jobdomain.ProgressUpdate) error {
	if update.CurrentStep <= 0 || update.TotalSteps <= 0 || update.CurrentStep > update.TotalSteps {
		return jobdomain.ErrInvalidProgress
	}
	at := update.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	advanced, err := s.repo.UpsertProgress(ctx, s.db, jobdomain.Progress{
		JobID:       update.JobID,
		CurrentStep: update.CurrentStep,
		TotalSteps:  update.TotalSteps,
		StepName:    strings.TrimSpace(update.StepName),
		UpdatedAt:   at.UTC(),
	})
	if err != nil {
		return db.Persistence("update job progress", err)
	}
	if !advanced {
		s.log.Debug("stale progress update ignored",
			zap.String("job_id", update.JobID.String()),
			zap.Int("current_step", update.CurrentStep),
		)
	}
	return nil
}

func (s *Service) LoadForExecution(ctx context.Context, jobID snowflake.ID) (*jobdomain.Execution, error) {
	job, err := s.repo.FindByID(ctx, s.db, jobID)
	if err != nil {
		return nil, db.Persistence("find analysis job", err)
	}
	if job == nil {
		return nil, jobdomain.ErrJobNotFound
	}
	if job.Status == jobdomain.StatusProcessing && job.StartedAt == nil {
		// The processing deadline runs from here, not from submission.
		now := s.clock.Now().UTC()
		started, err := s.repo.MarkStarted(ctx, s.db, job.ID, now)
		if err != nil {
			return nil, db.Persistence("mark analysis job started", err)
		}
		if started {
			job.StartedAt = &now
		} else if job, err = s.repo.FindByID(ctx, s.db, jobID); err != nil {
			return nil, db.Persistence("find analysis job", err)
		} else if job == nil {
			return nil, jobdomain.ErrJobNotFound
		}
	}
	docs, err := s.repo.ListDocuments(ctx, s.db, jobID)
	if err != nil {
		return nil, db.Persistence("list job documents", err)
	}

	exec := &jobdomain.Execution{
		JobID:     job.ID,
		UserID:    job.UserID,
		OrgID:     job.OrgID,
		Standard:  job.Standard,
		Status:    job.Status,
		StartedAt: job.StartedAt,
		Documents: make([]pricingdomain.Document, 0, len(docs)),
	}
	for _, doc := range docs {
		exec.Documents = append(exec.Documents, pricingdomain.Document{Name: doc.Name, Text: doc.Content})
	}
	return exec, nil
}

func toStatus(job *jobdomain.Job, progress *jobdomain.Progress) *jobdomain.StatusResponse {
	resp := &jobdomain.StatusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Standard:    job.Standard,
		Price:       job.Price,
		WordCount:   job.WordCount,
		FileCount:   job.FileCount,
		Charged:     job.Charged,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	switch job.Status {
	case jobdomain.StatusCompleted:
		resp.Artifact = job.Artifact
	case jobdomain.StatusFailed:
		resp.Error = job.ErrorDetail
		resp.Charged = 0
	}
	if progress != nil {
		resp.Progress = &jobdomain.ProgressView{
			CurrentStep: progress.CurrentStep,
			TotalSteps:  progress.TotalSteps,
			StepName:    progress.StepName,
			UpdatedAt:   progress.UpdatedAt,
		}
	}
	return resp
}

func submissionMetadata(req jobdomain.SubmitRequest) datatypes.JSONMap {
	names := make([]string, 0, len(req.Documents))
	for i, doc := range req.Documents {
		names = append(names, documentName(doc.Name, i))
	}
	meta := datatypes.JSONMap{"document_names": names}
	if req.DeclaredWordCount != nil {
		meta["declared_word_count"] = *req.DeclaredWordCount
	}
	return meta
}

func documentName(name string, position int) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Sprintf("document-%d", position+1)
	}
	return name
}
