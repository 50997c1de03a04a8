package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	allowancedomain "github.com/smallbiznis/memora/internal/allowance/domain"
	jobdomain "github.com/smallbiznis/memora/internal/analysisjob/domain"
	"github.com/smallbiznis/memora/internal/authctx"
	"github.com/smallbiznis/memora/internal/clock"
	"github.com/smallbiznis/memora/internal/config"
	"github.com/smallbiznis/memora/internal/observability"
	obsmiddleware "github.com/smallbiznis/memora/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/memora/internal/observability/metrics"
	obstracing "github.com/smallbiznis/memora/internal/observability/tracing"
	"github.com/smallbiznis/memora/internal/ratelimit"
	settlementdomain "github.com/smallbiznis/memora/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type ginParams struct {
	fx.In

	ObsCfg  observability.Config
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func registerGin(p ginParams) *gin.Engine {
	return NewEngine(p.ObsCfg, p.Metrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	clock         clock.Clock
	jobSvc        jobdomain.Service
	settlementSvc settlementdomain.Service
	allowanceSvc  allowancedomain.Service
	submitLimiter *ratelimit.SubmissionLimiter
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	Clock         clock.Clock
	JobSvc        jobdomain.Service
	SettlementSvc settlementdomain.Service
	AllowanceSvc  allowancedomain.Service
	SubmitLimiter *ratelimit.SubmissionLimiter `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics          `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http"),
		clock:         p.Clock,
		jobSvc:        p.JobSvc,
		settlementSvc: p.SettlementSvc,
		allowanceSvc:  p.AllowanceSvc,
		submitLimiter: p.SubmitLimiter,
		obsMetrics:    p.ObsMetrics,
	}

	svc.RegisterPublicRoutes()
	svc.RegisterInternalRoutes()

	return svc
}

func (s *Server) RegisterPublicRoutes() {
	v1 := s.engine.Group("/v1", s.AuthRequired(), RequireRole(authctx.RoleUser))

	v1.POST("/jobs", s.SubmissionRateLimit(), s.SubmitJob)
	v1.GET("/jobs", s.ListJobs)
	v1.GET("/jobs/:id", s.GetJob)

	v1.GET("/allowance", s.GetAllowance)
	v1.GET("/ledger", s.ListLedger)
}

func (s *Server) RegisterInternalRoutes() {
	internal := s.engine.Group("/internal", s.AuthRequired())

	internal.POST("/jobs/:id/settle", RequireRole(authctx.RoleWorker, authctx.RoleSystem), s.SettleJob)
	internal.POST("/subscriptions/events", RequireRole(authctx.RoleBilling, authctx.RoleSystem), s.ApplySubscriptionEvent)
}
