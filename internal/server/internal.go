package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	allowancedomain "github.com/smallbiznis/memora/internal/allowance/domain"
	jobdomain "github.com/smallbiznis/memora/internal/analysisjob/domain"
	"github.com/smallbiznis/memora/internal/observability/logger"
	settlementdomain "github.com/smallbiznis/memora/internal/settlement/domain"
	"go.uber.org/zap"
)

// settleJobRequest is the worker completion report. Fields outside this
// struct, such as a price, are discarded by the decoder.
type settleJobRequest struct {
	UserID   string `json:"user_id"`
	Success  bool   `json:"success"`
	Artifact string `json:"artifact"`
	Error    string `json:"error"`
}

func (s *Server) SettleJob(c *gin.Context) {
	jobID, err := jobdomain.ParseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("job_id", jobID.String())

	var req settleJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.settlementSvc.Settle(c.Request.Context(), settlementdomain.SettleRequest{
		CallerUserID: req.UserID,
		Report: settlementdomain.Report{
			JobID:    jobID,
			Success:  req.Success,
			Artifact: req.Artifact,
			Error:    req.Error,
		},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ApplySubscriptionEvent(c *gin.Context) {
	var event allowancedomain.SubscriptionEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	allowance, err := s.allowanceSvc.ApplyEvent(c.Request.Context(), event)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("subscription event applied",
		zap.String("org_id", allowance.OrgID),
		zap.String("event_type", event.Type),
		zap.String("plan_code", allowance.PlanCode),
	)
	c.JSON(http.StatusOK, gin.H{"data": allowance})
}
