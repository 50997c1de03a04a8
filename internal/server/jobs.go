package server

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	jobdomain "github.com/smallbiznis/memora/internal/analysisjob/domain"
	"github.com/smallbiznis/memora/internal/observability/logger"
	"github.com/smallbiznis/memora/internal/ratelimit"
	"go.uber.org/zap"
)

func (s *Server) SubmitJob(c *gin.Context) {
	identity, err := identityFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req jobdomain.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.UserID = identity.UserID
	req.OrgID = identity.OrgID

	resp, err := s.jobSvc.Submit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("job_id", resp.JobID.String())
	c.JSON(http.StatusAccepted, gin.H{"data": resp})
}

func (s *Server) ListJobs(c *gin.Context) {
	identity, err := identityFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	jobs, err := s.jobSvc.List(c.Request.Context(), identity.UserID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": jobs})
}

func (s *Server) GetJob(c *gin.Context) {
	identity, err := identityFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	jobID, err := jobdomain.ParseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("job_id", jobID.String())

	status, err := s.jobSvc.GetStatus(c.Request.Context(), jobID, identity.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

// SubmissionRateLimit throttles job submissions per caller.
func (s *Server) SubmissionRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.submitLimiter == nil {
			c.Next()
			return
		}

		identity, err := identityFrom(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		res, err := s.submitLimiter.Allow(ctx, identity.UserID)
		if err != nil {
			logger.FromContext(ctx).Warn("submission rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		if !res.Allowed {
			logger.FromContext(ctx).Warn("submission rate limit exceeded", zap.String("user_id", identity.UserID))
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(res)))
			c.Header("X-RateLimit-Remaining", "0")
			AbortWithError(c, ratelimit.ErrRateLimited)
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Next()
	}
}

func retryAfterSeconds(res *ratelimit.RateLimitResult) int {
	seconds := int(math.Ceil(res.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
