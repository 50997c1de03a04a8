package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetAllowance(c *gin.Context) {
	identity, err := identityFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.allowanceSvc.Balance(c.Request.Context(), identity.OrgID, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balance})
}

func (s *Server) ListLedger(c *gin.Context) {
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

	entries, err := s.allowanceSvc.ListEntries(c.Request.Context(), identity.OrgID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}
