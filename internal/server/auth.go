package server

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/memora/internal/authctx"
	"github.com/smallbiznis/memora/internal/observability/logger"
	"go.uber.org/zap"
)

// tokenClaims are the bearer token claims issued by the identity provider.
type tokenClaims struct {
	jwt.RegisteredClaims
	OrgID string `json:"org_id"`
	Role  string `json:"role"`
}

// AuthRequired verifies the HS256 bearer token and stores the caller identity
// on the request context.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			AbortWithError(c, ErrUnauthenticated)
			return
		}

		identity, err := s.verifyToken(raw)
		if err != nil {
			logger.FromContext(c.Request.Context()).Debug("bearer token rejected", zap.Error(err))
			AbortWithError(c, ErrUnauthenticated)
			return
		}

		c.Request = c.Request.WithContext(authctx.WithIdentity(c.Request.Context(), identity))
		c.Next()
	}
}

// RequireRole rejects callers whose token role is not one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := authctx.FromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrUnauthenticated)
			return
		}
		if !identity.HasRole(roles...) {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

func (s *Server) verifyToken(raw string) (authctx.Identity, error) {
	secret := strings.TrimSpace(s.cfg.AuthJWTSecret)
	if secret == "" {
		return authctx.Identity{}, errors.New("auth secret not configured")
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return authctx.Identity{}, err
	}
	if !token.Valid {
		return authctx.Identity{}, errors.New("invalid token")
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return authctx.Identity{}, errors.New("token subject is required")
	}
	return authctx.Identity{
		UserID: subject,
		OrgID:  claims.OrgID,
		Role:   claims.Role,
	}, nil
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func identityFrom(c *gin.Context) (authctx.Identity, error) {
	identity, ok := authctx.FromContext(c.Request.Context())
	if !ok {
		return authctx.Identity{}, ErrUnauthenticated
	}
	return identity, nil
}
