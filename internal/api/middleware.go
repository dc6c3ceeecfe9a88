package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"partner-portal/internal/common/errors"
	"partner-portal/internal/models"
)

const identityKey = "identity"

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"latencyMs": time.Since(start).Milliseconds(),
		}
		if id, ok := c.Get(identityKey); ok {
			fields["principalId"] = id.(*models.ResolvedIdentity).PrincipalID
		}
		if c.Writer.Status() >= 500 {
			s.logger.Error("Request failed", fields)
			return
		}
		s.logger.Debug("Request served", fields)
	}
}

// authenticate resolves the bearer token to an identity. Revoked tokens are
// refused before introspection and disabled accounts are told to log out.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		token := bearerToken(c)
		if token == "" {
			abortWithError(c, errors.NewUnauthorizedError("missing bearer token"))
			return
		}

		if s.sessions != nil {
			revoked, err := s.sessions.IsRevoked(ctx, token)
			if err != nil {
				s.logger.Warn("Session revocation check failed", map[string]interface{}{"error": err.Error()})
			} else if revoked {
				abortWithError(c, errors.NewUnauthorizedError("session has been revoked"))
				return
			}
		}

		principal, err := s.auth.Introspect(ctx, token)
		if err != nil {
			abortWithError(c, err)
			return
		}
		id, err := s.portal.ResolveIdentity(ctx, *principal)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if id.IsDisabled {
			abortWithError(c, errors.NewAccountDisabledError(id.PrincipalID))
			return
		}

		if s.sessions != nil {
			if err := s.sessions.Touch(ctx, id.PrincipalID, token); err != nil {
				s.logger.Warn("Failed to record session", map[string]interface{}{"principalId": id.PrincipalID, "error": err.Error()})
			}
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	// EventSource cannot set headers
	if c.Request.Method == "GET" && strings.HasSuffix(c.FullPath(), "/live") {
		return c.Query("access_token")
	}
	return ""
}

func identityFrom(c *gin.Context) *models.ResolvedIdentity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	return v.(*models.ResolvedIdentity)
}
