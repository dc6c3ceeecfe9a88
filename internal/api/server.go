// Package api exposes the portal over HTTP with gin.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"partner-portal/internal/common/logger"
	"partner-portal/internal/common/validation"
	"partner-portal/internal/models"
	"partner-portal/internal/portal"
)

// Authenticator turns a bearer token into a principal.
type Authenticator interface {
	Introspect(ctx context.Context, token string) (*models.Principal, error)
}

// SessionTracker records live sessions and answers revocation checks.
type SessionTracker interface {
	Touch(ctx context.Context, principalID, token string) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// ReadyCheck reports whether one dependency is usable.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	Portal    *portal.Portal
	Auth      Authenticator
	Sessions  SessionTracker
	Validator *validation.Validator
	// ReadyChecks are run by /ready in addition to the backing store ping.
	ReadyChecks map[string]ReadyCheck
	// KeepAlive is the SSE comment interval on live streams.
	KeepAlive time.Duration
	Logger    logger.Logger
}

type Server struct {
	portal      *portal.Portal
	auth        Authenticator
	sessions    SessionTracker
	validator   *validation.Validator
	readyChecks map[string]ReadyCheck
	keepAlive   time.Duration
	logger      logger.Logger
}

func NewServer(d Deps) *Server {
	keepAlive := d.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	return &Server{
		portal:      d.Portal,
		auth:        d.Auth,
		sessions:    d.Sessions,
		validator:   d.Validator,
		readyChecks: d.ReadyChecks,
		keepAlive:   keepAlive,
		logger:      d.Logger.WithFields(map[string]interface{}{"component": "api"}),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = 32 << 20
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)
	r.GET("/ready", s.ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1", s.authenticate())
	{
		v1.GET("/me", s.me)

		v1.GET("/submissions", s.listSubmissions)
		v1.GET("/submissions/search", s.searchSubmissions)
		v1.POST("/submissions/:id/transitions", s.transitionSubmission)

		v1.POST("/deliverables/:id/submissions", s.submitDeliverable)
		v1.POST("/deliverables/:id/uploads", s.uploadSubmissionFile)
		v1.GET("/deliverables/:id/submissions", s.submissionHistory)
		v1.DELETE("/deliverables/:id", s.deleteDeliverable)

		v1.POST("/partners/:id/deliverables", s.createDeliverable)
		v1.GET("/partners/:id/deliverables", s.listDeliverables)
		v1.GET("/partners/:id/messages", s.listMessages)
		v1.POST("/partners/:id/messages", s.sendMessage)
		v1.POST("/partners/:id/messages/read", s.markMessagesRead)
		v1.GET("/partners/:id/live", s.live)

		v1.GET("/notifications", s.listNotifications)
		v1.POST("/notifications/read", s.markNotificationsRead)

		admin := v1.Group("/admin")
		admin.PUT("/members/:id/role", s.setMemberRole)
		admin.PUT("/members/:id/disabled", s.setMemberDisabled)
		admin.POST("/assignments", s.assignAdminPartner)
		admin.DELETE("/assignments", s.unassignAdminPartner)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	failures := gin.H{}
	if err := s.portal.Ping(ctx); err != nil {
		failures["store"] = err.Error()
	}
	for name, check := range s.readyChecks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "failures": failures})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
