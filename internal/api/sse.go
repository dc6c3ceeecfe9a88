package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// live streams refetch signals for one partner as server-sent events. The
// payload never carries record data; clients reload through the read
// endpoints so visibility is re-checked on every fetch.
func (s *Server) live(c *gin.Context) {
	ctx := c.Request.Context()
	id := identityFrom(c)
	partnerID := c.Param("id")

	signals, cancel, err := s.portal.Subscribe(ctx, id, partnerID, c.Query("deliverableId"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer cancel()

	// streams outlive the server write timeout
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("Could not clear write deadline", map[string]interface{}{"error": err.Error()})
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	s.logger.Info("Live stream opened", map[string]interface{}{"principalId": id.PrincipalID, "partnerId": partnerID})
	c.SSEvent("ready", gin.H{"partnerId": partnerID})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case sig, ok := <-signals:
			if !ok {
				return false
			}
			c.SSEvent("refetch", sig)
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
	s.logger.Info("Live stream closed", map[string]interface{}{"principalId": id.PrincipalID, "partnerId": partnerID})
}
