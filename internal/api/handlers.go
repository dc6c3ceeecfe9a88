package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"partner-portal/internal/common/errors"
	"partner-portal/internal/common/validation"
	"partner-portal/internal/models"
	"partner-portal/internal/portal"
)

type transitionRequest struct {
	ToStatus    models.SubmissionStatus `json:"toStatus"`
	Reason      string                  `json:"reason"`
	ReviewNotes string                  `json:"reviewNotes"`
}

type messageRequest struct {
	Body          string `json:"body"`
	DeliverableID string `json:"deliverableId"`
}

type disabledRequest struct {
	Disabled bool `json:"disabled"`
}

type assignmentRequest struct {
	AdminID   string `json:"adminId"`
	PartnerID string `json:"partnerId"`
}

type notificationsReadRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) me(c *gin.Context) {
	ctx := c.Request.Context()
	id := identityFrom(c)

	scope, err := s.portal.VisiblePartners(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"identity": id, "scope": scope}
	if id.Role.IsStaff() {
		pending, err := s.portal.PendingReviewCount(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		resp["pendingReviewCount"] = pending
	}
	c.JSON(http.StatusOK, resp)
}

// ==========================================
// Submissions
// ==========================================

func submissionFilter(c *gin.Context) (models.SubmissionFilter, error) {
	f := models.SubmissionFilter{DeliverableID: c.Query("deliverableId")}
	if partnerID := c.Query("partnerId"); partnerID != "" {
		f.PartnerIDs = []string{partnerID}
	}
	for _, raw := range c.QueryArray("status") {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, models.SubmissionStatus(st))
			}
		}
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return f, errors.NewInvalidPayloadError("limit must be a non-negative integer")
		}
		f.Limit = limit
	}
	return f, nil
}

func (s *Server) listSubmissions(c *gin.Context) {
	f, err := submissionFilter(c)
	if err != nil {
		writeError(c, err)
		return
	}
	subs, err := s.portal.ListVisibleSubmissions(c.Request.Context(), identityFrom(c), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submissions": orEmpty(subs)})
}

func (s *Server) searchSubmissions(c *gin.Context) {
	f, err := submissionFilter(c)
	if err != nil {
		writeError(c, err)
		return
	}
	subs, total, err := s.portal.SearchSubmissions(c.Request.Context(), identityFrom(c), c.Query("q"), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submissions": orEmpty(subs), "total": total})
}

func (s *Server) transitionSubmission(c *gin.Context) {
	var req transitionRequest
	if err := s.bindValidated(c, validation.SchemaTransition, &req); err != nil {
		writeError(c, err)
		return
	}
	id := identityFrom(c)
	// the reviewer is always the caller, whatever the client sent
	payload := models.TransitionPayload{
		Reason:      req.Reason,
		ReviewNotes: req.ReviewNotes,
		ReviewedBy:  id.PrincipalID,
	}
	sub, err := s.portal.TransitionSubmission(c.Request.Context(), id, c.Param("id"), req.ToStatus, payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submission": sub})
}

func (s *Server) submitDeliverable(c *gin.Context) {
	var in models.SubmissionInput
	if err := s.bindValidated(c, validation.SchemaSubmission, &in); err != nil {
		writeError(c, err)
		return
	}
	sub, err := s.portal.SubmitDeliverable(c.Request.Context(), identityFrom(c), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"submission": sub})
}

func (s *Server) uploadSubmissionFile(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		writeError(c, errors.NewInvalidPayloadError("multipart field \"file\" is required"))
		return
	}
	file, err := header.Open()
	if err != nil {
		writeError(c, errors.NewInvalidPayloadError("failed to open uploaded file"))
		return
	}
	defer file.Close()

	sub, err := s.portal.UploadSubmissionFile(c.Request.Context(), identityFrom(c), c.Param("id"),
		header.Filename, header.Header.Get("Content-Type"), file, c.PostForm("notes"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"submission": sub})
}

func (s *Server) submissionHistory(c *gin.Context) {
	subs, err := s.portal.SubmissionHistory(c.Request.Context(), identityFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submissions": orEmpty(subs)})
}

// ==========================================
// Deliverables
// ==========================================

func (s *Server) createDeliverable(c *gin.Context) {
	var in portal.DeliverableInput
	if err := s.bindValidated(c, validation.SchemaDeliverable, &in); err != nil {
		writeError(c, err)
		return
	}
	d, err := s.portal.CreateDeliverable(c.Request.Context(), identityFrom(c), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deliverable": d})
}

func (s *Server) listDeliverables(c *gin.Context) {
	ds, err := s.portal.ListDeliverables(c.Request.Context(), identityFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliverables": orEmpty(ds)})
}

func (s *Server) deleteDeliverable(c *gin.Context) {
	if err := s.portal.DeleteDeliverable(c.Request.Context(), identityFrom(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ==========================================
// Messages
// ==========================================

func (s *Server) sendMessage(c *gin.Context) {
	var req messageRequest
	if err := s.bindValidated(c, validation.SchemaMessage, &req); err != nil {
		writeError(c, err)
		return
	}
	msg, err := s.portal.SendMessage(c.Request.Context(), identityFrom(c), c.Param("id"), req.DeliverableID, req.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (s *Server) listMessages(c *gin.Context) {
	msgs, err := s.portal.ListMessages(c.Request.Context(), identityFrom(c), c.Param("id"), c.Query("deliverableId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": orEmpty(msgs)})
}

func (s *Server) markMessagesRead(c *gin.Context) {
	n, err := s.portal.MarkMessagesRead(c.Request.Context(), identityFrom(c), c.Param("id"), c.Query("deliverableId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

// ==========================================
// Notifications
// ==========================================

func (s *Server) listNotifications(c *gin.Context) {
	unread := c.Query("unread") == "true" || c.Query("unread") == "1"
	ns, err := s.portal.ListNotifications(c.Request.Context(), identityFrom(c), unread)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": orEmpty(ns)})
}

func (s *Server) markNotificationsRead(c *gin.Context) {
	var req notificationsReadRequest
	if err := s.bindValidated(c, validation.SchemaNotificationsRead, &req); err != nil {
		writeError(c, err)
		return
	}
	if err := s.portal.MarkNotificationsRead(c.Request.Context(), identityFrom(c), req.IDs); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ==========================================
// Administration
// ==========================================

func (s *Server) setMemberRole(c *gin.Context) {
	var in portal.MemberInput
	if err := s.bindValidated(c, validation.SchemaMemberRole, &in); err != nil {
		writeError(c, err)
		return
	}
	m, err := s.portal.SetMemberRole(c.Request.Context(), identityFrom(c), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"membership": m})
}

func (s *Server) setMemberDisabled(c *gin.Context) {
	var req disabledRequest
	if err := s.bindValidated(c, validation.SchemaMemberDisabled, &req); err != nil {
		writeError(c, err)
		return
	}
	if err := s.portal.SetMemberDisabled(c.Request.Context(), identityFrom(c), c.Param("id"), req.Disabled); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) assignAdminPartner(c *gin.Context) {
	var req assignmentRequest
	if err := s.bindValidated(c, validation.SchemaAssignment, &req); err != nil {
		writeError(c, err)
		return
	}
	if err := s.portal.AssignAdminPartner(c.Request.Context(), identityFrom(c), req.AdminID, req.PartnerID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) unassignAdminPartner(c *gin.Context) {
	var req assignmentRequest
	if err := s.bindValidated(c, validation.SchemaAssignment, &req); err != nil {
		writeError(c, err)
		return
	}
	if err := s.portal.UnassignAdminPartner(c.Request.Context(), identityFrom(c), req.AdminID, req.PartnerID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
