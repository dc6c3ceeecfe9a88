package portal

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"partner-portal/internal/access"
	"partner-portal/internal/blob"
	"partner-portal/internal/common/errors"
	"partner-portal/internal/common/metrics"
	"partner-portal/internal/models"
	"partner-portal/internal/store"
	"partner-portal/internal/workflow"
)

// TransitionSubmission moves a submission to status to. Checks run before
// any write: account state, existence, scope, the transition table, side
// data, then the latest-submission rule. A resubmission appends a new row.
func (p *Portal) TransitionSubmission(ctx context.Context, id *models.ResolvedIdentity, submissionID string, to models.SubmissionStatus, payload models.TransitionPayload) (result *models.Submission, err error) {
	ctx, done := p.observe(ctx, "transition_submission")
	defer func() {
		if err != nil {
			metrics.TransitionsRejected.WithLabelValues(string(errors.Normalize(err).Code)).Inc()
		}
		done(err)
	}()

	if err := access.RequireActive(id); err != nil {
		return nil, err
	}
	sub, err := p.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, notFoundOr(err, "submission", submissionID)
	}
	rule, err := p.access.AuthorizeTransition(ctx, id, sub.PartnerID, sub.Status, to)
	if err != nil {
		return nil, err
	}
	if to != models.StatusPendingReview && strings.TrimSpace(payload.ReviewedBy) == "" {
		payload.ReviewedBy = id.PrincipalID
	}
	if err := workflow.ValidateSideData(to, payload); err != nil {
		return nil, err
	}
	latest, err := p.store.LatestSubmission(ctx, sub.DeliverableID)
	if err != nil {
		return nil, errors.FromStore("postgres", err)
	}
	if latest.ID != sub.ID {
		return nil, errors.NewResourceConflictError(
			fmt.Sprintf("submission %s is superseded by a newer submission", sub.ID), latest.ID)
	}

	var out models.Submission
	if rule.CreatesRow {
		out = p.newSubmission(id, sub.DeliverableID, sub.PartnerID, models.SubmissionInput{
			FileRef: sub.FileRef,
			LinkRef: sub.LinkRef,
			Notes:   sub.Notes,
		}, latest)
		if err := p.store.CreateSubmission(ctx, &out); err != nil {
			return nil, errors.FromStore("postgres", err)
		}
	} else {
		out = *sub
		workflow.Apply(&out, to, payload)
		out.UpdatedAt = p.now().UTC()
		if err := p.store.UpdateSubmission(ctx, &out); err != nil {
			return nil, notFoundOr(err, "submission", sub.ID)
		}
	}
	metrics.TransitionsAccepted.WithLabelValues(string(to)).Inc()

	p.logger.Info("Submission transitioned", map[string]interface{}{
		"submissionId":  out.ID,
		"deliverableId": out.DeliverableID,
		"from":          sub.Status,
		"to":            to,
		"actorId":       id.PrincipalID,
	})

	p.afterSubmissionWrite(ctx, id, out, sub.Status, payload.Reason, rule.CreatesRow)
	return &out, nil
}

// SubmitDeliverable appends a pending_review submission for a deliverable,
// covering both the first upload and a resubmission.
func (p *Portal) SubmitDeliverable(ctx context.Context, id *models.ResolvedIdentity, deliverableID string, in models.SubmissionInput) (result *models.Submission, err error) {
	ctx, done := p.observe(ctx, "submit_deliverable")
	defer func() { done(err) }()

	in.FileRef = strings.TrimSpace(in.FileRef)
	in.LinkRef = strings.TrimSpace(in.LinkRef)
	if (in.FileRef == "") == (in.LinkRef == "") {
		return nil, errors.NewInvalidPayloadError("exactly one of fileRef or linkRef is required")
	}

	d, latest, err := p.authorizeSubmit(ctx, id, deliverableID)
	if err != nil {
		return nil, err
	}

	sub := p.newSubmission(id, d.ID, d.PartnerID, in, latest)
	if err := p.store.CreateSubmission(ctx, &sub); err != nil {
		if stderrors.Is(err, store.ErrPartnerMismatch) {
			return nil, errors.NewForbiddenError(err.Error())
		}
		return nil, notFoundOr(err, "deliverable", d.ID)
	}
	metrics.TransitionsAccepted.WithLabelValues(string(models.StatusPendingReview)).Inc()

	from := models.StatusNone
	if latest != nil {
		from = latest.Status
	}
	p.logger.Info("Submission created", map[string]interface{}{
		"submissionId":  sub.ID,
		"deliverableId": d.ID,
		"partnerId":     d.PartnerID,
	})
	p.afterSubmissionWrite(ctx, id, sub, from, "", true)
	return &sub, nil
}

// UploadSubmissionFile stores a file and submits it. The submission is
// authorized before the upload so a refused caller never writes a blob.
func (p *Portal) UploadSubmissionFile(ctx context.Context, id *models.ResolvedIdentity, deliverableID, filename, contentType string, body io.Reader, notes string) (*models.Submission, error) {
	if p.blobs == nil {
		return nil, errors.NewInternalError(stderrors.New("blob store is not configured"))
	}
	d, _, err := p.authorizeSubmit(ctx, id, deliverableID)
	if err != nil {
		return nil, err
	}

	ref, err := p.blobs.Put(ctx, blob.Object{
		PartnerID:     d.PartnerID,
		DeliverableID: d.ID,
		Filename:      filename,
		ContentType:   contentType,
		Body:          body,
	})
	if err != nil {
		return nil, err
	}
	return p.SubmitDeliverable(ctx, id, deliverableID, models.SubmissionInput{FileRef: ref, Notes: notes})
}

// authorizeSubmit returns the deliverable and its latest submission (nil
// when none) once id may append a pending_review row.
func (p *Portal) authorizeSubmit(ctx context.Context, id *models.ResolvedIdentity, deliverableID string) (*models.Deliverable, *models.Submission, error) {
	if err := access.RequireActive(id); err != nil {
		return nil, nil, err
	}
	d, err := p.store.GetDeliverable(ctx, deliverableID)
	if err != nil {
		return nil, nil, notFoundOr(err, "deliverable", deliverableID)
	}

	from := models.StatusNone
	latest, err := p.store.LatestSubmission(ctx, d.ID)
	switch {
	case err == nil:
		from = latest.Status
	case stderrors.Is(err, store.ErrNotFound):
		latest = nil
	default:
		return nil, nil, errors.FromStore("postgres", err)
	}

	if _, err := p.access.AuthorizeTransition(ctx, id, d.PartnerID, from, models.StatusPendingReview); err != nil {
		return nil, nil, err
	}
	return d, latest, nil
}

// newSubmission builds a pending_review row that sorts after latest.
func (p *Portal) newSubmission(id *models.ResolvedIdentity, deliverableID, partnerID string, in models.SubmissionInput, latest *models.Submission) models.Submission {
	now := p.now().UTC().Truncate(time.Microsecond)
	if latest != nil && !now.After(latest.CreatedAt) {
		now = latest.CreatedAt.Add(time.Microsecond)
	}
	return models.Submission{
		ID:            p.newID(),
		DeliverableID: deliverableID,
		PartnerID:     partnerID,
		FileRef:       in.FileRef,
		LinkRef:       in.LinkRef,
		Notes:         strings.TrimSpace(in.Notes),
		Status:        models.StatusPendingReview,
		SubmittedBy:   id.PrincipalID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// afterSubmissionWrite refreshes the display status, emits the domain event
// and indexes the row. None of these can fail the write.
func (p *Portal) afterSubmissionWrite(ctx context.Context, id *models.ResolvedIdentity, sub models.Submission, from models.SubmissionStatus, reason string, created bool) {
	p.refreshDisplayStatus(ctx, sub.DeliverableID)

	kind := models.EventSubmissionStatusChanged
	if created {
		kind = models.EventSubmissionCreated
	}
	ev := p.newEvent(kind, id, sub.PartnerID)
	ev.DeliverableID = sub.DeliverableID
	ev.SubmissionID = sub.ID
	ev.FromStatus = from
	ev.ToStatus = sub.Status
	ev.Reason = strings.TrimSpace(reason)
	p.emit(ctx, ev)

	if p.index != nil {
		if err := p.index.IndexSubmission(ctx, sub); err != nil {
			p.logger.Warn("Failed to index submission", map[string]interface{}{
				"submissionId": sub.ID,
				"error":        err.Error(),
			})
		}
	}
}

// refreshDisplayStatus mirrors the latest submission onto the deliverable.
func (p *Portal) refreshDisplayStatus(ctx context.Context, deliverableID string) {
	latest, err := p.store.LatestSubmission(ctx, deliverableID)
	if err == nil {
		err = p.store.SetDisplayStatus(ctx, deliverableID, latest.Status)
	}
	if err != nil {
		p.logger.Warn("Failed to update deliverable display status", map[string]interface{}{
			"deliverableId": deliverableID,
			"error":         err.Error(),
		})
	}
}

// ListVisibleSubmissions returns submissions inside the caller's scope.
// An out-of-scope partner filter yields an empty list, not an error.
func (p *Portal) ListVisibleSubmissions(ctx context.Context, id *models.ResolvedIdentity, f models.SubmissionFilter) (subs []models.Submission, err error) {
	ctx, done := p.observe(ctx, "list_visible_submissions")
	defer func() { done(err) }()

	if err := access.RequireActive(id); err != nil {
		return nil, err
	}
	scope, err := p.access.VisiblePartnerIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	f = scope.Apply(f)
	if !f.AllPartners && len(f.PartnerIDs) == 0 {
		return []models.Submission{}, nil
	}
	subs, err = p.store.ListSubmissions(ctx, f)
	if err != nil {
		return nil, errors.FromStore("postgres", err)
	}
	return subs, nil
}

// SearchSubmissions runs a full-text query inside the caller's scope. Hits
// are reloaded from the store and re-checked against the scope.
func (p *Portal) SearchSubmissions(ctx context.Context, id *models.ResolvedIdentity, text string, f models.SubmissionFilter) (subs []models.Submission, total int64, err error) {
	ctx, done := p.observe(ctx, "search_submissions")
	defer func() { done(err) }()

	if p.index == nil {
		return nil, 0, errors.NewInternalError(stderrors.New("search index is not configured"))
	}
	if err := access.RequireActive(id); err != nil {
		return nil, 0, err
	}
	scope, err := p.access.VisiblePartnerIDs(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	f = scope.Apply(f)
	if !f.AllPartners && len(f.PartnerIDs) == 0 {
		return []models.Submission{}, 0, nil
	}

	hits, total, err := p.index.Search(ctx, strings.TrimSpace(text), f)
	if err != nil {
		return nil, 0, errors.NewUpstreamTimeoutError("elasticsearch", err)
	}

	subs = make([]models.Submission, 0, len(hits))
	for _, h := range hits {
		sub, err := p.store.GetSubmission(ctx, h.SubmissionID)
		if stderrors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, errors.FromStore("postgres", err)
		}
		if !scope.Contains(sub.PartnerID) {
			continue
		}
		subs = append(subs, *sub)
	}
	return subs, total, nil
}

// PendingReviewCount is the dashboard aggregate of submissions awaiting
// review within the caller's scope.
func (p *Portal) PendingReviewCount(ctx context.Context, id *models.ResolvedIdentity) (int, error) {
	if err := access.RequireStaff(id); err != nil {
		return 0, err
	}
	scope, err := p.access.VisiblePartnerIDs(ctx, id)
	if err != nil {
		return 0, err
	}
	f := scope.Apply(models.SubmissionFilter{Statuses: []models.SubmissionStatus{models.StatusPendingReview}})
	if !f.AllPartners && len(f.PartnerIDs) == 0 {
		return 0, nil
	}
	n, err := p.store.CountSubmissions(ctx, f)
	if err != nil {
		return 0, errors.FromStore("postgres", err)
	}
	return n, nil
}
