package portal

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"partner-portal/internal/access"
	"partner-portal/internal/common/errors"
	"partner-portal/internal/models"
	"partner-portal/internal/store"
)

// DeliverableInput describes a new deliverable.
type DeliverableInput struct {
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
	IsRequired bool       `json:"isRequired"`
}

// CreateDeliverable requests a new artifact from a partner in scope.
func (p *Portal) CreateDeliverable(ctx context.Context, id *models.ResolvedIdentity, partnerID string, in DeliverableInput) (d *models.Deliverable, err error) {
	ctx, done := p.observe(ctx, "create_deliverable")
	defer func() { done(err) }()

	if err := access.RequireStaff(id); err != nil {
		return nil, err
	}
	if _, err := p.access.RequirePartner(ctx, id, partnerID); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	in.Type = strings.TrimSpace(in.Type)
	if in.Name == "" || in.Type == "" {
		return nil, errors.NewInvalidPayloadError("name and type are required")
	}
	if _, err := p.store.GetPartner(ctx, partnerID); err != nil {
		return nil, notFoundOr(err, "partner", partnerID)
	}

	d = &models.Deliverable{
		ID:         p.newID(),
		PartnerID:  partnerID,
		Name:       in.Name,
		Type:       in.Type,
		DueDate:    in.DueDate,
		IsRequired: in.IsRequired,
	}
	if err := p.store.CreateDeliverable(ctx, d); err != nil {
		return nil, notFoundOr(err, "partner", partnerID)
	}
	p.logger.Info("Deliverable created", map[string]interface{}{
		"deliverableId": d.ID,
		"partnerId":     partnerID,
		"actorId":       id.PrincipalID,
	})
	return d, nil
}

// DeleteDeliverable removes a deliverable unless its latest submission is
// still under review or already accepted.
func (p *Portal) DeleteDeliverable(ctx context.Context, id *models.ResolvedIdentity, deliverableID string) (err error) {
	ctx, done := p.observe(ctx, "delete_deliverable")
	defer func() { done(err) }()

	if err := access.RequireStaff(id); err != nil {
		return err
	}
	d, err := p.store.GetDeliverable(ctx, deliverableID)
	if err != nil {
		return notFoundOr(err, "deliverable", deliverableID)
	}
	if _, err := p.access.RequirePartner(ctx, id, d.PartnerID); err != nil {
		return err
	}

	blocking, err := p.store.DeleteDeliverable(ctx, d.ID)
	switch {
	case stderrors.Is(err, store.ErrDeletionBlocked):
		return errors.NewResourceConflictError(
			fmt.Sprintf("deliverable %s has a %s submission", d.ID, blocking.Status), blocking.ID)
	case err != nil:
		return notFoundOr(err, "deliverable", d.ID)
	}
	p.logger.Info("Deliverable deleted", map[string]interface{}{
		"deliverableId": d.ID,
		"partnerId":     d.PartnerID,
		"actorId":       id.PrincipalID,
	})
	return nil
}

// ListDeliverables returns the deliverables of a partner in scope.
func (p *Portal) ListDeliverables(ctx context.Context, id *models.ResolvedIdentity, partnerID string) ([]models.Deliverable, error) {
	if _, err := p.access.RequirePartner(ctx, id, partnerID); err != nil {
		return nil, err
	}
	ds, err := p.store.ListDeliverables(ctx, partnerID)
	if err != nil {
		return nil, errors.FromStore("postgres", err)
	}
	if ds == nil {
		ds = []models.Deliverable{}
	}
	return ds, nil
}

// SubmissionHistory returns every submission of a deliverable, newest first.
func (p *Portal) SubmissionHistory(ctx context.Context, id *models.ResolvedIdentity, deliverableID string) ([]models.Submission, error) {
	if err := access.RequireActive(id); err != nil {
		return nil, err
	}
	d, err := p.store.GetDeliverable(ctx, deliverableID)
	if err != nil {
		return nil, notFoundOr(err, "deliverable", deliverableID)
	}
	if _, err := p.access.RequirePartner(ctx, id, d.PartnerID); err != nil {
		return nil, err
	}
	history, err := p.store.SubmissionHistory(ctx, d.ID)
	if err != nil {
		return nil, errors.FromStore("postgres", err)
	}
	if history == nil {
		history = []models.Submission{}
	}
	return history, nil
}
