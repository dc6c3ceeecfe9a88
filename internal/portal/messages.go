package portal

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"partner-portal/internal/common/errors"
	"partner-portal/internal/common/validation"
	"partner-portal/internal/models"
)

// SendMessage posts to a partner conversation. The sender role comes from
// the resolved identity.
func (p *Portal) SendMessage(ctx context.Context, id *models.ResolvedIdentity, partnerID, deliverableID, body string) (msg *models.Message, err error) {
	ctx, done := p.observe(ctx, "send_message")
	defer func() { done(err) }()

	if _, err := p.access.RequirePartner(ctx, id, partnerID); err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errors.NewInvalidPayloadError("message body is empty")
	}
	if utf8.RuneCountInString(body) > validation.MaxMessageLength {
		return nil, errors.NewInvalidPayloadError(fmt.Sprintf("message body exceeds %d characters", validation.MaxMessageLength))
	}
	if deliverableID != "" {
		d, err := p.store.GetDeliverable(ctx, deliverableID)
		if err != nil {
			return nil, notFoundOr(err, "deliverable", deliverableID)
		}
		if d.PartnerID != partnerID {
			return nil, errors.NewInvalidPayloadError(fmt.Sprintf("deliverable %s does not belong to partner %s", deliverableID, partnerID))
		}
	}

	msg = &models.Message{
		ID:            p.newID(),
		PartnerID:     partnerID,
		DeliverableID: deliverableID,
		SenderID:      id.PrincipalID,
		SenderRole:    id.Role,
		Body:          body,
		CreatedAt:     p.now().UTC(),
	}
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		return nil, errors.FromStore("postgres", err)
	}

	ev := p.newEvent(models.EventMessageSent, id, partnerID)
	ev.DeliverableID = deliverableID
	ev.MessageID = msg.ID
	p.emit(ctx, ev)
	return msg, nil
}

// ListMessages returns a partner conversation oldest first, optionally
// narrowed to one deliverable thread.
func (p *Portal) ListMessages(ctx context.Context, id *models.ResolvedIdentity, partnerID, deliverableID string) ([]models.Message, error) {
	if _, err := p.access.RequirePartner(ctx, id, partnerID); err != nil {
		return nil, err
	}
	msgs, err := p.store.ListMessages(ctx, partnerID, deliverableID)
	if err != nil {
		return nil, errors.FromStore("postgres", err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// MarkMessagesRead marks every unread message from the opposite side as read
// in one batch and returns how many changed.
func (p *Portal) MarkMessagesRead(ctx context.Context, id *models.ResolvedIdentity, partnerID, deliverableID string) (int64, error) {
	if _, err := p.access.RequirePartner(ctx, id, partnerID); err != nil {
		return 0, err
	}
	n, err := p.store.MarkMessagesRead(ctx, partnerID, deliverableID, oppositeRoles(id.Role))
	if err != nil {
		return 0, errors.FromStore("postgres", err)
	}
	return n, nil
}

func oppositeRoles(r models.Role) []models.Role {
	if r.IsStaff() {
		return []models.Role{models.RolePartner}
	}
	return []models.Role{models.RoleAdmin, models.RoleSuperadmin}
}
