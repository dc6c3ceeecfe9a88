// Package fanout turns accepted domain events into per-recipient
// notifications, live re-fetch signals and outbound deliveries.
package fanout

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"partner-portal/internal/common/errors"
	"partner-portal/internal/common/logger"
	"partner-portal/internal/common/metrics"
	"partner-portal/internal/delivery"
	"partner-portal/internal/models"
	"partner-portal/internal/realtime"
	"partner-portal/internal/store"
)

// notificationNamespace seeds deterministic notification ids.
var notificationNamespace = uuid.MustParse("5b1f4c2e-7d43-4f7a-9f0e-2c8f3d6a1b90")

// NotificationID is derived from the idempotency key (eventId, recipientId).
func NotificationID(eventID, recipientID string) string {
	return uuid.NewSHA1(notificationNamespace, []byte(eventID+":"+recipientID)).String()
}

// Store is what fan-out reads and writes.
type Store interface {
	store.MembershipStore
	store.AssignmentStore
	store.NotificationStore
	GetDeliverable(ctx context.Context, id string) (*models.Deliverable, error)
}

type Config struct {
	// SuperadminIDs are allowlisted principals that receive partner-side
	// notifications even without a membership row.
	SuperadminIDs []string
}

type Fanout struct {
	store       Store
	publisher   realtime.Publisher
	dispatcher  delivery.Dispatcher
	superadmins []string
	logger      logger.Logger
}

// New builds a fan-out. publisher and dispatcher may be nil.
func New(st Store, publisher realtime.Publisher, dispatcher delivery.Dispatcher, cfg Config, log logger.Logger) *Fanout {
	return &Fanout{
		store:       st,
		publisher:   publisher,
		dispatcher:  dispatcher,
		superadmins: cfg.SuperadminIDs,
		logger:      log.WithFields(map[string]interface{}{"component": "fanout"}),
	}
}

// Recipient is one principal that hears about an event. PartnerID is set
// for partner-side recipients.
type Recipient struct {
	ID        string
	PartnerID string
}

// OnDomainEvent persists one notification per recipient of ev and returns
// them. Replaying the same event returns the same rows without creating
// more. Live signals and outbound delivery are best-effort.
func (f *Fanout) OnDomainEvent(ctx context.Context, ev models.DomainEvent) ([]models.Notification, error) {
	if ev.ID == "" || ev.PartnerID == "" {
		return nil, errors.NewInvalidPayloadError("event id and partner id are required")
	}

	recipients, err := f.Recipients(ctx, ev)
	if err != nil {
		return nil, err
	}

	var persisted []models.Notification
	if len(recipients) > 0 {
		title, message, typ := describe(ev)
		meta := f.metadata(ctx, ev)
		ns := make([]models.Notification, 0, len(recipients))
		for _, r := range recipients {
			ns = append(ns, models.Notification{
				ID:                 NotificationID(ev.ID, r.ID),
				EventID:            ev.ID,
				RecipientID:        r.ID,
				RecipientPartnerID: r.PartnerID,
				Type:               typ,
				Title:              title,
				Message:            message,
				Metadata:           meta,
				CreatedAt:          ev.OccurredAt,
			})
		}

		persisted, err = f.store.CreateNotifications(ctx, ev.ID, ns)
		if err != nil {
			return nil, errors.FromStore("postgres", err)
		}
		metrics.NotificationsCreated.WithLabelValues(string(ev.Kind)).Add(float64(len(persisted)))
	}

	f.logger.Info("Domain event fanned out", map[string]interface{}{
		"eventId":    ev.ID,
		"kind":       ev.Kind,
		"partnerId":  ev.PartnerID,
		"recipients": len(recipients),
	})

	f.signal(ctx, ev)
	if f.dispatcher != nil && len(persisted) > 0 {
		f.dispatcher.Dispatch(ctx, persisted)
	}
	return persisted, nil
}

// Recipients computes who hears about ev. Partner-side events go to the
// admins assigned to the partner and every superadmin; staff-side events go
// to the partner's users. Disabled members and the actor are excluded.
//
// A staff candidate with a membership row must still hold a staff role
// there. Assigned admins and allowlisted superadmins without a row are
// kept, since their role comes from the identity provider.
func (f *Fanout) Recipients(ctx context.Context, ev models.DomainEvent) ([]Recipient, error) {
	seen := map[string]bool{ev.ActorID: true}
	var out []Recipient
	add := func(id, partnerID string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, Recipient{ID: id, PartnerID: partnerID})
	}

	if ev.PartnerAuthored() {
		admins, err := f.store.ListAssignedAdmins(ctx, ev.PartnerID)
		if err != nil {
			return nil, errors.FromStore("postgres", err)
		}
		supers, err := f.store.ListMembersByRole(ctx, models.RoleSuperadmin)
		if err != nil {
			return nil, errors.FromStore("postgres", err)
		}

		allowlisted := make(map[string]bool, len(f.superadmins))
		for _, id := range f.superadmins {
			allowlisted[id] = true
		}
		candidates := append(append([]string{}, admins...), f.superadmins...)
		for _, m := range supers {
			candidates = append(candidates, m.PrincipalID)
		}
		for _, id := range candidates {
			if id == "" || seen[id] {
				continue
			}
			m, err := f.membership(ctx, id)
			if err != nil {
				return nil, err
			}
			if m != nil && (m.Disabled || (!allowlisted[id] && !m.Role.IsStaff())) {
				seen[id] = true
				continue
			}
			add(id, "")
		}
	} else {
		members, err := f.store.ListMembersByPartner(ctx, ev.PartnerID)
		if err != nil {
			return nil, errors.FromStore("postgres", err)
		}
		for _, m := range members {
			if m.Disabled || m.Role != models.RolePartner {
				continue
			}
			add(m.PrincipalID, ev.PartnerID)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// membership returns nil when the principal has no row.
func (f *Fanout) membership(ctx context.Context, principalID string) (*models.Membership, error) {
	m, err := f.store.GetMembership(ctx, principalID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.FromStore("postgres", err)
	}
	return m, nil
}

func describe(ev models.DomainEvent) (title, message, typ string) {
	switch ev.Kind {
	case models.EventSubmissionCreated:
		return "New submission", "A partner submitted work for review.", models.NotificationNewSubmission
	case models.EventMessageSent:
		if ev.PartnerAuthored() {
			return "New message", "A partner sent you a message.", models.NotificationNewMessage
		}
		return "New message", "The partnership team sent you a message.", models.NotificationNewMessage
	default:
		return statusTitle(ev.ToStatus), fmt.Sprintf("Your submission is now %s.", humanStatus(ev.ToStatus)), models.NotificationStatusChanged
	}
}

func statusTitle(s models.SubmissionStatus) string {
	switch s {
	case models.StatusApproved:
		return "Submission approved"
	case models.StatusRejected:
		return "Submission rejected"
	case models.StatusChangesRequested:
		return "Changes requested"
	case models.StatusLockedForPrinting:
		return "Locked for printing"
	default:
		return "Submission updated"
	}
}

func humanStatus(s models.SubmissionStatus) string {
	switch s {
	case models.StatusPendingReview:
		return "pending review"
	case models.StatusChangesRequested:
		return "waiting on changes"
	case models.StatusLockedForPrinting:
		return "locked for printing"
	default:
		return string(s)
	}
}

func (f *Fanout) metadata(ctx context.Context, ev models.DomainEvent) map[string]interface{} {
	meta := map[string]interface{}{
		"eventKind": string(ev.Kind),
		"partnerId": ev.PartnerID,
		"priority":  "normal",
	}
	if ev.SubmissionID != "" {
		meta["submissionId"] = ev.SubmissionID
	}
	if ev.MessageID != "" {
		meta["messageId"] = ev.MessageID
	}
	if ev.ToStatus != "" {
		meta["status"] = string(ev.ToStatus)
	}
	if ev.Reason != "" {
		meta["reason"] = ev.Reason
	}
	if ev.ToStatus == models.StatusRejected || ev.ToStatus == models.StatusChangesRequested {
		meta["priority"] = "high"
	}
	if ev.DeliverableID != "" {
		meta["deliverableId"] = ev.DeliverableID
		if d, err := f.store.GetDeliverable(ctx, ev.DeliverableID); err == nil {
			meta["deliverableName"] = d.Name
		}
	}
	return meta
}

func (f *Fanout) signal(ctx context.Context, ev models.DomainEvent) {
	if f.publisher == nil {
		return
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	for _, topic := range realtime.Topics(ev.PartnerID, ev.DeliverableID) {
		err := f.publisher.Publish(ctx, realtime.Signal{
			Topic:         topic,
			Kind:          string(ev.Kind),
			PartnerID:     ev.PartnerID,
			DeliverableID: ev.DeliverableID,
			EventID:       ev.ID,
			At:            at,
		})
		status := "ok"
		if err != nil {
			status = "error"
			f.logger.Warn("Failed to publish live signal", map[string]interface{}{
				"topic":     topic,
				"eventId":   ev.ID,
				"transport": f.publisher.Name(),
				"error":     err.Error(),
			})
		}
		metrics.LiveSignalsPublished.WithLabelValues(f.publisher.Name(), status).Inc()
	}
}
