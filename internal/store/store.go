// Package store defines the backing-store collaborators of the portal core
// and provides a Postgres implementation plus an in-memory one.
package store

import (
	"context"
	"errors"

	"partner-portal/internal/models"
)

var (
	ErrNotFound  = errors.New("NOT_FOUND")
	ErrDuplicate = errors.New("DUPLICATE")
)

// ErrPartnerMismatch rejects a submission attached to another partner's deliverable.
var ErrPartnerMismatch = errors.New("PARTNER_MISMATCH")

// ErrDeletionBlocked is returned with the deliverable's latest submission
// when that submission's status forbids deleting the deliverable.
var ErrDeletionBlocked = errors.New("DELETION_BLOCKED")

type MembershipStore interface {
	GetMembership(ctx context.Context, principalID string) (*models.Membership, error)
	UpsertMembership(ctx context.Context, m *models.Membership) error
	SetMemberDisabled(ctx context.Context, principalID string, disabled bool) error
	ListMembersByPartner(ctx context.Context, partnerID string) ([]models.Membership, error)
	ListMembersByRole(ctx context.Context, role models.Role) ([]models.Membership, error)
}

type AssignmentStore interface {
	ListAssignedPartners(ctx context.Context, adminID string) ([]string, error)
	ListAssignedAdmins(ctx context.Context, partnerID string) ([]string, error)
	AssignAdminPartner(ctx context.Context, adminID, partnerID string) error
	UnassignAdminPartner(ctx context.Context, adminID, partnerID string) error
	// ClearAssignments removes every assignment of adminID and returns how many there were.
	ClearAssignments(ctx context.Context, adminID string) (int64, error)
}

type PartnerStore interface {
	GetPartner(ctx context.Context, id string) (*models.Partner, error)
	CreatePartner(ctx context.Context, p *models.Partner) error
}

type DeliverableStore interface {
	GetDeliverable(ctx context.Context, id string) (*models.Deliverable, error)
	CreateDeliverable(ctx context.Context, d *models.Deliverable) error
	// DeleteDeliverable re-reads the latest submission under a row lock and
	// deletes only when it does not block deletion. A blocked delete writes
	// nothing and returns the blocking submission with ErrDeletionBlocked.
	DeleteDeliverable(ctx context.Context, id string) (*models.Submission, error)
	ListDeliverables(ctx context.Context, partnerID string) ([]models.Deliverable, error)
	SetDisplayStatus(ctx context.Context, deliverableID string, status models.SubmissionStatus) error
}

type SubmissionStore interface {
	GetSubmission(ctx context.Context, id string) (*models.Submission, error)
	CreateSubmission(ctx context.Context, s *models.Submission) error
	// UpdateSubmission overwrites the row; concurrent writers resolve last-write-wins.
	UpdateSubmission(ctx context.Context, s *models.Submission) error
	ListSubmissions(ctx context.Context, f models.SubmissionFilter) ([]models.Submission, error)
	CountSubmissions(ctx context.Context, f models.SubmissionFilter) (int, error)
	// SubmissionHistory returns newest first using the latest-submission tie-break.
	SubmissionHistory(ctx context.Context, deliverableID string) ([]models.Submission, error)
	// LatestSubmission returns ErrNotFound when the deliverable has no submissions.
	LatestSubmission(ctx context.Context, deliverableID string) (*models.Submission, error)
}

type NotificationStore interface {
	// CreateNotifications inserts at most one row per (eventId, recipientId)
	// and returns every row persisted for the given recipients of the event.
	CreateNotifications(ctx context.Context, eventID string, ns []models.Notification) ([]models.Notification, error)
	GetNotification(ctx context.Context, id string) (*models.Notification, error)
	ListNotifications(ctx context.Context, recipientID string, unreadOnly bool) ([]models.Notification, error)
	NotificationOwners(ctx context.Context, ids []string) (map[string]string, error)
	MarkNotificationsRead(ctx context.Context, recipientID string, ids []string) error
}

type DeliveryStore interface {
	GetDelivery(ctx context.Context, notificationID, channel string) (*models.DeliveryAttempt, error)
	// RecordDelivery upserts by (notificationId, channel) and increments attempts.
	RecordDelivery(ctx context.Context, a *models.DeliveryAttempt) error
	ListFailedDeliveries(ctx context.Context, maxAttempts, limit int) ([]models.DeliveryAttempt, error)
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m *models.Message) error
	// ListMessages returns a partner conversation oldest first. An empty
	// deliverableID returns the whole conversation.
	ListMessages(ctx context.Context, partnerID, deliverableID string) ([]models.Message, error)
	// MarkMessagesRead flips every unread message sent by one of senderRoles.
	MarkMessagesRead(ctx context.Context, partnerID, deliverableID string, senderRoles []models.Role) (int64, error)
}

// Store is the full backing store.
type Store interface {
	MembershipStore
	AssignmentStore
	PartnerStore
	DeliverableStore
	SubmissionStore
	NotificationStore
	DeliveryStore
	MessageStore
	Ping(ctx context.Context) error
}
