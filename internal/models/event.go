// internal/models/event.go
package models

import "time"

type EventKind string

const (
	EventSubmissionCreated       EventKind = "submission_created"
	EventSubmissionStatusChanged EventKind = "submission_status_changed"
	EventMessageSent             EventKind = "message_sent"
)

// DomainEvent is emitted once per accepted mutation and consumed by fan-out.
type DomainEvent struct {
	ID            string           `json:"id"`
	Kind          EventKind        `json:"kind"`
	PartnerID     string           `json:"partnerId"`
	DeliverableID string           `json:"deliverableId,omitempty"`
	SubmissionID  string           `json:"submissionId,omitempty"`
	MessageID     string           `json:"messageId,omitempty"`
	FromStatus    SubmissionStatus `json:"fromStatus,omitempty"`
	ToStatus      SubmissionStatus `json:"toStatus,omitempty"`
	ActorID       string           `json:"actorId"`
	ActorRole     Role             `json:"actorRole"`
	Reason        string           `json:"reason,omitempty"`
	OccurredAt    time.Time        `json:"occurredAt"`
}

// PartnerAuthored reports whether the event originated on the partner side.
func (e DomainEvent) PartnerAuthored() bool {
	return e.ActorRole == RolePartner
}
