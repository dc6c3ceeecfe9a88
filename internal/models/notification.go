// internal/models/notification.go
package models

import "time"

// Notification types, one per domain event kind and target status.
const (
	NotificationNewSubmission = "new_submission"
	NotificationStatusChanged = "submission_status_changed"
	NotificationNewMessage    = "new_message"
)

type Notification struct {
	ID                 string                 `json:"id" db:"id"`
	EventID            string                 `json:"eventId" db:"event_id"`
	RecipientID        string                 `json:"recipientId" db:"recipient_id"`
	RecipientPartnerID string                 `json:"recipientPartnerId,omitempty" db:"recipient_partner_id"`
	Type               string                 `json:"type" db:"type"`
	Title              string                 `json:"title" db:"title"`
	Message            string                 `json:"message" db:"message"`
	Metadata           map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	IsRead             bool                   `json:"isRead" db:"is_read"`
	CreatedAt          time.Time              `json:"createdAt" db:"created_at"`
}

// Delivery channels and outcomes for outbound notification copies.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"

	DeliveryPending  = "pending"
	DeliverySent     = "sent"
	DeliveryFailed   = "failed"
	DeliveryDisabled = "disabled"
)

// DeliveryAttempt records the outbound delivery of one notification.
type DeliveryAttempt struct {
	NotificationID string    `json:"notificationId" db:"notification_id"`
	RecipientID    string    `json:"recipientId" db:"recipient_id"`
	Channel        string    `json:"channel" db:"channel"`
	Status         string    `json:"status" db:"status"`
	Attempts       int       `json:"attempts" db:"attempts"`
	LastError      string    `json:"lastError,omitempty" db:"last_error"`
	UpdatedAt      time.Time `json:"updatedAt" db:"updated_at"`
}
