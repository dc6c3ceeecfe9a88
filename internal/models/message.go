// internal/models/message.go
package models

import "time"

type Message struct {
	ID            string    `json:"id" db:"id"`
	PartnerID     string    `json:"partnerId" db:"partner_id"`
	DeliverableID string    `json:"deliverableId,omitempty" db:"deliverable_id"`
	SenderID      string    `json:"senderId" db:"sender_id"`
	SenderRole    Role      `json:"senderRole" db:"sender_role"`
	Body          string    `json:"body" db:"body"`
	IsRead        bool      `json:"isRead" db:"is_read"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}
