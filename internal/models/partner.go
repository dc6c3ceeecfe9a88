// internal/models/partner.go
package models

import "time"

type Partner struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Tier           string    `json:"tier" db:"tier"`
	ContractStatus string    `json:"contractStatus" db:"contract_status"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// Deliverable is a standing request for an artifact from a partner.
// DisplayStatus mirrors the latest submission and is only a display cache.
type Deliverable struct {
	ID            string     `json:"id" db:"id"`
	PartnerID     string     `json:"partnerId" db:"partner_id"`
	Name          string     `json:"name" db:"name"`
	Type          string     `json:"type" db:"type"`
	DueDate       *time.Time `json:"dueDate,omitempty" db:"due_date"`
	IsRequired    bool       `json:"isRequired" db:"is_required"`
	DisplayStatus string     `json:"displayStatus,omitempty" db:"display_status"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" db:"updated_at"`
}
