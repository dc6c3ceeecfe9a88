// internal/models/identity.go
package models

import "time"

// Role is the canonical role a principal resolves to.
type Role string

const (
	RoleSuperadmin Role = "superadmin"
	RoleAdmin      Role = "admin"
	RolePartner    Role = "partner"
	RoleUnknown    Role = "unknown"
)

// IsStaff reports whether the role reviews partner work.
func (r Role) IsStaff() bool {
	return r == RoleSuperadmin || r == RoleAdmin
}

// MetadataHints are the raw role/partner fields carried by one metadata channel.
type MetadataHints struct {
	Role      string `json:"role,omitempty"`
	PartnerID string `json:"partnerId,omitempty"`
}

// Principal is an authenticated caller, supplied per request.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	// Trusted is the administratively-set channel.
	Trusted MetadataHints `json:"trusted"`
	// SelfService is the user-editable channel.
	SelfService MetadataHints `json:"selfService"`
}

// ResolvedIdentity is the derived role and scope for a principal.
type ResolvedIdentity struct {
	PrincipalID string `json:"principalId"`
	Email       string `json:"email,omitempty"`
	Role        Role   `json:"role"`
	// PartnerID is empty when the identity has no partner association.
	PartnerID  string    `json:"partnerId,omitempty"`
	IsDisabled bool      `json:"isDisabled"`
	Source     string    `json:"source"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Membership is the persisted role record for a principal.
type Membership struct {
	PrincipalID string    `json:"principalId" db:"principal_id"`
	Email       string    `json:"email" db:"email"`
	Phone       string    `json:"phone,omitempty" db:"phone"`
	Role        Role      `json:"role" db:"role"`
	PartnerID   string    `json:"partnerId,omitempty" db:"partner_id"`
	Disabled    bool      `json:"disabled" db:"disabled"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// AdminPartnerAssignment grants an admin visibility into one partner.
type AdminPartnerAssignment struct {
	AdminID   string    `json:"adminId" db:"admin_id"`
	PartnerID string    `json:"partnerId" db:"partner_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
