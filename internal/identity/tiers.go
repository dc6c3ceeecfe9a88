package identity

import (
	"strings"

	"partner-portal/internal/models"
)

// Source names recorded on a ResolvedIdentity.
const (
	SourceAllowlist   = "allowlist"
	SourceTrusted     = "trusted_metadata"
	SourceSelfService = "self_service_metadata"
	SourceMembership  = "membership"
	SourceDefault     = "default"
	SourceTimeout     = "timeout"
)

// RoleHint is what a tier proposes.
type RoleHint struct {
	Role      models.Role
	PartnerID string
	Source    string
}

type resolveInput struct {
	principal  models.Principal
	membership *models.Membership
}

// Tier inspects one signal source. The first tier returning true wins.
type Tier func(in resolveInput) (RoleHint, bool)

var synonyms = map[string]models.Role{
	"superadmin":    models.RoleSuperadmin,
	"super_admin":   models.RoleSuperadmin,
	"super-admin":   models.RoleSuperadmin,
	"super admin":   models.RoleSuperadmin,
	"admin":         models.RoleAdmin,
	"administrator": models.RoleAdmin,
	"partner":       models.RolePartner,
	"partner_user":  models.RolePartner,
	"partner-user":  models.RolePartner,
}

// NormalizeRole maps a raw role token onto a canonical role.
func NormalizeRole(raw string) (models.Role, bool) {
	role, ok := synonyms[strings.ToLower(strings.TrimSpace(raw))]
	return role, ok
}

// Allowlist holds the hardcoded superadmin ids and emails.
type Allowlist struct {
	IDs    []string
	Emails []string
}

func (a Allowlist) contains(p models.Principal) bool {
	for _, id := range a.IDs {
		if id != "" && id == p.ID {
			return true
		}
	}
	if p.Email == "" {
		return false
	}
	for _, e := range a.Emails {
		if strings.EqualFold(e, p.Email) {
			return true
		}
	}
	return false
}

func allowlistTier(list Allowlist) Tier {
	return func(in resolveInput) (RoleHint, bool) {
		if list.contains(in.principal) {
			return RoleHint{Role: models.RoleSuperadmin, Source: SourceAllowlist}, true
		}
		return RoleHint{}, false
	}
}

func channelTier(source string, pick func(models.Principal) models.MetadataHints) Tier {
	return func(in resolveInput) (RoleHint, bool) {
		hints := pick(in.principal)
		role, ok := NormalizeRole(hints.Role)
		if !ok {
			return RoleHint{}, false
		}
		return RoleHint{Role: role, PartnerID: hints.PartnerID, Source: source}, true
	}
}

func membershipTier(in resolveInput) (RoleHint, bool) {
	if in.membership == nil {
		return RoleHint{}, false
	}
	role, ok := NormalizeRole(string(in.membership.Role))
	if !ok {
		return RoleHint{}, false
	}
	return RoleHint{Role: role, PartnerID: in.membership.PartnerID, Source: SourceMembership}, true
}

func defaultTier(resolveInput) (RoleHint, bool) {
	return RoleHint{Role: models.RolePartner, Source: SourceDefault}, true
}

// DefaultTiers returns the precedence chain, highest first.
func DefaultTiers(list Allowlist) []Tier {
	return []Tier{
		allowlistTier(list),
		channelTier(SourceTrusted, func(p models.Principal) models.MetadataHints { return p.Trusted }),
		channelTier(SourceSelfService, func(p models.Principal) models.MetadataHints { return p.SelfService }),
		membershipTier,
		defaultTier,
	}
}

func evaluate(tiers []Tier, in resolveInput) RoleHint {
	for _, tier := range tiers {
		if hint, ok := tier(in); ok {
			return hint
		}
	}
	return RoleHint{Role: models.RoleUnknown, Source: SourceDefault}
}
