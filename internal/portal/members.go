package portal

import (
	"context"
	stderrors "errors"
	"strings"

	"partner-portal/internal/access"
	"partner-portal/internal/common/errors"
	"partner-portal/internal/identity"
	"partner-portal/internal/models"
	"partner-portal/internal/store"
)

// MemberInput is a membership write by a superadmin.
type MemberInput struct {
	Role      string `json:"role"`
	PartnerID string `json:"partnerId,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// SetMemberRole writes a membership row and then evicts the cached identity
// before returning, so the member's next request sees the new role. Any role
// other than admin drops the member's partner assignments.
func (p *Portal) SetMemberRole(ctx context.Context, id *models.ResolvedIdentity, principalID string, in MemberInput) (m *models.Membership, err error) {
	ctx, done := p.observe(ctx, "set_member_role")
	defer func() { done(err) }()

	if err := access.RequireSuperadmin(id); err != nil {
		return nil, err
	}
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, errors.NewInvalidPayloadError("principal id is required")
	}
	role, ok := identity.NormalizeRole(in.Role)
	if !ok {
		return nil, errors.NewInvalidPayloadError("unknown role " + in.Role)
	}
	partnerID := strings.TrimSpace(in.PartnerID)
	if role == models.RolePartner && partnerID == "" {
		return nil, errors.NewInvalidPayloadError("partner role requires a partnerId")
	}
	if partnerID != "" {
		if _, err := p.store.GetPartner(ctx, partnerID); err != nil {
			return nil, notFoundOr(err, "partner", partnerID)
		}
	}

	m, err = p.store.GetMembership(ctx, principalID)
	switch {
	case stderrors.Is(err, store.ErrNotFound):
		m = &models.Membership{PrincipalID: principalID}
	case err != nil:
		return nil, errors.FromStore("postgres", err)
	}
	m.Role = role
	m.PartnerID = partnerID
	if in.Email != "" {
		m.Email = strings.TrimSpace(in.Email)
	}
	if in.Phone != "" {
		m.Phone = strings.TrimSpace(in.Phone)
	}

	if err := p.store.UpsertMembership(ctx, m); err != nil {
		return nil, errors.FromStore("postgres", err)
	}
	if role != models.RoleAdmin {
		n, err := p.store.ClearAssignments(ctx, principalID)
		if err != nil {
			return nil, errors.FromStore("postgres", err)
		}
		if n > 0 {
			p.logger.Info("Admin assignments cleared", map[string]interface{}{"principalId": principalID, "count": n})
		}
	}
	if err := p.resolver.Invalidate(ctx, principalID); err != nil {
		return nil, err
	}
	p.logger.Info("Member role updated", map[string]interface{}{
		"principalId": principalID,
		"role":        role,
		"partnerId":   partnerID,
		"actorId":     id.PrincipalID,
	})
	return m, nil
}

// SetMemberDisabled flips the disabled flag with the same write-then-evict
// order as SetMemberRole. Disabling also ends the member's sessions on a
// best-effort basis.
func (p *Portal) SetMemberDisabled(ctx context.Context, id *models.ResolvedIdentity, principalID string, disabled bool) (err error) {
	ctx, done := p.observe(ctx, "set_member_disabled")
	defer func() { done(err) }()

	if err := access.RequireSuperadmin(id); err != nil {
		return err
	}
	if disabled && principalID == id.PrincipalID {
		return errors.NewForbiddenError("superadmins may not disable themselves")
	}
	if err := p.store.SetMemberDisabled(ctx, principalID, disabled); err != nil {
		return notFoundOr(err, "member", principalID)
	}
	if err := p.resolver.Invalidate(ctx, principalID); err != nil {
		return err
	}
	p.logger.Info("Member disabled flag updated", map[string]interface{}{
		"principalId": principalID,
		"disabled":    disabled,
		"actorId":     id.PrincipalID,
	})

	if disabled {
		p.revokeSessions(ctx, principalID)
	}
	return nil
}

func (p *Portal) revokeSessions(ctx context.Context, principalID string) {
	if p.sessions != nil {
		n, err := p.sessions.RevokeAll(ctx, principalID)
		if err != nil {
			p.logger.Warn("Failed to revoke sessions", map[string]interface{}{"principalId": principalID, "error": err.Error()})
		} else {
			p.logger.Info("Sessions revoked", map[string]interface{}{"principalId": principalID, "count": n})
		}
	}
	if p.idp != nil {
		if err := p.idp.LogoutUser(ctx, principalID); err != nil {
			p.logger.Warn("Failed to end identity provider sessions", map[string]interface{}{"principalId": principalID, "error": err.Error()})
		}
	}
}

// AssignAdminPartner grants a principal visibility into a partner. It takes
// effect on the principal's next request. Any principal id is accepted: a
// role may come from the identity provider's trusted metadata with no
// membership row behind it, and VisiblePartnerIDs only reads assignments
// for identities that resolve to admin.
func (p *Portal) AssignAdminPartner(ctx context.Context, id *models.ResolvedIdentity, adminID, partnerID string) (err error) {
	ctx, done := p.observe(ctx, "assign_admin_partner")
	defer func() { done(err) }()

	if err := access.RequireSuperadmin(id); err != nil {
		return err
	}
	adminID = strings.TrimSpace(adminID)
	if adminID == "" {
		return errors.NewInvalidPayloadError("admin id is required")
	}
	if err := p.store.AssignAdminPartner(ctx, adminID, partnerID); err != nil {
		return notFoundOr(err, "partner", partnerID)
	}
	p.logger.Info("Admin assigned to partner", map[string]interface{}{
		"adminId":   adminID,
		"partnerId": partnerID,
		"actorId":   id.PrincipalID,
	})
	return nil
}

// UnassignAdminPartner revokes an admin's visibility into a partner.
func (p *Portal) UnassignAdminPartner(ctx context.Context, id *models.ResolvedIdentity, adminID, partnerID string) (err error) {
	ctx, done := p.observe(ctx, "unassign_admin_partner")
	defer func() { done(err) }()

	if err := access.RequireSuperadmin(id); err != nil {
		return err
	}
	if err := p.store.UnassignAdminPartner(ctx, adminID, partnerID); err != nil {
		return notFoundOr(err, "assignment", adminID+"/"+partnerID)
	}
	p.logger.Info("Admin unassigned from partner", map[string]interface{}{
		"adminId":   adminID,
		"partnerId": partnerID,
		"actorId":   id.PrincipalID,
	})
	return nil
}
