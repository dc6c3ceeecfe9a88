// Package access computes what a resolved identity may see and do. Every
// listing and every fan-out target set goes through the same Scope.
package access

import (
	"context"
	"sort"

	"partner-portal/internal/common/errors"
	"partner-portal/internal/common/logger"
	"partner-portal/internal/models"
	"partner-portal/internal/store"
	"partner-portal/internal/workflow"
)

// Scope is the set of partners an identity may access. All is only ever set
// for superadmins; an empty, non-All scope sees nothing.
type Scope struct {
	All        bool     `json:"all"`
	PartnerIDs []string `json:"partnerIds"`
}

// Contains reports whether partnerID is visible.
func (s Scope) Contains(partnerID string) bool {
	if s.All {
		return true
	}
	if partnerID == "" {
		return false
	}
	for _, id := range s.PartnerIDs {
		if id == partnerID {
			return true
		}
	}
	return false
}

// Empty reports whether the scope sees nothing.
func (s Scope) Empty() bool {
	return !s.All && len(s.PartnerIDs) == 0
}

// Apply intersects a requested filter with the scope. Partner ids the caller
// asked for but may not see are dropped, never widened.
func (s Scope) Apply(f models.SubmissionFilter) models.SubmissionFilter {
	out := f
	switch {
	case s.All:
		out.AllPartners = len(f.PartnerIDs) == 0
	case len(f.PartnerIDs) == 0:
		out.AllPartners = false
		out.PartnerIDs = append([]string(nil), s.PartnerIDs...)
	default:
		out.AllPartners = false
		out.PartnerIDs = nil
		for _, id := range f.PartnerIDs {
			if s.Contains(id) {
				out.PartnerIDs = append(out.PartnerIDs, id)
			}
		}
	}
	return out
}

var none = Scope{PartnerIDs: []string{}}

// Calculator derives scopes. Assignments are read on every call so that a
// change applies to the admin's next request.
type Calculator struct {
	assignments store.AssignmentStore
	logger      logger.Logger
}

func NewCalculator(assignments store.AssignmentStore, log logger.Logger) *Calculator {
	return &Calculator{
		assignments: assignments,
		logger:      log.WithFields(map[string]interface{}{"component": "access"}),
	}
}

// VisiblePartnerIDs returns the partner scope of id. Unknown, disabled and
// nil identities always get the empty scope.
func (c *Calculator) VisiblePartnerIDs(ctx context.Context, id *models.ResolvedIdentity) (Scope, error) {
	if id == nil || id.IsDisabled {
		return none, nil
	}
	switch id.Role {
	case models.RoleSuperadmin:
		return Scope{All: true}, nil
	case models.RoleAdmin:
		partners, err := c.assignments.ListAssignedPartners(ctx, id.PrincipalID)
		if err != nil {
			return none, errors.FromStore("postgres", err)
		}
		ids := dedupe(partners)
		c.logger.Debug("admin scope loaded", map[string]interface{}{
			"principalId": id.PrincipalID,
			"partners":    len(ids),
		})
		return Scope{PartnerIDs: ids}, nil
	case models.RolePartner:
		if id.PartnerID == "" {
			return none, nil
		}
		return Scope{PartnerIDs: []string{id.PartnerID}}, nil
	default:
		return none, nil
	}
}

// RequireActive rejects identities that may not act at all.
func RequireActive(id *models.ResolvedIdentity) error {
	if id == nil {
		return errors.NewUnauthorizedError("no resolved identity")
	}
	if id.IsDisabled {
		return errors.NewAccountDisabledError(id.PrincipalID)
	}
	if id.Role == models.RoleUnknown || id.Role == "" {
		return errors.NewForbiddenError("role could not be resolved")
	}
	return nil
}

// RequirePartner fails with FORBIDDEN unless partnerID is in scope.
func (c *Calculator) RequirePartner(ctx context.Context, id *models.ResolvedIdentity, partnerID string) (Scope, error) {
	if err := RequireActive(id); err != nil {
		return none, err
	}
	scope, err := c.VisiblePartnerIDs(ctx, id)
	if err != nil {
		return none, err
	}
	if !scope.Contains(partnerID) {
		return scope, errors.NewForbiddenError("partner " + partnerID + " is outside the caller's scope")
	}
	return scope, nil
}

// RequireSuperadmin guards membership and assignment administration.
func RequireSuperadmin(id *models.ResolvedIdentity) error {
	if err := RequireActive(id); err != nil {
		return err
	}
	if id.Role != models.RoleSuperadmin {
		return errors.NewForbiddenError("superadmin role required")
	}
	return nil
}

// RequireStaff guards reviewer-only operations.
func RequireStaff(id *models.ResolvedIdentity) error {
	if err := RequireActive(id); err != nil {
		return err
	}
	if !id.Role.IsStaff() {
		return errors.NewForbiddenError("admin role required")
	}
	return nil
}

// AuthorizeTransition checks scope and the role-gated transition table for
// moving a submission of partnerID from -> to.
func (c *Calculator) AuthorizeTransition(ctx context.Context, id *models.ResolvedIdentity, partnerID string, from, to models.SubmissionStatus) (workflow.Rule, error) {
	if _, err := c.RequirePartner(ctx, id, partnerID); err != nil {
		return workflow.Rule{}, err
	}
	return workflow.Authorize(id.Role, from, to)
}

// CanTransition is the boolean form of AuthorizeTransition.
func (c *Calculator) CanTransition(ctx context.Context, id *models.ResolvedIdentity, sub *models.Submission, to models.SubmissionStatus) bool {
	if sub == nil {
		return false
	}
	_, err := c.AuthorizeTransition(ctx, id, sub.PartnerID, sub.Status, to)
	return err == nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
