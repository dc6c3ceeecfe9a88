// Package workflow holds the submission state machine: the role-gated
// transition table, side-data requirements and the latest-submission rule.
package workflow

import (
	"sort"
	"strings"

	"partner-portal/internal/common/errors"
	"partner-portal/internal/models"
)

// Rule is one row of the transition table.
type Rule struct {
	From  models.SubmissionStatus
	To    models.SubmissionStatus
	Roles []models.Role
	// CreatesRow is set when the transition appends a new submission
	// instead of updating the current one.
	CreatesRow bool
}

var staff = []models.Role{models.RoleAdmin, models.RoleSuperadmin}

var table = []Rule{
	{From: models.StatusNone, To: models.StatusPendingReview, Roles: []models.Role{models.RolePartner}, CreatesRow: true},
	{From: models.StatusChangesRequested, To: models.StatusPendingReview, Roles: []models.Role{models.RolePartner}, CreatesRow: true},
	{From: models.StatusRejected, To: models.StatusPendingReview, Roles: []models.Role{models.RolePartner}, CreatesRow: true},

	{From: models.StatusPendingReview, To: models.StatusApproved, Roles: staff},
	{From: models.StatusPendingReview, To: models.StatusRejected, Roles: staff},
	{From: models.StatusPendingReview, To: models.StatusChangesRequested, Roles: staff},
	{From: models.StatusPendingReview, To: models.StatusLockedForPrinting, Roles: staff},

	// superadmin override
	{From: models.StatusApproved, To: models.StatusLockedForPrinting, Roles: []models.Role{models.RoleSuperadmin}},
}

// Rules returns a copy of the transition table.
func Rules() []Rule {
	out := make([]Rule, len(table))
	copy(out, table)
	return out
}

// IsKnown reports whether s is a real submission status.
func IsKnown(s models.SubmissionStatus) bool {
	switch s {
	case models.StatusPendingReview, models.StatusApproved, models.StatusRejected,
		models.StatusChangesRequested, models.StatusLockedForPrinting:
		return true
	}
	return false
}

func lookup(from, to models.SubmissionStatus) (Rule, bool) {
	for _, r := range table {
		if r.From == from && r.To == to {
			return r, true
		}
	}
	return Rule{}, false
}

func hasRole(roles []models.Role, role models.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Allowed reports whether role may move a submission from -> to.
func Allowed(role models.Role, from, to models.SubmissionStatus) bool {
	r, ok := lookup(from, to)
	return ok && hasRole(r.Roles, role)
}

// Authorize returns the rule for from -> to when role may take it.
// A pair absent from the table is INVALID_TRANSITION_PAYLOAD; a pair present
// for other roles only is FORBIDDEN.
func Authorize(role models.Role, from, to models.SubmissionStatus) (Rule, error) {
	r, ok := lookup(from, to)
	if !ok {
		return Rule{}, errors.NewIllegalTransitionError(string(from), string(to))
	}
	if !hasRole(r.Roles, role) {
		return Rule{}, errors.NewForbiddenError(
			"role " + string(role) + " may not move a submission from " + displayStatus(from) + " to " + string(to))
	}
	return r, nil
}

func displayStatus(s models.SubmissionStatus) string {
	if s == models.StatusNone {
		return "(none)"
	}
	return string(s)
}

// RequiresReason reports whether entering status needs a reason.
func RequiresReason(to models.SubmissionStatus) bool {
	return to == models.StatusRejected || to == models.StatusChangesRequested
}

// ValidateSideData checks the payload a transition into to must carry.
func ValidateSideData(to models.SubmissionStatus, p models.TransitionPayload) error {
	if RequiresReason(to) && strings.TrimSpace(p.Reason) == "" {
		return errors.NewMissingFieldError("reason")
	}
	if to == models.StatusApproved && strings.TrimSpace(p.ReviewedBy) == "" {
		return errors.NewMissingFieldError("reviewedBy")
	}
	return nil
}

// Apply copies the transition onto a submission row. The caller decides
// whether the row is new or an update.
func Apply(sub *models.Submission, to models.SubmissionStatus, p models.TransitionPayload) {
	sub.Status = to
	switch to {
	case models.StatusRejected, models.StatusChangesRequested:
		sub.RejectionReason = strings.TrimSpace(p.Reason)
		sub.ReviewedBy = p.ReviewedBy
	case models.StatusApproved, models.StatusLockedForPrinting:
		if p.ReviewedBy != "" {
			sub.ReviewedBy = p.ReviewedBy
		}
	}
	if p.ReviewNotes != "" {
		sub.ReviewNotes = p.ReviewNotes
	}
}

// IsTerminal reports whether no further transition is possible on the row itself.
func IsTerminal(s models.SubmissionStatus) bool {
	return s == models.StatusApproved || s == models.StatusLockedForPrinting
}

// BlocksDeletion reports whether a deliverable whose latest submission is in
// s may not be deleted.
func BlocksDeletion(s models.SubmissionStatus) bool {
	return s == models.StatusPendingReview || s == models.StatusApproved || s == models.StatusLockedForPrinting
}

// CanResubmit reports whether a partner may append a new submission when the
// latest one is in s. StatusNone means no submission exists yet.
func CanResubmit(s models.SubmissionStatus) bool {
	_, ok := lookup(s, models.StatusPendingReview)
	return ok && s != models.StatusPendingReview
}

// Newer reports whether a sorts after b: later createdAt, then larger id.
func Newer(a, b models.Submission) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Latest returns the authoritative submission, or nil for an empty history.
func Latest(subs []models.Submission) *models.Submission {
	if len(subs) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(subs); i++ {
		if Newer(subs[i], subs[best]) {
			best = i
		}
	}
	latest := subs[best]
	return &latest
}

// SortNewestFirst orders a history newest first using the same tie-break as Latest.
func SortNewestFirst(subs []models.Submission) {
	sort.SliceStable(subs, func(i, j int) bool { return Newer(subs[i], subs[j]) })
}
