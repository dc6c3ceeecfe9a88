package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partner-portal/internal/common/errors"
	"partner-portal/internal/models"
)

var allStatuses = []models.SubmissionStatus{
	models.StatusNone,
	models.StatusPendingReview,
	models.StatusApproved,
	models.StatusRejected,
	models.StatusChangesRequested,
	models.StatusLockedForPrinting,
}

var allRoles = []models.Role{models.RoleSuperadmin, models.RoleAdmin, models.RolePartner, models.RoleUnknown}

// ==========================================
// Transition table
// ==========================================

func TestAuthorize_TableRows(t *testing.T) {
	tests := []struct {
		role models.Role
		from models.SubmissionStatus
		to   models.SubmissionStatus
		row  bool
	}{
		{models.RolePartner, models.StatusNone, models.StatusPendingReview, true},
		{models.RolePartner, models.StatusRejected, models.StatusPendingReview, true},
		{models.RolePartner, models.StatusChangesRequested, models.StatusPendingReview, true},
		{models.RoleAdmin, models.StatusPendingReview, models.StatusApproved, false},
		{models.RoleAdmin, models.StatusPendingReview, models.StatusRejected, false},
		{models.RoleSuperadmin, models.StatusPendingReview, models.StatusChangesRequested, false},
		{models.RoleAdmin, models.StatusPendingReview, models.StatusLockedForPrinting, false},
		{models.RoleSuperadmin, models.StatusApproved, models.StatusLockedForPrinting, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role)+"_"+string(tt.from)+"_"+string(tt.to), func(t *testing.T) {
			rule, err := Authorize(tt.role, tt.from, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.row, rule.CreatesRow)
		})
	}
}

func TestAuthorize_EverythingOutsideTableFails(t *testing.T) {
	for _, role := range allRoles {
		for _, from := range allStatuses {
			for _, to := range allStatuses {
				if Allowed(role, from, to) {
					continue
				}
				_, err := Authorize(role, from, to)
				require.Error(t, err, "%s %s->%s", role, from, to)
				std, ok := errors.As(err)
				require.True(t, ok)
				assert.Contains(t,
					[]errors.ErrorCode{errors.ErrCodeForbidden, errors.ErrCodeInvalidTransitionPayload},
					std.Code)
			}
		}
	}
}

func TestAuthorize_ForbiddenVersusIllegal(t *testing.T) {
	_, err := Authorize(models.RolePartner, models.StatusPendingReview, models.StatusApproved)
	assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden))

	_, err = Authorize(models.RoleAdmin, models.StatusApproved, models.StatusLockedForPrinting)
	assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden))

	_, err = Authorize(models.RoleAdmin, models.StatusApproved, models.StatusRejected)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidTransitionPayload))
	assert.Contains(t, err.Error(), "approved -> rejected")

	_, err = Authorize(models.RoleAdmin, models.StatusPendingReview, models.StatusPendingReview)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidTransitionPayload))
}

func TestAuthorize_UnknownRoleNeverAllowed(t *testing.T) {
	for _, r := range Rules() {
		assert.False(t, Allowed(models.RoleUnknown, r.From, r.To))
	}
}

// ==========================================
// Side data
// ==========================================

func TestValidateSideData(t *testing.T) {
	tests := []struct {
		name    string
		to      models.SubmissionStatus
		payload models.TransitionPayload
		field   string
	}{
		{"rejected without reason", models.StatusRejected, models.TransitionPayload{ReviewedBy: "a1"}, "reason"},
		{"rejected with blank reason", models.StatusRejected, models.TransitionPayload{Reason: "   "}, "reason"},
		{"changes without reason", models.StatusChangesRequested, models.TransitionPayload{}, "reason"},
		{"approved without reviewer", models.StatusApproved, models.TransitionPayload{}, "reviewedBy"},
		{"rejected ok", models.StatusRejected, models.TransitionPayload{Reason: "wrong format"}, ""},
		{"approved ok", models.StatusApproved, models.TransitionPayload{ReviewedBy: "a1"}, ""},
		{"locked needs nothing", models.StatusLockedForPrinting, models.TransitionPayload{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSideData(tt.to, tt.payload)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			std, _ := errors.As(err)
			assert.Equal(t, errors.ErrCodeInvalidTransitionPayload, std.Code)
			assert.Equal(t, tt.field, std.Metadata["field"])
		})
	}
}

func TestApply_RecordsReasonVerbatimTrimmed(t *testing.T) {
	sub := models.Submission{ID: "s1", Status: models.StatusPendingReview}
	Apply(&sub, models.StatusRejected, models.TransitionPayload{Reason: "  wrong format ", ReviewedBy: "a1"})
	assert.Equal(t, models.StatusRejected, sub.Status)
	assert.Equal(t, "wrong format", sub.RejectionReason)
	assert.Equal(t, "a1", sub.ReviewedBy)
}

// ==========================================
// Latest submission
// ==========================================

func TestLatest_TieBreakOnID(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	subs := []models.Submission{
		{ID: "a2", CreatedAt: ts, Status: models.StatusApproved},
		{ID: "a1", CreatedAt: ts, Status: models.StatusRejected},
	}
	latest := Latest(subs)
	require.NotNil(t, latest)
	assert.Equal(t, "a2", latest.ID)

	// order of input must not matter
	subs[0], subs[1] = subs[1], subs[0]
	assert.Equal(t, "a2", Latest(subs).ID)
}

func TestLatest_PrefersCreatedAt(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	subs := []models.Submission{
		{ID: "z9", CreatedAt: ts},
		{ID: "a1", CreatedAt: ts.Add(time.Millisecond)},
	}
	assert.Equal(t, "a1", Latest(subs).ID)
	assert.Nil(t, Latest(nil))
}

func TestSortNewestFirst(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	subs := []models.Submission{
		{ID: "old", CreatedAt: ts.Add(-time.Hour)},
		{ID: "b", CreatedAt: ts},
		{ID: "c", CreatedAt: ts},
	}
	SortNewestFirst(subs)
	assert.Equal(t, []string{"c", "b", "old"}, []string{subs[0].ID, subs[1].ID, subs[2].ID})
}

func TestDeletionAndResubmission(t *testing.T) {
	assert.True(t, BlocksDeletion(models.StatusPendingReview))
	assert.True(t, BlocksDeletion(models.StatusApproved))
	assert.False(t, BlocksDeletion(models.StatusRejected))
	assert.False(t, BlocksDeletion(models.StatusNone))

	assert.True(t, CanResubmit(models.StatusNone))
	assert.True(t, CanResubmit(models.StatusRejected))
	assert.True(t, CanResubmit(models.StatusChangesRequested))
	assert.False(t, CanResubmit(models.StatusPendingReview))
	assert.False(t, CanResubmit(models.StatusApproved))
}
