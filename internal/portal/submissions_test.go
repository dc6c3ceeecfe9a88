package portal

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "partner-portal/internal/common/errors"
	"partner-portal/internal/models"
	"partner-portal/internal/search"
)

// ==========================================
// Scenarios
// ==========================================

func TestScenario_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := f.submit(t, "D1", partnerUser("pu-1", "P1"))
	assert.Equal(t, models.StatusPendingReview, sub.Status)
	assert.Equal(t, "pending_review", f.displayStatus(t, "D1"))

	got, err := f.portal.TransitionSubmission(ctx, admin("A1"), sub.ID, models.StatusApproved, models.TransitionPayload{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.Status)
	assert.Equal(t, "A1", got.ReviewedBy)
	assert.Equal(t, "approved", f.displayStatus(t, "D1"))

	assert.Equal(t, 1, f.mem.NotificationCount("pu-1"))
	assert.Equal(t, 0, f.mem.NotificationCount("pu-2"))
	// the submission itself reached the scoped admin and the superadmin
	assert.Equal(t, 1, f.mem.NotificationCount("A1"))
	assert.Equal(t, 1, f.mem.NotificationCount("S1"))
	assert.Equal(t, 0, f.mem.NotificationCount("A2"))
}

func TestScenario_ScopedAdminExclusion(t *testing.T) {
	f := newFixture(t)
	sub := f.submit(t, "D1", partnerUser("pu-1", "P1"))
	before := f.mem.SubmissionCount()

	_, err := f.portal.TransitionSubmission(context.Background(), admin("A2"), sub.ID, models.StatusApproved, models.TransitionPayload{})
	assert.True(t, perrors.IsCode(err, perrors.ErrCodeForbidden))

	stored, err := f.mem.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingReview, stored.Status)
	assert.Equal(t, before, f.mem.SubmissionCount())
}

func TestScenario_ResubmissionCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	partner := partnerUser("pu-1", "P1")

	first := f.submit(t, "D1", partner)
	_, err := f.portal.TransitionSubmission(ctx, admin("A1"), first.ID, models.StatusRejected, models.TransitionPayload{Reason: "wrong format"})
	require.NoError(t, err)
	assert.Equal(t, "rejected", f.displayStatus(t, "D1"))

	second, err := f.portal.TransitionSubmission(ctx, partner, first.ID, models.StatusPendingReview, models.TransitionPayload{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.StatusPendingReview, second.Status)
	assert.Equal(t, first.FileRef, second.FileRef)
	assert.Equal(t, "pending_review", f.displayStatus(t, "D1"))

	history, err := f.portal.SubmissionHistory(ctx, partner, "D1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, models.StatusRejected, history[1].Status)
	assert.Equal(t, "wrong format", history[1].RejectionReason)
}

func TestScenario_DisabledAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.UpsertMembership(ctx, &models.Membership{PrincipalID: "x-1", Role: models.RolePartner, Disabled: true}))

	id, err := f.portal.ResolveIdentity(ctx, models.Principal{ID: "x-1", Trusted: models.MetadataHints{Role: "admin"}})
	require.NoError(t, err)
	assert.True(t, id.IsDisabled)
	assert.Equal(t, models.RoleAdmin, id.Role)

	_, err = f.portal.ListVisibleSubmissions(ctx, id, models.SubmissionFilter{})
	std, ok := perrors.As(err)
	require.True(t, ok)
	assert.Equal(t, perrors.ErrCodeForbidden, std.Code)
	assert.Equal(t, true, std.Metadata["forceLogout"])
}

// ==========================================
// Transition rules
// ==========================================

func TestTransition_IllegalPairsPerformNoWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "D1", partnerUser("pu-1", "P1"))
	_, err := f.portal.TransitionSubmission(ctx, admin("A1"), sub.ID, models.StatusApproved, models.TransitionPayload{})
	require.NoError(t, err)

	tests := []struct {
		name string
		who  *models.ResolvedIdentity
		to   models.SubmissionStatus
		code perrors.ErrorCode
	}{
		{"admin reopens approved", admin("A1"), models.StatusRejected, perrors.ErrCodeInvalidTransitionPayload},
		{"admin locks approved", admin("A1"), models.StatusLockedForPrinting, perrors.ErrCodeForbidden},
		{"partner resubmits approved", partnerUser("pu-1", "P1"), models.StatusPendingReview, perrors.ErrCodeInvalidTransitionPayload},
		{"unknown role", &models.ResolvedIdentity{PrincipalID: "q", Role: models.RoleUnknown}, models.StatusLockedForPrinting, perrors.ErrCodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := f.mem.SubmissionCount()
			_, err := f.portal.TransitionSubmission(ctx, tt.who, sub.ID, tt.to, models.TransitionPayload{Reason: "r"})
			assert.True(t, perrors.IsCode(err, tt.code), "got %v", err)
			assert.Equal(t, count, f.mem.SubmissionCount())
			stored, _ := f.mem.GetSubmission(ctx, sub.ID)
			assert.Equal(t, models.StatusApproved, stored.Status)
		})
	}
}

func TestTransition_PartnerCannotReview(t *testing.T) {
	f := newFixture(t)
	sub := f.submit(t, "D1", partnerUser("pu-1", "P1"))
	_, err := f.portal.TransitionSubmission(context.Background(), partnerUser("pu-1", "P1"), sub.ID, models.StatusApproved, models.TransitionPayload{})
	assert.True(t, perrors.IsCode(err, perrors.ErrCodeForbidden))
}

func TestTransition_SuperadminOverrideLocksApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "D1", partnerUser("pu-1", "P1"))
	_, err := f.portal.TransitionSubmission(ctx, admin("A1"), sub.ID, models.StatusApproved, models.TransitionPayload{})
	require.NoError(t, err)

	got, err := f.portal.TransitionSubmission(ctx, superadmin("S1"), sub.ID, models.StatusLockedForPrinting, models.TransitionPayload{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusLockedForPrinting, got.Status)
	assert.Equal(t, "locked_for_printing", f.displayStatus(t, "D1"))
}

func TestTransition_RequiredReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "D1", partnerUser("pu-1", "P1"))

	for _, to := range []models.SubmissionStatus{models.StatusRejected, models.StatusChangesRequested} {
		_, err := f.portal.TransitionSubmission(ctx, admin("A1"), sub.ID, to, models.TransitionPayload{Reason: "   "})
		std, ok := perrors.As(err)
		require.True(t, ok)
		assert.Equal(t, perrors.ErrCodeInvalidTransitionPayload, std.Code)
		assert.Equal(t, "reason", std.Metadata["field"])
	}
	stored, _ := f.mem.GetSubmission(ctx, sub.ID)
	assert.Equal(t, models.StatusPendingReview, stored.Status)
}

func TestTransition_MissingSubmission(t *testing.T) {
	f := newFixture(t)
	_, err := f.portal.TransitionSubmission(context.Background(), admin("A1"), "nope", models.StatusApproved, models.TransitionPayload{})
	assert.True(t, perrors.IsCode(err, perrors.ErrCodeNotFound))
}

func TestTransition_LatestTieBreakByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"a1", "a2"} {
		require.NoError(t, f.mem.CreateSubmission(ctx, &models.Submission{
			ID: id, DeliverableID: "D1", PartnerID: "P1", FileRef: "f", Status: models.StatusPendingReview, CreatedAt: at, UpdatedAt: at,
		}))
	}

	_, err := f.portal.TransitionSubmission(ctx, admin("A1"), "a2", models.StatusApproved, models.TransitionPayload{})
	require.NoError(t, err)
	assert.Equal(t, "approved", f.displayStatus(t, "D1"))

	_, err = f.portal.TransitionSubmission(ctx, admin("A1"), "a1", models.StatusRejected, models.TransitionPayload{Reason: "late"})
	std, ok := perrors.As(err)
	require.True(t, ok)
	assert.Equal(t, perrors.ErrCodeResourceConflict, std.Code)
	assert.Equal(t, "a2", std.Metadata["blockingSubmissionId"])
}

// ==========================================
// Event emission
// ==========================================

type failingSink struct {
	calls     int32
	retryable bool
}

func (s *failingSink) OnDomainEvent(context.Context, models.DomainEvent) ([]models.Notification, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.retryable {
		return nil, perrors.NewUpstreamTimeoutError("postgres", errors.New("timeout"))
	}
	return nil, perrors.NewInvalidPayloadError("bad event")
}

func TestTransition_FanoutFailureDoesNotFailMutation(t *testing.T) {
	for _, retryable := range []bool{true, false} {
		f := newFixture(t)
		sink := &failingSink{retryable: retryable}
		f.portal = f.build(t, sink, nil)

		sub := f.submit(t, "D1", partnerUser("pu-1", "P1"))
		got, err := f.portal.TransitionSubmission(context.Background(), admin("A1"), sub.ID, models.StatusApproved, models.TransitionPayload{})
		require.NoError(t, err)
		assert.Equal(t, models.StatusApproved, got.Status)

		want := int32(2)
		if retryable {
			want = 6
		}
		assert.Equal(t, want, atomic.LoadInt32(&sink.calls), "retryable=%v", retryable)
	}
}

// ==========================================
// Submitting
// ==========================================

func TestSubmit_RequiresExactlyOneRef(t *testing.T) {
	f := newFixture(t)
	for _, in := range []models.SubmissionInput{{}, {FileRef: "a", LinkRef: "b"}, {LinkRef: "  "}} {
		_, err := f.portal.SubmitDeliverable(context.Background(), partnerUser("pu-1", "P1"), "D1", in)
		assert.True(t, perrors.IsCode(err, perrors.ErrCodeInvalidPayload))
	}
	assert.Zero(t, f.mem.SubmissionCount())
}

func TestSubmit_Refusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.portal.SubmitDeliverable(ctx, admin("A1"), "D1", models.SubmissionInput{LinkRef: "l"})
	assert.True(t, perrors.IsCode(err, perrors.ErrCodeForbidden))

	_, err = f.portal.SubmitDeliverable(ctx, partnerUser("pu-2", "P2"), "D1", models.SubmissionInput{LinkRef: "l"})
	assert.True(t, perrors.IsCode(err, perrors.ErrCodeForbidden))

	_, err = f.portal.SubmitDeliverable(ctx, partnerUser("pu-1", "P1"), "D404", models.SubmissionInput{LinkRef: "l"})
	assert.True(t, perrors.IsCode(err, perrors.ErrCodeNotFound))

	f.submit(t, "D1", partnerUser("pu-1", "P1"))
	_, err = f.portal.SubmitDeliverable(ctx, partnerUser("pu-1", "P1"), "D1", models.SubmissionInput{LinkRef: "l"})
	assert.True(t, perrors.IsCode(err, perrors.ErrCodeInvalidTransitionPayload))
	assert.Equal(t, 1, f.mem.SubmissionCount())
}

func TestUploadSubmissionFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.portal.UploadSubmissionFile(ctx, partnerUser("pu-1", "P1"), "D1", "logo.png", "image/png", strings.NewReader("png"), "first cut")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sub.FileRef, "mem://partners/P1/deliverables/D1/"), sub.FileRef)
	assert.Equal(t, "first cut", sub.Notes)
	data, ok := f.blobs.Get(sub.FileRef)
	require.True(t, ok)
	assert.Equal(t, "png", string(data))

	_, err = f.portal.UploadSubmissionFile(ctx, admin("A1"), "D1", "x.png", "", strings.NewReader("x"), "")
	assert.True(t, perrors.IsCode(err, perrors.ErrCodeForbidden))
}

// ==========================================
// Listing and search
// ==========================================

func TestListVisibleSubmissions_Scope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "D1", partnerUser("pu-1", "P1"))
	f.submit(t, "D2", partnerUser("pu-2", "P2"))

	subs, err := f.portal.ListVisibleSubmissions(ctx, admin("A1"), models.SubmissionFilter{})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "P1", subs[0].PartnerID)

	subs, err = f.portal.ListVisibleSubmissions(ctx, admin("A1"), models.SubmissionFilter{PartnerIDs: []string{"P2"}})
	require.NoError(t, err)
	assert.Empty(t, subs)

	subs, err = f.portal.ListVisibleSubmissions(ctx, superadmin("S1"), models.SubmissionFilter{})
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	subs, err = f.portal.ListVisibleSubmissions(ctx, partnerUser("pu-x", ""), models.SubmissionFilter{})
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestPendingReviewCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "D1", partnerUser("pu-1", "P1"))
	f.submit(t, "D2", partnerUser("pu-2", "P2"))

	n, err := f.portal.PendingReviewCount(ctx, superadmin("S1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.portal.PendingReviewCount(ctx, admin("A2"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.portal.PendingReviewCount(ctx, partnerUser("pu-1", "P1"))
	assert.True(t, perrors.IsCode(err, perrors.ErrCodeForbidden))
}

func TestPendingReviewCount_TrustedMetadataSuperadmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "D1", partnerUser("pu-1", "P1"))

	// no allowlist entry and no membership row, so fan-out cannot name them
	id, err := f.portal.ResolveIdentity(ctx, models.Principal{ID: "sx-1", Trusted: models.MetadataHints{Role: "super_admin"}})
	require.NoError(t, err)
	require.Equal(t, models.RoleSuperadmin, id.Role)

	ns, err := f.portal.ListNotifications(ctx, id, false)
	require.NoError(t, err)
	assert.Empty(t, ns)

	n, err := f.portal.PendingReviewCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type fakeIndex struct {
	indexed []string
	hits    []search.Hit
	filter  models.SubmissionFilter
}

func (x *fakeIndex) IndexSubmission(_ context.Context, s models.Submission) error {
	x.indexed = append(x.indexed, s.ID)
	return nil
}

func (x *fakeIndex) Search(_ context.Context, _ string, f models.SubmissionFilter) ([]search.Hit, int64, error) {
	x.filter = f
	return x.hits, int64(len(x.hits)), nil
}

func TestSearchSubmissions_ReloadsAndRechecksScope(t *testing.T) {
	f := newFixture(t)
	idx := &fakeIndex{}
	f.portal = f.build(t, nil, idx)
	ctx := context.Background()

	s1 := f.submit(t, "D1", partnerUser("pu-1", "P1"))
	s2 := f.submit(t, "D2", partnerUser("pu-2", "P2"))
	assert.Equal(t, []string{s1.ID, s2.ID}, idx.indexed)

	// an over-broad index answer must not leak P2
	idx.hits = []search.Hit{{SubmissionID: s1.ID, PartnerID: "P1"}, {SubmissionID: s2.ID, PartnerID: "P2"}, {SubmissionID: "gone"}}
	subs, _, err := f.portal.SearchSubmissions(ctx, admin("A1"), "logo", models.SubmissionFilter{})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, s1.ID, subs[0].ID)
	assert.Equal(t, []string{"P1"}, idx.filter.PartnerIDs)
}
