package portal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"partner-portal/internal/access"
	"partner-portal/internal/blob"
	"partner-portal/internal/common/logger"
	"partner-portal/internal/fanout"
	"partner-portal/internal/identity"
	"partner-portal/internal/models"
	"partner-portal/internal/realtime"
	"partner-portal/internal/store"
)

// ==========================================
// Fixture
// ==========================================

type fakeRevoker struct {
	mu      sync.Mutex
	revoked []string
}

func (f *fakeRevoker) RevokeAll(_ context.Context, principalID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, principalID)
	return 1, nil
}

type fixture struct {
	mem      *store.Memory
	hub      *realtime.Hub
	blobs    *blob.MemoryStore
	sessions *fakeRevoker
	resolver *identity.Resolver
	portal   *Portal
	clock    time.Time
}

// Partners P1 and P2 each own one deliverable. A1 is assigned to P1, A2 to
// P2, S1 is a superadmin.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.NewTestLogger(t)

	f := &fixture{
		mem:      store.NewMemory(),
		hub:      realtime.NewHub(),
		blobs:    blob.NewMemoryStore(),
		sessions: &fakeRevoker{},
		clock:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, p := range []string{"P1", "P2"} {
		require.NoError(t, f.mem.CreatePartner(ctx, &models.Partner{ID: p, Name: "Partner " + p}))
	}
	require.NoError(t, f.mem.CreateDeliverable(ctx, &models.Deliverable{ID: "D1", PartnerID: "P1", Name: "Logo", Type: "image"}))
	require.NoError(t, f.mem.CreateDeliverable(ctx, &models.Deliverable{ID: "D2", PartnerID: "P2", Name: "Banner", Type: "image"}))
	members := []models.Membership{
		{PrincipalID: "pu-1", Role: models.RolePartner, PartnerID: "P1"},
		{PrincipalID: "pu-2", Role: models.RolePartner, PartnerID: "P2"},
		{PrincipalID: "A1", Role: models.RoleAdmin},
		{PrincipalID: "A2", Role: models.RoleAdmin},
		{PrincipalID: "S1", Role: models.RoleSuperadmin},
	}
	for i := range members {
		require.NoError(t, f.mem.UpsertMembership(ctx, &members[i]))
	}
	require.NoError(t, f.mem.AssignAdminPartner(ctx, "A1", "P1"))
	require.NoError(t, f.mem.AssignAdminPartner(ctx, "A2", "P2"))

	f.resolver = identity.NewResolver(identity.Config{Timeout: time.Second}, f.mem, identity.NewMemoryCache(5*time.Minute), log)
	f.portal = f.build(t, fanout.New(f.mem, f.hub, nil, fanout.Config{}, log), nil)
	return f
}

func (f *fixture) build(t *testing.T, events EventSink, index SubmissionSearcher) *Portal {
	log := logger.NewTestLogger(t)
	p := New(Config{EmitBackoff: time.Millisecond}, Deps{
		Store:    f.mem,
		Resolver: f.resolver,
		Access:   access.NewCalculator(f.mem, log),
		Events:   events,
		Blobs:    f.blobs,
		Index:    index,
		Live:     f.hub,
		Sessions: f.sessions,
		Logger:   log,
	})
	var seq int64
	p.newID = func() string { return fmt.Sprintf("id-%04d", atomic.AddInt64(&seq, 1)) }
	p.now = func() time.Time { return f.clock }
	return p
}

func partnerUser(id, partnerID string) *models.ResolvedIdentity {
	return &models.ResolvedIdentity{PrincipalID: id, Role: models.RolePartner, PartnerID: partnerID}
}

func admin(id string) *models.ResolvedIdentity {
	return &models.ResolvedIdentity{PrincipalID: id, Role: models.RoleAdmin}
}

func superadmin(id string) *models.ResolvedIdentity {
	return &models.ResolvedIdentity{PrincipalID: id, Role: models.RoleSuperadmin}
}

func (f *fixture) submit(t *testing.T, deliverableID string, who *models.ResolvedIdentity) *models.Submission {
	t.Helper()
	sub, err := f.portal.SubmitDeliverable(context.Background(), who, deliverableID, models.SubmissionInput{FileRef: "s3://bucket/" + deliverableID})
	require.NoError(t, err)
	return sub
}

func (f *fixture) displayStatus(t *testing.T, deliverableID string) string {
	t.Helper()
	d, err := f.mem.GetDeliverable(context.Background(), deliverableID)
	require.NoError(t, err)
	return d.DisplayStatus
}
