package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partner-portal/internal/access"
	"partner-portal/internal/blob"
	"partner-portal/internal/common/errors"
	"partner-portal/internal/common/logger"
	"partner-portal/internal/common/validation"
	"partner-portal/internal/fanout"
	"partner-portal/internal/identity"
	"partner-portal/internal/models"
	"partner-portal/internal/portal"
	"partner-portal/internal/realtime"
	"partner-portal/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ==========================================
// Test doubles
// ==========================================

type fakeAuth map[string]models.Principal

func (f fakeAuth) Introspect(_ context.Context, token string) (*models.Principal, error) {
	p, ok := f[token]
	if !ok {
		return nil, errors.NewUnauthorizedError("token is not active")
	}
	return &p, nil
}

type fakeSessions struct {
	mu      sync.Mutex
	revoked map[string]bool
	touched map[string]string
}

func (f *fakeSessions) Touch(_ context.Context, principalID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[token] = principalID
	return nil
}

func (f *fakeSessions) IsRevoked(_ context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[token], nil
}

type testEnv struct {
	mem      *store.Memory
	portal   *portal.Portal
	sessions *fakeSessions
	router   *gin.Engine
}

// Partners P1 and P2 own D1 and D2. A1 reviews P1, A2 reviews P2, S1 is a
// superadmin and gone-1 is a disabled partner user.
func newTestEnv(t *testing.T, checks map[string]ReadyCheck) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := logger.NewNoOpLogger()

	mem := store.NewMemory()
	for _, p := range []string{"P1", "P2"} {
		require.NoError(t, mem.CreatePartner(ctx, &models.Partner{ID: p, Name: "Partner " + p}))
	}
	require.NoError(t, mem.CreateDeliverable(ctx, &models.Deliverable{ID: "D1", PartnerID: "P1", Name: "Logo", Type: "image"}))
	require.NoError(t, mem.CreateDeliverable(ctx, &models.Deliverable{ID: "D2", PartnerID: "P2", Name: "Banner", Type: "image"}))
	members := []models.Membership{
		{PrincipalID: "pu-1", Role: models.RolePartner, PartnerID: "P1"},
		{PrincipalID: "A1", Role: models.RoleAdmin},
		{PrincipalID: "A2", Role: models.RoleAdmin},
		{PrincipalID: "S1", Role: models.RoleSuperadmin},
		{PrincipalID: "gone-1", Role: models.RolePartner, PartnerID: "P1", Disabled: true},
	}
	for i := range members {
		require.NoError(t, mem.UpsertMembership(ctx, &members[i]))
	}
	require.NoError(t, mem.AssignAdminPartner(ctx, "A1", "P1"))
	require.NoError(t, mem.AssignAdminPartner(ctx, "A2", "P2"))

	hub := realtime.NewHub()
	resolver := identity.NewResolver(identity.Config{Timeout: time.Second}, mem, identity.NewMemoryCache(time.Minute), log)
	p := portal.New(portal.Config{EmitBackoff: time.Millisecond}, portal.Deps{
		Store:    mem,
		Resolver: resolver,
		Access:   access.NewCalculator(mem, log),
		Events:   fanout.New(mem, hub, nil, fanout.Config{}, log),
		Blobs:    blob.NewMemoryStore(),
		Live:     hub,
		Logger:   log,
	})

	validator, err := validation.NewValidator()
	require.NoError(t, err)

	auth := fakeAuth{}
	for _, m := range members {
		auth["tok-"+m.PrincipalID] = models.Principal{ID: m.PrincipalID}
	}
	sessions := &fakeSessions{revoked: map[string]bool{}, touched: map[string]string{}}

	srv := NewServer(Deps{
		Portal:      p,
		Auth:        auth,
		Sessions:    sessions,
		Validator:   validator,
		ReadyChecks: checks,
		KeepAlive:   time.Hour,
		Logger:      log,
	})
	return &testEnv{mem: mem, portal: p, sessions: sessions, router: srv.Router()}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	body := decode(t, w)
	e, ok := body["error"].(map[string]interface{})
	require.True(t, ok, w.Body.String())
	return e
}

func (e *testEnv) submitD1(t *testing.T) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/deliverables/D1/submissions", "tok-pu-1", `{"fileRef":"s3://bucket/logo.png"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sub := decode(t, w)["submission"].(map[string]interface{})
	return sub["id"].(string)
}

// ==========================================
// Health and readiness
// ==========================================

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, map[string]ReadyCheck{"search": func(context.Context) error { return nil }})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/ready", "", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/metrics", "", "").Code)
}

func TestReady_ReportsFailingDependency(t *testing.T) {
	env := newTestEnv(t, map[string]ReadyCheck{
		"zeebe": func(context.Context) error { return assert.AnError },
	})

	w := env.do(t, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	failures := decode(t, w)["failures"].(map[string]interface{})
	assert.Contains(t, failures, "zeebe")
}

// ==========================================
// Authentication
// ==========================================

func TestAuth_Refusals(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sessions.revoked["tok-A1"] = true

	tests := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{"missing token", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"unknown token", "tok-nobody", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"revoked token", "tok-A1", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"disabled account", "tok-gone-1", http.StatusForbidden, "FORBIDDEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/v1/me", tt.token, "")
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorOf(t, w)["code"])
		})
	}
}

func TestAuth_DisabledAccountIsToldToLogOut(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/me", "tok-gone-1", "")
	require.Equal(t, http.StatusForbidden, w.Code)
	meta := errorOf(t, w)["metadata"].(map[string]interface{})
	assert.Equal(t, true, meta["forceLogout"])
}

func TestMe_TracksSessionAndReportsScope(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/me", "tok-pu-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	scope := body["scope"].(map[string]interface{})
	assert.Equal(t, []interface{}{"P1"}, scope["partnerIds"])
	assert.NotContains(t, body, "pendingReviewCount")
	assert.Equal(t, "pu-1", env.sessions.touched["tok-pu-1"])

	env.submitD1(t)
	w = env.do(t, http.MethodGet, "/api/v1/me", "tok-A1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["pendingReviewCount"])
}

// ==========================================
// Submissions
// ==========================================

func TestTransition_ReviewerIsTheCaller(t *testing.T) {
	env := newTestEnv(t, nil)
	subID := env.submitD1(t)

	w := env.do(t, http.MethodPost, "/api/v1/submissions/"+subID+"/transitions", "tok-A1",
		`{"toStatus":"approved","reviewedBy":"someone-else"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sub := decode(t, w)["submission"].(map[string]interface{})
	assert.Equal(t, "approved", sub["status"])
	assert.Equal(t, "A1", sub["reviewedBy"])
}

func TestTransition_PayloadErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	subID := env.submitD1(t)
	path := "/api/v1/submissions/" + subID + "/transitions"

	tests := []struct {
		name   string
		token  string
		body   string
		status int
		code   string
	}{
		{"unknown target status", "tok-A1", `{"toStatus":"archived"}`, http.StatusUnprocessableEntity, "INVALID_TRANSITION_PAYLOAD"},
		{"rejection without reason", "tok-A1", `{"toStatus":"rejected"}`, http.StatusUnprocessableEntity, "INVALID_TRANSITION_PAYLOAD"},
		{"admin outside scope", "tok-A2", `{"toStatus":"approved"}`, http.StatusForbidden, "FORBIDDEN"},
		{"partner cannot review", "tok-pu-1", `{"toStatus":"approved"}`, http.StatusForbidden, "FORBIDDEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, path, tt.token, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errorOf(t, w)["code"])
		})
	}

	w := env.do(t, http.MethodPost, "/api/v1/submissions/missing/transitions", "tok-A1", `{"toStatus":"approved"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmit_RequiresExactlyOneReference(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{`{}`, `{"fileRef":"a","linkRef":"b"}`, `not json`} {
		w := env.do(t, http.MethodPost, "/api/v1/deliverables/D1/submissions", "tok-pu-1", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Equal(t, "INVALID_PAYLOAD", errorOf(t, w)["code"])
	}
}

func TestUpload_MultipartFile(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "logo.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("notes", "final cut"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/deliverables/D1/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer tok-pu-1")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sub := decode(t, w)["submission"].(map[string]interface{})
	assert.True(t, strings.HasPrefix(sub["fileRef"].(string), "mem://"))
	assert.Equal(t, "final cut", sub["notes"])
	assert.Equal(t, "pending_review", sub["status"])
}

func TestUpload_MissingFile(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPost, "/api/v1/deliverables/D1/uploads", "tok-pu-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListSubmissions_ScopedAndFiltered(t *testing.T) {
	env := newTestEnv(t, nil)
	env.submitD1(t)

	w := env.do(t, http.MethodGet, "/api/v1/submissions?status=pending_review", "tok-A1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["submissions"], 1)

	w = env.do(t, http.MethodGet, "/api/v1/submissions", "tok-A2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["submissions"], 0)

	w = env.do(t, http.MethodGet, "/api/v1/submissions?limit=-1", "tok-A1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ==========================================
// Deliverables, messages, notifications
// ==========================================

func TestDeleteDeliverable_ConflictNamesBlockingSubmission(t *testing.T) {
	env := newTestEnv(t, nil)
	subID := env.submitD1(t)

	w := env.do(t, http.MethodDelete, "/api/v1/deliverables/D1", "tok-A1", "")
	require.Equal(t, http.StatusConflict, w.Code)
	meta := errorOf(t, w)["metadata"].(map[string]interface{})
	assert.Equal(t, subID, meta["blockingSubmissionId"])

	w = env.do(t, http.MethodDelete, "/api/v1/deliverables/D2", "tok-A2", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestDeliverables_CreateAndList(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/partners/P1/deliverables", "tok-A1",
		`{"name":"Press kit","type":"document","dueDate":"2024-06-01T00:00:00Z","isRequired":true}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/partners/P1/deliverables", "tok-pu-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["deliverables"], 2)

	w = env.do(t, http.MethodGet, "/api/v1/partners/P1/deliverables", "tok-A2", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMessagesAndNotifications(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/partners/P1/messages", "tok-A1", `{"body":"Please use the blue logo","deliverableId":"D1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/partners/P1/messages?deliverableId=D1", "tok-pu-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["messages"], 1)

	w = env.do(t, http.MethodPost, "/api/v1/partners/P1/messages/read?deliverableId=D1", "tok-pu-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["marked"])

	w = env.do(t, http.MethodGet, "/api/v1/notifications?unread=true", "tok-pu-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["notifications"].([]interface{})
	require.Len(t, list, 1)
	notifID := list[0].(map[string]interface{})["id"].(string)

	w = env.do(t, http.MethodPost, "/api/v1/notifications/read", "tok-A1", `{"ids":["`+notifID+`"]}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/notifications/read", "tok-pu-1", `{"ids":["`+notifID+`"]}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/notifications/read", "tok-pu-1", `{"ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMessages_EmptyBodyRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPost, "/api/v1/partners/P1/messages", "tok-pu-1", `{"body":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ==========================================
// Administration
// ==========================================

func TestAdmin_SuperadminOnly(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPut, "/api/v1/admin/members/pu-1/role", "tok-A1", `{"role":"admin"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/admin/members/pu-1/role", "tok-S1", `{"role":"owner"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/admin/members/new-1/role", "tok-S1", `{"role":"partner","partnerId":"P2"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	m, err := env.mem.GetMembership(context.Background(), "new-1")
	require.NoError(t, err)
	assert.Equal(t, "P2", m.PartnerID)
}

func TestAdmin_DisableTakesEffectOnNextRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/me", "tok-pu-1", "").Code)

	w := env.do(t, http.MethodPut, "/api/v1/admin/members/pu-1/disabled", "tok-S1", `{"disabled":true}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/me", "tok-pu-1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdmin_Assignments(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/admin/assignments", "tok-S1", `{"adminId":"A2","partnerId":"P1"}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	w = env.do(t, http.MethodGet, "/api/v1/partners/P1/deliverables", "tok-A2", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/api/v1/admin/assignments", "tok-S1", `{"adminId":"A2","partnerId":"P1"}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/partners/P1/deliverables", "tok-A2", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/admin/assignments", "tok-S1", `{"adminId":"A2"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ==========================================
// Live stream
// ==========================================

func TestLive_OutOfScopeRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/api/v1/partners/P2/live", "tok-pu-1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLive_StreamsRefetchSignals(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/partners/P1/live?access_token=tok-pu-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := bufio.NewScanner(resp.Body)
	nextEvent := func() string {
		for events.Scan() {
			if line := events.Text(); strings.HasPrefix(line, "event:") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			}
		}
		return ""
	}
	require.Equal(t, "ready", nextEvent())

	_, err = env.portal.SendMessage(context.Background(), &models.ResolvedIdentity{PrincipalID: "A1", Role: models.RoleAdmin}, "P1", "", "hello")
	require.NoError(t, err)
	assert.Equal(t, "refetch", nextEvent())
}
