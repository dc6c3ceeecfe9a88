package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "partner-portal/internal/common/errors"
	"partner-portal/internal/common/logger"
	"partner-portal/internal/models"
	"partner-portal/internal/store"
)

// ==========================
// Mock Implementations
// ==========================

type MockSESService struct {
	mu    sync.Mutex
	calls []*ses.SendEmailInput
	err   error
}

func (m *MockSESService) SendEmail(_ context.Context, params *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &ses.SendEmailOutput{}, nil
}

func (m *MockSESService) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type MockSNSService struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *MockSNSService) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params, optFns...)
}

type stubStarter struct {
	mu   sync.Mutex
	err  error
	vars []map[string]interface{}
}

func (s *stubStarter) StartProcess(_ context.Context, processID string, vars map[string]interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.vars = append(s.vars, vars)
	return int64(len(s.vars)), nil
}

// ==========================
// Test Helper Functions
// ==========================

type fixture struct {
	mem     *store.Memory
	ses     *MockSESService
	smsSent []string
	deliver *Deliverer
	log     logger.Logger
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{mem: store.NewMemory(), ses: &MockSESService{}, log: logger.NewTestLogger(t)}
	snsMock := &MockSNSService{PublishFunc: func(_ context.Context, p *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
		f.smsSent = append(f.smsSent, *p.PhoneNumber)
		return &sns.PublishOutput{}, nil
	}}
	f.deliver = NewDeliverer(f.mem, NewAWSSender(f.ses, snsMock, "noreply@portal.test", "PORTAL"), opts, f.log)

	require.NoError(t, f.mem.UpsertMembership(ctx, &models.Membership{
		PrincipalID: "u-1", Email: "u1@partner.test", Phone: "+15550001", Role: models.RolePartner, PartnerID: "P1",
	}))
	return f
}

func (f *fixture) notify(t *testing.T, id, priority string) {
	t.Helper()
	_, err := f.mem.CreateNotifications(context.Background(), "evt-"+id, []models.Notification{{
		ID:          id,
		RecipientID: "u-1",
		Type:        models.NotificationStatusChanged,
		Title:       "Submission rejected",
		Message:     "Your logo submission was rejected.",
		Metadata:    map[string]interface{}{"priority": priority, "reason": "wrong format"},
		CreatedAt:   time.Now().UTC(),
	}})
	require.NoError(t, err)
}

// ==========================
// Deliverer
// ==========================

func TestDeliver_EmailOnlyForNormalPriority(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true, SMSEnabled: true})
	f.notify(t, "n-1", "normal")

	res, err := f.deliver.Deliver(context.Background(), "n-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, res.Email)
	assert.Equal(t, models.DeliveryDisabled, res.SMS)
	require.Equal(t, 1, f.ses.count())
	assert.Equal(t, "Submission rejected", *f.ses.calls[0].Message.Subject.Data)
	assert.Equal(t, "Your logo submission was rejected. wrong format", *f.ses.calls[0].Message.Body.Text.Data)
	assert.Empty(t, f.smsSent)

	rec, err := f.mem.GetDelivery(context.Background(), "n-1", models.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

func TestDeliver_HighPrioritySendsSMS(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true, SMSEnabled: true})
	f.notify(t, "n-2", "high")

	res, err := f.deliver.Deliver(context.Background(), "n-2")
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, res.SMS)
	assert.Equal(t, []string{"+15550001"}, f.smsSent)
}

func TestDeliver_RedeliverySkipsSentChannel(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true})
	f.notify(t, "n-3", "normal")

	_, err := f.deliver.Deliver(context.Background(), "n-3")
	require.NoError(t, err)
	_, err = f.deliver.Deliver(context.Background(), "n-3")
	require.NoError(t, err)
	assert.Equal(t, 1, f.ses.count())
}

func TestDeliver_FailureIsRecordedAndSwept(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true})
	f.notify(t, "n-4", "normal")
	f.ses.err = errors.New("throttled")

	res, err := f.deliver.Deliver(context.Background(), "n-4")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, models.DeliveryFailed, res.Email)

	rec, err := f.mem.GetDelivery(context.Background(), "n-4", models.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, "throttled", rec.LastError)

	sweeper := NewRetrySweeper(f.mem, f.deliver, "@every 1m", 5, f.log)
	assert.Equal(t, 0, sweeper.Sweep(context.Background()))

	f.ses.err = nil
	assert.Equal(t, 1, sweeper.Sweep(context.Background()))

	rec, err = f.mem.GetDelivery(context.Background(), "n-4", models.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, rec.Status)
	assert.Equal(t, 3, rec.Attempts)

	// nothing left to sweep
	assert.Equal(t, 0, sweeper.Sweep(context.Background()))
}

func TestDeliver_SweeperRespectsMaxAttempts(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true})
	f.notify(t, "n-5", "normal")
	f.ses.err = errors.New("down")

	_, _ = f.deliver.Deliver(context.Background(), "n-5")
	sweeper := NewRetrySweeper(f.mem, f.deliver, "", 2, f.log)
	sweeper.Sweep(context.Background())
	sweeper.Sweep(context.Background())

	assert.Equal(t, 2, f.ses.count())
}

func TestDeliver_UnknownRecipientIsDisabled(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true})
	_, err := f.mem.CreateNotifications(context.Background(), "evt", []models.Notification{{
		ID: "n-6", RecipientID: "ghost", Type: models.NotificationNewMessage,
	}})
	require.NoError(t, err)

	res, err := f.deliver.Deliver(context.Background(), "n-6")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDisabled, res.Email)
	assert.Equal(t, 0, f.ses.count())
}

func TestDeliver_EmailDisabled(t *testing.T) {
	f := newFixture(t, Options{})
	f.notify(t, "n-7", "high")

	res, err := f.deliver.Deliver(context.Background(), "n-7")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDisabled, res.Email)
	assert.Equal(t, models.DeliveryDisabled, res.SMS)
}

func TestDeliver_MissingNotification(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true})
	_, err := f.deliver.Deliver(context.Background(), "nope")
	assert.True(t, perrors.IsCode(err, perrors.ErrCodeNotFound))
}

// ==========================
// Dispatchers
// ==========================

func TestAsyncDispatcher_DeliversInBackground(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true})
	f.notify(t, "n-8", "normal")

	d := NewAsyncDispatcher(f.deliver, time.Second, f.log)
	d.Dispatch(context.Background(), []models.Notification{{ID: "n-8"}})
	d.Wait()

	assert.Equal(t, 1, f.ses.count())
}

func TestZeebeDispatcher_StartsProcessPerNotification(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true})
	starter := &stubStarter{}
	d := NewZeebeDispatcher(starter, NewAsyncDispatcher(f.deliver, time.Second, f.log), time.Second, f.log)

	d.Dispatch(context.Background(), []models.Notification{{ID: "a", RecipientID: "u-1"}, {ID: "b", RecipientID: "u-1"}})
	d.Wait()

	require.Len(t, starter.vars, 2)
	assert.Equal(t, "a", starter.vars[0]["notificationId"])
	assert.Equal(t, 0, f.ses.count())
}

func TestZeebeDispatcher_FallsBackToDirectDelivery(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true})
	f.notify(t, "n-9", "normal")
	starter := &stubStarter{err: errors.New("unavailable")}
	d := NewZeebeDispatcher(starter, NewAsyncDispatcher(f.deliver, time.Second, f.log), time.Second, f.log)

	d.Dispatch(context.Background(), []models.Notification{{ID: "n-9"}})
	d.Wait()

	assert.Equal(t, 1, f.ses.count())
}

// ==========================
// Job input and templates
// ==========================

func TestParseJobInput(t *testing.T) {
	in, err := parseJobInput(`{"notificationId":"n-1","recipientId":"u-1"}`)
	require.NoError(t, err)
	assert.Equal(t, "n-1", in.NotificationID)

	_, err = parseJobInput(`{}`)
	assert.Error(t, err)
	_, err = parseJobInput(`not json`)
	assert.Error(t, err)
}

func TestJobHandler_Execute(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true})
	f.notify(t, "n-10", "normal")
	h := NewJobHandler(f.deliver, time.Second, f.log)

	res, err := h.Execute(context.Background(), &JobInput{NotificationID: "n-10"})
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, res.Email)
}

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		data map[string]interface{}
		want string
	}{
		{"known placeholders", "Hi {{name}}, {{count}} new", map[string]interface{}{"name": "Ann", "count": 3}, "Hi Ann, 3 new"},
		{"missing placeholder dropped", "Status {{status}}{{missing}}", map[string]interface{}{"status": "approved"}, "Status approved"},
		{"unterminated kept", "broken {{oops", nil, "broken {{oops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderTemplate(tt.tmpl, tt.data))
		})
	}
}
