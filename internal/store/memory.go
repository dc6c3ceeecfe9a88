package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"partner-portal/internal/models"
	"partner-portal/internal/workflow"
)

type deliveryKey struct {
	notificationID string
	channel        string
}

type eventRecipient struct {
	eventID     string
	recipientID string
}

// Memory is an in-process Store. It serves tests and single-node development.
type Memory struct {
	mu sync.RWMutex

	partners      map[string]models.Partner
	memberships   map[string]models.Membership
	assignments   map[string]map[string]time.Time // adminID -> partnerID -> created
	deliverables  map[string]models.Deliverable
	submissions   map[string]models.Submission
	notifications map[string]models.Notification
	byEvent       map[eventRecipient]string
	deliveries    map[deliveryKey]models.DeliveryAttempt
	messages      []models.Message
}

func NewMemory() *Memory {
	return &Memory{
		partners:      map[string]models.Partner{},
		memberships:   map[string]models.Membership{},
		assignments:   map[string]map[string]time.Time{},
		deliverables:  map[string]models.Deliverable{},
		submissions:   map[string]models.Submission{},
		notifications: map[string]models.Notification{},
		byEvent:       map[eventRecipient]string{},
		deliveries:    map[deliveryKey]models.DeliveryAttempt{},
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

// --- memberships ---

func (m *Memory) GetMembership(_ context.Context, principalID string) (*models.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mb, ok := m.memberships[principalID]
	if !ok {
		return nil, ErrNotFound
	}
	return &mb, nil
}

func (m *Memory) UpsertMembership(_ context.Context, mb *models.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb.UpdatedAt = time.Now().UTC()
	m.memberships[mb.PrincipalID] = *mb
	return nil
}

func (m *Memory) SetMemberDisabled(_ context.Context, principalID string, disabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.memberships[principalID]
	if !ok {
		return ErrNotFound
	}
	mb.Disabled = disabled
	mb.UpdatedAt = time.Now().UTC()
	m.memberships[principalID] = mb
	return nil
}

func (m *Memory) membersWhere(match func(models.Membership) bool) []models.Membership {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Membership
	for _, mb := range m.memberships {
		if match(mb) {
			out = append(out, mb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	return out
}

func (m *Memory) ListMembersByPartner(_ context.Context, partnerID string) ([]models.Membership, error) {
	return m.membersWhere(func(mb models.Membership) bool {
		return mb.Role == models.RolePartner && mb.PartnerID == partnerID
	}), nil
}

func (m *Memory) ListMembersByRole(_ context.Context, role models.Role) ([]models.Membership, error) {
	return m.membersWhere(func(mb models.Membership) bool { return mb.Role == role }), nil
}

// --- assignments ---

func (m *Memory) ListAssignedPartners(_ context.Context, adminID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for pid := range m.assignments[adminID] {
		out = append(out, pid)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ListAssignedAdmins(_ context.Context, partnerID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for adminID, partners := range m.assignments {
		if _, ok := partners[partnerID]; ok {
			out = append(out, adminID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) AssignAdminPartner(_ context.Context, adminID, partnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.partners[partnerID]; !ok {
		return ErrNotFound
	}
	if m.assignments[adminID] == nil {
		m.assignments[adminID] = map[string]time.Time{}
	}
	if _, ok := m.assignments[adminID][partnerID]; !ok {
		m.assignments[adminID][partnerID] = time.Now().UTC()
	}
	return nil
}

func (m *Memory) ClearAssignments(_ context.Context, adminID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.assignments[adminID]))
	delete(m.assignments, adminID)
	return n, nil
}

func (m *Memory) UnassignAdminPartner(_ context.Context, adminID, partnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[adminID][partnerID]; !ok {
		return ErrNotFound
	}
	delete(m.assignments[adminID], partnerID)
	return nil
}

// --- partners and deliverables ---

func (m *Memory) GetPartner(_ context.Context, id string) (*models.Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) CreatePartner(_ context.Context, p *models.Partner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.partners[p.ID]; ok {
		return fmt.Errorf("%w: partner %s", ErrDuplicate, p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.partners[p.ID] = *p
	return nil
}

func (m *Memory) GetDeliverable(_ context.Context, id string) (*models.Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliverables[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *Memory) CreateDeliverable(_ context.Context, d *models.Deliverable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliverables[d.ID]; ok {
		return fmt.Errorf("%w: deliverable %s", ErrDuplicate, d.ID)
	}
	if _, ok := m.partners[d.PartnerID]; !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	m.deliverables[d.ID] = *d
	return nil
}

func (m *Memory) DeleteDeliverable(_ context.Context, id string) (*models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliverables[id]; !ok {
		return nil, ErrNotFound
	}
	var latest *models.Submission
	for _, s := range m.submissions {
		if s.DeliverableID != id {
			continue
		}
		if latest == nil || workflow.Newer(s, *latest) {
			s := s
			latest = &s
		}
	}
	if latest != nil && workflow.BlocksDeletion(latest.Status) {
		return latest, ErrDeletionBlocked
	}

	delete(m.deliverables, id)
	for sid, s := range m.submissions {
		if s.DeliverableID == id {
			delete(m.submissions, sid)
		}
	}
	return nil, nil
}

func (m *Memory) ListDeliverables(_ context.Context, partnerID string) ([]models.Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Deliverable
	for _, d := range m.deliverables {
		if d.PartnerID == partnerID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) SetDisplayStatus(_ context.Context, deliverableID string, status models.SubmissionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliverables[deliverableID]
	if !ok {
		return ErrNotFound
	}
	d.DisplayStatus = string(status)
	d.UpdatedAt = time.Now().UTC()
	m.deliverables[deliverableID] = d
	return nil
}

// --- submissions ---

func (m *Memory) GetSubmission(_ context.Context, id string) (*models.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) CreateSubmission(_ context.Context, s *models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliverables[s.DeliverableID]
	if !ok {
		return ErrNotFound
	}
	if d.PartnerID != s.PartnerID {
		return fmt.Errorf("%w: submission partner %s, deliverable %s", ErrPartnerMismatch, s.PartnerID, s.DeliverableID)
	}
	if _, ok := m.submissions[s.ID]; ok {
		return fmt.Errorf("%w: submission %s", ErrDuplicate, s.ID)
	}
	m.submissions[s.ID] = *s
	return nil
}

func (m *Memory) UpdateSubmission(_ context.Context, s *models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.submissions[s.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = s.Status
	cur.ReviewNotes = s.ReviewNotes
	cur.RejectionReason = s.RejectionReason
	cur.ReviewedBy = s.ReviewedBy
	cur.UpdatedAt = s.UpdatedAt
	m.submissions[s.ID] = cur
	return nil
}

func matchesFilter(s models.Submission, f models.SubmissionFilter) bool {
	if !f.AllPartners && !containsString(f.PartnerIDs, s.PartnerID) {
		return false
	}
	if f.DeliverableID != "" && s.DeliverableID != f.DeliverableID {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, st := range f.Statuses {
			if st == s.Status {
				return true
			}
		}
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (m *Memory) ListSubmissions(_ context.Context, f models.SubmissionFilter) ([]models.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Submission
	for _, s := range m.submissions {
		if matchesFilter(s, f) {
			out = append(out, s)
		}
	}
	workflow.SortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) CountSubmissions(ctx context.Context, f models.SubmissionFilter) (int, error) {
	f.Limit = 0
	subs, err := m.ListSubmissions(ctx, f)
	return len(subs), err
}

func (m *Memory) SubmissionHistory(ctx context.Context, deliverableID string) ([]models.Submission, error) {
	return m.ListSubmissions(ctx, models.SubmissionFilter{AllPartners: true, DeliverableID: deliverableID})
}

func (m *Memory) LatestSubmission(ctx context.Context, deliverableID string) (*models.Submission, error) {
	history, err := m.SubmissionHistory(ctx, deliverableID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	return &history[0], nil
}

// SubmissionCount returns the number of stored submission rows.
func (m *Memory) SubmissionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.submissions)
}

// --- notifications ---

func (m *Memory) CreateNotifications(_ context.Context, eventID string, ns []models.Notification) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Notification, 0, len(ns))
	for _, n := range ns {
		key := eventRecipient{eventID: eventID, recipientID: n.RecipientID}
		if id, ok := m.byEvent[key]; ok {
			out = append(out, m.notifications[id])
			continue
		}
		n.EventID = eventID
		m.notifications[n.ID] = n
		m.byEvent[key] = n.ID
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out, nil
}

func (m *Memory) GetNotification(_ context.Context, id string) (*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (m *Memory) ListNotifications(_ context.Context, recipientID string, unreadOnly bool) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if n.RecipientID != recipientID || (unreadOnly && n.IsRead) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) NotificationOwners(_ context.Context, ids []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owners := make(map[string]string, len(ids))
	for _, id := range ids {
		if n, ok := m.notifications[id]; ok {
			owners[id] = n.RecipientID
		}
	}
	return owners, nil
}

func (m *Memory) MarkNotificationsRead(_ context.Context, recipientID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if n, ok := m.notifications[id]; ok && n.RecipientID == recipientID {
			n.IsRead = true
			m.notifications[id] = n
		}
	}
	return nil
}

// NotificationCount returns the number of notifications held for recipientID.
func (m *Memory) NotificationCount(recipientID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.notifications {
		if n.RecipientID == recipientID {
			count++
		}
	}
	return count
}

// --- deliveries ---

func (m *Memory) GetDelivery(_ context.Context, notificationID, channel string) (*models.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.deliveries[deliveryKey{notificationID, channel}]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *Memory) RecordDelivery(_ context.Context, a *models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deliveryKey{a.NotificationID, a.Channel}
	a.Attempts = m.deliveries[key].Attempts + 1
	a.UpdatedAt = time.Now().UTC()
	m.deliveries[key] = *a
	return nil
}

func (m *Memory) ListFailedDeliveries(_ context.Context, maxAttempts, limit int) ([]models.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DeliveryAttempt
	for _, a := range m.deliveries {
		if a.Status == models.DeliveryFailed && a.Attempts < maxAttempts {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- messages ---

func (m *Memory) CreateMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *Memory) ListMessages(_ context.Context, partnerID, deliverableID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Message
	for _, msg := range m.messages {
		if msg.PartnerID == partnerID && (deliverableID == "" || msg.DeliverableID == deliverableID) {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkMessagesRead(_ context.Context, partnerID, deliverableID string, senderRoles []models.Role) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i, msg := range m.messages {
		if msg.PartnerID != partnerID || msg.IsRead {
			continue
		}
		if deliverableID != "" && msg.DeliverableID != deliverableID {
			continue
		}
		for _, r := range senderRoles {
			if msg.SenderRole == r {
				m.messages[i].IsRead = true
				n++
				break
			}
		}
	}
	return n, nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
