package portal

import (
	"context"
	"sort"

	"partner-portal/internal/access"
	"partner-portal/internal/common/errors"
	"partner-portal/internal/models"
)

// ListNotifications returns the caller's notifications, newest first.
func (p *Portal) ListNotifications(ctx context.Context, id *models.ResolvedIdentity, unreadOnly bool) ([]models.Notification, error) {
	if err := access.RequireActive(id); err != nil {
		return nil, err
	}
	ns, err := p.store.ListNotifications(ctx, id.PrincipalID, unreadOnly)
	if err != nil {
		return nil, errors.FromStore("postgres", err)
	}
	if ns == nil {
		ns = []models.Notification{}
	}
	return ns, nil
}

// MarkNotificationsRead marks notifications read. Every id must exist and
// belong to the caller; otherwise nothing is written.
func (p *Portal) MarkNotificationsRead(ctx context.Context, id *models.ResolvedIdentity, ids []string) (err error) {
	ctx, done := p.observe(ctx, "mark_notifications_read")
	defer func() { done(err) }()

	if err := access.RequireActive(id); err != nil {
		return err
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}

	owners, err := p.store.NotificationOwners(ctx, ids)
	if err != nil {
		return errors.FromStore("postgres", err)
	}
	for _, nid := range ids {
		owner, ok := owners[nid]
		if !ok {
			return errors.NewNotFoundError("notification", nid)
		}
		if owner != id.PrincipalID {
			return errors.NewForbiddenError("notification " + nid + " belongs to another recipient")
		}
	}

	if err := p.store.MarkNotificationsRead(ctx, id.PrincipalID, ids); err != nil {
		return errors.FromStore("postgres", err)
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
