package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"partner-portal/internal/models"

	"github.com/lib/pq"
)

const notificationColumns = `id, event_id, recipient_id, recipient_partner_id, type, title, message, metadata, is_read, created_at`

func scanNotification(row interface{ Scan(...interface{}) error }) (models.Notification, error) {
	var (
		n    models.Notification
		meta []byte
	)
	if err := row.Scan(&n.ID, &n.EventID, &n.RecipientID, &n.RecipientPartnerID, &n.Type, &n.Title,
		&n.Message, &meta, &n.IsRead, &n.CreatedAt); err != nil {
		return n, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &n.Metadata); err != nil {
			return n, fmt.Errorf("decode notification metadata: %w", err)
		}
	}
	return n, nil
}

func (p *Postgres) queryNotifications(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
}, query string, args ...interface{}) ([]models.Notification, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CreateNotifications relies on the (event_id, recipient_id) unique key so a
// replayed event inserts nothing new.
func (p *Postgres) CreateNotifications(ctx context.Context, eventID string, ns []models.Notification) ([]models.Notification, error) {
	if len(ns) == 0 {
		return nil, nil
	}

	var out []models.Notification
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO notifications (`+notificationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (event_id, recipient_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare notification insert: %w", err)
		}
		defer stmt.Close()

		recipients := make([]string, 0, len(ns))
		for _, n := range ns {
			meta, err := json.Marshal(n.Metadata)
			if err != nil {
				return fmt.Errorf("encode notification metadata: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, n.ID, eventID, n.RecipientID, n.RecipientPartnerID,
				n.Type, n.Title, n.Message, meta, n.IsRead, n.CreatedAt); err != nil {
				return fmt.Errorf("insert notification: %w", err)
			}
			recipients = append(recipients, n.RecipientID)
		}

		out, err = p.queryNotifications(ctx, tx,
			`SELECT `+notificationColumns+` FROM notifications
			 WHERE event_id = $1 AND recipient_id = ANY($2) ORDER BY recipient_id`,
			eventID, pq.Array(recipients))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	n, err := scanNotification(p.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func (p *Postgres) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool) ([]models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_id = $1`
	if unreadOnly {
		query += ` AND is_read = false`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return p.queryNotifications(ctx, p.db, query, recipientID)
}

func (p *Postgres) NotificationOwners(ctx context.Context, ids []string) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, recipient_id FROM notifications WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("notification owners: %w", err)
	}
	defer rows.Close()

	owners := make(map[string]string, len(ids))
	for rows.Next() {
		var id, owner string
		if err := rows.Scan(&id, &owner); err != nil {
			return nil, err
		}
		owners[id] = owner
	}
	return owners, rows.Err()
}

func (p *Postgres) MarkNotificationsRead(ctx context.Context, recipientID string, ids []string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = true WHERE recipient_id = $1 AND id = ANY($2)`,
		recipientID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}

const deliveryColumns = `notification_id, recipient_id, channel, status, attempts, last_error, updated_at`

func scanDelivery(row interface{ Scan(...interface{}) error }) (models.DeliveryAttempt, error) {
	var a models.DeliveryAttempt
	err := row.Scan(&a.NotificationID, &a.RecipientID, &a.Channel, &a.Status, &a.Attempts, &a.LastError, &a.UpdatedAt)
	return a, err
}

func (p *Postgres) GetDelivery(ctx context.Context, notificationID, channel string) (*models.DeliveryAttempt, error) {
	a, err := scanDelivery(p.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM notification_deliveries WHERE notification_id = $1 AND channel = $2`,
		notificationID, channel))
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (p *Postgres) RecordDelivery(ctx context.Context, a *models.DeliveryAttempt) error {
	a.UpdatedAt = time.Now().UTC()
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO notification_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, 1, $5, $6)
		ON CONFLICT (notification_id, channel) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = notification_deliveries.attempts + 1,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
		RETURNING attempts`,
		a.NotificationID, a.RecipientID, a.Channel, a.Status, a.LastError, a.UpdatedAt).Scan(&a.Attempts)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func (p *Postgres) ListFailedDeliveries(ctx context.Context, maxAttempts, limit int) ([]models.DeliveryAttempt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM notification_deliveries
		WHERE status = $1 AND attempts < $2
		ORDER BY updated_at
		LIMIT $3`,
		models.DeliveryFailed, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed deliveries: %w", err)
	}
	defer rows.Close()

	var out []models.DeliveryAttempt
	for rows.Next() {
		a, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const messageColumns = `id, partner_id, deliverable_id, sender_id, sender_role, body, is_read, created_at`

func (p *Postgres) CreateMessage(ctx context.Context, m *models.Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.PartnerID, nullString(m.DeliverableID), m.SenderID, string(m.SenderRole), m.Body, m.IsRead, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (p *Postgres) ListMessages(ctx context.Context, partnerID, deliverableID string) ([]models.Message, error) {
	q := &queryBuilder{}
	q.add("partner_id = $%d", partnerID)
	if deliverableID != "" {
		q.add("deliverable_id = $%d", deliverableID)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages`+q.where()+` ORDER BY created_at, id`, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			m             models.Message
			deliverableID sql.NullString
			role          string
		)
		if err := rows.Scan(&m.ID, &m.PartnerID, &deliverableID, &m.SenderID, &role, &m.Body, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.DeliverableID = deliverableID.String
		m.SenderRole = models.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkMessagesRead(ctx context.Context, partnerID, deliverableID string, senderRoles []models.Role) (int64, error) {
	roles := make([]string, len(senderRoles))
	for i, r := range senderRoles {
		roles[i] = string(r)
	}

	q := &queryBuilder{}
	q.add("partner_id = $%d", partnerID)
	q.add("sender_role = ANY($%d)", pq.Array(roles))
	if deliverableID != "" {
		q.add("deliverable_id = $%d", deliverableID)
	}

	res, err := p.db.ExecContext(ctx, `UPDATE messages SET is_read = true`+q.where()+` AND is_read = false`, q.args...)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return res.RowsAffected()
}
