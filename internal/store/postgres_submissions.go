package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"partner-portal/internal/models"
	"partner-portal/internal/workflow"

	"github.com/lib/pq"
)

const deliverableColumns = `id, partner_id, name, type, due_date, is_required, display_status, created_at, updated_at`

func scanDeliverable(row interface{ Scan(...interface{}) error }) (models.Deliverable, error) {
	var (
		d   models.Deliverable
		due sql.NullTime
	)
	err := row.Scan(&d.ID, &d.PartnerID, &d.Name, &d.Type, &due, &d.IsRequired, &d.DisplayStatus, &d.CreatedAt, &d.UpdatedAt)
	if due.Valid {
		t := due.Time
		d.DueDate = &t
	}
	return d, err
}

func (p *Postgres) GetDeliverable(ctx context.Context, id string) (*models.Deliverable, error) {
	d, err := scanDeliverable(p.db.QueryRowContext(ctx,
		`SELECT `+deliverableColumns+` FROM deliverables WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (p *Postgres) CreateDeliverable(ctx context.Context, d *models.Deliverable) error {
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	var due sql.NullTime
	if d.DueDate != nil {
		due = sql.NullTime{Time: *d.DueDate, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deliverables (`+deliverableColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		d.ID, d.PartnerID, d.Name, d.Type, due, d.IsRequired, d.DisplayStatus, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: deliverable %s", ErrDuplicate, d.ID)
		}
		return fmt.Errorf("create deliverable: %w", err)
	}
	return nil
}

// DeleteDeliverable locks the deliverable row FOR UPDATE, which waits out
// any CreateSubmission holding it FOR SHARE, before reading the latest
// submission. Submissions go with the deliverable via ON DELETE CASCADE.
func (p *Postgres) DeleteDeliverable(ctx context.Context, id string) (*models.Submission, error) {
	var blocking *models.Submission
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx, `SELECT id FROM deliverables WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if err != nil {
			return notFound(err)
		}

		latest, err := scanSubmission(tx.QueryRowContext(ctx, latestSubmissionQuery, id))
		switch {
		case err == nil:
			if workflow.BlocksDeletion(latest.Status) {
				blocking = &latest
				return ErrDeletionBlocked
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("latest submission: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM deliverables WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete deliverable: %w", err)
		}
		return nil
	})
	return blocking, err
}

func (p *Postgres) ListDeliverables(ctx context.Context, partnerID string) ([]models.Deliverable, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+deliverableColumns+` FROM deliverables WHERE partner_id = $1 ORDER BY created_at, id`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	defer rows.Close()

	var out []models.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deliverable: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) SetDisplayStatus(ctx context.Context, deliverableID string, status models.SubmissionStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE deliverables SET display_status = $2, updated_at = $3 WHERE id = $1`,
		deliverableID, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set display status: %w", err)
	}
	return requireAffected(res)
}

const submissionColumns = `id, deliverable_id, partner_id, file_ref, link_ref, notes, status,
	review_notes, rejection_reason, reviewed_by, submitted_by, created_at, updated_at`

func scanSubmission(row interface{ Scan(...interface{}) error }) (models.Submission, error) {
	var (
		s      models.Submission
		status string
	)
	err := row.Scan(&s.ID, &s.DeliverableID, &s.PartnerID, &s.FileRef, &s.LinkRef, &s.Notes, &status,
		&s.ReviewNotes, &s.RejectionReason, &s.ReviewedBy, &s.SubmittedBy, &s.CreatedAt, &s.UpdatedAt)
	s.Status = models.SubmissionStatus(status)
	return s, err
}

func (p *Postgres) querySubmissions(ctx context.Context, query string, args ...interface{}) ([]models.Submission, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var out []models.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	s, err := scanSubmission(p.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// CreateSubmission inserts the row after checking it belongs to the
// deliverable's partner.
func (p *Postgres) CreateSubmission(ctx context.Context, s *models.Submission) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx,
			`SELECT partner_id FROM deliverables WHERE id = $1 FOR SHARE`, s.DeliverableID).Scan(&owner)
		if err != nil {
			return notFound(err)
		}
		if owner != s.PartnerID {
			return fmt.Errorf("%w: submission partner %s, deliverable %s", ErrPartnerMismatch, s.PartnerID, s.DeliverableID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO submissions (`+submissionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			s.ID, s.DeliverableID, s.PartnerID, s.FileRef, s.LinkRef, s.Notes, string(s.Status),
			s.ReviewNotes, s.RejectionReason, s.ReviewedBy, s.SubmittedBy, s.CreatedAt, s.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: submission %s", ErrDuplicate, s.ID)
			}
			return fmt.Errorf("insert submission: %w", err)
		}
		return nil
	})
}

func (p *Postgres) UpdateSubmission(ctx context.Context, s *models.Submission) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE submissions SET
			status = $2, review_notes = $3, rejection_reason = $4, reviewed_by = $5, updated_at = $6
		WHERE id = $1`,
		s.ID, string(s.Status), s.ReviewNotes, s.RejectionReason, s.ReviewedBy, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	return requireAffected(res)
}

func submissionWhere(f models.SubmissionFilter) *queryBuilder {
	q := &queryBuilder{}
	if !f.AllPartners {
		q.add("partner_id = ANY($%d)", pq.Array(f.PartnerIDs))
	}
	if f.DeliverableID != "" {
		q.add("deliverable_id = $%d", f.DeliverableID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q.add("status = ANY($%d)", pq.Array(statuses))
	}
	return q
}

func (p *Postgres) ListSubmissions(ctx context.Context, f models.SubmissionFilter) ([]models.Submission, error) {
	if !f.AllPartners && len(f.PartnerIDs) == 0 {
		return nil, nil
	}
	q := submissionWhere(f)
	query := `SELECT ` + submissionColumns + ` FROM submissions` + q.where() + ` ORDER BY created_at DESC, id COLLATE "C" DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return p.querySubmissions(ctx, query, q.args...)
}

func (p *Postgres) CountSubmissions(ctx context.Context, f models.SubmissionFilter) (int, error) {
	if !f.AllPartners && len(f.PartnerIDs) == 0 {
		return 0, nil
	}
	q := submissionWhere(f)
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions`+q.where(), q.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return n, nil
}

func (p *Postgres) SubmissionHistory(ctx context.Context, deliverableID string) ([]models.Submission, error) {
	return p.querySubmissions(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE deliverable_id = $1 ORDER BY created_at DESC, id COLLATE "C" DESC`,
		deliverableID)
}

const latestSubmissionQuery = `SELECT ` + submissionColumns + ` FROM submissions
	WHERE deliverable_id = $1 ORDER BY created_at DESC, id COLLATE "C" DESC LIMIT 1`

func (p *Postgres) LatestSubmission(ctx context.Context, deliverableID string) (*models.Submission, error) {
	s, err := scanSubmission(p.db.QueryRowContext(ctx, latestSubmissionQuery, deliverableID))
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}
