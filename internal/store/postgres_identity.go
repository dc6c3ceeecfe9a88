package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"partner-portal/internal/models"
)

const membershipColumns = `principal_id, email, phone, role, partner_id, disabled, updated_at`

func scanMembership(row interface{ Scan(...interface{}) error }) (models.Membership, error) {
	var (
		m         models.Membership
		role      string
		partnerID sql.NullString
	)
	if err := row.Scan(&m.PrincipalID, &m.Email, &m.Phone, &role, &partnerID, &m.Disabled, &m.UpdatedAt); err != nil {
		return m, err
	}
	m.Role = models.Role(role)
	m.PartnerID = partnerID.String
	return m, nil
}

func (p *Postgres) GetMembership(ctx context.Context, principalID string) (*models.Membership, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE principal_id = $1`, principalID)
	m, err := scanMembership(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (p *Postgres) UpsertMembership(ctx context.Context, m *models.Membership) error {
	m.UpdatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO memberships (`+membershipColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (principal_id) DO UPDATE SET
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			role = EXCLUDED.role,
			partner_id = EXCLUDED.partner_id,
			disabled = EXCLUDED.disabled,
			updated_at = EXCLUDED.updated_at`,
		m.PrincipalID, m.Email, m.Phone, string(m.Role), nullString(m.PartnerID), m.Disabled, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (p *Postgres) SetMemberDisabled(ctx context.Context, principalID string, disabled bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE memberships SET disabled = $2, updated_at = $3 WHERE principal_id = $1`,
		principalID, disabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set member disabled: %w", err)
	}
	return requireAffected(res)
}

func (p *Postgres) listMembers(ctx context.Context, query string, arg interface{}) ([]models.Membership, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []models.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) ListMembersByPartner(ctx context.Context, partnerID string) ([]models.Membership, error) {
	return p.listMembers(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE partner_id = $1 AND role = 'partner' ORDER BY principal_id`,
		partnerID)
}

func (p *Postgres) ListMembersByRole(ctx context.Context, role models.Role) ([]models.Membership, error) {
	return p.listMembers(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE role = $1 ORDER BY principal_id`,
		string(role))
}

func (p *Postgres) listIDs(ctx context.Context, query string, arg string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *Postgres) ListAssignedPartners(ctx context.Context, adminID string) ([]string, error) {
	return p.listIDs(ctx,
		`SELECT partner_id FROM admin_partner_assignments WHERE admin_id = $1 ORDER BY partner_id`, adminID)
}

func (p *Postgres) ListAssignedAdmins(ctx context.Context, partnerID string) ([]string, error) {
	return p.listIDs(ctx,
		`SELECT admin_id FROM admin_partner_assignments WHERE partner_id = $1 ORDER BY admin_id`, partnerID)
}

func (p *Postgres) AssignAdminPartner(ctx context.Context, adminID, partnerID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO admin_partner_assignments (admin_id, partner_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (admin_id, partner_id) DO NOTHING`,
		adminID, partnerID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("assign admin partner: %w", err)
	}
	return nil
}

func (p *Postgres) UnassignAdminPartner(ctx context.Context, adminID, partnerID string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM admin_partner_assignments WHERE admin_id = $1 AND partner_id = $2`, adminID, partnerID)
	if err != nil {
		return fmt.Errorf("unassign admin partner: %w", err)
	}
	return requireAffected(res)
}

func (p *Postgres) ClearAssignments(ctx context.Context, adminID string) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM admin_partner_assignments WHERE admin_id = $1`, adminID)
	if err != nil {
		return 0, fmt.Errorf("clear assignments: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) GetPartner(ctx context.Context, id string) (*models.Partner, error) {
	var pt models.Partner
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, tier, contract_status, created_at FROM partners WHERE id = $1`, id).
		Scan(&pt.ID, &pt.Name, &pt.Tier, &pt.ContractStatus, &pt.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &pt, nil
}

func (p *Postgres) CreatePartner(ctx context.Context, pt *models.Partner) error {
	if pt.CreatedAt.IsZero() {
		pt.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO partners (id, name, tier, contract_status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		pt.ID, pt.Name, pt.Tier, pt.ContractStatus, pt.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: partner %s", ErrDuplicate, pt.ID)
		}
		return fmt.Errorf("create partner: %w", err)
	}
	return nil
}
