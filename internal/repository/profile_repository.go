package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/iliyamo/debtflow-identity/internal/model"
)

// ProfileRepo is the key-based read side used by the session reconciler:
// identity by email, profile by identity id, company by identity id.  It
// also owns the company insert used by the signup worker and the manual
// remediation endpoint.
type ProfileRepo struct {
	DB      *sql.DB
	Timeout time.Duration
}

func NewProfileRepo(db *sql.DB, timeout time.Duration) *ProfileRepo {
	return &ProfileRepo{DB: db, Timeout: timeout}
}

// GetIdentityByEmail returns ErrNotFound when no active identity uses email.
func (r *ProfileRepo) GetIdentityByEmail(ctx context.Context, email string) (*model.Identity, error) {
	ctx, cancel := withTimeout(ctx, r.Timeout)
	defer cancel()

	var (
		id   model.Identity
		role string
	)
	err := r.DB.QueryRowContext(ctx,
		"SELECT id,email,display_name,role FROM users WHERE email=? AND is_active=1 LIMIT 1",
		normalizeEmail(email)).Scan(&id.ID, &id.Email, &id.DisplayName, &role)
	if err != nil {
		return nil, notFound(err)
	}
	id.Role = model.ParseRole(role)
	return &id, nil
}

// GetProfile fetches the base profile row.  The Company field is never set
// here; the loader merges it.
func (r *ProfileRepo) GetProfile(ctx context.Context, identityID string) (*model.Profile, error) {
	ctx, cancel := withTimeout(ctx, r.Timeout)
	defer cancel()

	var (
		p    model.Profile
		role string
	)
	err := r.DB.QueryRowContext(ctx,
		"SELECT user_id,role,display_name,validation_status FROM profiles WHERE user_id=? LIMIT 1",
		identityID).Scan(&p.IdentityID, &role, &p.DisplayName, &p.ValidationStatus)
	if err != nil {
		return nil, notFound(err)
	}
	p.Role = model.ParseRole(role)
	return &p, nil
}

// GetCompany returns ErrNotFound while the company row has not been written.
func (r *ProfileRepo) GetCompany(ctx context.Context, identityID string) (*model.Company, error) {
	ctx, cancel := withTimeout(ctx, r.Timeout)
	defer cancel()

	var c model.Company
	err := r.DB.QueryRowContext(ctx,
		"SELECT user_id,name,tax_id,created_at FROM companies WHERE user_id=? LIMIT 1",
		identityID).Scan(&c.IdentityID, &c.Name, &c.TaxID, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// CreateCompany inserts the company row for identityID.  Redelivered signup
// messages hit the primary key and return ErrConflict, which callers treat
// as success.
func (r *ProfileRepo) CreateCompany(ctx context.Context, identityID, name, taxID string) error {
	ctx, cancel := withTimeout(ctx, r.Timeout)
	defer cancel()

	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO companies (user_id, name, tax_id) VALUES (?,?,?)",
		identityID, strings.TrimSpace(name), strings.TrimSpace(taxID))
	if err != nil && isDuplicate(err) {
		return ErrConflict
	}
	return err
}
