package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/iliyamo/debtflow-identity/internal/model"
)

// Credential is an identity row together with the columns only the
// credential store may look at.
type Credential struct {
	Identity     model.Identity
	PasswordHash string // empty for identities created through OAuth
	IsActive     bool
}

// UserRepo owns writes to the users and profiles tables.
type UserRepo struct {
	DB      *sql.DB
	Timeout time.Duration
}

func NewUserRepo(db *sql.DB, timeout time.Duration) *UserRepo {
	return &UserRepo{DB: db, Timeout: timeout}
}

// Provision inserts an identity and its base profile in one transaction so
// the profile always exists once the identity does.  passwordHash may be
// empty for OAuth identities.
func (r *UserRepo) Provision(ctx context.Context, reg model.Registration, passwordHash string) (model.Identity, error) {
	ctx, cancel := withTimeout(ctx, r.Timeout)
	defer cancel()

	id := model.Identity{
		ID:          uuid.NewString(),
		Email:       normalizeEmail(reg.Email),
		DisplayName: strings.TrimSpace(reg.DisplayName),
		Role:        model.ParseRole(string(reg.Role)),
	}
	var hash sql.NullString
	if passwordHash != "" {
		hash = sql.NullString{String: passwordHash, Valid: true}
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Identity{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO users (id, email, password_hash, display_name, role) VALUES (?,?,?,?,?)",
		id.ID, id.Email, hash, id.DisplayName, string(id.Role)); err != nil {
		if isDuplicate(err) {
			return model.Identity{}, ErrEmailExists
		}
		return model.Identity{}, err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO profiles (user_id, role, display_name, validation_status) VALUES (?,?,?,?)",
		id.ID, string(id.Role), id.DisplayName, "pending"); err != nil {
		return model.Identity{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Identity{}, err
	}
	return id, nil
}

// GetCredentialByEmail fetches an identity and its password hash by
// normalised email.
func (r *UserRepo) GetCredentialByEmail(ctx context.Context, email string) (Credential, error) {
	ctx, cancel := withTimeout(ctx, r.Timeout)
	defer cancel()

	var (
		c    Credential
		role string
		hash sql.NullString
	)
	err := r.DB.QueryRowContext(ctx,
		"SELECT id,email,display_name,role,password_hash,is_active FROM users WHERE email=? LIMIT 1",
		normalizeEmail(email)).Scan(&c.Identity.ID, &c.Identity.Email, &c.Identity.DisplayName, &role, &hash, &c.IsActive)
	if err != nil {
		return Credential{}, notFound(err)
	}
	c.Identity.Role = model.ParseRole(role)
	c.PasswordHash = hash.String
	return c, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return strings.Contains(err.Error(), "1062")
}
