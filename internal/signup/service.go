// Package signup provisions identities for password registrations and
// completed OAuth callbacks, and requests the asynchronous company creation
// for company-role accounts.
package signup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/iliyamo/debtflow-identity/internal/model"
	"github.com/iliyamo/debtflow-identity/internal/queue"
	"github.com/iliyamo/debtflow-identity/internal/repository"
	"github.com/iliyamo/debtflow-identity/internal/utils"
)

// ErrInvalidRegistration wraps every input validation failure.
var ErrInvalidRegistration = errors.New("invalid registration")

const minPasswordLen = 8

type Directory interface {
	GetIdentityByEmail(ctx context.Context, email string) (*model.Identity, error)
}

type Writer interface {
	Provision(ctx context.Context, reg model.Registration, passwordHash string) (model.Identity, error)
}

type CompanyRequests interface {
	PublishCompanySignup(ctx context.Context, ev queue.CompanySignupRequested) error
}

type Service struct {
	dir        Directory
	users      Writer
	companies  CompanyRequests
	bcryptCost int
	log        *slog.Logger
	now        func() time.Time
}

func NewService(dir Directory, users Writer, companies CompanyRequests, bcryptCost int, log *slog.Logger) *Service {
	return &Service{dir: dir, users: users, companies: companies, bcryptCost: bcryptCost, log: log, now: time.Now}
}

// Register creates a password identity.  god_mode cannot be requested
// through self-service signup.
func (s *Service) Register(ctx context.Context, reg model.Registration) (model.Identity, error) {
	reg.Email = strings.ToLower(strings.TrimSpace(reg.Email))
	if _, err := mail.ParseAddress(reg.Email); err != nil {
		return model.Identity{}, fmt.Errorf("%w: email", ErrInvalidRegistration)
	}
	if len(reg.Password) < minPasswordLen {
		return model.Identity{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRegistration, minPasswordLen)
	}
	if reg.Role == model.RoleGodMode {
		return model.Identity{}, fmt.Errorf("%w: role", ErrInvalidRegistration)
	}
	reg.Role = model.ParseRole(string(reg.Role))
	if reg.Role == model.RoleCompany && strings.TrimSpace(reg.CompanyName) == "" {
		return model.Identity{}, fmt.Errorf("%w: company_name required", ErrInvalidRegistration)
	}

	hash, err := utils.HashPassword(reg.Password, s.bcryptCost)
	if err != nil {
		return model.Identity{}, fmt.Errorf("hash password: %w", err)
	}
	id, err := s.users.Provision(ctx, reg, hash)
	if err != nil {
		return model.Identity{}, err
	}
	s.log.InfoContext(ctx, "identity registered", "identity_id", id.ID, "role", id.Role)
	s.requestCompany(ctx, id, reg)
	return id, nil
}

// EnsureIdentity returns the identity for reg.Email, provisioning it from
// reg when none exists.  An existing identity is returned untouched, so a
// repeated callback never creates a second identity or company.
func (s *Service) EnsureIdentity(ctx context.Context, reg model.Registration) (model.Identity, bool, error) {
	existing, err := s.dir.GetIdentityByEmail(ctx, reg.Email)
	if err == nil {
		return *existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return model.Identity{}, false, fmt.Errorf("lookup identity: %w", err)
	}

	if reg.Role == model.RoleGodMode {
		s.log.WarnContext(ctx, "god_mode requested through OAuth signup, downgrading", "email", reg.Email)
		reg.Role = model.RoleDebtor
	}
	reg.Role = model.ParseRole(string(reg.Role))
	if reg.DisplayName == "" {
		reg.DisplayName = strings.SplitN(reg.Email, "@", 2)[0]
	}

	id, err := s.users.Provision(ctx, reg, "")
	if errors.Is(err, repository.ErrEmailExists) {
		// Lost a race with a concurrent callback for the same email.
		existing, err := s.dir.GetIdentityByEmail(ctx, reg.Email)
		if err != nil {
			return model.Identity{}, false, fmt.Errorf("lookup identity: %w", err)
		}
		return *existing, false, nil
	}
	if err != nil {
		return model.Identity{}, false, err
	}
	s.log.InfoContext(ctx, "identity provisioned from provider", "identity_id", id.ID, "role", id.Role)
	s.requestCompany(ctx, id, reg)
	return id, true, nil
}

// requestCompany enqueues the company row for company-role identities.
// Failures are logged only: the loader reports the company as missing and
// the client can create it manually.
func (s *Service) requestCompany(ctx context.Context, id model.Identity, reg model.Registration) {
	if !id.Role.RequiresCompany() {
		return
	}
	if strings.TrimSpace(reg.CompanyName) == "" {
		s.log.InfoContext(ctx, "no company name supplied, awaiting manual creation", "identity_id", id.ID)
		return
	}
	err := s.companies.PublishCompanySignup(ctx, queue.CompanySignupRequested{
		IdentityID:  id.ID,
		Email:       id.Email,
		CompanyName: strings.TrimSpace(reg.CompanyName),
		TaxID:       strings.TrimSpace(reg.TaxID),
		RequestedAt: s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.log.WarnContext(ctx, "company signup request failed", "identity_id", id.ID, "error", err)
	}
}
