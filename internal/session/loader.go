package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/iliyamo/debtflow-identity/internal/model"
	"github.com/iliyamo/debtflow-identity/internal/repository"
)

// ProfileRepository is the key-based read side the reconciler and loader
// depend on.  Missing rows are reported as repository.ErrNotFound.
type ProfileRepository interface {
	GetIdentityByEmail(ctx context.Context, email string) (*model.Identity, error)
	GetProfile(ctx context.Context, identityID string) (*model.Profile, error)
	GetCompany(ctx context.Context, identityID string) (*model.Company, error)
}

// Loader fetches the profile for a resolved identity and, for roles that
// embed a company, absorbs the lag until the signup worker has written it.
type Loader struct {
	repo   ProfileRepository
	policy RetryPolicy
	log    *slog.Logger
}

func NewLoader(repo ProfileRepository, policy RetryPolicy, log *slog.Logger) *Loader {
	return &Loader{repo: repo, policy: policy, log: log}
}

// Load returns the merged profile for id.  ok is false when the base
// profile or a required company could not be read (a company that is merely
// not visible yet is not a failure); the caller then leaves its state alone
// and the client may refresh later.  Load never returns an error.
func (l *Loader) Load(ctx context.Context, id model.Identity) (*model.Profile, bool) {
	ctx, span := tracer.Start(ctx, "session.Loader.Load")
	defer span.End()
	span.SetAttributes(attribute.String("identity.id", id.ID))

	base, err := l.repo.GetProfile(ctx, id.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "profile fetch failed")
		l.log.ErrorContext(ctx, "profile fetch failed", "identity_id", id.ID, "error", err)
		return nil, false
	}
	if base.Role == "" {
		base.Role = id.Role
	}
	if !base.Role.RequiresCompany() {
		return base.WithCompany(nil), true
	}

	attempts := 0
	company, err := fetchWithRetry(ctx, l.policy, func(ctx context.Context) (*model.Company, error) {
		attempts++
		return l.repo.GetCompany(ctx, id.ID)
	}, func(err error, d time.Duration) {
		l.log.DebugContext(ctx, "company not visible yet", "identity_id", id.ID, "attempt", attempts, "wait", d)
	})
	span.SetAttributes(attribute.Int("company.attempts", attempts))

	switch {
	case err == nil:
		return base.WithCompany(company), true
	case errors.Is(err, repository.ErrNotFound):
		l.log.WarnContext(ctx, "company still missing after retries",
			"identity_id", id.ID, "role", base.Role, "attempts", attempts)
		return base.WithCompany(nil), true
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "company fetch failed")
		l.log.ErrorContext(ctx, "company fetch failed", "identity_id", id.ID, "error", err)
		return nil, false
	}
}
