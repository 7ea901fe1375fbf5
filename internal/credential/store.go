// Package credential is the password-based authentication source.  A
// successful sign-in issues a refresh token, persists its hash in MySQL and
// records a per-client local session in Redis; the reconciler later reads
// that session back through CurrentIdentity.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iliyamo/debtflow-identity/internal/model"
	"github.com/iliyamo/debtflow-identity/internal/repository"
	"github.com/iliyamo/debtflow-identity/internal/utils"
)

// ErrInvalidCredentials covers unknown emails, wrong passwords, inactive
// identities and OAuth-only identities without a password.
var ErrInvalidCredentials = errors.New("invalid credentials")

type Users interface {
	GetCredentialByEmail(ctx context.Context, email string) (repository.Credential, error)
}

type Tokens interface {
	StoreRefresh(ctx context.Context, userID, tokenHash string, exp time.Time) error
	ValidateRefresh(ctx context.Context, tokenHash string) (string, error)
	RevokeByHash(ctx context.Context, tokenHash string) error
}

type Sessions interface {
	Save(ctx context.Context, clientID string, s model.LocalSession) error
	Load(ctx context.Context, clientID string) (*model.LocalSession, error)
	Delete(ctx context.Context, clientID string) error
}

type Options struct {
	JWTSecret      string
	AccessTTLMin   int
	RefreshTTLDays int
}

type Store struct {
	users    Users
	tokens   Tokens
	sessions Sessions
	opts     Options
	log      *slog.Logger
	now      func() time.Time
}

func NewStore(users Users, tokens Tokens, sessions Sessions, opts Options, log *slog.Logger) *Store {
	return &Store{users: users, tokens: tokens, sessions: sessions, opts: opts, log: log, now: time.Now}
}

// SignIn verifies email and password and establishes a local session for
// clientID.
func (s *Store) SignIn(ctx context.Context, clientID, email, password string) (model.Identity, *model.Session, error) {
	c, err := s.users.GetCredentialByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		utils.VerifyPassword("", password)
		return model.Identity{}, nil, ErrInvalidCredentials
	}
	if err != nil {
		return model.Identity{}, nil, fmt.Errorf("load credential: %w", err)
	}
	if !c.IsActive || !utils.VerifyPassword(c.PasswordHash, password) {
		return model.Identity{}, nil, ErrInvalidCredentials
	}
	sess, err := s.Establish(ctx, clientID, c.Identity)
	if err != nil {
		return model.Identity{}, nil, err
	}
	return c.Identity, sess, nil
}

// Establish issues tokens for an already verified identity, for example
// right after a password signup.  The returned session carries the access
// token for API callers.
func (s *Store) Establish(ctx context.Context, clientID string, id model.Identity) (*model.Session, error) {
	refresh, err := utils.NewRefreshToken(s.opts.RefreshTTLDays)
	if err != nil {
		return nil, fmt.Errorf("issue refresh: %w", err)
	}
	hash := utils.HashRefreshRaw(refresh.Raw)
	if err := s.tokens.StoreRefresh(ctx, id.ID, hash, refresh.Exp); err != nil {
		return nil, fmt.Errorf("store refresh: %w", err)
	}

	sessionID := hash[:16]
	access, err := utils.NewAccessToken(s.opts.JWTSecret, id.ID, id.Email, string(id.Role), sessionID, s.opts.AccessTTLMin)
	if err != nil {
		return nil, fmt.Errorf("issue access: %w", err)
	}

	if err := s.sessions.Save(ctx, clientID, model.LocalSession{
		Identity:         id,
		RefreshTokenHash: hash,
		ExpiresAt:        refresh.Exp,
		CreatedAt:        s.now().UTC(),
	}); err != nil {
		_ = s.tokens.RevokeByHash(ctx, hash)
		return nil, fmt.Errorf("save local session: %w", err)
	}

	s.log.InfoContext(ctx, "local session established", "client_id", clientID, "identity_id", id.ID)
	return &model.Session{ID: sessionID, Kind: model.SessionLocal, Token: access.Token, ExpiresAt: access.Exp}, nil
}

// CurrentIdentity returns the identity of the client's local session, or
// nil when there is none or its refresh token is no longer valid.  A dead
// session is removed on the way.
func (s *Store) CurrentIdentity(ctx context.Context, clientID string) (*model.Identity, error) {
	ls, err := s.sessions.Load(ctx, clientID)
	if err != nil || ls == nil {
		return nil, err
	}
	userID, err := s.tokens.ValidateRefresh(ctx, ls.RefreshTokenHash)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && userID != ls.Identity.ID) {
		s.log.DebugContext(ctx, "dropping stale local session", "client_id", clientID, "identity_id", ls.Identity.ID)
		if err := s.sessions.Delete(ctx, clientID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("validate refresh: %w", err)
	}
	id := ls.Identity
	return &id, nil
}

// SignOut revokes the refresh token and drops the local session.  It is a
// no-op for clients without one.
func (s *Store) SignOut(ctx context.Context, clientID string) error {
	ls, err := s.sessions.Load(ctx, clientID)
	if err != nil || ls == nil {
		return err
	}
	if err := s.tokens.RevokeByHash(ctx, ls.RefreshTokenHash); err != nil {
		return fmt.Errorf("revoke refresh: %w", err)
	}
	return s.sessions.Delete(ctx, clientID)
}
