// Package oauth is the third-party authentication source: authorization
// code sign-in against the configured provider, per-client provider
// sessions, and the callback state machine that settles a round-trip.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/iliyamo/debtflow-identity/internal/config"
	"github.com/iliyamo/debtflow-identity/internal/model"
)

var (
	// ErrInvalidState is returned for unknown, foreign or replayed state
	// parameters and for callbacks without a code.
	ErrInvalidState = errors.New("invalid oauth state")
	// ErrUnverifiedEmail is returned when the provider does not vouch for
	// the account's email.
	ErrUnverifiedEmail = errors.New("provider email missing or unverified")
)

type StateStore interface {
	Issue(ctx context.Context, clientID string, ttl time.Duration) (string, error)
	Consume(ctx context.Context, clientID, state string) (bool, error)
}

type SessionStore interface {
	Save(ctx context.Context, clientID string, s model.ProviderSession) error
	Load(ctx context.Context, clientID string) (*model.ProviderSession, error)
	Delete(ctx context.Context, clientID string) error
}

type IdentityProvisioner interface {
	EnsureIdentity(ctx context.Context, reg model.Registration) (model.Identity, bool, error)
}

// ProviderUser is the subset of the userinfo response we rely on.
type ProviderUser struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name"`
}

// Callback is a validated provider response.
type Callback struct {
	User  ProviderUser
	Token *oauth2.Token
}

// Completion is the outcome of CompleteOAuthCallback.
type Completion struct {
	Identity     model.Identity
	Session      *model.Session
	Created      bool
	RedirectHint string
}

type Adapter struct {
	provider    string
	cfg         *oauth2.Config
	userInfoURL string
	stateTTL    time.Duration
	states      StateStore
	sessions    SessionStore
	identities  IdentityProvisioner
	client      *http.Client
	log         *slog.Logger
	now         func() time.Time
}

func NewAdapter(c config.OAuthConfig, states StateStore, sessions SessionStore, identities IdentityProvisioner, client *http.Client, log *slog.Logger) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Adapter{
		provider: c.Provider,
		cfg: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Scopes:       c.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  c.AuthURL,
				TokenURL: c.TokenURL,
			},
		},
		userInfoURL: c.UserInfoURL,
		stateTTL:    c.StateTTL,
		states:      states,
		sessions:    sessions,
		identities:  identities,
		client:      client,
		log:         log,
		now:         time.Now,
	}
}

// ActiveSession returns the client's live provider session or nil.
func (a *Adapter) ActiveSession(ctx context.Context, clientID string) (*model.ProviderSession, error) {
	s, err := a.sessions.Load(ctx, clientID)
	if err != nil || s == nil {
		return nil, err
	}
	if !s.ExpiresAt.IsZero() && !a.now().Before(s.ExpiresAt) {
		return nil, nil
	}
	return s, nil
}

// SignOut forgets the provider session.  The provider's own session is left
// alone; the next sign-in goes through the consent screen as usual.
func (a *Adapter) SignOut(ctx context.Context, clientID string) error {
	return a.sessions.Delete(ctx, clientID)
}

// BeginOAuthSignIn issues a state bound to clientID and returns the
// provider URL to redirect to.
func (a *Adapter) BeginOAuthSignIn(ctx context.Context, clientID string) (string, error) {
	state, err := a.states.Issue(ctx, clientID, a.stateTTL)
	if err != nil {
		return "", err
	}
	return a.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

// ValidateCallback consumes state, exchanges code and fetches the user.  A
// replayed callback fails here because its state is gone.
func (a *Adapter) ValidateCallback(ctx context.Context, clientID, code, state string) (*Callback, error) {
	ok, err := a.states.Consume(ctx, clientID, state)
	if err != nil {
		return nil, err
	}
	if !ok || code == "" {
		return nil, ErrInvalidState
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	tok, err := a.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}
	user, err := a.fetchUser(ctx, tok)
	if err != nil {
		return nil, err
	}
	if user.Email == "" || (user.EmailVerified != nil && !*user.EmailVerified) {
		return nil, ErrUnverifiedEmail
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	return &Callback{User: user, Token: tok}, nil
}

func (a *Adapter) fetchUser(ctx context.Context, tok *oauth2.Token) (ProviderUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.userInfoURL, nil)
	if err != nil {
		return ProviderUser{}, err
	}
	resp, err := a.cfg.Client(ctx, tok).Do(req)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ProviderUser{}, fmt.Errorf("userinfo: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var u ProviderUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return ProviderUser{}, fmt.Errorf("decode userinfo: %w", err)
	}
	return u, nil
}

// CompleteOAuthCallback provisions (or finds) the identity for cb, merging
// pending when present, and stores the provider session for clientID.
func (a *Adapter) CompleteOAuthCallback(ctx context.Context, clientID string, cb *Callback, pending *model.PendingRegistration) (*Completion, error) {
	reg := model.Registration{
		Email:       cb.User.Email,
		DisplayName: cb.User.Name,
	}.FromPending(pending)

	id, created, err := a.identities.EnsureIdentity(ctx, reg)
	if err != nil {
		return nil, fmt.Errorf("ensure identity: %w", err)
	}

	ps := model.ProviderSession{
		ID:          uuid.NewString(),
		Provider:    a.provider,
		Subject:     cb.User.Subject,
		Email:       cb.User.Email,
		DisplayName: cb.User.Name,
		AccessToken: cb.Token.AccessToken,
		ExpiresAt:   cb.Token.Expiry,
		CreatedAt:   a.now().UTC(),
	}
	if err := a.sessions.Save(ctx, clientID, ps); err != nil {
		return nil, fmt.Errorf("save provider session: %w", err)
	}
	return &Completion{
		Identity:     id,
		Session:      ps.Session(),
		Created:      created,
		RedirectHint: RedirectHint(id.Role),
	}, nil
}

// RedirectHint is the dashboard a client should land on for role.
func RedirectHint(role model.Role) string {
	switch role {
	case model.RoleCompany:
		return "/dashboard/company"
	case model.RoleGodMode:
		return "/dashboard/admin"
	default:
		return "/dashboard/debtor"
	}
}
