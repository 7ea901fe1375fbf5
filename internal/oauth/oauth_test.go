package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/debtflow-identity/internal/config"
	"github.com/iliyamo/debtflow-identity/internal/logger"
	"github.com/iliyamo/debtflow-identity/internal/model"
	"github.com/iliyamo/debtflow-identity/internal/repository"
	"github.com/iliyamo/debtflow-identity/internal/session"
	"github.com/iliyamo/debtflow-identity/internal/store"
)

// newProvider serves /token and /userinfo.  The access token is derived
// from the code, and users maps codes to email addresses.
func newProvider(t *testing.T, users map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		code := r.Form.Get("code")
		if _, ok := users[code]; !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-" + code,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		code := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer at-")
		email, ok := users[code]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":            "sub-" + code,
			"email":          email,
			"email_verified": true,
			"name":           "Provider Name",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type memIdentities struct {
	mu    sync.Mutex
	byKey map[string]model.Identity
	regs  []model.Registration
}

func (m *memIdentities) EnsureIdentity(_ context.Context, reg model.Registration) (model.Identity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs = append(m.regs, reg)
	if id, ok := m.byKey[reg.Email]; ok {
		return id, false, nil
	}
	id := model.Identity{ID: "id-" + reg.Email, Email: reg.Email, DisplayName: reg.DisplayName, Role: model.ParseRole(string(reg.Role))}
	m.byKey[reg.Email] = id
	return id, true, nil
}

func (m *memIdentities) GetIdentityByEmail(_ context.Context, email string) (*model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &id, nil
}

func (m *memIdentities) provisioned() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// sessionResolver reports authenticated whenever a provider session exists.
type sessionResolver struct {
	adapter *Adapter
	ids     *memIdentities
	calls   int
	block   chan struct{}
}

func (r *sessionResolver) Resolve(ctx context.Context) session.State {
	r.calls++
	if r.block != nil {
		<-r.block
	}
	ps, err := r.adapter.ActiveSession(ctx, "c1")
	if err != nil || ps == nil {
		return session.State{Status: session.StatusUnauthenticated}
	}
	id, err := r.ids.GetIdentityByEmail(ctx, ps.Email)
	if err != nil {
		return session.State{Status: session.StatusUnauthenticated, Error: err.Error()}
	}
	return session.State{Status: session.StatusAuthenticated, User: id, Session: ps.Session(), Source: "provider"}
}

type fixture struct {
	adapter  *Adapter
	pending  *store.PendingRegistrations
	ids      *memIdentities
	resolver *sessionResolver
	flow     *Flow
	trail    []FlowState
	clock    time.Time
}

func newFixture(t *testing.T, users map[string]string) *fixture {
	t.Helper()
	srv := newProvider(t, users)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fx := &fixture{
		pending: store.NewPendingRegistrations(rdb),
		ids:     &memIdentities{byKey: map[string]model.Identity{}},
		clock:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	fx.adapter = NewAdapter(config.OAuthConfig{
		Provider:    "google",
		ClientID:    "cid",
		RedirectURL: "http://app.local/v1/auth/oauth/callback",
		AuthURL:     srv.URL + "/auth",
		TokenURL:    srv.URL + "/token",
		UserInfoURL: srv.URL + "/userinfo",
		Scopes:      []string{"openid", "email"},
		StateTTL:    time.Minute,
	}, store.NewOAuthStates(rdb), store.NewProviderSessions(rdb), fx.ids, srv.Client(), logger.Discard())
	fx.resolver = &sessionResolver{adapter: fx.adapter, ids: fx.ids}
	fx.flow = NewFlow("c1", fx.adapter, fx.pending, fx.resolver,
		FlowOptions{SettleDelay: 30 * time.Millisecond, PendingTTL: 5 * time.Minute}, logger.Discard())
	fx.flow.now = func() time.Time { return fx.clock }
	fx.flow.onTransition = func(_, to FlowState) { fx.trail = append(fx.trail, to) }
	return fx
}

func stateFrom(t *testing.T, redirect string) string {
	t.Helper()
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "cid", u.Query().Get("client_id"))
	s := u.Query().Get("state")
	require.NotEmpty(t, s)
	return s
}

func TestFlow_SettlesWithPendingRegistration(t *testing.T) {
	fx := newFixture(t, map[string]string{"code-b": "b@x.com"})
	ctx := context.Background()

	redirect, err := fx.flow.Begin(ctx, &model.PendingRegistration{
		Role:   model.RoleCompany,
		Fields: map[string]string{model.FieldCompanyName: "Acme", model.FieldTaxID: "T-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingCallback, fx.flow.State())

	fx.clock = fx.clock.Add(2 * time.Minute)
	start := time.Now()
	res, err := fx.flow.Complete(ctx, "code-b", stateFrom(t, redirect))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, StateSettled, fx.flow.State())
	assert.Equal(t, []FlowState{StateAwaitingCallback, StateCompleting, StateSettled}, fx.trail)
	assert.Equal(t, "/dashboard/company", res.RedirectHint)
	assert.True(t, res.Created)
	assert.True(t, res.State.Authenticated())
	assert.Equal(t, 1, fx.resolver.calls)

	require.Len(t, fx.ids.regs, 1)
	assert.Equal(t, model.RoleCompany, fx.ids.regs[0].Role)
	assert.Equal(t, "Acme", fx.ids.regs[0].CompanyName)
	assert.Equal(t, "Provider Name", fx.ids.regs[0].DisplayName)

	exists, err := fx.pending.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFlow_ExpiredPendingRegistrationIsDropped(t *testing.T) {
	fx := newFixture(t, map[string]string{"code-d": "d@x.com"})
	ctx := context.Background()

	redirect, err := fx.flow.Begin(ctx, &model.PendingRegistration{
		Role:   model.RoleCompany,
		Fields: map[string]string{model.FieldCompanyName: "Late Ltd"},
	})
	require.NoError(t, err)

	fx.clock = fx.clock.Add(6 * time.Minute)
	res, err := fx.flow.Complete(ctx, "code-d", stateFrom(t, redirect))
	require.NoError(t, err)

	assert.Equal(t, "/dashboard/debtor", res.RedirectHint)
	require.Len(t, fx.ids.regs, 1)
	assert.Equal(t, model.Role(""), fx.ids.regs[0].Role)
	assert.Empty(t, fx.ids.regs[0].CompanyName)
	assert.Equal(t, "d@x.com", fx.ids.regs[0].Email)

	exists, err := fx.pending.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFlow_RedeliveredCallbackFails(t *testing.T) {
	fx := newFixture(t, map[string]string{"code-b": "b@x.com"})
	ctx := context.Background()

	redirect, err := fx.flow.Begin(ctx, nil)
	require.NoError(t, err)
	state := stateFrom(t, redirect)

	_, err = fx.flow.Complete(ctx, "code-b", state)
	require.NoError(t, err)

	_, err = fx.flow.Complete(ctx, "code-b", state)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateIdle, fx.flow.State())
	assert.Equal(t, 1, fx.ids.provisioned())
	assert.Len(t, fx.ids.regs, 1)
	assert.Equal(t, StateFailed, fx.trail[len(fx.trail)-2])
}

func TestFlow_ValidationFailureKeepsPending(t *testing.T) {
	fx := newFixture(t, map[string]string{"code-b": "b@x.com"})
	ctx := context.Background()

	_, err := fx.flow.Begin(ctx, &model.PendingRegistration{Role: model.RoleCompany})
	require.NoError(t, err)

	_, err = fx.flow.Complete(ctx, "code-b", "forged-state")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateIdle, fx.flow.State())

	exists, err := fx.pending.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, exists, "an unread pending registration survives a failed validation")
	assert.Empty(t, fx.ids.regs)
}

func TestFlow_FailedExchangeStillPurgesExpiredPending(t *testing.T) {
	fx := newFixture(t, map[string]string{})
	ctx := context.Background()

	redirect, err := fx.flow.Begin(ctx, &model.PendingRegistration{Role: model.RoleCompany})
	require.NoError(t, err)

	fx.clock = fx.clock.Add(10 * time.Minute)
	_, err = fx.flow.Complete(ctx, "unknown-code", stateFrom(t, redirect))
	require.Error(t, err)

	exists, err := fx.pending.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFlow_ConcurrentCompleteRejected(t *testing.T) {
	fx := newFixture(t, map[string]string{"code-b": "b@x.com"})
	ctx := context.Background()
	fx.resolver.block = make(chan struct{})

	redirect, err := fx.flow.Begin(ctx, nil)
	require.NoError(t, err)
	state := stateFrom(t, redirect)

	done := make(chan error, 1)
	go func() {
		_, err := fx.flow.Complete(ctx, "code-b", state)
		done <- err
	}()
	require.Eventually(t, func() bool { return fx.flow.State() == StateCompleting }, time.Second, time.Millisecond)

	_, err = fx.flow.Complete(ctx, "code-b", "whatever")
	assert.ErrorIs(t, err, ErrCallbackInProgress)

	close(fx.resolver.block)
	require.NoError(t, <-done)
}

func TestAdapter_ActiveSessionAndSignOut(t *testing.T) {
	fx := newFixture(t, map[string]string{"code-b": "b@x.com"})
	ctx := context.Background()

	ps, err := fx.adapter.ActiveSession(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, ps)

	redirect, err := fx.adapter.BeginOAuthSignIn(ctx, "c1")
	require.NoError(t, err)
	cb, err := fx.adapter.ValidateCallback(ctx, "c1", "code-b", stateFrom(t, redirect))
	require.NoError(t, err)
	assert.Equal(t, "b@x.com", cb.User.Email)

	done, err := fx.adapter.CompleteOAuthCallback(ctx, "c1", cb, nil)
	require.NoError(t, err)
	assert.Equal(t, model.SessionProvider, done.Session.Kind)

	ps, err = fx.adapter.ActiveSession(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, ps)
	assert.Equal(t, "at-code-b", ps.AccessToken)

	require.NoError(t, fx.adapter.SignOut(ctx, "c1"))
	ps, err = fx.adapter.ActiveSession(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, ps)
}

func TestAdapter_StateBoundToClient(t *testing.T) {
	fx := newFixture(t, map[string]string{"code-b": "b@x.com"})
	ctx := context.Background()

	redirect, err := fx.adapter.BeginOAuthSignIn(ctx, "c1")
	require.NoError(t, err)
	_, err = fx.adapter.ValidateCallback(ctx, "c2", "code-b", stateFrom(t, redirect))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRedirectHint(t *testing.T) {
	assert.Equal(t, "/dashboard/admin", RedirectHint(model.RoleGodMode))
	assert.Equal(t, "/dashboard/debtor", RedirectHint(""))
}

// profileDirectory backs a real session.Manager with the identities the
// adapter provisions.  None of them has a company row.
type profileDirectory struct{ *memIdentities }

func (d profileDirectory) GetProfile(_ context.Context, identityID string) (*model.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.byKey {
		if id.ID == identityID {
			return &model.Profile{IdentityID: id.ID, Role: id.Role, DisplayName: id.DisplayName}, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (profileDirectory) GetCompany(context.Context, string) (*model.Company, error) {
	return nil, repository.ErrNotFound
}

type noLocalSession struct{}

func (noLocalSession) CurrentIdentity(context.Context, string) (*model.Identity, error) {
	return nil, nil
}
func (noLocalSession) SignOut(context.Context, string) error { return nil }

func TestFlow_PublishesToLiveReconcilerAfterSweep(t *testing.T) {
	fx := newFixture(t, map[string]string{"code-b": "b@x.com"})
	ctx := context.Background()
	log := logger.Discard()
	dir := profileDirectory{fx.ids}
	recs := session.NewManager(session.Deps{
		Provider: fx.adapter,
		Local:    noLocalSession{},
		Repo:     dir,
		Loader:   session.NewLoader(dir, session.RetryPolicy{Attempts: 1}, log),
		Log:      log,
	}, 30*time.Minute)
	flow := NewFlow("c1", fx.adapter, fx.pending, recs.Resolver("c1"),
		FlowOptions{PendingTTL: 5 * time.Minute}, log)

	first, _ := recs.For("c1")
	first.Resolve(ctx)
	require.Equal(t, 1, recs.Sweep(time.Now().Add(31*time.Minute)))
	live, created := recs.For("c1")
	require.True(t, created)
	require.Equal(t, session.StatusUnauthenticated, live.Resolve(ctx).Status)

	redirect, err := flow.Begin(ctx, nil)
	require.NoError(t, err)
	res, err := flow.Complete(ctx, "code-b", stateFrom(t, redirect))
	require.NoError(t, err)
	assert.True(t, res.State.Authenticated())

	current, created := recs.For("c1")
	assert.False(t, created)
	assert.Same(t, live, current)
	st := current.Snapshot()
	require.True(t, st.Authenticated())
	assert.Equal(t, "b@x.com", st.User.Email)
	assert.Equal(t, model.SourceProvider.String(), st.Source)
	require.NotNil(t, st.Profile)
	assert.Equal(t, model.RoleDebtor, st.Profile.Role)
	assert.False(t, st.Initializing)
}

// blockingBegin holds BeginOAuthSignIn until released.
type blockingBegin struct {
	*Adapter
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBegin) BeginOAuthSignIn(ctx context.Context, clientID string) (string, error) {
	close(b.entered)
	<-b.release
	return b.Adapter.BeginOAuthSignIn(ctx, clientID)
}

func TestFlow_BeginYieldsToCompletionStartedMeanwhile(t *testing.T) {
	fx := newFixture(t, map[string]string{"code-b": "b@x.com"})
	ad := &blockingBegin{Adapter: fx.adapter, entered: make(chan struct{}), release: make(chan struct{})}
	flow := NewFlow("c1", ad, fx.pending, fx.resolver, FlowOptions{PendingTTL: 5 * time.Minute}, logger.Discard())

	done := make(chan error, 1)
	go func() {
		_, err := flow.Begin(context.Background(), nil)
		done <- err
	}()
	<-ad.entered

	flow.mu.Lock()
	flow.state = StateCompleting
	flow.mu.Unlock()
	close(ad.release)

	assert.ErrorIs(t, <-done, ErrCallbackInProgress)
	assert.Equal(t, StateCompleting, flow.State())
}
