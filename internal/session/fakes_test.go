package session

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/debtflow-identity/internal/logger"
	"github.com/iliyamo/debtflow-identity/internal/model"
	"github.com/iliyamo/debtflow-identity/internal/repository"
)

type fakeRepo struct {
	mu            sync.Mutex
	identities    map[string]model.Identity // by email
	profiles      map[string]model.Profile  // by identity id
	companies     map[string]model.Company  // by identity id
	visibleAt     map[string]time.Time      // company hidden before this instant
	profileErr    error
	companyErr    error
	profileGate   func(identityID string)
	companyCalls  int
	identityCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		identities: map[string]model.Identity{},
		profiles:   map[string]model.Profile{},
		companies:  map[string]model.Company{},
		visibleAt:  map[string]time.Time{},
	}
}

func (f *fakeRepo) addIdentity(id model.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities[id.Email] = id
	f.profiles[id.ID] = model.Profile{
		IdentityID:       id.ID,
		Role:             id.Role,
		DisplayName:      id.DisplayName,
		ValidationStatus: "pending",
	}
}

func (f *fakeRepo) addCompany(id string, visibleAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.companies[id] = model.Company{IdentityID: id, Name: "Acme"}
	f.visibleAt[id] = visibleAt
}

func (f *fakeRepo) GetIdentityByEmail(_ context.Context, email string) (*model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identityCalls++
	id, ok := f.identities[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &id, nil
}

func (f *fakeRepo) GetProfile(_ context.Context, identityID string) (*model.Profile, error) {
	f.mu.Lock()
	gate := f.profileGate
	f.mu.Unlock()
	if gate != nil {
		gate(identityID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	p, ok := f.profiles[identityID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (f *fakeRepo) GetCompany(_ context.Context, identityID string) (*model.Company, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.companyCalls++
	if f.companyErr != nil {
		return nil, f.companyErr
	}
	c, ok := f.companies[identityID]
	if !ok || time.Now().Before(f.visibleAt[identityID]) {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (f *fakeRepo) companyCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.companyCalls
}

type providerResult struct {
	session *model.ProviderSession
	err     error
	wait    <-chan struct{}
	entered chan<- struct{}
}

// fakeProvider answers ActiveSession from script in order, repeating the
// last entry once the script is exhausted.
type fakeProvider struct {
	mu           sync.Mutex
	script       []providerResult
	calls        int
	signOutCalls int
}

func (f *fakeProvider) ActiveSession(context.Context, string) (*model.ProviderSession, error) {
	f.mu.Lock()
	var res providerResult
	if len(f.script) > 0 {
		i := f.calls
		if i >= len(f.script) {
			i = len(f.script) - 1
		}
		res = f.script[i]
	}
	f.calls++
	f.mu.Unlock()

	if res.entered != nil {
		res.entered <- struct{}{}
	}
	if res.wait != nil {
		<-res.wait
	}
	return res.session, res.err
}

func (f *fakeProvider) SignOut(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOutCalls++
	f.script = []providerResult{{}}
	f.calls = 0
	return nil
}

type fakeLocal struct {
	mu       sync.Mutex
	identity *model.Identity
	err      error
	calls    int
	signOuts int
}

func (f *fakeLocal) CurrentIdentity(context.Context, string) (*model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.identity == nil {
		return nil, f.err
	}
	id := *f.identity
	return &id, f.err
}

func (f *fakeLocal) SignOut(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	f.identity = nil
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	states []State
}

func (n *recordingNotifier) SessionReconciled(_ context.Context, _ string, st State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, st)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.states)
}

type harness struct {
	repo     *fakeRepo
	provider *fakeProvider
	local    *fakeLocal
	notifier *recordingNotifier
	rec      *Reconciler
}

func newHarness(policy RetryPolicy) *harness {
	h := &harness{
		repo:     newFakeRepo(),
		provider: &fakeProvider{},
		local:    &fakeLocal{},
		notifier: &recordingNotifier{},
	}
	log := logger.Discard()
	h.rec = NewReconciler("client-1", Deps{
		Provider: h.provider,
		Local:    h.local,
		Repo:     h.repo,
		Loader:   NewLoader(h.repo, policy, log),
		Notifier: h.notifier,
		Log:      log,
	})
	return h
}

func fastPolicy() RetryPolicy { return RetryPolicy{Attempts: 3, Delay: 20 * time.Millisecond} }

func providerSession(email string) *model.ProviderSession {
	return &model.ProviderSession{
		ID:          "ps-" + email,
		Provider:    "google",
		Email:       email,
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}
