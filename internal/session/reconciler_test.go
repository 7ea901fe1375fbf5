package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/debtflow-identity/internal/model"
)

func TestResolve_LocalIdentity(t *testing.T) {
	h := newHarness(fastPolicy())
	u1 := model.Identity{ID: "U1", Email: "a@x.com", Role: model.RoleDebtor}
	h.repo.addIdentity(u1)
	h.local.identity = &u1

	assert.True(t, h.rec.Snapshot().Initializing)

	st := h.rec.Resolve(context.Background())

	assert.Equal(t, StatusAuthenticated, st.Status)
	require.NotNil(t, st.User)
	assert.Equal(t, "U1", st.User.ID)
	assert.Nil(t, st.Session)
	assert.Equal(t, "local", st.Source)
	require.NotNil(t, st.Profile)
	assert.Equal(t, "U1", st.Profile.IdentityID)
	assert.False(t, st.Loading)
	assert.False(t, st.Initializing)
	assert.False(t, st.ProfileLoading)
	assert.Equal(t, 1, h.local.calls)
	assert.Equal(t, 1, h.provider.calls)
	assert.Equal(t, 1, h.notifier.count())
}

func TestResolve_ProviderWins(t *testing.T) {
	h := newHarness(fastPolicy())
	local := model.Identity{ID: "U1", Email: "a@x.com", Role: model.RoleDebtor}
	remote := model.Identity{ID: "U2", Email: "b@x.com", Role: model.RoleDebtor}
	h.repo.addIdentity(local)
	h.repo.addIdentity(remote)
	h.local.identity = &local
	h.provider.script = []providerResult{{session: providerSession("b@x.com")}}

	st := h.rec.Resolve(context.Background())

	require.NotNil(t, st.User)
	assert.Equal(t, "U2", st.User.ID)
	require.NotNil(t, st.Session)
	assert.Equal(t, model.SessionProvider, st.Session.Kind)
	assert.Equal(t, "provider", st.Source)
	assert.Equal(t, 0, h.local.calls)
}

func TestResolve_ProviderCompanyAppearsAfterFirstMiss(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, Delay: 150 * time.Millisecond}
	h := newHarness(policy)
	u2 := model.Identity{ID: "U2", Email: "b@x.com", Role: model.RoleCompany}
	h.repo.addIdentity(u2)
	h.repo.addCompany("U2", time.Now().Add(100*time.Millisecond))
	h.provider.script = []providerResult{{session: providerSession("b@x.com")}}

	start := time.Now()
	st := h.rec.Resolve(context.Background())

	assert.GreaterOrEqual(t, time.Since(start), policy.Delay)
	assert.Equal(t, 2, h.repo.companyCallCount())
	require.NotNil(t, st.Profile)
	require.NotNil(t, st.Profile.Company)
	assert.Equal(t, "Acme", st.Profile.Company.Name)
	assert.False(t, st.Profile.CompanyMissing)
}

func TestResolve_ProviderWithoutIdentity(t *testing.T) {
	h := newHarness(fastPolicy())
	h.provider.script = []providerResult{{session: providerSession("c@x.com")}}

	st := h.rec.Resolve(context.Background())

	assert.Equal(t, StatusUnauthenticated, st.Status)
	assert.Nil(t, st.User)
	assert.Nil(t, st.Profile)
	assert.Nil(t, st.Session)
	assert.Contains(t, st.Error, "register")
	assert.Equal(t, 1, h.provider.signOutCalls)
	assert.Equal(t, 0, h.notifier.count())

	// The provider session is gone, so the next resolve is a clean logout.
	st = h.rec.Resolve(context.Background())
	assert.Equal(t, StatusUnauthenticated, st.Status)
	assert.Empty(t, st.Error)
}

func TestResolve_AdapterFailureDegrades(t *testing.T) {
	h := newHarness(fastPolicy())
	h.provider.script = []providerResult{{err: errors.New("dial tcp: refused")}}

	st := h.rec.Resolve(context.Background())

	assert.Equal(t, StatusUnauthenticated, st.Status)
	assert.Nil(t, st.User)
	assert.Equal(t, errGeneric, st.Error)
	assert.NotContains(t, st.Error, "refused")
}

func TestResolve_LocalFailureDegrades(t *testing.T) {
	h := newHarness(fastPolicy())
	h.local.err = errors.New("redis down")

	st := h.rec.Resolve(context.Background())

	assert.Equal(t, StatusUnauthenticated, st.Status)
	assert.Equal(t, errGeneric, st.Error)
}

func TestResolve_NoSource(t *testing.T) {
	h := newHarness(fastPolicy())

	st := h.rec.Resolve(context.Background())

	assert.Equal(t, StatusUnauthenticated, st.Status)
	assert.Empty(t, st.Error)
	assert.False(t, st.Initializing)
	assert.Equal(t, uint64(1), st.Generation)
}

func TestResolve_ProfileFailureLeavesProfileUnset(t *testing.T) {
	h := newHarness(fastPolicy())
	u1 := model.Identity{ID: "U1", Email: "a@x.com", Role: model.RoleDebtor}
	h.repo.addIdentity(u1)
	h.local.identity = &u1
	h.repo.profileErr = errors.New("timeout")

	st := h.rec.Resolve(context.Background())

	assert.Equal(t, StatusAuthenticated, st.Status)
	assert.Nil(t, st.Profile)
	assert.False(t, st.ProfileLoading)
	assert.Equal(t, 0, h.notifier.count())
}

// The second resolve starts later but finishes resolving its source first,
// so the first call's identity must be the one left published.
func TestResolve_LastToCompleteWins(t *testing.T) {
	h := newHarness(fastPolicy())
	ua := model.Identity{ID: "UA", Email: "a@x.com", Role: model.RoleDebtor}
	ub := model.Identity{ID: "UB", Email: "b@x.com", Role: model.RoleDebtor}
	h.repo.addIdentity(ua)
	h.repo.addIdentity(ub)
	h.local.identity = &ub

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.provider.script = []providerResult{
		{session: providerSession("a@x.com"), wait: release, entered: entered},
		{},
	}

	done := make(chan State, 1)
	go func() { done <- h.rec.Resolve(context.Background()) }()
	<-entered

	second := h.rec.Resolve(context.Background())
	require.NotNil(t, second.User)
	assert.Equal(t, "UB", second.User.ID)

	close(release)
	first := <-done

	require.NotNil(t, first.User)
	assert.Equal(t, "UA", first.User.ID)
	final := h.rec.Snapshot()
	require.NotNil(t, final.User)
	assert.Equal(t, "UA", final.User.ID)
	require.NotNil(t, final.Profile)
	assert.Equal(t, "UA", final.Profile.IdentityID)
	assert.Equal(t, uint64(2), final.Generation)
	assert.False(t, final.Loading)
}

// A profile load from a superseded generation must not overwrite the tuple
// of the newer generation.
func TestResolve_StaleProfileLoadDiscarded(t *testing.T) {
	h := newHarness(fastPolicy())
	ua := model.Identity{ID: "UA", Email: "a@x.com", Role: model.RoleDebtor}
	ub := model.Identity{ID: "UB", Email: "b@x.com", Role: model.RoleDebtor}
	h.repo.addIdentity(ua)
	h.repo.addIdentity(ub)
	h.provider.script = []providerResult{
		{session: providerSession("a@x.com")},
		{session: providerSession("b@x.com")},
	}

	blockedA := make(chan struct{})
	releaseA := make(chan struct{})
	h.repo.profileGate = func(id string) {
		if id == "UA" {
			close(blockedA)
			<-releaseA
		}
	}

	done := make(chan State, 1)
	go func() { done <- h.rec.Resolve(context.Background()) }()
	<-blockedA

	second := h.rec.Resolve(context.Background())
	require.NotNil(t, second.Profile)
	assert.Equal(t, "UB", second.Profile.IdentityID)

	close(releaseA)
	<-done

	final := h.rec.Snapshot()
	require.NotNil(t, final.User)
	assert.Equal(t, "UB", final.User.ID)
	require.NotNil(t, final.Profile)
	assert.Equal(t, "UB", final.Profile.IdentityID)
	assert.Equal(t, 1, h.notifier.count())
}

func TestResolve_PublishedTuplesNeverMixGenerations(t *testing.T) {
	h := newHarness(fastPolicy())
	ua := model.Identity{ID: "UA", Email: "a@x.com", Role: model.RoleDebtor}
	ub := model.Identity{ID: "UB", Email: "b@x.com", Role: model.RoleCompany}
	h.repo.addIdentity(ua)
	h.repo.addIdentity(ub)
	h.repo.addCompany("UB", time.Now())
	h.local.identity = &ua
	h.provider.script = []providerResult{
		{session: providerSession("b@x.com")},
		{},
		{session: providerSession("b@x.com")},
		{},
	}

	states, cancel := h.rec.Subscribe()
	var (
		seen []State
		wg   sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for st := range states {
			seen = append(seen, st)
		}
	}()

	var calls sync.WaitGroup
	for range 4 {
		calls.Add(1)
		go func() {
			defer calls.Done()
			h.rec.Resolve(context.Background())
		}()
	}
	calls.Wait()
	cancel()
	wg.Wait()

	require.NotEmpty(t, seen)
	for _, st := range seen {
		if st.Profile != nil {
			require.NotNil(t, st.User)
			assert.Equal(t, st.User.ID, st.Profile.IdentityID)
		}
		if st.Session != nil {
			require.NotNil(t, st.User)
			assert.Equal(t, "provider", st.Source)
		}
		if st.User == nil {
			assert.Nil(t, st.Profile)
			assert.Nil(t, st.Session)
		}
	}
	assert.False(t, h.rec.Snapshot().Loading)
}

func TestRefresh_PicksUpLateCompany(t *testing.T) {
	h := newHarness(RetryPolicy{Attempts: 2, Delay: 10 * time.Millisecond})
	u := model.Identity{ID: "U3", Email: "d@x.com", Role: model.RoleGodMode}
	h.repo.addIdentity(u)
	h.local.identity = &u

	st := h.rec.Resolve(context.Background())
	require.NotNil(t, st.Profile)
	assert.True(t, st.Profile.CompanyMissing)
	assert.Nil(t, st.Profile.Company)

	h.repo.addCompany("U3", time.Now())
	st = h.rec.Refresh(context.Background())
	require.NotNil(t, st.Profile)
	require.NotNil(t, st.Profile.Company)
	assert.False(t, st.Profile.CompanyMissing)
	assert.Equal(t, uint64(1), st.Generation)
}

func TestRefresh_Unauthenticated(t *testing.T) {
	h := newHarness(fastPolicy())
	st := h.rec.Refresh(context.Background())
	assert.Nil(t, st.User)
	assert.Equal(t, 0, h.repo.companyCallCount())
}

func TestSignOut_ClearsBothSources(t *testing.T) {
	h := newHarness(fastPolicy())
	u := model.Identity{ID: "U1", Email: "a@x.com", Role: model.RoleDebtor}
	h.repo.addIdentity(u)
	h.local.identity = &u
	require.True(t, h.rec.Resolve(context.Background()).Authenticated())

	st, err := h.rec.SignOut(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusUnauthenticated, st.Status)
	assert.Nil(t, st.User)
	assert.Nil(t, st.Profile)
	assert.Equal(t, 1, h.local.signOuts)
	assert.Equal(t, 1, h.provider.signOutCalls)
	assert.Greater(t, st.Generation, uint64(1))
}

func TestSubscribe_ReceivesLatest(t *testing.T) {
	h := newHarness(fastPolicy())
	ch, cancel := h.rec.Subscribe()
	defer cancel()

	first := <-ch
	assert.True(t, first.Initializing)

	h.rec.Resolve(context.Background())
	last := <-ch
	assert.False(t, last.Initializing)
	assert.False(t, last.Loading)
}

func TestResolve_CompanyReadFailureLeavesProfileUnset(t *testing.T) {
	h := newHarness(fastPolicy())
	u := model.Identity{ID: "U2", Email: "b@x.com", Role: model.RoleCompany}
	h.repo.addIdentity(u)
	h.local.identity = &u
	h.repo.companyErr = errors.New("db down")

	st := h.rec.Resolve(context.Background())

	assert.Equal(t, StatusAuthenticated, st.Status)
	assert.Nil(t, st.Profile)
	assert.False(t, st.ProfileLoading)
	assert.Equal(t, 0, h.notifier.count())
}

func TestRefresh_CompanyReadFailureKeepsPublishedProfile(t *testing.T) {
	h := newHarness(fastPolicy())
	u := model.Identity{ID: "U2", Email: "b@x.com", Role: model.RoleCompany}
	h.repo.addIdentity(u)
	h.repo.addCompany("U2", time.Now())
	h.local.identity = &u

	st := h.rec.Resolve(context.Background())
	require.NotNil(t, st.Profile)
	require.NotNil(t, st.Profile.Company)

	h.repo.mu.Lock()
	h.repo.companyErr = errors.New("db down")
	h.repo.mu.Unlock()
	st = h.rec.Refresh(context.Background())

	require.NotNil(t, st.Profile)
	require.NotNil(t, st.Profile.Company)
	assert.Equal(t, "Acme", st.Profile.Company.Name)
	assert.False(t, st.ProfileLoading)
}
