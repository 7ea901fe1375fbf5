// Package session reconciles the two authentication sources of a client
// into one published {user, profile, session} tuple.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/iliyamo/debtflow-identity/internal/model"
	"github.com/iliyamo/debtflow-identity/internal/repository"
)

var tracer = otel.Tracer("github.com/iliyamo/debtflow-identity/internal/session")

// ErrIdentityNotRegistered means a provider session exists for an email
// that has no identity row.
var ErrIdentityNotRegistered = errors.New("identity not found: register first")

// errGeneric is the message published for any adapter failure.
const errGeneric = "unable to determine your session, please try again"

// ProviderSessions is the OAuth adapter as seen by the reconciler.
type ProviderSessions interface {
	ActiveSession(ctx context.Context, clientID string) (*model.ProviderSession, error)
	SignOut(ctx context.Context, clientID string) error
}

// CredentialStore is the password adapter as seen by the reconciler.
type CredentialStore interface {
	CurrentIdentity(ctx context.Context, clientID string) (*model.Identity, error)
	SignOut(ctx context.Context, clientID string) error
}

// Notifier receives every authenticated state whose profile has loaded.
type Notifier interface {
	SessionReconciled(ctx context.Context, clientID string, st State)
}

// Status is the authentication outcome of the published tuple.
type Status string

const (
	StatusUnauthenticated Status = "unauthenticated"
	StatusAuthenticated   Status = "authenticated"
)

// State is the published tuple plus lifecycle flags.  User, Profile,
// Session and Source always come from the same Generation.
type State struct {
	Status         Status          `json:"status"`
	User           *model.Identity `json:"user"`
	Profile        *model.Profile  `json:"profile"`
	Session        *model.Session  `json:"session"`
	Source         string          `json:"source"`
	Loading        bool            `json:"loading"`
	Initializing   bool            `json:"initializing"`
	ProfileLoading bool            `json:"profile_loading"`
	Error          string          `json:"error,omitempty"`
	Generation     uint64          `json:"generation"`
}

// Authenticated reports whether a user is published.
func (s State) Authenticated() bool { return s.Status == StatusAuthenticated && s.User != nil }

// Deps bundles the collaborators of a Reconciler.
type Deps struct {
	Provider ProviderSessions
	Local    CredentialStore
	Repo     ProfileRepository
	Loader   *Loader
	Notifier Notifier
	Log      *slog.Logger
}

// Reconciler owns the state of one client.  All transitions go through
// transition, which swaps the whole State under mu.
type Reconciler struct {
	clientID string
	deps     Deps

	mu         sync.Mutex
	state      State
	generation uint64
	loadSeq    uint64
	committed  uint64 // highest load sequence published
	inflight   int
	subs       map[int]chan State
	nextSub    int
	lastUsed   time.Time
}

func NewReconciler(clientID string, deps Deps) *Reconciler {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Reconciler{
		clientID: clientID,
		deps:     deps,
		state: State{
			Status:       StatusUnauthenticated,
			Source:       model.SourceNone.String(),
			Initializing: true,
		},
		subs:     map[int]chan State{},
		lastUsed: time.Now(),
	}
}

// Snapshot returns a copy of the current state.
func (r *Reconciler) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUsed = time.Now()
	return r.state
}

// Subscribe returns a channel that always holds the latest state.  Slow
// readers miss intermediate states but never see a torn one.
func (r *Reconciler) Subscribe() (<-chan State, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan State, 1)
	ch <- r.state
	r.subs[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}

// transition applies fn to a copy of the state and publishes the result.
// Must be called with mu held.
func (r *Reconciler) transition(fn func(*State)) State {
	next := r.state
	fn(&next)
	r.state = next
	r.lastUsed = time.Now()
	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	return next
}

func (r *Reconciler) begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight++
	r.transition(func(s *State) { s.Loading = true })
}

func (r *Reconciler) end() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight--
	return r.transition(func(s *State) {
		s.Loading = r.inflight > 0
		s.Initializing = false
	})
}

// Resolve decides the authoritative source for the client, publishes the
// matching tuple and loads the profile.  The returned state is the one
// published when this call finished, which may belong to a later call.
func (r *Reconciler) Resolve(ctx context.Context) State {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "session.Reconciler.Resolve")
	defer span.End()

	r.begin()
	src, err := r.resolveSource(ctx)
	gen := r.commitSource(ctx, src, err)
	span.SetAttributes(
		attribute.String("session.source", src.Kind.String()),
		attribute.Int64("session.generation", int64(gen)),
	)
	if err == nil && src.Identity != nil {
		r.load(ctx, gen, *src.Identity)
	}
	return r.end()
}

// resolveSource queries the provider first, then the credential store.
func (r *Reconciler) resolveSource(ctx context.Context) (model.SessionSource, error) {
	ps, err := r.deps.Provider.ActiveSession(ctx, r.clientID)
	if err != nil {
		return model.NoSource(), fmt.Errorf("provider session: %w", err)
	}
	if ps != nil {
		id, err := r.deps.Repo.GetIdentityByEmail(ctx, ps.Email)
		if errors.Is(err, repository.ErrNotFound) {
			r.deps.Log.WarnContext(ctx, "provider session without identity, signing out",
				"client_id", r.clientID, "email", ps.Email)
			if err := r.deps.Provider.SignOut(ctx, r.clientID); err != nil {
				r.deps.Log.ErrorContext(ctx, "provider sign out failed", "client_id", r.clientID, "error", err)
			}
			return model.NoSource(), ErrIdentityNotRegistered
		}
		if err != nil {
			return model.NoSource(), fmt.Errorf("identity by email: %w", err)
		}
		return model.ProviderSourceOf(*id, *ps), nil
	}

	id, err := r.deps.Local.CurrentIdentity(ctx, r.clientID)
	if err != nil {
		return model.NoSource(), fmt.Errorf("local identity: %w", err)
	}
	if id == nil {
		return model.NoSource(), nil
	}
	return model.LocalSource(*id), nil
}

// commitSource stamps a new generation and publishes the tuple for src.
func (r *Reconciler) commitSource(ctx context.Context, src model.SessionSource, err error) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	gen := r.generation

	switch {
	case errors.Is(err, ErrIdentityNotRegistered):
		r.transition(func(s *State) { resetTuple(s, gen, ErrIdentityNotRegistered.Error()) })
	case err != nil:
		r.deps.Log.ErrorContext(ctx, "session resolve failed", "client_id", r.clientID, "error", err)
		r.transition(func(s *State) { resetTuple(s, gen, errGeneric) })
	case src.Identity == nil:
		r.transition(func(s *State) { resetTuple(s, gen, "") })
	default:
		r.transition(func(s *State) {
			id := *src.Identity
			s.Status = StatusAuthenticated
			s.User = &id
			s.Profile = nil
			s.Session = src.Session()
			s.Source = src.Kind.String()
			s.ProfileLoading = true
			s.Error = ""
			s.Generation = gen
		})
	}
	return gen
}

func resetTuple(s *State, gen uint64, msg string) {
	s.Status = StatusUnauthenticated
	s.User = nil
	s.Profile = nil
	s.Session = nil
	s.Source = model.SourceNone.String()
	s.ProfileLoading = false
	s.Error = msg
	s.Generation = gen
}

// load runs the loader for id and publishes the profile unless a newer
// generation or a newer load has already taken over.
func (r *Reconciler) load(ctx context.Context, gen uint64, id model.Identity) {
	r.mu.Lock()
	r.loadSeq++
	seq := r.loadSeq
	if r.generation == gen {
		r.transition(func(s *State) { s.ProfileLoading = true })
	}
	r.mu.Unlock()

	profile, ok := r.deps.Loader.Load(ctx, id)

	r.mu.Lock()
	if r.generation != gen || seq < r.committed {
		r.mu.Unlock()
		r.deps.Log.DebugContext(ctx, "discarding stale profile load",
			"client_id", r.clientID, "generation", gen, "current_generation", r.generation, "load_seq", seq)
		return
	}
	r.committed = seq
	st := r.transition(func(s *State) {
		if ok {
			s.Profile = profile
		}
		s.ProfileLoading = seq != r.loadSeq
	})
	r.mu.Unlock()

	if ok && r.deps.Notifier != nil {
		r.deps.Notifier.SessionReconciled(ctx, r.clientID, st)
	}
}

// Refresh reloads the profile of the published user without resolving the
// session sources again.
func (r *Reconciler) Refresh(ctx context.Context) State {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "session.Reconciler.Refresh")
	defer span.End()

	r.mu.Lock()
	gen := r.generation
	user := r.state.User
	r.mu.Unlock()
	if user == nil {
		return r.Snapshot()
	}
	r.load(ctx, gen, *user)
	return r.Snapshot()
}

// SignOut terminates both sources and publishes the unauthenticated state.
// Adapter errors are logged and returned, but the state is cleared either
// way.
func (r *Reconciler) SignOut(ctx context.Context) (State, error) {
	ctx = context.WithoutCancel(ctx)
	errProvider := r.deps.Provider.SignOut(ctx, r.clientID)
	errLocal := r.deps.Local.SignOut(ctx, r.clientID)
	err := errors.Join(errProvider, errLocal)
	if err != nil {
		r.deps.Log.ErrorContext(ctx, "sign out failed", "client_id", r.clientID, "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	gen := r.generation
	return r.transition(func(s *State) {
		resetTuple(s, gen, "")
		s.Initializing = false
	}), err
}

func (r *Reconciler) touch() {
	r.mu.Lock()
	r.lastUsed = time.Now()
	r.mu.Unlock()
}

// idleSince reports when the reconciler was last touched, or the zero time
// while work or subscribers keep it alive.
func (r *Reconciler) idleSince() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight > 0 || len(r.subs) > 0 {
		return time.Time{}, false
	}
	return r.lastUsed, true
}
