package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/iliyamo/debtflow-identity/internal/model"
	"github.com/iliyamo/debtflow-identity/internal/session"
)

var tracer = otel.Tracer("github.com/iliyamo/debtflow-identity/internal/oauth")

// ErrCallbackInProgress rejects a callback while another one for the same
// client is still completing.
var ErrCallbackInProgress = errors.New("oauth callback already in progress")

// FlowState is a state of the callback state machine.
type FlowState string

const (
	StateIdle             FlowState = "idle"
	StateAwaitingCallback FlowState = "awaiting_callback"
	StateCompleting       FlowState = "completing"
	StateSettled          FlowState = "settled"
	StateFailed           FlowState = "failed"
)

// CallbackAdapter is the provider side of the flow.
type CallbackAdapter interface {
	BeginOAuthSignIn(ctx context.Context, clientID string) (string, error)
	ValidateCallback(ctx context.Context, clientID, code, state string) (*Callback, error)
	CompleteOAuthCallback(ctx context.Context, clientID string, cb *Callback, pending *model.PendingRegistration) (*Completion, error)
}

type PendingStore interface {
	Put(ctx context.Context, clientID string, rec model.Expiring[model.PendingRegistration]) error
	ReadAndConsume(ctx context.Context, clientID string, now time.Time, ttl time.Duration) (*model.PendingRegistration, bool, error)
	PurgeExpired(ctx context.Context, clientID string, now time.Time, ttl time.Duration) (bool, error)
}

// Resolver publishes the reconciled session once the callback has stored
// the provider session.
type Resolver interface {
	Resolve(ctx context.Context) session.State
}

// FlowOptions holds the timings shared by every client's flow.
type FlowOptions struct {
	SettleDelay time.Duration
	PendingTTL  time.Duration
}

// Result is returned by a settled callback.
type Result struct {
	State        session.State
	Identity     model.Identity
	Created      bool
	RedirectHint string
}

// Flow is the callback state machine of one client.
type Flow struct {
	clientID string
	adapter  CallbackAdapter
	pending  PendingStore
	resolver Resolver
	opts     FlowOptions
	log      *slog.Logger

	now          func() time.Time
	onTransition func(from, to FlowState)

	mu       sync.Mutex
	state    FlowState
	lastUsed time.Time
}

func NewFlow(clientID string, adapter CallbackAdapter, pending PendingStore, resolver Resolver, opts FlowOptions, log *slog.Logger) *Flow {
	return &Flow{
		clientID: clientID,
		adapter:  adapter,
		pending:  pending,
		resolver: resolver,
		opts:     opts,
		log:      log.With("client_id", clientID),
		now:      time.Now,
		state:    StateIdle,
		lastUsed: time.Now(),
	}
}

func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) set(to FlowState) {
	f.mu.Lock()
	from := f.state
	f.state = to
	f.lastUsed = time.Now()
	hook := f.onTransition
	f.mu.Unlock()
	if hook != nil && from != to {
		hook(from, to)
	}
}

// Begin stashes pending (if any) with the current time and returns the
// provider redirect URL.
func (f *Flow) Begin(ctx context.Context, pending *model.PendingRegistration) (string, error) {
	if f.State() == StateCompleting {
		return "", ErrCallbackInProgress
	}
	if pending != nil {
		if err := f.pending.Put(ctx, f.clientID, model.NewExpiring(*pending, f.now())); err != nil {
			return "", fmt.Errorf("stash pending registration: %w", err)
		}
	}
	url, err := f.adapter.BeginOAuthSignIn(ctx, f.clientID)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	from := f.state
	if from == StateCompleting {
		f.mu.Unlock()
		return "", ErrCallbackInProgress
	}
	f.state = StateAwaitingCallback
	f.lastUsed = time.Now()
	hook := f.onTransition
	f.mu.Unlock()
	if hook != nil && from != StateAwaitingCallback {
		hook(from, StateAwaitingCallback)
	}
	return url, nil
}

// Complete settles a provider callback.  Any failure leaves the flow idle
// again; a pending registration is only consumed once the provider response
// has been validated.
func (f *Flow) Complete(ctx context.Context, code, state string) (*Result, error) {
	f.mu.Lock()
	from := f.state
	if from == StateCompleting {
		f.mu.Unlock()
		return nil, ErrCallbackInProgress
	}
	f.state = StateCompleting
	f.lastUsed = time.Now()
	hook := f.onTransition
	f.mu.Unlock()
	if hook != nil {
		hook(from, StateCompleting)
	}

	ctx, span := tracer.Start(ctx, "oauth.Flow.Complete")
	defer span.End()

	res, err := f.complete(ctx, code, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "callback failed")
		f.log.WarnContext(ctx, "oauth callback failed", "error", err)
		f.set(StateFailed)
		f.set(StateIdle)
		return nil, err
	}

	if !sleepCtx(ctx, f.opts.SettleDelay) {
		f.log.DebugContext(ctx, "settle delay interrupted")
	}
	f.set(StateSettled)
	return res, nil
}

func (f *Flow) complete(ctx context.Context, code, state string) (*Result, error) {
	purged, err := f.pending.PurgeExpired(ctx, f.clientID, f.now(), f.opts.PendingTTL)
	if err != nil {
		f.log.WarnContext(ctx, "purge pending registration failed", "error", err)
	} else if purged {
		f.log.DebugContext(ctx, "expired pending registration purged")
	}

	cb, err := f.adapter.ValidateCallback(ctx, f.clientID, code, state)
	if err != nil {
		return nil, err
	}

	pending, expired, err := f.pending.ReadAndConsume(ctx, f.clientID, f.now(), f.opts.PendingTTL)
	switch {
	case err != nil:
		f.log.WarnContext(ctx, "pending registration unreadable, continuing without it", "error", err)
		pending = nil
	case expired:
		f.log.DebugContext(ctx, "pending registration expired, continuing with provider fields")
	}

	done, err := f.adapter.CompleteOAuthCallback(ctx, f.clientID, cb, pending)
	if err != nil {
		return nil, err
	}

	st := f.resolver.Resolve(ctx)
	if !st.Authenticated() {
		return nil, fmt.Errorf("session did not settle: %s", st.Error)
	}
	return &Result{
		State:        st,
		Identity:     done.Identity,
		Created:      done.Created,
		RedirectHint: done.RedirectHint,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Flows keeps one Flow per client.
type Flows struct {
	build   func(clientID string) *Flow
	maxIdle time.Duration

	mu    sync.Mutex
	byKey map[string]*Flow
}

func NewFlows(build func(clientID string) *Flow, maxIdle time.Duration) *Flows {
	return &Flows{build: build, maxIdle: maxIdle, byKey: map[string]*Flow{}}
}

func (fs *Flows) For(clientID string) *Flow {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.byKey[clientID]
	if !ok {
		f = fs.build(clientID)
		fs.byKey[clientID] = f
	}
	return f
}

// Sweep drops flows that are not completing and have been untouched for
// longer than maxIdle.
func (fs *Flows) Sweep(now time.Time) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for k, f := range fs.byKey {
		f.mu.Lock()
		idle := f.state != StateCompleting && now.Sub(f.lastUsed) > fs.maxIdle
		f.mu.Unlock()
		if idle {
			delete(fs.byKey, k)
			n++
		}
	}
	return n
}
