package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Manager hands out one Reconciler per client id and drops the ones that
// have been idle for longer than MaxIdle.
type Manager struct {
	deps    Deps
	MaxIdle time.Duration

	mu    sync.Mutex
	byKey map[string]*Reconciler
}

func NewManager(deps Deps, maxIdle time.Duration) *Manager {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Manager{deps: deps, MaxIdle: maxIdle, byKey: map[string]*Reconciler{}}
}

// For returns the reconciler for clientID, creating it on first use.  The
// second return value is true when it was just created.
func (m *Manager) For(clientID string) (*Reconciler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byKey[clientID]; ok {
		r.touch()
		return r, false
	}
	r := NewReconciler(clientID, m.deps)
	m.byKey[clientID] = r
	return r, true
}

// ClientResolver resolves whichever reconciler currently serves its client.
// Holders that outlive a sweep keep publishing to the live one.
type ClientResolver struct {
	m        *Manager
	clientID string
}

// Resolver returns a ClientResolver bound to clientID.
func (m *Manager) Resolver(clientID string) ClientResolver {
	return ClientResolver{m: m, clientID: clientID}
}

func (c ClientResolver) Resolve(ctx context.Context) State {
	r, _ := c.m.For(c.clientID)
	return r.Resolve(ctx)
}

// Len is the number of live reconcilers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// Sweep drops reconcilers idle since before now-MaxIdle and returns how
// many were removed.  A dropped client starts over with Initializing set.
func (m *Manager) Sweep(now time.Time) int {
	if m.MaxIdle <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, r := range m.byKey {
		last, idle := r.idleSince()
		if idle && now.Sub(last) > m.MaxIdle {
			delete(m.byKey, k)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			if n := m.Sweep(now); n > 0 {
				m.deps.Log.Debug("swept idle reconcilers", "count", n)
			}
		}
	}
}
