package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/debtflow-identity/internal/model"
)

// LocalSessions persists the credential store's per-client record, the
// server-side stand-in for browser local storage.
type LocalSessions struct {
	rdb redis.Cmdable
}

func NewLocalSessions(rdb redis.Cmdable) *LocalSessions { return &LocalSessions{rdb: rdb} }

func localKey(clientID string) string { return key("client", clientID, "local_session") }

// Save stores s until its refresh token expires.
func (l *LocalSessions) Save(ctx context.Context, clientID string, s model.LocalSession) error {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("local session for %s already expired", clientID)
	}
	return setJSON(ctx, l.rdb, localKey(clientID), s, ttl)
}

// Load returns nil, nil when the client has no local session.
func (l *LocalSessions) Load(ctx context.Context, clientID string) (*model.LocalSession, error) {
	var s model.LocalSession
	ok, err := getJSON(ctx, l.rdb, localKey(clientID), &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

func (l *LocalSessions) Delete(ctx context.Context, clientID string) error {
	if err := l.rdb.Del(ctx, localKey(clientID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// ProviderSessions persists the OAuth provider session per client.
type ProviderSessions struct {
	rdb redis.Cmdable
}

func NewProviderSessions(rdb redis.Cmdable) *ProviderSessions { return &ProviderSessions{rdb: rdb} }

func providerKey(clientID string) string { return key("client", clientID, "provider_session") }

// Save stores s until the provider token expires.  Sessions without an
// expiry are kept for a day.
func (p *ProviderSessions) Save(ctx context.Context, clientID string, s model.ProviderSession) error {
	ttl := 24 * time.Hour
	if !s.ExpiresAt.IsZero() {
		ttl = time.Until(s.ExpiresAt)
	}
	if ttl <= 0 {
		return fmt.Errorf("provider session for %s already expired", clientID)
	}
	return setJSON(ctx, p.rdb, providerKey(clientID), s, ttl)
}

// Load returns nil, nil when the client has no live provider session.
func (p *ProviderSessions) Load(ctx context.Context, clientID string) (*model.ProviderSession, error) {
	var s model.ProviderSession
	ok, err := getJSON(ctx, p.rdb, providerKey(clientID), &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

func (p *ProviderSessions) Delete(ctx context.Context, clientID string) error {
	if err := p.rdb.Del(ctx, providerKey(clientID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
