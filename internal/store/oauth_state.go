package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OAuthStates tracks the state parameters handed to the provider.  Each
// state is bound to the client that started the flow and can be consumed
// once; a re-delivered callback finds nothing and is rejected.
type OAuthStates struct {
	rdb redis.Cmdable
}

func NewOAuthStates(rdb redis.Cmdable) *OAuthStates { return &OAuthStates{rdb: rdb} }

func stateKey(state string) string { return key("oauth_state", state) }

// Issue creates a new state for clientID that expires after ttl.
func (s *OAuthStates) Issue(ctx context.Context, clientID string, ttl time.Duration) (string, error) {
	state := uuid.NewString()
	if err := s.rdb.Set(ctx, stateKey(state), clientID, ttl).Err(); err != nil {
		return "", fmt.Errorf("redis set state: %w", err)
	}
	return state, nil
}

// Consume deletes state and reports whether it belonged to clientID.
func (s *OAuthStates) Consume(ctx context.Context, clientID, state string) (bool, error) {
	if state == "" {
		return false, nil
	}
	owner, err := s.rdb.GetDel(ctx, stateKey(state)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis getdel state: %w", err)
	}
	return owner == clientID, nil
}
