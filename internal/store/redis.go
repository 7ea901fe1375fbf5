// Package store keeps the per-client side channels in Redis: the local
// credential session, the provider session, outstanding OAuth state
// parameters and the pending OAuth registration.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "debtflow"

func key(parts ...string) string {
	k := keyPrefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// getJSON decodes the value at k into v.  It reports false, nil when the key
// does not exist.
func getJSON(ctx context.Context, rdb redis.Cmdable, k string, v any) (bool, error) {
	raw, err := rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", k, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", k, err)
	}
	return true, nil
}

func setJSON(ctx context.Context, rdb redis.Cmdable, k string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	if err := rdb.Set(ctx, k, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", k, err)
	}
	return nil
}
