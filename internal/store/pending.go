package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/debtflow-identity/internal/model"
)

// purgeExpiredScript deletes the pending registration only when its
// createdAtEpochMillis is at or before ARGV[1].  Running it as a script
// keeps the check and the delete atomic.
var purgeExpiredScript = redis.NewScript(`
	local raw = redis.call('GET', KEYS[1])
	if not raw then
		return 0
	end
	local ok, rec = pcall(cjson.decode, raw)
	if not ok or rec == nil then
		redis.call('DEL', KEYS[1])
		return 1
	end
	local created = tonumber(rec['createdAtEpochMillis'])
	if created == nil or created <= tonumber(ARGV[1]) then
		redis.call('DEL', KEYS[1])
		return 1
	end
	return 0
`)

// PendingRegistrations is the side channel that carries signup fields
// across the OAuth redirect.  Keys have no Redis TTL; expiry is enforced by
// the readers against the stored creation time.
type PendingRegistrations struct {
	rdb redis.Cmdable
}

func NewPendingRegistrations(rdb redis.Cmdable) *PendingRegistrations {
	return &PendingRegistrations{rdb: rdb}
}

func pendingKey(clientID string) string { return key("client", clientID, "pending_oauth_registration") }

// Put stores rec for clientID, replacing any previous record.
func (s *PendingRegistrations) Put(ctx context.Context, clientID string, rec model.Expiring[model.PendingRegistration]) error {
	return setJSON(ctx, s.rdb, pendingKey(clientID), rec, 0)
}

// Exists reports whether a record is stored for clientID, expired or not.
func (s *PendingRegistrations) Exists(ctx context.Context, clientID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, pendingKey(clientID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// ReadAndConsume atomically reads and deletes the record for clientID, then
// checks it against ttl.  It returns (nil, false, nil) when nothing was
// stored and (nil, true, nil) when the record had already expired; in both
// cases the key is gone afterwards.
func (s *PendingRegistrations) ReadAndConsume(ctx context.Context, clientID string, now time.Time, ttl time.Duration) (*model.PendingRegistration, bool, error) {
	raw, err := s.rdb.GetDel(ctx, pendingKey(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis getdel: %w", err)
	}
	var rec model.Expiring[model.PendingRegistration]
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode pending registration: %w", err)
	}
	if rec.Expired(now, ttl) {
		return nil, true, nil
	}
	return &rec.Value, false, nil
}

// PurgeExpired removes the record for clientID if it was created at or
// before now-ttl, without touching a fresh record.
func (s *PendingRegistrations) PurgeExpired(ctx context.Context, clientID string, now time.Time, ttl time.Duration) (bool, error) {
	cutoff := now.Add(-ttl).UnixMilli()
	n, err := purgeExpiredScript.Run(ctx, s.rdb, []string{pendingKey(clientID)}, cutoff).Int()
	if err != nil {
		return false, fmt.Errorf("purge pending registration: %w", err)
	}
	return n == 1, nil
}
