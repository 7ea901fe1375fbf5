package model

import "time"

// PendingRegistration is stashed before redirecting a client to the OAuth
// provider so that role and signup fields survive the round-trip.
//
// Fields:
//
//	Role   – role requested on the signup form.
//	Fields – supplementary signup fields (company_name, tax_id, display_name, ...).
type PendingRegistration struct {
	Role   Role              `json:"role"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Field returns the named supplementary field or "".
func (p PendingRegistration) Field(name string) string {
	if p.Fields == nil {
		return ""
	}
	return p.Fields[name]
}

// Expiring pairs a value with its creation time.  The backing store has no
// TTL semantics, so every reader checks Expired itself.
type Expiring[T any] struct {
	Value                T     `json:"value"`
	CreatedAtEpochMillis int64 `json:"createdAtEpochMillis"`
}

// NewExpiring stamps v with now.
func NewExpiring[T any](v T, now time.Time) Expiring[T] {
	return Expiring[T]{Value: v, CreatedAtEpochMillis: now.UnixMilli()}
}

// CreatedAt returns the creation timestamp in UTC.
func (e Expiring[T]) CreatedAt() time.Time {
	return time.UnixMilli(e.CreatedAtEpochMillis).UTC()
}

// Expired reports whether the value is older than ttl at now.  A value
// exactly ttl old counts as expired.
func (e Expiring[T]) Expired(now time.Time, ttl time.Duration) bool {
	return !now.Before(e.CreatedAt().Add(ttl))
}
