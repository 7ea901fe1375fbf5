// Package repository defines the MySQL-backed stores and the sentinel
// errors shared across them.  Higher layers compare with errors.Is and never
// see sql.ErrNoRows directly.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a keyed read matches no row.  For company
// reads this is the expected outcome while the signup worker lags behind.
var ErrNotFound = errors.New("not found")

// ErrEmailExists is returned when an identity with the same email exists.
var ErrEmailExists = errors.New("email already exists")

// ErrConflict is returned when a write collides with existing state, such as
// creating a company for an identity that already has one.
var ErrConflict = errors.New("conflict")

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// withTimeout bounds a single repository call when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
