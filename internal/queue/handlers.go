package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/iliyamo/debtflow-identity/internal/repository"
)

// CompanyCreator is the write side the signup worker needs.
type CompanyCreator interface {
	CreateCompany(ctx context.Context, identityID, name, taxID string) error
}

// CompanySignupHandler inserts the company described by each
// CompanySignupRequested message.  A company that already exists counts as
// done, so redeliveries are harmless.
func CompanySignupHandler(companies CompanyCreator, log *slog.Logger) Handler {
	return func(ctx context.Context, body []byte) error {
		var ev CompanySignupRequested
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if ev.IdentityID == "" || strings.TrimSpace(ev.CompanyName) == "" {
			return fmt.Errorf("%w: identity_id and company_name required", ErrMalformed)
		}
		err := companies.CreateCompany(ctx, ev.IdentityID, ev.CompanyName, ev.TaxID)
		if errors.Is(err, repository.ErrConflict) {
			log.DebugContext(ctx, "company already exists", "identity_id", ev.IdentityID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("create company: %w", err)
		}
		log.InfoContext(ctx, "company created", "identity_id", ev.IdentityID)
		return nil
	}
}

// SessionLog appends one line per SessionReconciledEvent to
// <dir>/sessions.log.  It stands in for the realtime subscriber.
type SessionLog struct {
	Dir string

	mu sync.Mutex
}

func (s *SessionLog) Handle(_ context.Context, body []byte) error {
	var ev SessionReconciledEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.Dir, "sessions.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	company := "n/a"
	switch {
	case ev.HasCompany:
		company = "present"
	case ev.CompanyMissing:
		company = "missing"
	}
	line := fmt.Sprintf("[%s] Session reconciled | client_id=%s | identity_id=%s | email=%s | role=%s | source=%s | generation=%d | company=%s\n",
		ev.ReconciledAt, ev.ClientID, ev.IdentityID, ev.Email, ev.Role, ev.Source, ev.Generation, company)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}
