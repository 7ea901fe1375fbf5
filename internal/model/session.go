package model

import "time"

// SessionKind names the mechanism that backs a Session.
type SessionKind string

const (
	SessionLocal    SessionKind = "local"
	SessionProvider SessionKind = "provider"
)

// Session is the opaque proof of authentication handed to callers.  Only
// provider sessions are published by the reconciler; local mode publishes
// no session at all.
type Session struct {
	ID        string      `json:"id"`
	Kind      SessionKind `json:"kind"`
	Token     string      `json:"token,omitempty"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// ProviderSession is what the OAuth adapter keeps for a client after a
// successful callback.  Email is the join key into the identity table.
type ProviderSession struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	Subject     string    `json:"subject"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session converts the provider record into the published handle.
func (p ProviderSession) Session() *Session {
	return &Session{ID: p.ID, Kind: SessionProvider, Token: p.AccessToken, ExpiresAt: p.ExpiresAt}
}

// LocalSession is the per-client record persisted by the credential store
// after a password sign-in.  Only the refresh token hash is kept.
type LocalSession struct {
	Identity         Identity  `json:"identity"`
	RefreshTokenHash string    `json:"refresh_token_hash"`
	ExpiresAt        time.Time `json:"expires_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// SourceKind tags the SessionSource union.
type SourceKind int

const (
	SourceNone SourceKind = iota
	SourceLocal
	SourceProvider
)

func (k SourceKind) String() string {
	switch k {
	case SourceLocal:
		return "local"
	case SourceProvider:
		return "provider"
	default:
		return "none"
	}
}

// SessionSource is the single canonical answer to "where does the current
// identity come from".  Identity is nil for SourceNone; Provider is only set
// for SourceProvider.
type SessionSource struct {
	Kind     SourceKind
	Identity *Identity
	Provider *ProviderSession
}

// NoSource is the unauthenticated source.
func NoSource() SessionSource { return SessionSource{Kind: SourceNone} }

// LocalSource wraps an identity recovered from the credential store.
func LocalSource(id Identity) SessionSource {
	return SessionSource{Kind: SourceLocal, Identity: &id}
}

// ProviderSourceOf wraps an identity backed by a live provider session.
func ProviderSourceOf(id Identity, ps ProviderSession) SessionSource {
	return SessionSource{Kind: SourceProvider, Identity: &id, Provider: &ps}
}

// Session returns the published session for the source, nil in local mode.
func (s SessionSource) Session() *Session {
	if s.Kind != SourceProvider || s.Provider == nil {
		return nil
	}
	return s.Provider.Session()
}
