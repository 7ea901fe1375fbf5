// Package queue defines message payloads exchanged over the message broker
// and the consumers that process them.
package queue

// Queue names.  Both queues are durable and use the default exchange.
const (
	CompanySignupQueue     = "company.signup"
	SessionReconciledQueue = "session.reconciled"
)

// CompanySignupRequested is published when a company or god_mode identity
// has been provisioned.  The signup worker turns it into the company row
// the profile loader waits for.
type CompanySignupRequested struct {
	IdentityID  string `json:"identity_id"`
	Email       string `json:"email"`
	CompanyName string `json:"company_name"`
	TaxID       string `json:"tax_id,omitempty"`
	RequestedAt string `json:"requested_at"`
}

// SessionReconciledEvent is published every time a client's session
// settles on an identity with a loaded profile.  It carries enough for the
// realtime subscriber to open a channel without querying the database.
type SessionReconciledEvent struct {
	ClientID       string `json:"client_id"`
	IdentityID     string `json:"identity_id"`
	Email          string `json:"email"`
	Role           string `json:"role"`
	Source         string `json:"source"`
	Generation     uint64 `json:"generation"`
	HasCompany     bool   `json:"has_company"`
	CompanyMissing bool   `json:"company_missing"`
	ReconciledAt   string `json:"reconciled_at"`
}
