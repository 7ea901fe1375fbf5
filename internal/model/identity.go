package model

import "time"

// Role is the tag carried by an identity and its profile.  It decides which
// dashboard a client lands on and whether a company record is expected.
type Role string

const (
	RoleDebtor  Role = "debtor"
	RoleCompany Role = "company"
	RoleGodMode Role = "god_mode"
)

// ParseRole normalises a user supplied role.  Unknown or empty values fall
// back to RoleDebtor, the least privileged dashboard.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleCompany, RoleGodMode:
		return Role(s)
	default:
		return RoleDebtor
	}
}

// RequiresCompany reports whether profiles with this role embed a Company.
func (r Role) RequiresCompany() bool {
	return r == RoleCompany || r == RoleGodMode
}

// Identity is the minimal authenticated principal.  It is created either by
// a password sign-in or by a completed OAuth callback and is never mutated
// while a session holds it.
//
// Fields:
//
//	ID          – users.id (uuid).
//	Email       – unique, lower-cased email address.
//	DisplayName – name shown in dashboards.
//	Role        – role tag (debtor, company, god_mode).
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// Profile is the application level record merged onto an identity.  For
// company and god_mode roles the Company field is filled once the company
// row exists; CompanyMissing is set when the bounded retry gave up.
type Profile struct {
	IdentityID       string   `json:"identity_id"`
	Role             Role     `json:"role"`
	DisplayName      string   `json:"display_name"`
	ValidationStatus string   `json:"validation_status"`
	Company          *Company `json:"company,omitempty"`
	CompanyMissing   bool     `json:"company_missing,omitempty"`
}

// WithCompany returns a copy of p carrying c.  The receiver is left
// untouched so a published profile is never mutated in place.
func (p Profile) WithCompany(c *Company) *Profile {
	p.Company = c
	p.CompanyMissing = c == nil && p.Role.RequiresCompany()
	return &p
}

// Company is keyed by the owning identity.  Rows are written by the signup
// worker some time after the identity itself, so readers must tolerate a
// short window in which it does not exist.
type Company struct {
	IdentityID string    `json:"identity_id"`
	Name       string    `json:"name"`
	TaxID      string    `json:"tax_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
