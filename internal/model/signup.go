package model

// Signup field names shared by the registration form, the pending OAuth
// registration and the company signup message.
const (
	FieldDisplayName = "display_name"
	FieldCompanyName = "company_name"
	FieldTaxID       = "tax_id"
)

// Registration is the input to identity provisioning, for both password
// signups and completed OAuth callbacks.  Password is empty for OAuth.
type Registration struct {
	Email       string
	Password    string
	DisplayName string
	Role        Role
	CompanyName string
	TaxID       string
}

// FromPending merges the supplementary fields of a pending OAuth
// registration.  Provider-supplied values already set on r win for
// DisplayName; role and company fields come from the pending record.
func (r Registration) FromPending(p *PendingRegistration) Registration {
	if p == nil {
		return r
	}
	r.Role = ParseRole(string(p.Role))
	if r.DisplayName == "" {
		r.DisplayName = p.Field(FieldDisplayName)
	}
	r.CompanyName = p.Field(FieldCompanyName)
	r.TaxID = p.Field(FieldTaxID)
	return r
}
