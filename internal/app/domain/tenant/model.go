// Package tenant holds the data model for platform tenants and their API keys.
package tenant

import "time"

// Tenant is a logical owner of tests and API keys.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ApiKey is a bearer credential scoped to a tenant. Raw tokens are never
// persisted; only the hash is stored, and the raw value is returned once at
// creation time.
type ApiKey struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	TokenHash string     `json:"-"`
	Admin     bool       `json:"admin,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the key can still authenticate requests.
func (k ApiKey) Active() bool {
	return k.RevokedAt == nil
}
