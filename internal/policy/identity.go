// Package policy resolves column masks and row filters for a caller's
// identity. Policies change what an identity observes at read time and
// never modify stored data.
package policy

import (
	"strings"
)

// Identity is the caller of a read. Authentication happens elsewhere.
type Identity struct {
	User    string   `json:"user"`
	Roles   []string `json:"roles"`
	Account string   `json:"account"`
}

// HasRole reports whether the identity carries role, case-insensitively.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

func (id Identity) asMap() map[string]any {
	roles := make([]any, len(id.Roles))
	for i, r := range id.Roles {
		roles[i] = r
	}
	return map[string]any{
		"user":    id.User,
		"roles":   roles,
		"account": id.Account,
	}
}

// Privilege is the access level resolved once per identity.
type Privilege int

// Privilege levels. The zero value is the restrictive one.
const (
	PrivilegeRestricted Privilege = iota
	PrivilegeFull
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeFull:
		return "full"
	default:
		return "restricted"
	}
}

// PrivilegeConfig names the roles and accounts that bypass every policy.
type PrivilegeConfig struct {
	FullAccessRoles    []string `koanf:"full_access_roles"`
	FullAccessAccounts []string `koanf:"full_access_accounts"`
}

// Resolver maps identities to privilege levels.
type Resolver struct {
	roles    map[string]bool
	accounts map[string]bool
}

// NewResolver creates a resolver from configuration. An empty
// configuration grants full access to nobody.
func NewResolver(cfg PrivilegeConfig) *Resolver {
	r := &Resolver{roles: make(map[string]bool), accounts: make(map[string]bool)}
	for _, role := range cfg.FullAccessRoles {
		r.roles[strings.ToLower(role)] = true
	}
	for _, acct := range cfg.FullAccessAccounts {
		r.accounts[strings.ToLower(acct)] = true
	}
	return r
}

// Resolve returns the identity's privilege level.
func (r *Resolver) Resolve(id Identity) Privilege {
	if id.Account != "" && r.accounts[strings.ToLower(id.Account)] {
		return PrivilegeFull
	}
	for _, role := range id.Roles {
		if r.roles[strings.ToLower(role)] {
			return PrivilegeFull
		}
	}
	return PrivilegeRestricted
}
