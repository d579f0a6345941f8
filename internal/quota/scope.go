package quota

import "fmt"

// ScopeKind says whether a key belongs to the shared pool or to one tenant.
type ScopeKind string

const (
	ScopeCentral ScopeKind = "central"
	ScopeTenant  ScopeKind = "tenant"
)

// Scope identifies a pool: the central pool or one tenant's private pool.
type Scope struct {
	Kind     ScopeKind
	TenantID string
}

// Central returns the shared pool scope.
func Central() Scope {
	return Scope{Kind: ScopeCentral}
}

// Tenant returns the private pool scope of tenantID.
func Tenant(tenantID string) Scope {
	return Scope{Kind: ScopeTenant, TenantID: tenantID}
}

// ParseScope builds a scope from an optional tenant id: empty means central.
func ParseScope(tenantID string) Scope {
	if tenantID == "" {
		return Central()
	}
	return Tenant(tenantID)
}

// Validate enforces that a tenant id is present iff the scope is a tenant scope.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeCentral:
		if s.TenantID != "" {
			return &ScopeError{Scope: s}
		}
	case ScopeTenant:
		if s.TenantID == "" {
			return &ScopeError{Scope: s}
		}
	default:
		return &ScopeError{Scope: s}
	}
	return nil
}

// Contains reports whether a key of scope k belongs to s. Invalid scopes
// contain nothing.
func (s Scope) Contains(k Scope) bool {
	if s.Validate() != nil || k.Validate() != nil {
		return false
	}
	return s == k
}

func (s Scope) String() string {
	if s.Kind == ScopeTenant {
		return fmt.Sprintf("tenant:%s", s.TenantID)
	}
	return string(s.Kind)
}
