package tenantctx

import "github.com/bwmarrin/snowflake"

// ScopeKind discriminates platform-wide rows from tenant-owned rows.
// Platform scope replaces the legacy "nullable tenant_id" convention so
// rule lookups stay exhaustive.
type ScopeKind string

const (
	ScopePlatform ScopeKind = "platform"
	ScopeTenant   ScopeKind = "tenant"
)

type Scope struct {
	Kind     ScopeKind
	TenantID snowflake.ID
}

func PlatformScope() Scope {
	return Scope{Kind: ScopePlatform}
}

func TenantScope(tenantID snowflake.ID) Scope {
	return Scope{Kind: ScopeTenant, TenantID: tenantID}
}

func (s Scope) IsPlatform() bool { return s.Kind == ScopePlatform }
