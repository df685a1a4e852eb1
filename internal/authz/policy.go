// Package authz provides explicit authorization policy functions for the
// admin surface: plain (role, resource, action) decisions with no
// dependency on request plumbing or storage.
package authz

// Role identifies the caller's privilege level
type Role string

const (
	RoleUser    Role = "USER"
	RoleSupport Role = "SUPPORT"
	RoleAdmin   Role = "ADMIN"
)

// Resource names a protected surface
type Resource string

const (
	ResourceCodes     Resource = "codes"
	ResourceBatches   Resource = "batches"
	ResourceBlacklist Resource = "blacklist"
	ResourceAudit     Resource = "audit"
	ResourceBindings  Resource = "bindings"
)

// ActionVerb names what the caller wants to do with a resource
type ActionVerb string

const (
	ActionRead  ActionVerb = "read"
	ActionWrite ActionVerb = "write"
)

// Policy decides whether a role may perform an action on a resource
type Policy func(role Role, resource Resource, action ActionVerb) bool

// DefaultPolicy grants admins everything, support read-only access to
// codes and audit history, and users nothing on the admin surface
func DefaultPolicy(role Role, resource Resource, action ActionVerb) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleSupport:
		if action != ActionRead {
			return false
		}
		return resource == ResourceCodes || resource == ResourceAudit || resource == ResourceBindings
	default:
		return false
	}
}
