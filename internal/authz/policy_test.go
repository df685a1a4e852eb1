package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPolicy(t *testing.T) {
	tests := []struct {
		name     string
		role     Role
		resource Resource
		action   ActionVerb
		want     bool
	}{
		{"admin writes batches", RoleAdmin, ResourceBatches, ActionWrite, true},
		{"admin writes blacklist", RoleAdmin, ResourceBlacklist, ActionWrite, true},
		{"admin reads audit", RoleAdmin, ResourceAudit, ActionRead, true},
		{"support reads codes", RoleSupport, ResourceCodes, ActionRead, true},
		{"support reads audit", RoleSupport, ResourceAudit, ActionRead, true},
		{"support reads bindings", RoleSupport, ResourceBindings, ActionRead, true},
		{"support cannot write codes", RoleSupport, ResourceCodes, ActionWrite, false},
		{"support cannot read blacklist", RoleSupport, ResourceBlacklist, ActionRead, false},
		{"support cannot write blacklist", RoleSupport, ResourceBlacklist, ActionWrite, false},
		{"user denied everywhere", RoleUser, ResourceCodes, ActionRead, false},
		{"unknown role denied", Role("INTERN"), ResourceAudit, ActionRead, false},
		{"empty role denied", Role(""), ResourceCodes, ActionRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultPolicy(tt.role, tt.resource, tt.action))
		})
	}
}
