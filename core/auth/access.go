package auth

import (
	"saker-scm/core/rbac"
	"saker-scm/core/store"
)

// EffectiveAccess is the resolved permission set for a user, as exposed to
// clients.
type EffectiveAccess struct {
	Permissions []string `json:"permissions"`
}

// CalculateEffectiveAccess resolves the permissions the user's roles grant.
// Inactive users get none.
func CalculateEffectiveAccess(u *store.User, roles []string, policy *rbac.Policy) EffectiveAccess {
	if u == nil || !u.Active || policy == nil {
		return EffectiveAccess{Permissions: []string{}}
	}
	perms := []string{}
	for _, p := range rbac.AllPermissions() {
		if policy.Allowed(roles, p) {
			perms = append(perms, string(p))
		}
	}
	return EffectiveAccess{Permissions: perms}
}
