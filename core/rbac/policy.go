package rbac

import (
	"strings"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// Permission names a single guarded capability. Route guards check one
// permission per endpoint.
type Permission string

const (
	PermCasesView       Permission = "cases.view"
	PermCasesManage     Permission = "cases.manage"
	PermEscalationsView Permission = "escalations.view"
	PermSweepsRun       Permission = "sweeps.run"
	PermAuditView       Permission = "audit.view"
	PermAccountsManage  Permission = "accounts.manage"
)

func AllPermissions() []Permission {
	return []Permission{
		PermCasesView,
		PermCasesManage,
		PermEscalationsView,
		PermSweepsRun,
		PermAuditView,
		PermAccountsManage,
	}
}

// NormalizePermissionNames lowercases and dedupes the given names, splitting
// them into known permissions and rejected inputs.
func NormalizePermissionNames(names []string) ([]Permission, []string) {
	known := map[Permission]struct{}{}
	for _, p := range AllPermissions() {
		known[p] = struct{}{}
	}
	var valid []Permission
	var invalid []string
	seen := map[Permission]struct{}{}
	for _, raw := range names {
		name := Permission(strings.ToLower(strings.TrimSpace(raw)))
		if name == "" {
			continue
		}
		if _, ok := known[name]; !ok {
			invalid = append(invalid, raw)
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		valid = append(valid, name)
	}
	return valid, invalid
}

// The model lives in code; policy lines are loaded from the roles given to
// NewPolicy/Replace (seed roles at boot, roles store afterwards).
const enforcerModel = `
[request_definition]
r = sub, obj

[policy_definition]
p = sub, obj

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj
`

// Policy answers role/permission queries. Safe for concurrent use; Replace
// swaps the whole rule set atomically when roles change at runtime.
type Policy struct {
	mu       sync.RWMutex
	enforcer *casbin.Enforcer
}

func NewPolicy(roles []Role) *Policy {
	p := &Policy{}
	_ = p.Replace(roles)
	return p
}

// Replace rebuilds the enforcer from the given roles and swaps it in.
func (p *Policy) Replace(roles []Role) error {
	e, err := buildEnforcer(roles)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.enforcer = e
	p.mu.Unlock()
	return nil
}

// Allowed reports whether any of the given roles grants the permission.
// Denies when no rule set is loaded.
func (p *Policy) Allowed(roles []string, perm Permission) bool {
	p.mu.RLock()
	e := p.enforcer
	p.mu.RUnlock()
	if e == nil {
		return false
	}
	for _, role := range roles {
		ok, err := e.Enforce(strings.ToLower(strings.TrimSpace(role)), string(perm))
		if err == nil && ok {
			return true
		}
	}
	return false
}

func buildEnforcer(roles []Role) (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(enforcerModel)
	if err != nil {
		return nil, err
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		name := strings.ToLower(strings.TrimSpace(role.Name))
		if name == "" {
			continue
		}
		for _, perm := range role.Permissions {
			if _, err := e.AddPolicy(name, string(perm)); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}
