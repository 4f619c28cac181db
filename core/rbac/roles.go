package rbac

// Role couples a role name with the permissions it grants.
type Role struct {
	Name        string
	Description string
	Permissions []Permission
}

// DefaultRoles returns the built-in roles seeded at first boot. Custom roles
// created through the accounts API live in the roles store next to these.
func DefaultRoles() []Role {
	return []Role{
		{
			Name:        "admin",
			Description: "Full access, including accounts and manual sweeps",
			Permissions: AllPermissions(),
		},
		{
			Name:        "analyst",
			Description: "Works cases and follows escalations",
			Permissions: []Permission{
				PermCasesView,
				PermCasesManage,
				PermEscalationsView,
			},
		},
		{
			Name:        "viewer",
			Description: "Read-only view of cases and escalations",
			Permissions: []Permission{
				PermCasesView,
				PermEscalationsView,
			},
		},
	}
}
