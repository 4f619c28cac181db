package appbootstrap

import (
	"context"
	"strings"

	"saker-scm/config"
	"saker-scm/core/auth"
	"saker-scm/core/rbac"
	"saker-scm/core/store"
	"saker-scm/core/utils"
)

// seedBuiltInRoles writes the built-in role set so a fresh database has
// something to assign. Existing built-ins get their permissions refreshed.
func seedBuiltInRoles(ctx context.Context, roles store.RolesStore) error {
	defaults := rbac.DefaultRoles()
	rows := make([]store.Role, 0, len(defaults))
	for _, r := range defaults {
		perms := make([]string, 0, len(r.Permissions))
		for _, p := range r.Permissions {
			perms = append(perms, string(p))
		}
		rows = append(rows, store.Role{
			Name:        r.Name,
			Description: r.Description,
			Permissions: perms,
			BuiltIn:     true,
		})
	}
	return roles.EnsureBuiltIn(ctx, rows)
}

// seedDefaultAdmin creates the bootstrap administrator when it is missing.
// With no configured password a random one is generated, logged once and
// flagged for change at first login.
func seedDefaultAdmin(ctx context.Context, users store.UsersStore, cfg *config.AppConfig, logger *utils.Logger) error {
	username := strings.ToLower(strings.TrimSpace(cfg.AdminUsername))
	if username == "" {
		username = "admin"
	}
	existing, _, err := users.FindByUsername(ctx, username)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	password := strings.TrimSpace(cfg.AdminPassword)
	generated := false
	if password == "" {
		password = generateBootPassword()
		generated = true
	}
	ph, err := auth.HashPassword(password, cfg.Pepper)
	if err != nil {
		return err
	}
	u := &store.User{
		Username:              username,
		FullName:              "Administrator",
		PasswordHash:          ph.Hash,
		Salt:                  ph.Salt,
		PasswordSet:           true,
		RequirePasswordChange: generated,
		Active:                true,
	}
	id, err := users.Create(ctx, u, []string{"admin"})
	if err != nil {
		return err
	}
	if generated {
		logger.Printf("BOOTSTRAP admin account created username=%s id=%d password=%s (change required at first login)", username, id, password)
	} else {
		logger.Printf("BOOTSTRAP admin account created username=%s id=%d", username, id)
	}
	return nil
}

func generateBootPassword() string {
	for i := 0; i < 5; i++ {
		candidate, err := utils.RandString(16)
		if err != nil {
			continue
		}
		if utils.ValidatePassword(candidate) == nil {
			return candidate
		}
	}
	fallback, _ := utils.RandString(12)
	return "Aa1!" + fallback
}

// loadPolicy builds the RBAC rule set from the roles table. Roles carrying
// unknown permission names keep their valid subset.
func loadPolicy(ctx context.Context, roles store.RolesStore, logger *utils.Logger) (*rbac.Policy, error) {
	stored, err := roles.List(ctx)
	if err != nil {
		return nil, err
	}
	rs := make([]rbac.Role, 0, len(stored))
	for _, r := range stored {
		perms, unknown := rbac.NormalizePermissionNames(r.Permissions)
		if len(unknown) > 0 {
			logger.Errorf("policy load: role %s has unknown permissions %v", r.Name, unknown)
		}
		rs = append(rs, rbac.Role{Name: r.Name, Description: r.Description, Permissions: perms})
	}
	return rbac.NewPolicy(rs), nil
}
