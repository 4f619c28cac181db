package routegroups

import (
	"github.com/go-chi/chi/v5"

	"saker-scm/api/handlers"
)

func RegisterSweeps(apiRouter chi.Router, g Guards, sweeps *handlers.SweepsHandler) {
	apiRouter.Route("/sweeps", func(sweepsRouter chi.Router) {
		sweepsRouter.MethodFunc("POST", "/{kind}/run", g.SessionPerm("sweeps.run", sweeps.Run))
		sweepsRouter.MethodFunc("GET", "/status", g.SessionPerm("escalations.view", sweeps.Status))
	})
}

func RegisterAudit(apiRouter chi.Router, g Guards, audit *handlers.AuditHandler) {
	apiRouter.Route("/audit", func(auditRouter chi.Router) {
		auditRouter.MethodFunc("GET", "/", g.SessionPerm("audit.view", audit.List))
		auditRouter.MethodFunc("GET", "/export", g.SessionPerm("audit.view", audit.Export))
	})
}

func RegisterAccounts(apiRouter chi.Router, g Guards, accounts *handlers.AccountsHandler) {
	apiRouter.Route("/accounts", func(accountsRouter chi.Router) {
		accountsRouter.MethodFunc("GET", "/users", g.SessionPerm("accounts.manage", accounts.ListUsers))
		accountsRouter.MethodFunc("POST", "/users", g.SessionPerm("accounts.manage", accounts.CreateUser))
		accountsRouter.MethodFunc("PATCH", "/users/{id:[0-9]+}", g.SessionPerm("accounts.manage", accounts.UpdateUser))
		accountsRouter.MethodFunc("POST", "/users/{id:[0-9]+}/reset-password", g.SessionPerm("accounts.manage", accounts.ResetPassword))
		accountsRouter.MethodFunc("GET", "/users/{id:[0-9]+}/sessions", g.SessionPerm("accounts.manage", accounts.ListUserSessions))
		accountsRouter.MethodFunc("DELETE", "/users/{id:[0-9]+}/sessions", g.SessionPerm("accounts.manage", accounts.KillAllSessions))
		accountsRouter.MethodFunc("GET", "/sessions", g.SessionPerm("accounts.manage", accounts.ListSessions))
		accountsRouter.MethodFunc("DELETE", "/sessions/{session_id}", g.SessionPerm("accounts.manage", accounts.KillSession))
		accountsRouter.MethodFunc("GET", "/roles", g.SessionPerm("accounts.manage", accounts.ListRoles))
		accountsRouter.MethodFunc("POST", "/roles", g.SessionPerm("accounts.manage", accounts.CreateRole))
		accountsRouter.MethodFunc("PUT", "/roles/{id:[0-9]+}", g.SessionPerm("accounts.manage", accounts.UpdateRole))
		accountsRouter.MethodFunc("DELETE", "/roles/{id:[0-9]+}", g.SessionPerm("accounts.manage", accounts.DeleteRole))
	})
}
