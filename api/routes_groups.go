package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"saker-scm/api/routegroups"
	"saker-scm/core/rbac"
)

func (s *Server) registerCaseRoutes(apiRouter chi.Router, h routeHandlers) {
	routegroups.RegisterCases(apiRouter, routegroups.Guards{
		WithSession:       s.withSession,
		RequirePermission: func(p string) func(http.HandlerFunc) http.HandlerFunc { return s.requirePermission(rbac.Permission(p)) },
	}, h.cases)
	routegroups.RegisterEscalations(apiRouter, routegroups.Guards{
		WithSession:       s.withSession,
		RequirePermission: func(p string) func(http.HandlerFunc) http.HandlerFunc { return s.requirePermission(rbac.Permission(p)) },
	}, h.escalations)
}

func (s *Server) registerOperationsRoutes(apiRouter chi.Router, h routeHandlers) {
	routegroups.RegisterSweeps(apiRouter, routegroups.Guards{
		WithSession:       s.withSession,
		RequirePermission: func(p string) func(http.HandlerFunc) http.HandlerFunc { return s.requirePermission(rbac.Permission(p)) },
	}, h.sweeps)
	routegroups.RegisterAudit(apiRouter, routegroups.Guards{
		WithSession:       s.withSession,
		RequirePermission: func(p string) func(http.HandlerFunc) http.HandlerFunc { return s.requirePermission(rbac.Permission(p)) },
	}, h.audit)
	routegroups.RegisterAccounts(apiRouter, routegroups.Guards{
		WithSession:       s.withSession,
		RequirePermission: func(p string) func(http.HandlerFunc) http.HandlerFunc { return s.requirePermission(rbac.Permission(p)) },
	}, h.accounts)
}
