package api

import "saker-scm/api/handlers"

type routeHandlers struct {
	auth        *handlers.AuthHandler
	accounts    *handlers.AccountsHandler
	cases       *handlers.CasesHandler
	escalations *handlers.EscalationsHandler
	sweeps      *handlers.SweepsHandler
	audit       *handlers.AuditHandler
}

func (s *Server) newRouteHandlers() routeHandlers {
	return routeHandlers{
		auth:        handlers.NewAuthHandler(s.cfg, s.users, s.sessions, s.casesSvc, s.sessionManager, s.policy, s.audits, s.logger),
		accounts:    handlers.NewAccountsHandler(s.users, s.roles, s.sessions, s.policy, s.sessionManager, s.cfg, s.audits, s.logger, s.refreshPolicy),
		cases:       handlers.NewCasesHandler(s.cfg, s.cases, s.users, s.policy, s.casesSvc, s.audits, s.logger),
		escalations: handlers.NewEscalationsHandler(s.cases, s.escalations, s.deliveries),
		sweeps:      handlers.NewSweepsHandler(s.sweeper, s.audits, s.logger),
		audit:       handlers.NewAuditHandler(s.audits),
	}
}
