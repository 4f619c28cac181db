package routegroups

import (
	"github.com/go-chi/chi/v5"

	"saker-scm/api/handlers"
)

func RegisterCases(apiRouter chi.Router, g Guards, cases *handlers.CasesHandler) {
	apiRouter.Route("/cases", func(casesRouter chi.Router) {
		casesRouter.MethodFunc("GET", "/", g.SessionPerm("cases.view", cases.List))
		casesRouter.MethodFunc("POST", "/", g.SessionPerm("cases.manage", cases.Create))
		casesRouter.MethodFunc("GET", "/summary", g.SessionPerm("cases.view", cases.Summary))
		casesRouter.MethodFunc("GET", "/{id:[0-9]+}", g.SessionPerm("cases.view", cases.Get))
		casesRouter.MethodFunc("PATCH", "/{id:[0-9]+}", g.SessionPerm("cases.manage", cases.Update))
		casesRouter.MethodFunc("PATCH", "/{id:[0-9]+}/status", g.SessionPerm("cases.manage", cases.UpdateStatus))
		casesRouter.MethodFunc("POST", "/{id:[0-9]+}/assign", g.SessionPerm("cases.manage", cases.Assign))
		casesRouter.MethodFunc("DELETE", "/{id:[0-9]+}", g.SessionPerm("cases.manage", cases.Delete))
		casesRouter.MethodFunc("POST", "/{id:[0-9]+}/restore", g.SessionPerm("cases.manage", cases.Restore))
		casesRouter.MethodFunc("GET", "/{id:[0-9]+}/timeline", g.SessionPerm("cases.view", cases.Timeline))
	})
}

func RegisterEscalations(apiRouter chi.Router, g Guards, escalations *handlers.EscalationsHandler) {
	apiRouter.Route("/escalations", func(escRouter chi.Router) {
		escRouter.MethodFunc("GET", "/recent", g.SessionPerm("escalations.view", escalations.Recent))
		escRouter.MethodFunc("GET", "/deliveries", g.SessionPerm("escalations.view", escalations.Deliveries))
	})
	apiRouter.MethodFunc("GET", "/cases/{id:[0-9]+}/escalations", g.SessionPerm("escalations.view", escalations.ListForCase))
}
