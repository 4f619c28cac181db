package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.securityHeadersMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealthz)

	h := s.newRouteHandlers()
	r.Route("/api", func(apiRouter chi.Router) {
		apiRouter.Use(s.jsonMiddleware)

		apiRouter.Route("/auth", func(authRouter chi.Router) {
			authRouter.MethodFunc("POST", "/login", s.rateLimitMiddleware(h.auth.Login))
			authRouter.MethodFunc("POST", "/logout", s.withSession(h.auth.Logout))
			authRouter.MethodFunc("GET", "/me", s.withSession(h.auth.Me))
			authRouter.MethodFunc("POST", "/change-password", s.withSession(h.auth.ChangePassword))
		})
		apiRouter.MethodFunc("POST", "/app/ping", s.withSession(h.auth.Ping))

		s.registerCaseRoutes(apiRouter, h)
		s.registerOperationsRoutes(apiRouter, h)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
