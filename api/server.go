package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"saker-scm/config"
	"saker-scm/core/auth"
	"saker-scm/core/cases"
	"saker-scm/core/escalation"
	"saker-scm/core/rbac"
	"saker-scm/core/store"
	"saker-scm/core/utils"
)

// BackgroundWorker is anything the app runs alongside the HTTP server
// and stops during shutdown: the sweep scheduler, the alert consumer.
type BackgroundWorker interface {
	StartWithContext(ctx context.Context)
	StopWithContext(ctx context.Context) error
}

// ServerDeps carries the stores and services the HTTP layer is wired to.
type ServerDeps struct {
	Users       store.UsersStore
	Sessions    store.SessionStore
	Roles       store.RolesStore
	Audits      store.AuditStore
	Cases       store.CasesStore
	Escalations store.EscalationsStore
	Deliveries  store.NotificationsStore
	CasesSvc    *cases.Service
	Sweeper     *escalation.Sweeper
}

type Server struct {
	cfg             *config.AppConfig
	logger          *utils.Logger
	policy          *rbac.Policy
	sessionManager  *auth.SessionManager
	users           store.UsersStore
	sessions        store.SessionStore
	roles           store.RolesStore
	audits          store.AuditStore
	cases           store.CasesStore
	escalations     store.EscalationsStore
	deliveries      store.NotificationsStore
	casesSvc        *cases.Service
	sweeper         *escalation.Sweeper
	activityTracker *sessionActivity
	router          chi.Router
	httpServer      *http.Server
}

func NewServer(cfg *config.AppConfig, policy *rbac.Policy, deps ServerDeps, logger *utils.Logger) *Server {
	s := &Server{
		cfg:             cfg,
		logger:          logger,
		policy:          policy,
		sessionManager:  auth.NewSessionManager(deps.Sessions, cfg, logger),
		users:           deps.Users,
		sessions:        deps.Sessions,
		roles:           deps.Roles,
		audits:          deps.Audits,
		cases:           deps.Cases,
		escalations:     deps.Escalations,
		deliveries:      deps.Deliveries,
		casesSvc:        deps.CasesSvc,
		sweeper:         deps.Sweeper,
		activityTracker: newSessionActivity(),
	}
	s.router = s.buildRouter()
	return s
}

// Router exposes the composed handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv
	if s.logger != nil {
		s.logger.Printf("HTTP listening on %s tls=%v", s.cfg.ListenAddr, s.cfg.TLSEnabled)
	}
	if s.cfg.TLSEnabled {
		return srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	}
	return srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// refreshPolicy reloads RBAC rules from the roles table. The accounts
// handler calls it after a role mutation so grants apply without a restart.
func (s *Server) refreshPolicy(ctx context.Context) error {
	stored, err := s.roles.List(ctx)
	if err != nil {
		return err
	}
	roles := make([]rbac.Role, 0, len(stored))
	for _, r := range stored {
		perms, unknown := rbac.NormalizePermissionNames(r.Permissions)
		if len(unknown) > 0 && s.logger != nil {
			s.logger.Errorf("policy reload: role %s has unknown permissions %v", r.Name, unknown)
		}
		roles = append(roles, rbac.Role{Name: r.Name, Description: r.Description, Permissions: perms})
	}
	return s.policy.Replace(roles)
}
