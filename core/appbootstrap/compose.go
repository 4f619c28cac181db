package appbootstrap

import (
	"github.com/jmoiron/sqlx"

	"saker-scm/api"
	"saker-scm/config"
	"saker-scm/core/cases"
	"saker-scm/core/escalation"
	"saker-scm/core/housekeeping"
	"saker-scm/core/intake"
	"saker-scm/core/notify"
	"saker-scm/core/sla"
	"saker-scm/core/store"
	"saker-scm/core/utils"
)

type runtimeComposition struct {
	serverDeps api.ServerDeps
	sessions   store.SessionStore
	workers    []api.BackgroundWorker
}

func composeRuntime(cfg *config.AppConfig, db *sqlx.DB, logger *utils.Logger) (*runtimeComposition, error) {
	users := store.NewUsersStore(db)
	sessions := store.NewSessionsStore(db)
	roles := store.NewRolesStore(db)
	audits := store.NewAuditStore(db)
	casesStore := store.NewCasesStore(db)
	escalations := store.NewEscalationsStore(db)
	deliveries := store.NewNotificationsStore(db)

	slaPolicy, err := sla.NewPolicy(cfg.SLA)
	if err != nil {
		return nil, err
	}
	notifier := notify.NewService(cfg.Notify, notify.NewHTTPTelegramSender(), notify.NewSMTPEmailSender(cfg.Notify), deliveries, logger)
	casesSvc := cases.NewService(cfg, casesStore, slaPolicy, nil, audits, notifier, logger)
	sweeper := escalation.NewSweeper(cfg.Sweeps, casesStore, escalations, audits, notifier, nil, logger)

	workers := []api.BackgroundWorker{
		escalation.NewScheduler(cfg.Sweeps, sweeper, logger),
		housekeeping.NewJanitor(cfg.Retention, sessions, audits, deliveries, logger),
	}
	if cfg.Intake.Enabled {
		workers = append(workers, intake.NewConsumer(cfg.Intake, casesSvc, nil, logger))
	}

	return &runtimeComposition{
		serverDeps: api.ServerDeps{
			Users:       users,
			Sessions:    sessions,
			Roles:       roles,
			Audits:      audits,
			Cases:       casesStore,
			Escalations: escalations,
			Deliveries:  deliveries,
			CasesSvc:    casesSvc,
			Sweeper:     sweeper,
		},
		sessions: sessions,
		workers:  workers,
	}, nil
}
