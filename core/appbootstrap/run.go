// Package appbootstrap wires configuration, storage, services, background
// workers and the HTTP listener into a running process.
package appbootstrap

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"saker-scm/api"
	"saker-scm/config"
	"saker-scm/core/store"
	"saker-scm/core/utils"
)

const shutdownGrace = 15 * time.Second

// Run starts the case manager and blocks until SIGINT or SIGTERM arrives
// or the listener fails. The config file path comes from SAKER_CONFIG;
// with no file everything is read from the environment.
func Run() error {
	logger := utils.NewLogger()
	cfg, err := config.Load(os.Getenv("SAKER_CONFIG"))
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Pepper) == "" {
		logger.Errorf("SAKER_PEPPER is empty, password hashes rely on per-user salt only")
	}

	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), time.Minute)
	defer cancelBoot()
	if err := store.ApplyMigrations(bootCtx, db, logger); err != nil {
		return err
	}

	comp, err := composeRuntime(cfg, db, logger)
	if err != nil {
		return err
	}
	if err := seedBuiltInRoles(bootCtx, comp.serverDeps.Roles); err != nil {
		return err
	}
	if err := seedDefaultAdmin(bootCtx, comp.serverDeps.Users, cfg, logger); err != nil {
		return err
	}
	policy, err := loadPolicy(bootCtx, comp.serverDeps.Roles, logger)
	if err != nil {
		return err
	}
	if n, err := comp.sessions.PurgeExpired(bootCtx, time.Now().UTC()); err != nil {
		logger.Errorf("boot session purge: %v", err)
	} else if n > 0 {
		logger.Printf("BOOT purged %d expired sessions", n)
	}

	srv := api.NewServer(cfg, policy, comp.serverDeps, logger)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	for _, w := range comp.workers {
		w.StartWithContext(workerCtx)
	}

	listenErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Printf("signal %s received, shutting down", sig)
	case err := <-listenErrCh:
		runErr = err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("http shutdown: %v", err)
	}
	cancelWorkers()
	for _, w := range comp.workers {
		if err := w.StopWithContext(shutdownCtx); err != nil {
			logger.Errorf("worker stop: %v", err)
		}
	}
	logger.Printf("shutdown complete")
	return runErr
}
