package handlers

import (
	"context"
	"time"

	"saker-scm/core/store"
)

// Staged lockout ladder. Five wrong passwords impose stage 1; every wrong
// password after an expired lock moves one stage up. Stage 6 never expires
// and takes an administrator to undo.
const permanentLockStage = 6

const permanentLockMessage = "Account is locked. Contact administrator."

var lockLadder = []time.Duration{
	1: time.Hour,
	2: 3 * time.Hour,
	3: 6 * time.Hour,
	4: 12 * time.Hour,
	5: 24 * time.Hour,
}

func lockDuration(stage int) time.Duration {
	if stage < 1 || stage >= len(lockLadder) {
		return 0
	}
	return lockLadder[stage]
}

func applyLockout(user *store.User, stage int, now time.Time, reason string) {
	user.LockStage = stage
	user.FailedAttempts = 0
	user.LockReason = reason
	if stage >= permanentLockStage {
		user.LockedUntil = nil
		return
	}
	if dur := lockDuration(stage); dur > 0 {
		until := now.Add(dur)
		user.LockedUntil = &until
	}
}

func isPermanentLock(user *store.User) bool {
	if user == nil || user.LockStage < permanentLockStage {
		return false
	}
	return user.LockedUntil == nil || time.Now().UTC().Before(*user.LockedUntil)
}

func lockedUntilMessage(until time.Time) string {
	return "Account locked until " + until.Format("2006-01-02 15:04")
}

// raiseLockoutCase opens (or bumps) the security case that tracks repeated
// lockouts for an account. Case handling never blocks the login response.
func (h *AuthHandler) raiseLockoutCase(ctx context.Context, user *store.User, stage int) {
	if h.casesSvc == nil || h.cfg == nil || !h.cfg.Security.AuthLockoutCase {
		return
	}
	if _, err := h.casesSvc.EnsureAuthLockoutCase(ctx, user.Username, stage); err != nil {
		h.logger.Errorf("auth lockout case for %s: %v", user.Username, err)
	}
}

func (h *AuthHandler) resolveLockoutCase(ctx context.Context, user *store.User) {
	if h.casesSvc == nil || h.cfg == nil || !h.cfg.Security.AuthLockoutCase {
		return
	}
	if err := h.casesSvc.ResolveAuthLockoutCase(ctx, user.Username); err != nil {
		h.logger.Errorf("resolve auth lockout case for %s: %v", user.Username, err)
	}
}
