package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// GenerateCSRF derives the CSRF token for a session: HMAC-SHA256 of the
// session ID under the deployment key. Deterministic per session, so the
// token survives server restarts without extra state.
func GenerateCSRF(key, sessionID string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("empty csrf key")
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.New("empty session id")
	}
	m := hmac.New(sha256.New, []byte(key))
	if _, err := m.Write([]byte(sessionID)); err != nil {
		return "", err
	}
	return hex.EncodeToString(m.Sum(nil)), nil
}

// VerifyCSRF recomputes the token for the session and compares in constant
// time.
func VerifyCSRF(key, sessionID, token string) bool {
	want, err := GenerateCSRF(key, sessionID)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}
