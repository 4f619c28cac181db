package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"saker-scm/core/utils"
)

// PasswordHash couples a bcrypt digest with the per-user salt it was
// computed with. The pepper comes from configuration and is never stored.
type PasswordHash struct {
	Hash string
	Salt string
}

// HashPassword derives a storeable hash for the given password. The
// password, per-user salt and deployment pepper are folded through SHA-256
// first so the bcrypt input stays within its length limit.
func HashPassword(password, pepper string) (PasswordHash, error) {
	salt, err := utils.RandString(16)
	if err != nil {
		return PasswordHash{}, err
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(preHash(password, salt, pepper)), bcrypt.DefaultCost)
	if err != nil {
		return PasswordHash{}, err
	}
	return PasswordHash{Hash: string(digest), Salt: salt}, nil
}

// MustHashPassword is HashPassword for seeding and tests; it panics on
// failure.
func MustHashPassword(password, pepper string) PasswordHash {
	ph, err := HashPassword(password, pepper)
	if err != nil {
		panic(err)
	}
	return ph
}

// ParsePasswordHash rebuilds a PasswordHash from the stored columns.
func ParsePasswordHash(hash, salt string) (PasswordHash, error) {
	if strings.TrimSpace(hash) == "" {
		return PasswordHash{}, errors.New("empty password hash")
	}
	return PasswordHash{Hash: hash, Salt: salt}, nil
}

// VerifyPassword reports whether the password matches the stored hash. A
// mismatch is (false, nil); the error return is for malformed hashes only.
func VerifyPassword(password, pepper string, ph PasswordHash) (bool, error) {
	if ph.Hash == "" {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(ph.Hash), []byte(preHash(password, ph.Salt, pepper)))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}

func preHash(password, salt, pepper string) string {
	return utils.Sha256Hex([]byte(password + ":" + salt + ":" + pepper))
}
