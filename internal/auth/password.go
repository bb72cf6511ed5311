// Package auth handles user credentials and the signed session cookie
// shared by every virtual host of the server.
package auth

import (
	"github.com/alexedwards/argon2id"
)

// HashPassword derives an Argon2id PHC-format hash for storage in the
// configuration document.
func HashPassword(password string) (string, error) {
	return argon2id.CreateHash(password, argon2id.DefaultParams)
}

// CheckPassword verifies a password against a stored PHC hash.
func CheckPassword(password, hash string) (bool, error) {
	return argon2id.ComparePasswordAndHash(password, hash)
}
