package auth

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password
var ErrInvalidCredentials = errors.New("invalid username or password")

// Authenticator checks operator credentials
type Authenticator interface {
	Authenticate(username, password string) (*User, error)
}

// PasswordAuth authenticates the single operator account against a bcrypt
// hash from the configuration
type PasswordAuth struct {
	username string
	hash     []byte
}

// NewPasswordAuth creates an authenticator for username with the given
// bcrypt hash
func NewPasswordAuth(username, hash string) *PasswordAuth {
	return &PasswordAuth{
		username: username,
		hash:     []byte(hash),
	}
}

// Authenticate verifies the credentials. The hash is always compared so a
// wrong username costs as much as a wrong password.
func (p *PasswordAuth) Authenticate(username, password string) (*User, error) {
	if len(p.hash) == 0 {
		return nil, ErrInvalidCredentials
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(p.username)) == 1
	passErr := bcrypt.CompareHashAndPassword(p.hash, []byte(password))
	if !userOK || passErr != nil {
		return nil, ErrInvalidCredentials
	}

	return &User{Username: p.username, Role: RoleAdmin}, nil
}

// HashPassword returns the bcrypt hash stored in the configuration
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
