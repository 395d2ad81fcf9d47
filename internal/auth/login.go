package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Account is a configured operator login.
type Account struct {
	User     string
	Password string
	Role     string
}

// Accounts checks operator credentials. Accounts without a password are
// skipped, so an unset password disables the login.
type Accounts struct {
	byUser map[string]Account
}

func NewAccounts(accounts ...Account) *Accounts {
	a := &Accounts{byUser: make(map[string]Account, len(accounts))}
	for _, acc := range accounts {
		acc.User = strings.TrimSpace(acc.User)
		if acc.User == "" || acc.Password == "" || acc.Role == "" {
			continue
		}
		a.byUser[acc.User] = acc
	}
	return a
}

func (a *Accounts) Len() int { return len(a.byUser) }

// Authenticate returns the account's role.
func (a *Accounts) Authenticate(user, password string) (string, error) {
	acc, ok := a.byUser[strings.TrimSpace(user)]
	if !ok {
		// Compare anyway so unknown users take as long as wrong passwords.
		equalSecret(password, "")
		return "", ErrInvalidCredentials
	}
	if !equalSecret(password, acc.Password) {
		return "", ErrInvalidCredentials
	}
	return acc.Role, nil
}

func equalSecret(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// RoleOf returns the role of a still-configured user, for token refresh.
func (a *Accounts) RoleOf(user string) (string, bool) {
	acc, ok := a.byUser[user]
	return acc.Role, ok
}
