package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/NicolasHaas/gorelay/pkg/crypto"
	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
)

// Authenticator verifies login credentials.
type Authenticator interface {
	// Authenticate returns the user for login (username or email) and
	// password. It fails with ErrInvalidCredentials or ErrBanned, or with a
	// wrapped collaborator error.
	Authenticate(login, password string) (*model.User, error)
}

// StoreAuthenticator checks argon2id hashes kept in a DataStore.
type StoreAuthenticator struct {
	Store datastore.DataStore
}

func (a StoreAuthenticator) Authenticate(login, password string) (*model.User, error) {
	u, hash, err := a.Store.GetCredentials(login)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("server: authenticate: %w", err)
	}

	ok, err := crypto.VerifyPassword(password, hash)
	if err != nil {
		// Unusable stored hash: nobody can log in with it.
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if u.Banned {
		return nil, ErrBanned
	}
	return u, nil
}

// loginThrottle counts failed logins per login name inside a fixed window.
type loginThrottle struct {
	limit    int
	failures *cache.Cache
}

func newLoginThrottle(limit int, window time.Duration) *loginThrottle {
	if window <= 0 {
		window = time.Minute
	}
	return &loginThrottle{limit: limit, failures: cache.New(window, 2*window)}
}

func throttleKey(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// Blocked reports whether login has used up its failures for this window.
func (t *loginThrottle) Blocked(login string) bool {
	if t.limit <= 0 {
		return false
	}
	v, ok := t.failures.Get(throttleKey(login))
	return ok && v.(int) >= t.limit
}

func (t *loginThrottle) Fail(login string) {
	key := throttleKey(login)
	if err := t.failures.Add(key, 1, cache.DefaultExpiration); err != nil {
		_, _ = t.failures.IncrementInt(key, 1)
	}
}

func (t *loginThrottle) Reset(login string) {
	t.failures.Delete(throttleKey(login))
}
