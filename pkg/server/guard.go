package server

import (
	"sync"
	"time"
)

// LoginResult is the outcome of an authentication attempt
type LoginResult int

const (
	LoginSuccess LoginResult = iota
	LoginInvalidCredentials
	LoginAccountLocked // lock active; credentials were not consulted
	LoginNewlyLocked   // this failure reached the threshold
)

func (r LoginResult) String() string {
	switch r {
	case LoginSuccess:
		return "success"
	case LoginInvalidCredentials:
		return "invalid_credentials"
	case LoginAccountLocked:
		return "account_locked"
	case LoginNewlyLocked:
		return "newly_locked"
	default:
		return "unknown"
	}
}

// LoginGuard counts consecutive failed logins per username and issues
// time-boxed account locks. Expired locks are cleared lazily on the next
// attempt for that username, never by a background sweep.
type LoginGuard struct {
	creds        CredentialStore
	threshold    int
	lockDuration time.Duration
	now          func() time.Time

	mu       sync.Mutex
	attempts map[string]int
	locks    map[string]time.Time // username -> lock expiry
}

// NewLoginGuard creates a guard that locks a username for lockDuration once
// it accumulates threshold consecutive failures
func NewLoginGuard(creds CredentialStore, threshold int, lockDuration time.Duration) *LoginGuard {
	return &LoginGuard{
		creds:        creds,
		threshold:    threshold,
		lockDuration: lockDuration,
		now:          time.Now,
		attempts:     make(map[string]int),
		locks:        make(map[string]time.Time),
	}
}

// Authenticate checks a username/password pair against the lock state and
// the credential store.
//
// Unknown usernames fail without touching any counter. A password mismatch
// for a known username increments its counter, and reaching the threshold
// creates a lock.
func (g *LoginGuard) Authenticate(username, password string) LoginResult {
	if g.isLocked(username) {
		return LoginAccountLocked
	}

	// Credential check runs outside the lock; bcrypt entries are slow
	exists, match := g.creds.Verify(username, password)

	g.mu.Lock()
	defer g.mu.Unlock()

	// A concurrent attempt may have locked the account meanwhile
	if expiry, locked := g.locks[username]; locked && g.now().Before(expiry) {
		return LoginAccountLocked
	}

	if !exists {
		return LoginInvalidCredentials
	}

	if match {
		delete(g.attempts, username)
		return LoginSuccess
	}

	g.attempts[username]++
	if g.attempts[username] >= g.threshold {
		g.locks[username] = g.now().Add(g.lockDuration)
		return LoginNewlyLocked
	}
	return LoginInvalidCredentials
}

// isLocked reports whether an unexpired lock exists, clearing an expired
// lock together with its counter
func (g *LoginGuard) isLocked(username string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	expiry, ok := g.locks[username]
	if !ok {
		return false
	}
	if g.now().Before(expiry) {
		return true
	}

	delete(g.locks, username)
	delete(g.attempts, username)
	return false
}

// Attempts returns the current consecutive failure count for username
func (g *LoginGuard) Attempts(username string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts[username]
}

// LockedUntil returns the recorded lock expiry for username, if any.
// The lock may already be expired but not yet cleared.
func (g *LoginGuard) LockedUntil(username string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	expiry, ok := g.locks[username]
	return expiry, ok
}
