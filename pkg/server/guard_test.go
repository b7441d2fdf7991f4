package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestGuard(threshold int) (*LoginGuard, *fakeClock) {
	clock := newFakeClock()
	g := NewLoginGuard(NewCredentials(testCredentials), threshold, 10*time.Second)
	g.now = clock.Now
	return g, clock
}

func TestLoginGuardLockoutScenario(t *testing.T) {
	g, _ := newTestGuard(3)

	assert.Equal(t, LoginInvalidCredentials, g.Authenticate("alice", "wrong"))
	assert.Equal(t, LoginInvalidCredentials, g.Authenticate("alice", "wrong"))
	assert.Equal(t, LoginNewlyLocked, g.Authenticate("alice", "wrong"))

	// Correct password is not even consulted while locked
	assert.Equal(t, LoginAccountLocked, g.Authenticate("alice", "pw1"))
	assert.Equal(t, 3, g.Attempts("alice"))
}

func TestLoginGuardLockExpiresLazily(t *testing.T) {
	g, clock := newTestGuard(1)

	require.Equal(t, LoginNewlyLocked, g.Authenticate("bob", "nope"))

	clock.Advance(9 * time.Second)
	assert.Equal(t, LoginAccountLocked, g.Authenticate("bob", "pw2"))

	clock.Advance(time.Second)
	// Lock still recorded until the next attempt clears it
	_, recorded := g.LockedUntil("bob")
	assert.True(t, recorded)

	assert.Equal(t, LoginSuccess, g.Authenticate("bob", "pw2"))
	_, recorded = g.LockedUntil("bob")
	assert.False(t, recorded)
	assert.Equal(t, 0, g.Attempts("bob"))
}

func TestLoginGuardExpiredLockResetsCounter(t *testing.T) {
	g, clock := newTestGuard(2)

	g.Authenticate("carol", "x")
	require.Equal(t, LoginNewlyLocked, g.Authenticate("carol", "x"))

	clock.Advance(11 * time.Second)
	// Counter starts over after expiry, so one failure does not re-lock
	assert.Equal(t, LoginInvalidCredentials, g.Authenticate("carol", "x"))
	assert.Equal(t, 1, g.Attempts("carol"))
}

func TestLoginGuardUnknownUserNotCounted(t *testing.T) {
	g, _ := newTestGuard(1)

	for i := 0; i < 5; i++ {
		assert.Equal(t, LoginInvalidCredentials, g.Authenticate("mallory", "guess"))
	}
	assert.Equal(t, 0, g.Attempts("mallory"))
	_, locked := g.LockedUntil("mallory")
	assert.False(t, locked)
}

func TestLoginGuardSuccessClearsCounter(t *testing.T) {
	g, _ := newTestGuard(3)

	g.Authenticate("dave", "x")
	g.Authenticate("dave", "x")
	require.Equal(t, 2, g.Attempts("dave"))

	assert.Equal(t, LoginSuccess, g.Authenticate("dave", "pw4"))
	assert.Equal(t, 0, g.Attempts("dave"))

	// Two more failures do not reach the threshold again
	assert.Equal(t, LoginInvalidCredentials, g.Authenticate("dave", "x"))
	assert.Equal(t, LoginInvalidCredentials, g.Authenticate("dave", "x"))
}

func TestLoginGuardUsersAreIndependent(t *testing.T) {
	g, _ := newTestGuard(1)

	require.Equal(t, LoginNewlyLocked, g.Authenticate("alice", "x"))
	assert.Equal(t, LoginSuccess, g.Authenticate("bob", "pw2"))
}

func TestLoginResultString(t *testing.T) {
	assert.Equal(t, "success", LoginSuccess.String())
	assert.Equal(t, "invalid_credentials", LoginInvalidCredentials.String())
	assert.Equal(t, "account_locked", LoginAccountLocked.String())
	assert.Equal(t, "newly_locked", LoginNewlyLocked.String())
	assert.Equal(t, "unknown", LoginResult(42).String())
}

// Failed attempts strictly increase the counter until the threshold, then
// every attempt is AccountLocked until the lock expires exactly once.
func TestLoginGuardCounterProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.IntRange(1, 5).Draw(t, "threshold")
		g, clock := newTestGuard(threshold)

		for i := 1; i < threshold; i++ {
			if got := g.Authenticate("alice", "wrong"); got != LoginInvalidCredentials {
				t.Fatalf("attempt %d: expected invalid credentials, got %s", i, got)
			}
			if got := g.Attempts("alice"); got != i {
				t.Fatalf("attempt %d: counter is %d", i, got)
			}
		}
		if got := g.Authenticate("alice", "wrong"); got != LoginNewlyLocked {
			t.Fatalf("threshold attempt: expected newly locked, got %s", got)
		}

		extra := rapid.IntRange(0, 5).Draw(t, "extra")
		for i := 0; i < extra; i++ {
			password := rapid.SampledFrom([]string{"pw1", "wrong"}).Draw(t, "password")
			clock.Advance(time.Duration(rapid.IntRange(0, 1900).Draw(t, "ms")) * time.Millisecond)
			if got := g.Authenticate("alice", password); got != LoginAccountLocked {
				t.Fatalf("while locked: expected account locked, got %s", got)
			}
		}

		clock.Advance(10 * time.Second)
		if got := g.Authenticate("alice", "pw1"); got != LoginSuccess {
			t.Fatalf("after expiry: expected success, got %s", got)
		}
	})
}

func TestLoginGuardConcurrentFailures(t *testing.T) {
	g, _ := newTestGuard(3)

	const attempts = 50
	results := make(chan LoginResult, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- g.Authenticate("alice", "wrong")
		}()
	}
	wg.Wait()
	close(results)

	counts := make(map[LoginResult]int)
	for r := range results {
		counts[r]++
	}

	// No failure is lost and exactly one of them creates the lock
	assert.Equal(t, 2, counts[LoginInvalidCredentials])
	assert.Equal(t, 1, counts[LoginNewlyLocked])
	assert.Equal(t, attempts-3, counts[LoginAccountLocked])
	assert.Equal(t, 3, g.Attempts("alice"))
}
