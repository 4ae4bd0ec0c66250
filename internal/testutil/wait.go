// Package testutil holds small test-only helpers shared across package
// tests, grounded on the teacher's internal/testutil polling idiom.
package testutil

import (
	"testing"
	"time"
)

// WaitFor polls check every 10ms until it returns true or timeout elapses,
// failing t with msg if the deadline is reached first. Useful for asserting
// on state mutated by a background goroutine (e.g. a circuit breaker's
// half-open probe, an alert dispatcher's async sink).
func WaitFor(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !check() {
		t.Fatalf("timed out waiting: %s", msg)
	}
}
