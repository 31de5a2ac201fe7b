package testutil

import (
	"testing"
	"time"
)

const (
	// MaxFuzzDatagram matches the UDP read buffer.
	MaxFuzzDatagram = 65535
	FuzzBudget      = 100 * time.Millisecond
)

// Datagram trims fuzz input to what a single UDP read can deliver.
func Datagram(b []byte) []byte {
	if len(b) > MaxFuzzDatagram {
		return b[:MaxFuzzDatagram]
	}
	return b
}

// Bounded runs fn and fails t when it is still running after budget.
func Bounded(t testing.TB, budget time.Duration, fn func()) {
	t.Helper()
	if budget <= 0 {
		budget = FuzzBudget
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("%s: still running after %s", t.Name(), budget)
	}
}
