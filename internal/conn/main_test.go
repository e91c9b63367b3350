package conn

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks that no goroutine spawned by a Connection's read/write
// loops or the idle reaper outlives its test, since this package is the
// one place in the gateway where per-connection goroutines are started
// directly rather than handed to the worker pool.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
