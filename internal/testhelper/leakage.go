package testhelper

import (
	"fmt"

	"go.uber.org/goleak"
)

// mustHaveNoGoroutines reports Goroutines which are still running after all
// tests of a package finished.
func mustHaveNoGoroutines() error {
	if err := goleak.Find(
		// opencensus is pulled in by labkit and starts a worker on init.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	); err != nil {
		return fmt.Errorf("goroutines running after all tests: %w", err)
	}
	return nil
}
