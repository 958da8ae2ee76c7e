package testhelper

import (
	"fmt"
	"os"
	"testing"

	"gitlab.com/gitlab-org/shardkv/internal/log"
)

// RunOption is an option that can be passed to Run.
type RunOption func(*runConfig)

type runConfig struct {
	setup                  func() error
	disableGoroutineChecks bool
}

// WithSetup allows the caller of Run to pass a setup function that will be called after global
// test state has been configured.
func WithSetup(setup func() error) RunOption {
	return func(cfg *runConfig) {
		cfg.setup = setup
	}
}

// WithDisabledGoroutineChecker disables checking for leaked Goroutines after tests have run.
func WithDisabledGoroutineChecker() RunOption {
	return func(cfg *runConfig) {
		cfg.disableGoroutineChecks = true
	}
}

// Run sets up required testing state and executes the given test suite. It can optionally receive a
// variable number of RunOptions.
func Run(m *testing.M, opts ...RunOption) {
	// Run tests in a separate function such that we can use deferred statements and still
	// (indirectly) call `os.Exit()` in case the test setup failed.
	if err := func() error {
		var cfg runConfig
		for _, opt := range opts {
			opt(&cfg)
		}

		if err := log.Configure(log.Loggers, "json", "panic"); err != nil {
			return err
		}

		if cfg.setup != nil {
			if err := cfg.setup(); err != nil {
				return fmt.Errorf("error calling setup function: %w", err)
			}
		}

		if code := m.Run(); code != 0 {
			return fmt.Errorf("tests failed with exit code %d", code)
		}

		if !cfg.disableGoroutineChecks {
			if err := mustHaveNoGoroutines(); err != nil {
				return err
			}
		}

		return nil
	}(); err != nil {
		fmt.Printf("%s\n", err)
		os.Exit(1)
	}
}
