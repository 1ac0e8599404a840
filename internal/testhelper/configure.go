package testhelper

import (
	"fmt"
	"os"
	"testing"

	"gitlab.com/gitlab-org/gitaly-cluster/internal/log"
	"go.uber.org/goleak"
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

// Run sets up required testing state and executes the given test suite. Unless disabled, the
// suite fails if any Goroutine is still running once the tests have finished.
func Run(m *testing.M, opts ...RunOption) {
	os.Exit(run(m, opts...))
}

func run(m *testing.M, opts ...RunOption) int {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := log.Configure(log.Loggers, "json", "panic"); err != nil {
		fmt.Printf("configure logging: %s\n", err)
		return 1
	}

	if cfg.setup != nil {
		if err := cfg.setup(); err != nil {
			fmt.Printf("error calling setup function: %s\n", err)
			return 1
		}
	}

	code := m.Run()
	if code != 0 || cfg.disableGoroutineChecks {
		return code
	}

	if err := goleak.Find(); err != nil {
		fmt.Printf("goroutines leaked: %s\n", err)
		return 1
	}

	return 0
}
