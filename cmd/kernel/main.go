// Package main implements the safety kernel's CLI entry point.
//
// # File Index
//
//   - main.go     - entry point, rootCmd, global flags, logger init
//   - cmd_run.go  - run command: drives episodes against a workspace
//   - cmd_replay.go - replay command: verifies a ledger file
//   - proposer.go - the pluggable Proposer interface and its file-backed implementation
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"safekernel/internal/logging"
)

var (
	verbose   bool
	workspace string

	logger *zap.Logger
)

// Exit codes per the episode runner's external CLI contract.
const (
	exitOK             = 0
	exitLedgerInvalid  = 2
	exitGateDivergence = 3
	exitIOError        = 4
	exitUsageError     = 64
)

var rootCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Deterministic safety kernel for untrusted code-repair proposals",
	Long: `kernel mediates between an untrusted proposer and a workspace.

It gates every proposed action against deterministic rules, executes only
what was approved under strict path and budget confinement, and records
every decision and outcome into an append-only, hash-chained ledger that
can be independently replayed to verify integrity and gate determinism.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		if err := logging.Initialize(ws); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
		} else if err := logging.InitAudit(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize audit logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAudit()
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: current)")

	rootCmd.AddCommand(runCmd, replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var exitErr *cliError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return exitUsageError
}

// cliError carries an explicit exit code through cobra's error return path.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }
