package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"safekernel/internal/gate"
	"safekernel/internal/logging"
	"safekernel/internal/replay"
)

var replayLedgerPath string

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Verify a ledger's chain integrity, signatures, and gate determinism",
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayLedgerPath, "ledger", "", "path to ledger.jsonl")
	replayCmd.MarkFlagRequired("ledger")
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayLedgerPath == "" {
		return &cliError{code: exitUsageError, err: fmt.Errorf("--ledger is required")}
	}

	root := filepath.Dir(filepath.Dir(replayLedgerPath))
	signingKey, err := os.ReadFile(filepath.Join(root, "run_logs", "signing.key"))
	if err != nil {
		return &cliError{code: exitIOError, err: fmt.Errorf("load signing key: %w", err)}
	}

	gateCfg := gate.Config{SigningKey: signingKey, Realpath: filepath.EvalSymlinks}

	verdict, err := replay.Verify(replayLedgerPath, gateCfg)
	if err != nil {
		return &cliError{code: exitIOError, err: fmt.Errorf("replay: %w", err)}
	}

	logging.ReplayDebug("verdict: valid=%v reason=%s entries=%d", verdict.Valid, verdict.Reason, verdict.EntryCount)

	if verdict.Valid {
		fmt.Printf("valid: %d entries\n", verdict.EntryCount)
		return nil
	}

	ref := ""
	if verdict.FirstDivergence != nil {
		ref = fmt.Sprintf(" at seq=%d event_type=%s", verdict.FirstDivergence.Seq, verdict.FirstDivergence.EventType)
	}
	fmt.Fprintf(os.Stderr, "invalid: %s%s\n", verdict.Reason, ref)

	code := exitLedgerInvalid
	if verdict.Reason == replay.ReasonGateDivergence {
		code = exitGateDivergence
	}
	return &cliError{code: code, err: fmt.Errorf("replay verification failed: %s", verdict.Reason)}
}
