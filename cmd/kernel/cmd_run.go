package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"safekernel/internal/bandit"
	"safekernel/internal/config"
	"safekernel/internal/controller"
	"safekernel/internal/episode"
	"safekernel/internal/gate"
	"safekernel/internal/kernelcore"
	"safekernel/internal/ledger"
	"safekernel/internal/logging"
)

var (
	runEpisodes      int
	runConfigPath    string
	runProposalsPath string
	runArms          []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one or more episodes against a workspace",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().IntVar(&runEpisodes, "episodes", 1, "number of episodes to run")
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to kernel.yaml (default: <workspace>/kernel.yaml)")
	runCmd.Flags().StringVar(&runProposalsPath, "proposals", "", "path to a JSON array of proposals (default: empty-proposal stub, always denied by the gate)")
	runCmd.Flags().StringSliceVar(&runArms, "arms", []string{"conservative", "aggressive"}, "named bandit strategy arms")
}

func runRun(cmd *cobra.Command, args []string) error {
	ws := workspace
	if ws == "" {
		var err error
		ws, err = os.Getwd()
		if err != nil {
			return &cliError{code: exitIOError, err: fmt.Errorf("getwd: %w", err)}
		}
	}
	root, err := filepath.EvalSymlinks(ws)
	if err != nil {
		return &cliError{code: exitIOError, err: fmt.Errorf("resolve workspace: %w", err)}
	}

	cfgPath := runConfigPath
	if cfgPath == "" {
		cfgPath = filepath.Join(root, "kernel.yaml")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return &cliError{code: exitIOError, err: fmt.Errorf("load config: %w", err)}
	}

	signingKey, err := signingKeyFor(root)
	if err != nil {
		return &cliError{code: exitIOError, err: err}
	}

	ledgerPath := filepath.Join(root, "run_logs", "ledger.jsonl")
	l, err := ledger.Open(ledgerPath, func() int64 { return time.Now().UnixMicro() })
	if err != nil {
		return &cliError{code: exitIOError, err: fmt.Errorf("open ledger: %w", err)}
	}
	defer l.Close()

	banditPath := cfg.Bandit.DatabasePath
	if !filepath.IsAbs(banditPath) {
		banditPath = filepath.Join(root, banditPath)
	}
	seed, err := cryptoSeed()
	if err != nil {
		return &cliError{code: exitIOError, err: err}
	}
	b, err := bandit.Open(banditPath, mathrand.New(mathrand.NewSource(seed)))
	if err != nil {
		return &cliError{code: exitIOError, err: fmt.Errorf("open bandit store: %w", err)}
	}
	defer b.Close()

	var proposer Proposer
	if runProposalsPath != "" {
		proposer, err = newFileProposer(runProposalsPath)
		if err != nil {
			return &cliError{code: exitIOError, err: err}
		}
	} else {
		proposer = emptyProposer{}
	}

	gateCfg := gate.Config{SigningKey: signingKey, Realpath: filepath.EvalSymlinks}
	ctrlCfg := controller.Config{
		SigningKey:    signingKey,
		ActionTimeout: time.Duration(cfg.Execution.DefaultTimeoutSeconds) * time.Second,
		PatchBinary:   cfg.Execution.PatchBinary,
		Sandbox: controller.SandboxConfig{
			Mode:            cfg.Sandbox.Mode,
			DockerImage:     cfg.Sandbox.DockerImage,
			MemoryLimitMB:   cfg.Sandbox.MemoryLimitMB,
			CPUQuota:        cfg.Sandbox.CPUQuota,
			NetworkDisabled: cfg.Sandbox.NetworkDisabled,
			ReadOnlyRootFS:  cfg.Sandbox.ReadOnlyRootFS,
		},
	}
	state := kernelcore.StateSnapshot{WorkspaceRoot: root}

	for i := 0; i < runEpisodes; i++ {
		armID, err := b.Select(runArms)
		if err != nil {
			return &cliError{code: exitIOError, err: fmt.Errorf("bandit select: %w", err)}
		}

		proposal, err := proposer.Propose(state, armID)
		if err != nil {
			logging.CLIDebug("episode %d: proposer stopped: %v", i, err)
			break
		}

		ep := episode.New(gateCfg, ctrlCfg, l, state)
		if err := ep.Begin(context.Background()); err != nil {
			return &cliError{code: exitIOError, err: fmt.Errorf("episode begin: %w", err)}
		}

		outcome, err := ep.RunProposal(context.Background(), proposal)
		if err != nil {
			return &cliError{code: exitIOError, err: fmt.Errorf("episode %d: %w", i, err)}
		}

		reward := 0
		if outcome.Status == episode.StatusOK {
			reward = 1
		}
		if err := b.Update(armID, reward, time.Now().UnixMicro(), ep.ID()); err != nil {
			return &cliError{code: exitIOError, err: fmt.Errorf("bandit update: %w", err)}
		}

		if err := ep.End(outcome.Status); err != nil {
			return &cliError{code: exitIOError, err: fmt.Errorf("episode end: %w", err)}
		}

		logging.CLI("episode %d: arm=%s status=%s", i, armID, outcome.Status)
	}

	return nil
}

// signingKeyFor loads a persistent HMAC signing key from
// <root>/run_logs/signing.key, generating one on first run. The key is
// not a spec-defined artifact; it is local operational state, kept
// outside run_logs/ledger.jsonl and outcomes.sqlite.
func signingKeyFor(root string) ([]byte, error) {
	path := filepath.Join(root, "run_logs", "signing.key")
	if data, err := os.ReadFile(path); err == nil && len(data) == 32 {
		return data, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create run_logs: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return key, nil
}

func cryptoSeed() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return 0, fmt.Errorf("seed bandit rng: %w", err)
	}
	return n.Int64(), nil
}
