package episode

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"safekernel/internal/controller"
	"safekernel/internal/gate"
	"safekernel/internal/kernelcore"
	"safekernel/internal/ledger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

func realpath(p string) (string, error) {
	return filepath.EvalSymlinks(p)
}

func sequentialClock(start int64) ledger.Clock {
	t := start
	return func() int64 {
		t++
		return t
	}
}

func newTestEpisode(t *testing.T, ws string) (*Episode, string) {
	t.Helper()
	key := []byte("episode-test-key")
	ledgerPath := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.Open(ledgerPath, sequentialClock(0))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	root, err := filepath.EvalSymlinks(ws)
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}

	gateCfg := gate.Config{SigningKey: key, Realpath: realpath}
	ctrlCfg := controller.Config{SigningKey: key}
	state := kernelcore.StateSnapshot{WorkspaceRoot: root}

	ep := New(gateCfg, ctrlCfg, l, state)
	return ep, ledgerPath
}

// S1: an approved proposal executes and produces the full 5-entry ledger
// sequence (episode_begin, proposal_seen, gate_decision, exec_result,
// episode_end).
func TestRunProposalApproveAndExecute(t *testing.T) {
	ws := t.TempDir()
	ep, ledgerPath := newTestEpisode(t, ws)

	if err := ep.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	proposal := kernelcore.Proposal{Actions: []kernelcore.Action{
		{Kind: kernelcore.ActionWriteFile, Path: "a.py", Content: "x = 1\n"},
	}}

	outcome, err := ep.RunProposal(context.Background(), proposal)
	if err != nil {
		t.Fatalf("RunProposal: %v", err)
	}
	if outcome.Status != StatusOK {
		t.Fatalf("expected StatusOK, got %s", outcome.Status)
	}
	if !outcome.Decision.Allowed {
		t.Fatalf("expected decision allowed, got reason=%s", outcome.Decision.Reason)
	}

	if err := ep.End(StatusOK); err != nil {
		t.Fatalf("End: %v", err)
	}

	entries, err := ledger.ReadAll(ledgerPath)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 ledger entries, got %d", len(entries))
	}
	wantTypes := []kernelcore.EventType{
		kernelcore.EventEpisodeBegin,
		kernelcore.EventProposalSeen,
		kernelcore.EventGateDecision,
		kernelcore.EventExecResult,
		kernelcore.EventEpisodeEnd,
	}
	for i, want := range wantTypes {
		if entries[i].EventType != want {
			t.Fatalf("entry %d: expected %s, got %s", i, want, entries[i].EventType)
		}
	}

	data, err := os.ReadFile(filepath.Join(ws, "a.py"))
	if err != nil {
		t.Fatalf("ReadFile workspace file: %v", err)
	}
	if string(data) != "x = 1\n" {
		t.Fatalf("unexpected workspace content: %q", data)
	}
}

// S2: a path-escape proposal is denied before any execution; the ledger
// records exactly 4 entries (no exec_result) and the workspace is
// unchanged.
func TestRunProposalPathEscapeIsDenied(t *testing.T) {
	ws := t.TempDir()
	ep, ledgerPath := newTestEpisode(t, ws)

	if err := ep.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	proposal := kernelcore.Proposal{Actions: []kernelcore.Action{
		{Kind: kernelcore.ActionWriteFile, Path: "../outside.py", Content: "evil = 1\n"},
	}}

	outcome, err := ep.RunProposal(context.Background(), proposal)
	if err != nil {
		t.Fatalf("RunProposal: %v", err)
	}
	if outcome.Status != StatusDenied {
		t.Fatalf("expected StatusDenied, got %s", outcome.Status)
	}
	if outcome.Decision.Allowed {
		t.Fatal("expected decision denied")
	}
	if outcome.Decision.Reason != kernelcore.ReasonPathEscape {
		t.Fatalf("expected path_escape, got %s", outcome.Decision.Reason)
	}

	if err := ep.End(StatusDenied); err != nil {
		t.Fatalf("End: %v", err)
	}

	entries, err := ledger.ReadAll(ledgerPath)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 ledger entries (no exec_result), got %d", len(entries))
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(ws), "outside.py")); err == nil {
		t.Fatal("workspace escape must not have created a file outside the workspace")
	}
}

// S3: writes totaling 2000 KiB, under the 2 MiB total-write budget, are
// allowed; adding one more 200 KiB write (2200 KiB in total) pushes the
// total over budget and is denied.
func TestRunProposalTotalWriteBudgetBoundary(t *testing.T) {
	ws := t.TempDir()

	chunk := strings.Repeat("a", 400*1024)

	t.Run("at_budget_allowed", func(t *testing.T) {
		ep, _ := newTestEpisode(t, ws)
		ep.Begin(context.Background())
		actions := make([]kernelcore.Action, 5)
		for i := range actions {
			actions[i] = kernelcore.Action{Kind: kernelcore.ActionWriteFile, Path: filepathName(i), Content: chunk}
		}
		outcome, err := ep.RunProposal(context.Background(), kernelcore.Proposal{Actions: actions})
		if err != nil {
			t.Fatalf("RunProposal: %v", err)
		}
		if !outcome.Decision.Allowed {
			t.Fatalf("expected 2000KiB total write to be allowed, got reason=%s", outcome.Decision.Reason)
		}
	})

	t.Run("over_budget_denied", func(t *testing.T) {
		ep, _ := newTestEpisode(t, ws)
		ep.Begin(context.Background())
		actions := make([]kernelcore.Action, 6)
		for i := 0; i < 5; i++ {
			actions[i] = kernelcore.Action{Kind: kernelcore.ActionWriteFile, Path: filepathName(i), Content: chunk}
		}
		actions[5] = kernelcore.Action{Kind: kernelcore.ActionWriteFile, Path: "extra.py", Content: strings.Repeat("b", 200*1024)}

		outcome, err := ep.RunProposal(context.Background(), kernelcore.Proposal{Actions: actions})
		if err != nil {
			t.Fatalf("RunProposal: %v", err)
		}
		if outcome.Decision.Allowed {
			t.Fatal("expected 2200KiB total write to be denied")
		}
		if outcome.Decision.Reason != kernelcore.ReasonBudgetExceeded {
			t.Fatalf("expected budget_exceeded, got %s", outcome.Decision.Reason)
		}
	})
}

func filepathName(i int) string {
	return "chunk" + string(rune('a'+i)) + ".bin"
}

// Cancellation: an episode torn down mid-flight still records a
// cancelled episode_end, without attempting to roll back whatever the
// Controller already executed and logged.
func TestCancelRecordsCancelledEnd(t *testing.T) {
	ws := t.TempDir()
	ep, ledgerPath := newTestEpisode(t, ws)

	if err := ep.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := ep.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	entries, err := ledger.ReadAll(ledgerPath)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	last := entries[len(entries)-1]
	if last.EventType != kernelcore.EventEpisodeEnd {
		t.Fatalf("expected final entry to be episode_end, got %s", last.EventType)
	}
	if last.Payload["status"] != string(StatusCancelled) {
		t.Fatalf("expected status cancelled, got %v", last.Payload["status"])
	}
}
