package gate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"safekernel/internal/kernelcore"
)

func testConfig(t *testing.T) (Config, string) {
	t.Helper()
	ws := t.TempDir()
	cfg := Config{
		SigningKey: []byte("test-signing-key"),
		Realpath:   filepath.EvalSymlinks,
	}
	return cfg, ws
}

func state(ws string) kernelcore.StateSnapshot {
	return kernelcore.StateSnapshot{WorkspaceRoot: ws, Notes: map[string]string{}}
}

func TestEvaluateRejectsEmptyProposal(t *testing.T) {
	cfg, ws := testConfig(t)
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{})
	if d.Allowed || d.Reason != kernelcore.ReasonEmptyProposal {
		t.Fatalf("expected empty_proposal denial, got %+v", d)
	}
}

func TestEvaluateRejectsTooManyActions(t *testing.T) {
	cfg, ws := testConfig(t)
	actions := make([]kernelcore.Action, MaxActionsPerProposal+1)
	for i := range actions {
		actions[i] = kernelcore.Action{Kind: kernelcore.ActionReadFile, Path: "a.py"}
	}
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{Actions: actions})
	if d.Allowed || d.Reason != kernelcore.ReasonTooManyActions {
		t.Fatalf("expected too_many_actions denial, got %+v", d)
	}
}

func TestEvaluateAllowsMaxActions(t *testing.T) {
	cfg, ws := testConfig(t)
	os.WriteFile(filepath.Join(ws, "a.py"), []byte("x=1\n"), 0644)
	actions := make([]kernelcore.Action, MaxActionsPerProposal)
	for i := range actions {
		actions[i] = kernelcore.Action{Kind: kernelcore.ActionReadFile, Path: "a.py"}
	}
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{Actions: actions})
	if !d.Allowed {
		t.Fatalf("expected allow at exactly the action limit, got %+v", d)
	}
}

func TestEvaluateRejectsUnknownAction(t *testing.T) {
	cfg, ws := testConfig(t)
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{
		Actions: []kernelcore.Action{{Kind: "DELETE_EVERYTHING"}},
	})
	if d.Allowed || d.Reason != kernelcore.ReasonUnknownAction {
		t.Fatalf("expected unknown_action denial, got %+v", d)
	}
}

func TestEvaluateRejectsGitDirSegment(t *testing.T) {
	cfg, ws := testConfig(t)
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{
		Actions: []kernelcore.Action{{Kind: kernelcore.ActionReadFile, Path: ".git/config"}},
	})
	if d.Allowed || d.Reason != kernelcore.ReasonBlockedSegment {
		t.Fatalf("expected blocked_segment denial, got %+v", d)
	}
}

func TestEvaluateRejectsPathEscape(t *testing.T) {
	cfg, ws := testConfig(t)
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{
		Actions: []kernelcore.Action{{Kind: kernelcore.ActionReadFile, Path: "../outside.py"}},
	})
	if d.Allowed || d.Reason != kernelcore.ReasonPathEscape {
		t.Fatalf("expected path_escape denial, got %+v", d)
	}
}

func TestEvaluateRejectsSymlinkEscape(t *testing.T) {
	cfg, ws := testConfig(t)
	outside := t.TempDir()
	os.WriteFile(filepath.Join(outside, "secret.py"), []byte("s=1\n"), 0644)
	if err := os.Symlink(filepath.Join(outside, "secret.py"), filepath.Join(ws, "link.py")); err != nil {
		t.Skipf("symlink unsupported in this environment: %v", err)
	}
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{
		Actions: []kernelcore.Action{{Kind: kernelcore.ActionReadFile, Path: "link.py"}},
	})
	if d.Allowed || d.Reason != kernelcore.ReasonPathEscape {
		t.Fatalf("expected path_escape denial for symlink escape, got %+v", d)
	}
}

func TestEvaluateWriteFileExactBudgetAllowed(t *testing.T) {
	cfg, ws := testConfig(t)
	content := strings.Repeat("a", MaxPerFileWriteBytes)
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{
		Actions: []kernelcore.Action{{Kind: kernelcore.ActionWriteFile, Path: "out.py", Content: content}},
	})
	if !d.Allowed {
		t.Fatalf("expected allow at exactly the per-file budget, got %+v", d)
	}
}

func TestEvaluateWriteFileOverBudgetDenied(t *testing.T) {
	cfg, ws := testConfig(t)
	content := strings.Repeat("a", MaxPerFileWriteBytes+1)
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{
		Actions: []kernelcore.Action{{Kind: kernelcore.ActionWriteFile, Path: "out.py", Content: content}},
	})
	if d.Allowed || d.Reason != kernelcore.ReasonBudgetExceeded {
		t.Fatalf("expected budget_exceeded denial, got %+v", d)
	}
}

func TestEvaluateRejectsDuplicateWritePath(t *testing.T) {
	cfg, ws := testConfig(t)
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{
		Actions: []kernelcore.Action{
			{Kind: kernelcore.ActionWriteFile, Path: "out.py", Content: "a"},
			{Kind: kernelcore.ActionWriteFile, Path: "out.py", Content: "b"},
		},
	})
	if d.Allowed || d.Reason != kernelcore.ReasonDuplicateWrite {
		t.Fatalf("expected duplicate_write denial, got %+v", d)
	}
}

func TestEvaluateRunTestsAllowlist(t *testing.T) {
	cfg, ws := testConfig(t)
	cases := []struct {
		argv []string
		ok   bool
	}{
		{[]string{"pytest", "-q"}, true},
		{[]string{"pytest", "-q", "tests/test_a.py::test_one"}, true},
		{[]string{"python", "-m", "pytest", "-q", "tests/test_a.py"}, true},
		{[]string{"pytest", "-q", "--maxfail=1"}, false},
		{[]string{"pytest", "-q", "-s"}, false},
		{[]string{"pytest", "-q", "-x"}, false},
		{[]string{"pytest", "-q", "-k", "test_one"}, false},
		{[]string{"bash", "-c", "rm -rf /"}, false},
		{[]string{"pytest"}, false},
	}
	for _, c := range cases {
		d := Evaluate(cfg, state(ws), kernelcore.Proposal{
			Actions: []kernelcore.Action{{Kind: kernelcore.ActionRunTests, Argv: c.argv}},
		})
		if d.Allowed != c.ok {
			t.Errorf("argv %v: expected allowed=%v, got %+v", c.argv, c.ok, d)
		}
	}
}

func TestEvaluateRunTestsRejectsFlagAfterNodeIDPrefix(t *testing.T) {
	cfg, ws := testConfig(t)
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{
		Actions: []kernelcore.Action{{Kind: kernelcore.ActionRunTests, Argv: []string{"pytest", "-q", "-s"}}},
	})
	if d.Allowed || d.Reason != kernelcore.ReasonBadTestArgv {
		t.Fatalf("expected bad_test_argv denial for trailing -s, got %+v", d)
	}
}

func TestEvaluateApplyPatchPathEscapeDenied(t *testing.T) {
	cfg, ws := testConfig(t)
	diff := `diff --git a/../outside.py b/../outside.py
--- a/../outside.py
+++ b/../outside.py
@@ -1 +1 @@
-x=1
+x=2
`
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{
		Actions: []kernelcore.Action{{Kind: kernelcore.ActionApplyPatch, UnifiedDiff: diff}},
	})
	if d.Allowed || d.Reason != kernelcore.ReasonPathEscape {
		t.Fatalf("expected path_escape denial for escaping patch, got %+v", d)
	}
}

func TestEvaluateApplyPatchNewFileAllowed(t *testing.T) {
	cfg, ws := testConfig(t)
	diff := `diff --git a/src/new.py b/src/new.py
new file mode 100644
index 0000000..e69de29
--- /dev/null
+++ b/src/new.py
@@ -0,0 +1,2 @@
+x=1
+y=2
`
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{
		Actions: []kernelcore.Action{{Kind: kernelcore.ActionApplyPatch, UnifiedDiff: diff}},
	})
	if !d.Allowed {
		t.Fatalf("expected allow for a confined new-file patch, got %+v", d)
	}
}

func TestEvaluateApplyPatchExecutableBitDenied(t *testing.T) {
	cfg, ws := testConfig(t)
	diff := `diff --git a/src/new.sh b/src/new.sh
new file mode 100755
index 0000000..e69de29
--- /dev/null
+++ b/src/new.sh
@@ -0,0 +1 @@
+echo hi
`
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{
		Actions: []kernelcore.Action{{Kind: kernelcore.ActionApplyPatch, UnifiedDiff: diff}},
	})
	if d.Allowed || d.Reason != kernelcore.ReasonPathEscape {
		t.Fatalf("expected path_escape denial for executable-bit new file, got %+v", d)
	}
}

func TestEvaluateRejectsNulInPayload(t *testing.T) {
	cfg, ws := testConfig(t)
	d := Evaluate(cfg, state(ws), kernelcore.Proposal{
		Actions: []kernelcore.Action{{Kind: kernelcore.ActionWriteFile, Path: "out.py", Content: "a\x00b"}},
	})
	if d.Allowed || d.Reason != kernelcore.ReasonNulInPayload {
		t.Fatalf("expected nul_in_payload denial, got %+v", d)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	cfg, ws := testConfig(t)
	os.WriteFile(filepath.Join(ws, "a.py"), []byte("x=1\n"), 0644)
	p := kernelcore.Proposal{
		Actions: []kernelcore.Action{{Kind: kernelcore.ActionReadFile, Path: "a.py"}},
	}
	first := Evaluate(cfg, state(ws), p)
	for i := 0; i < 50; i++ {
		got := Evaluate(cfg, state(ws), p)
		if got.InputHash != first.InputHash || got.Signature != first.Signature || got.Reason != first.Reason {
			t.Fatalf("Evaluate is not deterministic across repeated calls: %+v vs %+v", first, got)
		}
	}
}

func TestEvaluateApprovedActionsMatchOnAllow(t *testing.T) {
	cfg, ws := testConfig(t)
	os.WriteFile(filepath.Join(ws, "a.py"), []byte("x=1\n"), 0644)
	p := kernelcore.Proposal{
		Actions: []kernelcore.Action{{Kind: kernelcore.ActionReadFile, Path: "a.py"}},
	}
	d := Evaluate(cfg, state(ws), p)
	if !d.Allowed || len(d.ApprovedActions) != 1 {
		t.Fatalf("expected one approved action, got %+v", d)
	}
	if !kernelcore.VerifySignature(cfg.SigningKey, d) {
		t.Fatalf("expected signature to verify")
	}
}
