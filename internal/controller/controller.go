// Package controller executes a Gate-approved Proposal's actions against
// a confined workspace. Its subprocess lifecycle (context timeout, output
// capture with a byte cap, process-group teardown on timeout) is grounded
// on the teacher's tactile.DirectExecutor (internal/tactile/direct.go and
// platform_unix.go); this package narrows that general-purpose executor
// down to the kernel's six closed action kinds and its signature/replay
// refusal contract.
package controller

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"safekernel/internal/kernelcore"
	"safekernel/internal/logging"
	"safekernel/internal/patchsafety"
)

const (
	DefaultActionTimeout = 60 * time.Second
	MaxActionTimeout     = 600 * time.Second
	RunTestsTotalCap     = 900 * time.Second
	MaxOutputBytes       = 1024 * 1024
	TruncationMarker     = "…[TRUNCATED]"
	KillGrace            = 5 * time.Second
	MaxPerFileWriteBytes = 512 * 1024

	replayLRUCapacity = 4096
)

// Config carries the Controller's execution-time dependencies.
type Config struct {
	SigningKey    []byte
	ActionTimeout time.Duration // 0 means DefaultActionTimeout
	PatchBinary   string        // defaults to "patch" if empty
	Sandbox       SandboxConfig // RUN_TESTS backing executor; zero value is direct mode
}

// SandboxConfig selects and configures the RUN_TESTS backing executor.
// Mirrors config.SandboxConfig's fields; kept local so the Controller
// does not need to import the config package.
type SandboxConfig struct {
	Mode            string // "direct" (default) or "docker"
	DockerImage     string
	MemoryLimitMB   int
	CPUQuota        string
	NetworkDisabled bool
	ReadOnlyRootFS  bool
}

// Controller executes approved actions against one workspace for the
// lifetime of a single episode. It is not safe for concurrent use by
// multiple goroutines within the same episode; episodes use disjoint
// Controller instances.
type Controller struct {
	cfg          Config
	workspaceRoot string
	seenHashes   *lruSet
}

// New creates a Controller rooted at workspaceRoot.
func New(cfg Config, workspaceRoot string) *Controller {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	if cfg.ActionTimeout > MaxActionTimeout {
		cfg.ActionTimeout = MaxActionTimeout
	}
	if cfg.PatchBinary == "" {
		cfg.PatchBinary = "patch"
	}
	return &Controller{
		cfg:           cfg,
		workspaceRoot: workspaceRoot,
		seenHashes:    newLRUSet(replayLRUCapacity),
	}
}

// Execute runs every action in decision.ApprovedActions in order, per the
// spec's proposal_seen -> gate_decision -> exec_result* sequence. It first
// verifies the Decision's signature and rejects replayed input hashes.
func (c *Controller) Execute(ctx context.Context, decision kernelcore.Decision) ([]kernelcore.ExecResult, error) {
	if !decision.Allowed {
		return nil, fmt.Errorf("controller: refusing to execute a denied decision")
	}
	if !kernelcore.VerifySignature(c.cfg.SigningKey, decision) {
		return c.refuseAll(decision, kernelcore.ErrorSignatureInvalid), fmt.Errorf("controller: signature_invalid")
	}
	if c.seenHashes.Contains(decision.InputHash) {
		return c.refuseAll(decision, kernelcore.ErrorDecisionReused), fmt.Errorf("controller: decision_reused")
	}
	c.seenHashes.Add(decision.InputHash)

	results := make([]kernelcore.ExecResult, 0, len(decision.ApprovedActions))
	aborted := false

	for i, action := range decision.ApprovedActions {
		if aborted {
			results = append(results, kernelcore.ExecResult{
				ActionIndex: i,
				Kind:        action.Kind,
				OK:          false,
				ErrorKind:   kernelcore.ErrorNotAttempted,
			})
			continue
		}

		result := c.executeOne(ctx, i, action)
		results = append(results, result)

		switch result.ErrorKind {
		case kernelcore.ErrorTimeout, kernelcore.ErrorIO, kernelcore.ErrorPatchFailed, kernelcore.ErrorWriteRefused:
			aborted = true
		}
	}

	return results, nil
}

func (c *Controller) refuseAll(decision kernelcore.Decision, kind kernelcore.ErrorKind) []kernelcore.ExecResult {
	results := make([]kernelcore.ExecResult, len(decision.ApprovedActions))
	for i, action := range decision.ApprovedActions {
		results[i] = kernelcore.ExecResult{ActionIndex: i, Kind: action.Kind, OK: false, ErrorKind: kind}
	}
	return results
}

func (c *Controller) executeOne(ctx context.Context, index int, action kernelcore.Action) kernelcore.ExecResult {
	start := time.Now()
	var result kernelcore.ExecResult
	result.ActionIndex = index
	result.Kind = action.Kind

	switch action.Kind {
	case kernelcore.ActionReadFile:
		result = c.execReadFile(action)
	case kernelcore.ActionWriteFile:
		result = c.execWriteFile(action)
	case kernelcore.ActionApplyPatch:
		result = c.execApplyPatch(ctx, action)
	case kernelcore.ActionRunTests:
		result = c.execRunTests(ctx, action)
	case kernelcore.ActionGitDiff:
		result = c.execGitDiff(ctx, action)
	case kernelcore.ActionGrep:
		result = c.execGrep(ctx, action)
	default:
		result.ErrorKind = kernelcore.ErrorIO
	}

	result.ActionIndex = index
	result.Kind = action.Kind
	result.DurationMs = time.Since(start).Milliseconds()
	logging.ControllerDebug("exec action %d kind=%s ok=%v duration_ms=%d", index, action.Kind, result.OK, result.DurationMs)
	return result
}

func (c *Controller) resolvePath(rel string) string {
	return filepath.Join(c.workspaceRoot, rel)
}

func (c *Controller) execReadFile(action kernelcore.Action) kernelcore.ExecResult {
	data, err := os.ReadFile(c.resolvePath(action.Path))
	if err != nil {
		return kernelcore.ExecResult{OK: false, ErrorKind: kernelcore.ErrorIO, Stderr: err.Error()}
	}
	content, _ := truncate(data)
	return kernelcore.ExecResult{
		OK:        true,
		Stdout:    content,
		BytesRead: int64(len(data)),
	}
}

// execWriteFile writes content to a temp file in the target's directory
// and atomically renames it into place, enforcing the per-file budget
// again at execution time as defense in depth.
func (c *Controller) execWriteFile(action kernelcore.Action) kernelcore.ExecResult {
	if len(action.Content) > MaxPerFileWriteBytes {
		return kernelcore.ExecResult{OK: false, ErrorKind: kernelcore.ErrorWriteRefused}
	}

	target := c.resolvePath(action.Path)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return kernelcore.ExecResult{OK: false, ErrorKind: kernelcore.ErrorIO, Stderr: err.Error()}
	}

	tmp, err := os.CreateTemp(dir, ".kernel-write-*")
	if err != nil {
		return kernelcore.ExecResult{OK: false, ErrorKind: kernelcore.ErrorIO, Stderr: err.Error()}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(action.Content); err != nil {
		tmp.Close()
		return kernelcore.ExecResult{OK: false, ErrorKind: kernelcore.ErrorIO, Stderr: err.Error()}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return kernelcore.ExecResult{OK: false, ErrorKind: kernelcore.ErrorIO, Stderr: err.Error()}
	}
	if err := tmp.Close(); err != nil {
		return kernelcore.ExecResult{OK: false, ErrorKind: kernelcore.ErrorIO, Stderr: err.Error()}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return kernelcore.ExecResult{OK: false, ErrorKind: kernelcore.ErrorIO, Stderr: err.Error()}
	}

	return kernelcore.ExecResult{OK: true, BytesWritten: int64(len(action.Content))}
}

// execApplyPatch invokes the host patch utility with
// --forward --reject-file=/dev/null --strip=1 semantics; any non-zero
// exit (including a partial/rejected hunk) is reported as patch_failed.
// The patch is first run with --dry-run and applied for real only when
// every hunk applies, so a failing patch leaves no partial application
// committed.
func (c *Controller) execApplyPatch(ctx context.Context, action kernelcore.Action) kernelcore.ExecResult {
	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
	defer cancel()

	var stdout, stderr limitedBuffer
	var err error
	for _, dryRun := range []bool{true, false} {
		args := []string{"--forward", "--reject-file=/dev/null", "--strip=1"}
		if dryRun {
			args = append(args, "--dry-run")
		}
		cmd := exec.CommandContext(execCtx, c.cfg.PatchBinary, args...)
		cmd.Dir = c.workspaceRoot
		cmd.Env = restrictedEnv()
		cmd.Stdin = strings.NewReader(action.UnifiedDiff)
		setupProcessGroup(cmd)

		stdout, stderr = limitedBuffer{}, limitedBuffer{}
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err = runWithKillTimeout(execCtx, cmd); err != nil {
			break
		}
	}
	if execCtx.Err() == context.DeadlineExceeded {
		return kernelcore.ExecResult{
			OK: false, ErrorKind: kernelcore.ErrorTimeout,
			Stdout: stdout.String(), Stderr: stderr.String(),
		}
	}
	if err != nil {
		return kernelcore.ExecResult{
			OK: false, ErrorKind: kernelcore.ErrorPatchFailed,
			Stdout: stdout.String(), Stderr: stderr.String(),
		}
	}
	return kernelcore.ExecResult{OK: true, Stdout: stdout.String(), Stderr: stderr.String()}
}

// execRunTests runs the Gate-approved argv as a subprocess rooted at the
// workspace, with a restricted environment, capped at RunTestsTotalCap.
func (c *Controller) execRunTests(ctx context.Context, action kernelcore.Action) kernelcore.ExecResult {
	if len(action.Argv) == 0 {
		return kernelcore.ExecResult{OK: false, ErrorKind: kernelcore.ErrorRunnerUnavailable}
	}

	timeout := c.cfg.ActionTimeout
	if timeout > RunTestsTotalCap {
		timeout = RunTestsTotalCap
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if c.cfg.Sandbox.Mode == "docker" {
		cmd = exec.CommandContext(execCtx, "docker", dockerRunArgs(c.cfg.Sandbox, c.workspaceRoot, action.Argv)...)
	} else {
		cmd = exec.CommandContext(execCtx, action.Argv[0], action.Argv[1:]...)
		cmd.Dir = c.workspaceRoot
		cmd.Env = restrictedEnv()
	}
	setupProcessGroup(cmd)

	var stdout, stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := runWithKillTimeout(execCtx, cmd)
	if execCtx.Err() == context.DeadlineExceeded {
		return kernelcore.ExecResult{
			OK: false, ErrorKind: kernelcore.ErrorTimeout,
			Stdout: stdout.String(), Stderr: stderr.String(),
		}
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// Non-zero exit means "tests failed", not an execution error:
			// the Controller treats the runner as opaque and only
			// interprets exit code as pass/fail, per spec.
			return kernelcore.ExecResult{OK: true, Stdout: stdout.String(), Stderr: stderr.String()}
		}
		return kernelcore.ExecResult{
			OK: false, ErrorKind: kernelcore.ErrorRunnerUnavailable,
			Stdout: stdout.String(), Stderr: stderr.String(),
		}
	}
	return kernelcore.ExecResult{OK: true, Stdout: stdout.String(), Stderr: stderr.String()}
}

func (c *Controller) execGitDiff(ctx context.Context, action kernelcore.Action) kernelcore.ExecResult {
	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
	defer cancel()

	args := append([]string{"diff"}, action.Paths...)
	if action.Context > 0 {
		args = append([]string{"diff", fmt.Sprintf("-U%d", action.Context)}, action.Paths...)
	}
	cmd := exec.CommandContext(execCtx, "git", args...)
	cmd.Dir = c.workspaceRoot
	cmd.Env = restrictedEnv()
	setupProcessGroup(cmd)

	var stdout, stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := runWithKillTimeout(execCtx, cmd)
	if execCtx.Err() == context.DeadlineExceeded {
		return kernelcore.ExecResult{OK: false, ErrorKind: kernelcore.ErrorTimeout, Stderr: stderr.String()}
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return kernelcore.ExecResult{OK: false, ErrorKind: kernelcore.ErrorIO, Stderr: stderr.String()}
		}
	}
	return kernelcore.ExecResult{OK: true, Stdout: patchsafety.NormalizeDiff(stdout.String()), Stderr: stderr.String()}
}

func (c *Controller) execGrep(ctx context.Context, action kernelcore.Action) kernelcore.ExecResult {
	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
	defer cancel()

	args := append([]string{"-n", "-I", "--", action.Pattern}, action.Paths...)
	cmd := exec.CommandContext(execCtx, "grep", args...)
	cmd.Dir = c.workspaceRoot
	cmd.Env = restrictedEnv()
	setupProcessGroup(cmd)

	var stdout, stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := runWithKillTimeout(execCtx, cmd)
	if execCtx.Err() == context.DeadlineExceeded {
		return kernelcore.ExecResult{OK: false, ErrorKind: kernelcore.ErrorTimeout, Stderr: stderr.String()}
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			// grep exit 1 means "no matches", not an execution failure.
			return kernelcore.ExecResult{OK: true, Stdout: stdout.String()}
		}
		return kernelcore.ExecResult{OK: false, ErrorKind: kernelcore.ErrorIO, Stderr: stderr.String()}
	}
	return kernelcore.ExecResult{OK: true, Stdout: stdout.String()}
}

// restrictedEnv returns a minimal environment with no inherited
// credentials and PATH limited to system defaults.
func restrictedEnv() []string {
	return []string{"PATH=/usr/bin:/bin:/usr/local/bin", "HOME=/tmp", "LANG=C.UTF-8"}
}

// runWithKillTimeout runs cmd to completion, and on context deadline
// sends SIGTERM to the process group followed by SIGKILL after a grace
// period if the process has not exited.
func runWithKillTimeout(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		terminateProcessGroup(cmd)
		select {
		case <-done:
		case <-time.After(KillGrace):
			killProcessGroup(cmd)
			<-done
		}
		return ctx.Err()
	}
}

func truncate(data []byte) (string, bool) {
	if len(data) <= MaxOutputBytes {
		return string(data), false
	}
	return string(data[:MaxOutputBytes]) + TruncationMarker, true
}

// limitedBuffer caps total bytes written and appends TruncationMarker
// once the cap is exceeded, matching the Controller's 1 MiB per-stream
// capture contract.
type limitedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.truncated {
		return len(p), nil
	}
	remaining := MaxOutputBytes - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		b.buf.WriteString(TruncationMarker)
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		b.buf.WriteString(TruncationMarker)
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string { return b.buf.String() }

// lruSet is a bounded set used to reject replayed Decision input hashes
// within one episode's lifetime.
type lruSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{capacity: capacity, order: list.New(), index: make(map[string]*list.Element)}
}

func (s *lruSet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[key]
	return ok
}

func (s *lruSet) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[key]; ok {
		return
	}
	elem := s.order.PushFront(key)
	s.index[key] = elem
	if s.order.Len() > s.capacity {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.index, oldest.Value.(string))
		}
	}
}
