// Package kernelcore defines the immutable value types shared by every
// component of the safety kernel: the workspace snapshot the Gate sees,
// the closed Action variant a Proposal may contain, and the Gate's signed
// Decision. Values in this package are constructed once and never mutated;
// canon.go derives their canonical encoding and content hash.
package kernelcore

// StateSnapshot is the workspace context visible to the Gate.
// WorkspaceRoot must be an absolute, symlink-resolved path. Notes is an
// opaque caller-supplied annotation that does not influence gate verdicts
// but is folded into the Decision's input hash for auditability.
type StateSnapshot struct {
	WorkspaceRoot string            `json:"workspace_root"`
	Notes         map[string]string `json:"notes"`
}

// ActionKind enumerates the closed set of actions a Proposal may contain.
// The Gate dispatches on this tag via explicit case analysis; there is no
// open registry of action types by design (see kernelcore.Action doc).
type ActionKind string

const (
	ActionReadFile   ActionKind = "READ_FILE"
	ActionWriteFile  ActionKind = "WRITE_FILE"
	ActionApplyPatch ActionKind = "APPLY_PATCH"
	ActionRunTests   ActionKind = "RUN_TESTS"
	ActionGitDiff    ActionKind = "GIT_DIFF"
	ActionGrep       ActionKind = "GREP"
)

// Action is a tagged value drawn from the closed variant set above. The
// Gate and Controller read only the fields relevant to Kind; fields that
// belong to other kinds are not rejected and are ignored when validating
// and executing (they are still covered by the input hash and signature).
type Action struct {
	Kind ActionKind `json:"kind"`

	// READ_FILE, WRITE_FILE
	Path string `json:"path,omitempty"`

	// WRITE_FILE
	Content string `json:"content,omitempty"`

	// APPLY_PATCH
	UnifiedDiff string `json:"unified_diff,omitempty"`

	// RUN_TESTS
	Argv []string `json:"argv,omitempty"`

	// GIT_DIFF
	Paths   []string `json:"paths,omitempty"`
	Context int      `json:"context,omitempty"`

	// GREP
	Pattern string `json:"pattern,omitempty"`
}

// Proposal is an ordered, non-empty sequence of Actions plus caller
// metadata. Ordering is significant: on approval, actions execute in the
// order declared here.
type Proposal struct {
	Actions []Action          `json:"actions"`
	Meta    map[string]string `json:"meta"`
}

// Reason is a closed enumeration of stable, English Decision reasons.
// New values must be added here, not invented ad hoc by callers, so that
// every possible Gate verdict is enumerable by a reviewer.
type Reason string

const (
	ReasonOK              Reason = "ok"
	ReasonPathEscape      Reason = "path_escape"
	ReasonBlockedSegment  Reason = "blocked_segment"
	ReasonUnknownAction   Reason = "unknown_action"
	ReasonBadTestArgv     Reason = "bad_test_argv"
	ReasonBudgetExceeded  Reason = "budget_exceeded"
	ReasonPatchParseError Reason = "patch_parse_error"
	ReasonNulInPayload    Reason = "nul_in_payload"
	ReasonTooManyActions  Reason = "too_many_actions"
	ReasonDuplicateWrite  Reason = "duplicate_write"
	ReasonEmptyProposal   Reason = "empty_proposal"
)

// Decision is the Gate's verdict on a Proposal. When Allowed is false,
// ApprovedActions is empty: partial approval is not supported, which keeps
// replay and execution atomic per proposal.
type Decision struct {
	Allowed         bool     `json:"allowed"`
	Reason          Reason   `json:"reason"`
	ApprovedActions []Action `json:"approved_actions"`
	InputHash       string   `json:"input_hash"`
	Signature       string   `json:"signature"`
}

// ErrorKind enumerates execution-time failure kinds produced by the
// Controller. These are recorded per-action in ExecResult, never thrown.
type ErrorKind string

const (
	ErrorNone              ErrorKind = ""
	ErrorTimeout           ErrorKind = "timeout"
	ErrorIO                ErrorKind = "io_error"
	ErrorPatchFailed       ErrorKind = "patch_failed"
	ErrorWriteRefused      ErrorKind = "write_refused"
	ErrorRunnerUnavailable ErrorKind = "runner_unavailable"
	ErrorSignatureInvalid  ErrorKind = "signature_invalid"
	ErrorDecisionReused    ErrorKind = "decision_reused"
	ErrorNotAttempted      ErrorKind = "not_attempted"
)

// ExecResult is the per-action outcome of Controller execution.
type ExecResult struct {
	ActionIndex  int        `json:"action_index"`
	Kind         ActionKind `json:"kind"`
	OK           bool       `json:"ok"`
	Stdout       string     `json:"stdout"`
	Stderr       string     `json:"stderr"`
	BytesRead    int64      `json:"bytes_read"`
	BytesWritten int64      `json:"bytes_written"`
	DurationMs   int64      `json:"duration_ms"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
}

// EventType enumerates the valid LedgerEntry.EventType values.
type EventType string

const (
	EventEpisodeBegin EventType = "episode_begin"
	EventProposalSeen EventType = "proposal_seen"
	EventGateDecision EventType = "gate_decision"
	EventExecResult   EventType = "exec_result"
	EventEpisodeEnd   EventType = "episode_end"
)

// LedgerEntry is one hash-chained record in the append-only ledger.
// EntryHash and PrevHash are lowercase hex-encoded SHA-256 digests.
type LedgerEntry struct {
	Seq       uint64          `json:"seq"`
	TS        int64           `json:"ts"`
	PrevHash  string          `json:"prev_hash"`
	EntryHash string          `json:"entry_hash"`
	EventType EventType       `json:"event_type"`
	Payload   map[string]any  `json:"payload"`
}

// ZeroHash is the prev_hash of the first ledger entry: 32 zero bytes,
// hex-encoded.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// BanditArmState holds the Beta-Bernoulli parameters for one arm.
type BanditArmState struct {
	ArmID     string `json:"arm_id"`
	Alpha     int64  `json:"alpha"`
	Beta      int64  `json:"beta"`
	UpdatedAt int64  `json:"updated_at"`
}
