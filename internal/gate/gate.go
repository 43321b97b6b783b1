// Package gate implements the kernel's pure deterministic validator: a
// function (StateSnapshot, Proposal) -> Decision with no I/O, no clock,
// and no randomness. The teacher's safety.DefaultGate (other_examples'
// agent-safety-gate.go) and its registered Checkers inspired the
// structure here, adapted to the kernel's closed Action variant: rather
// than an open Checker registry, every rule is an explicit case in
// Evaluate, per spec ss9's preference for an enumerable ruleset.
package gate

import (
	"strings"

	"safekernel/internal/kernelcore"
	"safekernel/internal/patchsafety"
)

const (
	MaxActionsPerProposal = 64
	MaxTotalWriteBytes    = 2 * 1024 * 1024
	MaxPerFileWriteBytes  = 512 * 1024
)

// KernelVersion and RulesetVersion are compile-time constants folded into
// the Gate's determinism contract (spec ss9): the Gate's only
// "nondeterministic" inputs are in fact fixed at build time.
const (
	KernelVersion  = "1"
	RulesetVersion = "1"
)

// Config carries the Gate's non-value dependencies: the signing key and
// the path resolver. Neither varies per call in production, but both are
// explicit parameters so Evaluate remains a pure function of its inputs
// rather than reading process-global state.
type Config struct {
	SigningKey   []byte
	Realpath     RealpathFunc
}

// Evaluate is the Gate's single entry point. It never panics and never
// returns an error: every anomalous input becomes a denied Decision with
// an enumerated Reason (spec ss4.1 Failure).
func Evaluate(cfg Config, state kernelcore.StateSnapshot, proposal kernelcore.Proposal) kernelcore.Decision {
	inputHash, err := kernelcore.InputHash(state, proposal)
	if err != nil {
		return deny(cfg, "", kernelcore.ReasonUnknownAction)
	}

	reason := validate(cfg, state, proposal)
	if reason != kernelcore.ReasonOK {
		return deny(cfg, inputHash, reason)
	}

	return allow(cfg, inputHash, proposal.Actions)
}

func deny(cfg Config, inputHash string, reason kernelcore.Reason) kernelcore.Decision {
	sig, _ := kernelcore.Sign(cfg.SigningKey, inputHash, false, reason, nil)
	return kernelcore.Decision{
		Allowed:         false,
		Reason:          reason,
		ApprovedActions: nil,
		InputHash:       inputHash,
		Signature:       sig,
	}
}

func allow(cfg Config, inputHash string, actions []kernelcore.Action) kernelcore.Decision {
	sig, _ := kernelcore.Sign(cfg.SigningKey, inputHash, true, kernelcore.ReasonOK, actions)
	return kernelcore.Decision{
		Allowed:         true,
		Reason:          kernelcore.ReasonOK,
		ApprovedActions: actions,
		InputHash:       inputHash,
		Signature:       sig,
	}
}

// validate runs every structural, confinement, and budget rule in order
// and returns the first violated Reason, or ReasonOK if the proposal
// passes every rule.
func validate(cfg Config, state kernelcore.StateSnapshot, proposal kernelcore.Proposal) kernelcore.Reason {
	if len(proposal.Actions) == 0 {
		return kernelcore.ReasonEmptyProposal
	}
	if len(proposal.Actions) > MaxActionsPerProposal {
		return kernelcore.ReasonTooManyActions
	}

	seenWrites := make(map[string]bool, len(proposal.Actions))
	totalWriteBytes := 0

	for _, action := range proposal.Actions {
		switch action.Kind {
		case kernelcore.ActionReadFile, kernelcore.ActionWriteFile:
			if r := checkPath(action.Path, state.WorkspaceRoot, cfg.Realpath); r != "" {
				return r
			}
			if action.Kind == kernelcore.ActionWriteFile {
				if strings.ContainsRune(action.Content, 0) {
					return kernelcore.ReasonNulInPayload
				}
				if seenWrites[action.Path] {
					return kernelcore.ReasonDuplicateWrite
				}
				seenWrites[action.Path] = true

				size := len(action.Content)
				if size > MaxPerFileWriteBytes {
					return kernelcore.ReasonBudgetExceeded
				}
				totalWriteBytes += size
			}

		case kernelcore.ActionApplyPatch:
			if strings.ContainsRune(action.UnifiedDiff, 0) {
				return kernelcore.ReasonNulInPayload
			}
			changes, err := patchsafety.Parse(action.UnifiedDiff)
			if err != nil {
				return kernelcore.ReasonPatchParseError
			}
			viol, err := patchsafety.Confine(
				changes, state.WorkspaceRoot,
				func(p string) (string, error) { return cfg.Realpath(p) },
				MaxPerFileWriteBytes, MaxTotalWriteBytes,
			)
			if err != nil {
				return kernelcore.ReasonPatchParseError
			}
			if viol != nil {
				if viol.Kind == patchsafety.ErrBudgetExceeded {
					return kernelcore.ReasonBudgetExceeded
				}
				return kernelcore.ReasonPathEscape
			}
			for _, c := range changes {
				totalWriteBytes += c.AddedBytes
			}

		case kernelcore.ActionRunTests:
			if !validTestArgv(action.Argv) {
				return kernelcore.ReasonBadTestArgv
			}

		case kernelcore.ActionGitDiff:
			for _, p := range action.Paths {
				if r := checkPath(p, state.WorkspaceRoot, cfg.Realpath); r != "" {
					return r
				}
			}

		case kernelcore.ActionGrep:
			if strings.ContainsRune(action.Pattern, 0) {
				return kernelcore.ReasonNulInPayload
			}
			for _, p := range action.Paths {
				if r := checkPath(p, state.WorkspaceRoot, cfg.Realpath); r != "" {
					return r
				}
			}

		default:
			return kernelcore.ReasonUnknownAction
		}
	}

	if totalWriteBytes > MaxTotalWriteBytes {
		return kernelcore.ReasonBudgetExceeded
	}

	return kernelcore.ReasonOK
}
