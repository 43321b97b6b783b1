// Package replay implements the kernel's Replay Verifier: it reconstructs
// a ledger's hash chain, re-runs the Gate on every embedded
// (StateSnapshot, Proposal) pair to certify determinism, and checks every
// Decision's signature. It performs no side effects besides reading the
// ledger file. Its tamper-detection style (walking a chain and reporting
// the first divergent entry rather than just true/false) is grounded on
// the teacher pack's evidence chain verifier (other_examples,
// evidence_test.go), adapted from an in-memory evidence list to the
// kernel's on-disk JSON-lines ledger and its Gate-determinism check.
package replay

import (
	"encoding/json"
	"fmt"

	"safekernel/internal/gate"
	"safekernel/internal/kernelcore"
	"safekernel/internal/ledger"
)

// Reason enumerates the Replay Verifier's possible verdict reasons.
type Reason string

const (
	ReasonValid             Reason = "valid"
	ReasonHashMismatch      Reason = "hash_mismatch"
	ReasonSeqGap            Reason = "seq_gap"
	ReasonSignatureInvalid  Reason = "signature_invalid"
	ReasonGateDivergence    Reason = "gate_divergence"
	ReasonMalformedPayload  Reason = "malformed_payload"
)

// EntryRef identifies a specific ledger entry for diagnostic purposes.
type EntryRef struct {
	Seq       uint64 `json:"seq"`
	EventType string `json:"event_type"`
}

// Verdict is the Replay Verifier's structured output.
type Verdict struct {
	Valid           bool      `json:"valid"`
	Reason          Reason    `json:"reason"`
	EntryCount      uint64    `json:"entry_count"`
	FirstDivergence *EntryRef `json:"first_divergence,omitempty"`
}

func invalid(reason Reason, count uint64, ref *EntryRef) Verdict {
	return Verdict{Valid: false, Reason: reason, EntryCount: count, FirstDivergence: ref}
}

// Verify reconstructs the ledger at path, checks chain integrity, re-runs
// the Gate on every (state, proposal) pair found in proposal_seen /
// gate_decision entry pairs, and checks every Decision's signature.
func Verify(path string, gateCfg gate.Config) (Verdict, error) {
	entries, err := ledger.ReadAll(path)
	if err != nil {
		return Verdict{}, fmt.Errorf("replay: %w", err)
	}
	if len(entries) == 0 {
		return invalid(ReasonSeqGap, 0, nil), nil
	}

	prevHash := kernelcore.ZeroHash
	var pendingState *kernelcore.StateSnapshot
	var pendingProposal *kernelcore.Proposal

	for i, entry := range entries {
		ref := &EntryRef{Seq: entry.Seq, EventType: string(entry.EventType)}

		if entry.Seq != uint64(i)+1 {
			return invalid(ReasonSeqGap, uint64(len(entries)), ref), nil
		}
		if entry.PrevHash != prevHash {
			return invalid(ReasonHashMismatch, uint64(len(entries)), ref), nil
		}
		recomputed, err := kernelcore.EntryHash(entry.PrevHash, entry.Seq, entry.TS, entry.EventType, entry.Payload)
		if err != nil {
			return invalid(ReasonMalformedPayload, uint64(len(entries)), ref), nil
		}
		if recomputed != entry.EntryHash {
			return invalid(ReasonHashMismatch, uint64(len(entries)), ref), nil
		}
		prevHash = entry.EntryHash

		switch entry.EventType {
		case kernelcore.EventProposalSeen:
			state, proposal, err := decodeProposalSeen(entry.Payload)
			if err != nil {
				return invalid(ReasonMalformedPayload, uint64(len(entries)), ref), nil
			}
			pendingState = &state
			pendingProposal = &proposal

		case kernelcore.EventGateDecision:
			decision, err := decodeDecision(entry.Payload)
			if err != nil {
				return invalid(ReasonMalformedPayload, uint64(len(entries)), ref), nil
			}
			if !kernelcore.VerifySignature(gateCfg.SigningKey, decision) {
				return invalid(ReasonSignatureInvalid, uint64(len(entries)), ref), nil
			}
			if pendingState != nil && pendingProposal != nil {
				replayed := gate.Evaluate(gateCfg, *pendingState, *pendingProposal)
				if !decisionsEqual(replayed, decision) {
					return invalid(ReasonGateDivergence, uint64(len(entries)), ref), nil
				}
			}
			pendingState = nil
			pendingProposal = nil
		}
	}

	return Verdict{Valid: true, Reason: ReasonValid, EntryCount: uint64(len(entries))}, nil
}

func decisionsEqual(a, b kernelcore.Decision) bool {
	ha, err1 := kernelcore.ContentHash(a)
	hb, err2 := kernelcore.ContentHash(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return ha == hb
}

func decodeProposalSeen(payload map[string]any) (kernelcore.StateSnapshot, kernelcore.Proposal, error) {
	var state kernelcore.StateSnapshot
	var proposal kernelcore.Proposal
	if err := decodeInto(payload["state"], &state); err != nil {
		return state, proposal, err
	}
	if err := decodeInto(payload["proposal"], &proposal); err != nil {
		return state, proposal, err
	}
	return state, proposal, nil
}

func decodeDecision(payload map[string]any) (kernelcore.Decision, error) {
	var d kernelcore.Decision
	if err := decodeInto(payload, &d); err != nil {
		return d, err
	}
	return d, nil
}

// decodeInto re-marshals v (typically a map[string]any decoded from JSON)
// and unmarshals it into dst, the cheapest way to recover a typed value
// from the Ledger's generic payload representation.
func decodeInto(v any, dst any) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(enc, dst)
}
