package main

import (
	"encoding/json"
	"fmt"
	"os"

	"safekernel/internal/kernelcore"
)

// Proposer is the external collaborator that turns a workspace state and
// a chosen bandit arm into a Proposal. The kernel never invokes an LLM
// itself; this interface is the seam where a real proposer (LLM-driven
// code-repair agent) plugs in. The CLI ships a file-backed
// implementation suitable for scripted runs and integration testing, plus
// an empty-proposal stub.
type Proposer interface {
	Propose(state kernelcore.StateSnapshot, armID string) (kernelcore.Proposal, error)
}

// fileProposer reads a fixed script of proposals from a JSON file, one
// per episode, in order. It exists so `kernel run` can be exercised
// end-to-end without wiring an actual LLM client.
type fileProposer struct {
	proposals []kernelcore.Proposal
	next      int
}

func newFileProposer(path string) (*fileProposer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("proposer: read %s: %w", path, err)
	}
	var proposals []kernelcore.Proposal
	if err := json.Unmarshal(data, &proposals); err != nil {
		return nil, fmt.Errorf("proposer: parse %s: %w", path, err)
	}
	return &fileProposer{proposals: proposals}, nil
}

// Propose returns the next proposal in the script. armID is recorded in
// the proposal's Meta for audit purposes but does not influence which
// proposal is returned; arm-conditioned proposal generation belongs to
// the out-of-scope LLM-driven proposer.
func (p *fileProposer) Propose(state kernelcore.StateSnapshot, armID string) (kernelcore.Proposal, error) {
	if p.next >= len(p.proposals) {
		return kernelcore.Proposal{}, fmt.Errorf("proposer: script exhausted after %d proposals", p.next)
	}
	proposal := p.proposals[p.next]
	p.next++
	if proposal.Meta == nil {
		proposal.Meta = map[string]string{}
	}
	proposal.Meta["bandit_arm_id"] = armID
	return proposal, nil
}

// emptyProposer always returns a proposal with no actions. It is the
// default when no --proposals script is given, so `kernel run` still
// exercises the Gate's empty_proposal denial and the full
// begin/proposal_seen/gate_decision/end ledger sequence.
type emptyProposer struct{}

func (emptyProposer) Propose(state kernelcore.StateSnapshot, armID string) (kernelcore.Proposal, error) {
	return kernelcore.Proposal{Meta: map[string]string{"bandit_arm_id": armID}}, nil
}
