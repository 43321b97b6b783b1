// Package episode orchestrates one (StateSnapshot, sequence of Proposals)
// session: it wires the Gate, Controller, and Ledger together in the
// fixed sequence episode_begin -> proposal_seen -> gate_decision ->
// exec_result(1..k) -> episode_end, per spec ss5. Its wiring pattern of a
// small owned-resource struct with Begin/RunProposal/End/Cancel lifecycle
// methods is grounded on
// the teacher's cmd/nerd/main.go root command lifecycle (logger init,
// workspace setup, graceful teardown), narrowed to the kernel's single
// responsibility of running proposals through the safety pipeline.
package episode

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"safekernel/internal/controller"
	"safekernel/internal/gate"
	"safekernel/internal/kernelcore"
	"safekernel/internal/ledger"
	"safekernel/internal/logging"
)

// Status is the terminal state recorded in an episode_end entry.
type Status string

const (
	StatusOK        Status = "ok"
	StatusDenied    Status = "denied"
	StatusCancelled Status = "cancelled"
	StatusAborted   Status = "aborted"
)

// Outcome summarizes one episode's result.
type Outcome struct {
	Status      Status
	Decision    kernelcore.Decision
	ExecResults []kernelcore.ExecResult
}

// Episode wires one Gate configuration, Controller, and Ledger together
// for a single StateSnapshot. It is not safe for concurrent use.
type Episode struct {
	gateCfg    gate.Config
	controller *controller.Controller
	ledger     *ledger.Ledger
	state      kernelcore.StateSnapshot
	audit      *logging.AuditLogger

	id        string
	startedAt time.Time
}

// New constructs an Episode rooted at state.WorkspaceRoot, backed by l
// for durable logging. Each Episode is assigned a random id, which is
// written into its episode_begin and episode_end ledger payloads (and so
// covered by the hash chain) and used to correlate its audit-trail events.
func New(gateCfg gate.Config, ctrlCfg controller.Config, l *ledger.Ledger, state kernelcore.StateSnapshot) *Episode {
	id := uuid.New().String()
	return &Episode{
		gateCfg:    gateCfg,
		controller: controller.New(ctrlCfg, state.WorkspaceRoot),
		ledger:     l,
		state:      state,
		audit:      logging.AuditWithEpisode(id),
		id:         id,
	}
}

// ID returns the episode's correlation id.
func (e *Episode) ID() string { return e.id }

// Begin appends the episode_begin entry. Call once before any RunProposal.
func (e *Episode) Begin(ctx context.Context) error {
	e.startedAt = time.Now()
	_, err := e.ledger.Append(kernelcore.EventEpisodeBegin, map[string]any{
		"episode_id":     e.id,
		"workspace_root": e.state.WorkspaceRoot,
		"notes":          e.state.Notes,
	})
	if err != nil {
		return fmt.Errorf("episode: begin: %w", err)
	}
	e.audit.EpisodeBegin(e.id, e.state.WorkspaceRoot)
	logging.ControllerDebug("episode begin: id=%s workspace=%s", e.id, e.state.WorkspaceRoot)
	return nil
}

// End appends the episode_end entry with the given terminal status.
func (e *Episode) End(status Status) error {
	_, err := e.ledger.Append(kernelcore.EventEpisodeEnd, map[string]any{
		"episode_id": e.id,
		"status":     string(status),
	})
	if err != nil {
		return fmt.Errorf("episode: end: %w", err)
	}
	durationMs := int64(0)
	if !e.startedAt.IsZero() {
		durationMs = time.Since(e.startedAt).Milliseconds()
	}
	e.audit.EpisodeEnd(e.id, mapStatusToAuditStatus(status), durationMs)
	return nil
}

func mapStatusToAuditStatus(status Status) string {
	if status == StatusOK {
		return "completed"
	}
	return string(status)
}

// RunProposal evaluates proposal through the Gate, records proposal_seen
// and gate_decision, and, if approved, executes it through the
// Controller, recording one exec_result entry per action. ctx is
// forwarded to the Controller for cancellation and per-action timeouts.
func (e *Episode) RunProposal(ctx context.Context, proposal kernelcore.Proposal) (Outcome, error) {
	if _, err := e.ledger.Append(kernelcore.EventProposalSeen, map[string]any{
		"state":    e.state,
		"proposal": proposal,
	}); err != nil {
		return Outcome{}, fmt.Errorf("episode: proposal_seen: %w", err)
	}

	decision := gate.Evaluate(e.gateCfg, e.state, proposal)

	if _, err := e.ledger.Append(kernelcore.EventGateDecision, decisionPayload(decision)); err != nil {
		return Outcome{}, fmt.Errorf("episode: gate_decision: %w", err)
	}
	e.audit.GateDecision(e.id, decision.Allowed, string(decision.Reason), len(proposal.Actions))

	if !decision.Allowed {
		logging.GateDebug("proposal denied: reason=%s", decision.Reason)
		return Outcome{Status: StatusDenied, Decision: decision}, nil
	}

	results, execErr := e.controller.Execute(ctx, decision)
	for i, result := range results {
		if _, err := e.ledger.Append(kernelcore.EventExecResult, execResultPayload(result)); err != nil {
			return Outcome{}, fmt.Errorf("episode: exec_result[%d]: %w", i, err)
		}
		e.audit.ExecResult(e.id, i, string(result.Kind), result.OK, result.DurationMs, string(result.ErrorKind))
	}

	status := StatusOK
	if execErr != nil {
		status = StatusAborted
	} else {
		for _, r := range results {
			if !r.OK {
				status = StatusAborted
				break
			}
		}
	}

	return Outcome{Status: status, Decision: decision, ExecResults: results}, nil
}

// Cancel records episode_end{status:"cancelled"} for an episode that is
// being torn down mid-flight. Any actions already executed and logged
// are not rolled back, per spec ss5 Cancellation.
func (e *Episode) Cancel() error {
	return e.End(StatusCancelled)
}

func decisionPayload(d kernelcore.Decision) map[string]any {
	return map[string]any{
		"allowed":          d.Allowed,
		"reason":           d.Reason,
		"approved_actions": d.ApprovedActions,
		"input_hash":       d.InputHash,
		"signature":        d.Signature,
	}
}

func execResultPayload(r kernelcore.ExecResult) map[string]any {
	return map[string]any{
		"action_index":  r.ActionIndex,
		"kind":          r.Kind,
		"ok":            r.OK,
		"stdout":        r.Stdout,
		"stderr":        r.Stderr,
		"bytes_read":    r.BytesRead,
		"bytes_written": r.BytesWritten,
		"duration_ms":   r.DurationMs,
		"error_kind":    r.ErrorKind,
	}
}
