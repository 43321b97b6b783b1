// Package logging provides audit logging for operator-facing diagnostics.
// This is distinct from the ledger: the audit trail is unchained and
// never replayed for integrity, it exists only to help a human debug a run.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AuditEventType defines the kind of audit event being recorded.
type AuditEventType string

const (
	AuditEpisodeBegin AuditEventType = "episode_begin"
	AuditEpisodeEnd   AuditEventType = "episode_end"
	AuditProposalSeen AuditEventType = "proposal_seen"
	AuditGateDecision AuditEventType = "gate_decision"
	AuditExecResult   AuditEventType = "exec_result"
	AuditSandboxPick  AuditEventType = "sandbox_selected"
	AuditBanditSelect AuditEventType = "bandit_select"
	AuditBanditUpdate AuditEventType = "bandit_update"
	AuditReplayResult AuditEventType = "replay_result"
	AuditErrorGeneric AuditEventType = "error_generic"
	AuditErrorCritical AuditEventType = "error_critical"
)

// AuditEvent represents a structured, operator-facing audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`
	EventType  AuditEventType         `json:"event"`
	Category   string                 `json:"cat"`
	EpisodeID  string                 `json:"episode"`
	Target     string                 `json:"target"`
	Action     string                 `json:"action"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms"`
	Error      string                 `json:"error"`
	Message    string                 `json:"msg"`
	Fields     map[string]interface{} `json:"fields"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured, operator-facing audit logging.
type AuditLogger struct {
	episodeID string
	category  Category
}

// InitAudit initializes the audit logging system.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n# Operator diagnostics only; not part of the ledger trust boundary.\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithEpisode creates an audit logger scoped to an episode.
func AuditWithEpisode(episodeID string) *AuditLogger {
	return &AuditLogger{episodeID: episodeID}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.EpisodeID == "" && a.episodeID != "" {
		event.EpisodeID = a.episodeID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}
	if event.Fields == nil {
		event.Fields = make(map[string]interface{})
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

func escapeString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/10)

	for _, c := range s {
		switch c {
		case '"':
			b.WriteString("\\\"")
		case '\\':
			b.WriteString("\\\\")
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// EpisodeBegin logs the start of an episode.
func (a *AuditLogger) EpisodeBegin(episodeID, workspaceRoot string) {
	a.Log(AuditEvent{
		EventType: AuditEpisodeBegin,
		EpisodeID: episodeID,
		Target:    workspaceRoot,
		Success:   true,
		Message:   fmt.Sprintf("episode begin: %s workspace=%s", episodeID, workspaceRoot),
	})
}

// EpisodeEnd logs the end of an episode.
func (a *AuditLogger) EpisodeEnd(episodeID, status string, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditEpisodeEnd,
		EpisodeID:  episodeID,
		Target:     status,
		Success:    status == "completed",
		DurationMs: durationMs,
		Message:    fmt.Sprintf("episode end: %s status=%s (%dms)", episodeID, status, durationMs),
	})
}

// GateDecision logs a gate decision.
func (a *AuditLogger) GateDecision(episodeID string, allowed bool, reason string, actionCount int) {
	a.Log(AuditEvent{
		EventType: AuditGateDecision,
		EpisodeID: episodeID,
		Action:    reason,
		Success:   allowed,
		Fields:    map[string]interface{}{"action_count": actionCount},
		Message:   fmt.Sprintf("gate decision: allowed=%v reason=%s actions=%d", allowed, reason, actionCount),
	})
}

// ExecResult logs a single action's execution outcome.
func (a *AuditLogger) ExecResult(episodeID string, index int, kind string, ok bool, durationMs int64, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditExecResult,
		EpisodeID:  episodeID,
		Target:     kind,
		Success:    ok,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]interface{}{"action_index": index},
		Message:    fmt.Sprintf("exec result[%d] %s ok=%v (%dms)", index, kind, ok, durationMs),
	})
}

// SandboxSelected logs which executor backend handled a RUN_TESTS action.
func (a *AuditLogger) SandboxSelected(episodeID, mode string) {
	a.Log(AuditEvent{
		EventType: AuditSandboxPick,
		EpisodeID: episodeID,
		Target:    mode,
		Success:   true,
		Message:   fmt.Sprintf("sandbox selected: %s", mode),
	})
}

// BanditSelect logs an arm selection.
func (a *AuditLogger) BanditSelect(armID string, theta float64) {
	a.Log(AuditEvent{
		EventType: AuditBanditSelect,
		Target:    armID,
		Success:   true,
		Fields:    map[string]interface{}{"theta": theta},
		Message:   fmt.Sprintf("bandit select: arm=%s theta=%.4f", armID, theta),
	})
}

// BanditUpdate logs a reward update.
func (a *AuditLogger) BanditUpdate(armID string, reward int) {
	a.Log(AuditEvent{
		EventType: AuditBanditUpdate,
		Target:    armID,
		Success:   true,
		Fields:    map[string]interface{}{"reward": reward},
		Message:   fmt.Sprintf("bandit update: arm=%s reward=%d", armID, reward),
	})
}

// ReplayResult logs the outcome of a replay verification run.
func (a *AuditLogger) ReplayResult(ledgerPath string, valid bool, reason string, entryCount uint64) {
	a.Log(AuditEvent{
		EventType: AuditReplayResult,
		Target:    ledgerPath,
		Action:    reason,
		Success:   valid,
		Fields:    map[string]interface{}{"entry_count": entryCount},
		Message:   fmt.Sprintf("replay %s: valid=%v reason=%s entries=%d", ledgerPath, valid, reason, entryCount),
	})
}

// Error logs an error event.
func (a *AuditLogger) Error(category string, err error, critical bool) {
	eventType := AuditErrorGeneric
	if critical {
		eventType = AuditErrorCritical
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  category,
		Success:   false,
		Error:     escapeString(errMsg),
		Message:   fmt.Sprintf("error in %s: %s (critical=%v)", category, errMsg, critical),
	})
}
