package schemas

import (
	"encoding/json"
	"time"
)

// AuditEventType enumerates the notable events recorded in the audit log. The
// vocabulary follows the wire-level event_type values the browser extension
// already understands, extended with the override and retry events.
type AuditEventType string

const (
	EventSnapshotIngested AuditEventType = "snapshot_ingested"
	EventActionSuggested  AuditEventType = "action_suggested"
	EventPolicyVerdict    AuditEventType = "policy_verdict"
	EventOverrideRecorded AuditEventType = "override_recorded"
	EventActionRetry      AuditEventType = "action_retry"
	EventActionExecuted   AuditEventType = "action_executed"
	EventActionFailed     AuditEventType = "action_failed"
)

// RelatedIDs identifies the entities an audit record refers to. Either field
// may be empty depending on the event type.
type RelatedIDs struct {
	SnapshotID string `json:"snapshot_id,omitempty"`
	ActionID   string `json:"action_id,omitempty"`
}

// AuditRecord is one append-only entry in the audit log. Records are never
// edited or deleted by the core; total order is (RecordedAt, Seq).
type AuditRecord struct {
	// Seq is the insertion sequence assigned by the store. It breaks ties
	// between records sharing a RecordedAt timestamp.
	Seq        uint64          `json:"seq"`
	EventType  AuditEventType  `json:"event_type"`
	Related    RelatedIDs      `json:"related_ids"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// AuditPage is one page of an audit query result.
type AuditPage struct {
	Records []AuditRecord `json:"items"`
	Total   int           `json:"total"`
}
