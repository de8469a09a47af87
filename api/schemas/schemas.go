package schemas

import "time"

// ActionType enumerates the UI operations the pipeline knows how to propose
// and execute.
type ActionType string

const (
	ActionClick    ActionType = "click"
	ActionTypeText ActionType = "type"
	ActionSelect   ActionType = "select"
	ActionNavigate ActionType = "navigate"
)

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionClick, ActionTypeText, ActionSelect, ActionNavigate:
		return true
	}
	return false
}

// ActionState enumerates the lifecycle states tracked by the ledger.
type ActionState string

const (
	StateProposed  ActionState = "PROPOSED"
	StateApproved  ActionState = "APPROVED"
	StateDenied    ActionState = "DENIED"
	StateExecuting ActionState = "EXECUTING"
	StateExecuted  ActionState = "EXECUTED"
	StateFailed    ActionState = "FAILED"
)

// Terminal reports whether no further transition can leave s, other than the
// explicit retry path out of FAILED.
func (s ActionState) Terminal() bool {
	return s == StateExecuted || s == StateFailed
}

// Viewport holds the browser viewport dimensions at capture time.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Snapshot is an immutable record of observed UI state. It is created once at
// ingestion and never mutated; suggestions reference it by ID.
type Snapshot struct {
	ID           string         `json:"id"`
	SourceURL    string         `json:"source_url"`
	CapturedHTML []byte         `json:"captured_html"`
	Screenshot   []byte         `json:"screenshot,omitempty"`
	Viewport     Viewport       `json:"viewport"`
	CapturedAt   time.Time      `json:"captured_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Action is one candidate UI operation proposed against a snapshot. The record
// itself is immutable; its lifecycle state lives in the ledger, not here.
type Action struct {
	ID            string         `json:"id"`
	SnapshotID    string         `json:"snapshot_id"`
	Type          ActionType     `json:"action_type"`
	TargetElement string         `json:"target_element"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Confidence    float64        `json:"confidence"`
	Description   string         `json:"description,omitempty"`
}

// PolicyVerdict is the outcome of one policy evaluation of one action.
// Verdicts are append-only; re-evaluation produces a new record.
type PolicyVerdict struct {
	ActionID          string    `json:"action_id"`
	Allowed           bool      `json:"allowed"`
	Reason            string    `json:"reason"`
	OverrideAvailable bool      `json:"override_available"`
	RuleID            string    `json:"rule_id,omitempty"`
	EvaluatedAt       time.Time `json:"evaluated_at"`
}

// StateTransition is one entry in a ledger entry's state history.
type StateTransition struct {
	State ActionState `json:"state"`
	At    time.Time   `json:"at"`
	Actor string      `json:"actor"`
}

// LedgerEntry tracks the lifecycle of a single action. StateHistory is
// append-only; its last element always equals State.
type LedgerEntry struct {
	ActionID     string            `json:"action_id"`
	State        ActionState       `json:"state"`
	StateHistory []StateTransition `json:"state_history"`
	// Overridable is meaningful only while State is DENIED; it mirrors the
	// override_available flag of the denying verdict.
	Overridable bool   `json:"overridable,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// ExecutionStatus reports how an execution attempt concluded.
type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// ExecutionResult is the durable outcome of one execution attempt. It is the
// payload returned to callers and replayed verbatim on idempotent re-invocation.
type ExecutionResult struct {
	ActionID   string          `json:"action_id"`
	Status     ExecutionStatus `json:"status"`
	Output     map[string]any  `json:"output,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Error      string          `json:"error,omitempty"`
}
