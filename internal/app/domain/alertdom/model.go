// Package alertdom holds the payload shapes the State & Alert Engine hands to
// the Alert Sink and Escalation collaborators.
package alertdom

import "time"

// Transition describes the edge that triggered an alert.
type Transition string

const (
	TransitionDown Transition = "down"
	TransitionUp   Transition = "up"
)

// SubjectKind distinguishes a tenant Test from a built-in Domain.
type SubjectKind string

const (
	SubjectTest   SubjectKind = "test"
	SubjectDomain SubjectKind = "domain"
)

// Alert is the structured payload constructed on a debounced state
// transition. Text formatting and chunking is the Alert Sink's
// responsibility.
type Alert struct {
	SubjectKind        SubjectKind `json:"subject_kind"`
	SubjectID          string      `json:"subject_id"`
	SubjectDisplayName string      `json:"subject_display_name"`
	Transition         Transition  `json:"transition"`
	LastOKAt           *time.Time  `json:"last_ok_ts,omitempty"`
	LastFailAt         *time.Time  `json:"last_fail_ts,omitempty"`
	EvidenceLinks      []string    `json:"evidence_links,omitempty"`
	ReasonSnippet      string      `json:"reason_snippet,omitempty"`
}

// HeartbeatSummary is sent at configured wall-clock anchors regardless of
// transitions.
type HeartbeatSummary struct {
	GeneratedAt  time.Time        `json:"generated_at"`
	Subjects     []SubjectSummary `json:"subjects"`
	FailingCount int              `json:"failing_count"`
}

// SubjectSummary is one row of a heartbeat summary.
type SubjectSummary struct {
	SubjectID   string     `json:"subject_id"`
	DisplayName string     `json:"display_name"`
	LastOKAt    *time.Time `json:"last_ok_ts,omitempty"`
	LastElapsed int64      `json:"last_elapsed_ms,omitempty"`
	Failing     bool       `json:"failing"`
}

// EscalationRequest is the structured prompt context handed to the
// escalation collaborator on a DOWN transition. The read-only rules are
// embedded verbatim into the rendered prompt text, never only implied.
type EscalationRequest struct {
	SubjectKind   SubjectKind `json:"subject_kind"`
	SubjectID     string      `json:"subject_id"`
	DisplayName   string      `json:"display_name"`
	FailingRunID  string      `json:"failing_run_id"`
	ErrorKind     string      `json:"error_kind,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	EvidenceLinks []string    `json:"evidence_links,omitempty"`
}

// ReadOnlyRules is embedded verbatim in every escalation prompt.
const ReadOnlyRules = `Operational rules (must be followed exactly):
- Do not mutate the target system in any way.
- Do not authenticate with real credentials.
- Do not perform writes of any kind against the target or any third party.
- Produce only investigative observations; do not attempt remediation.`
