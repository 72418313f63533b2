// Package test holds the data model for tenant-owned end-to-end tests and
// their debounced state.
package test

import (
	"fmt"
	"time"
)

// Kind identifies the sandbox variant a test's source file is executed by.
type Kind string

const (
	KindScriptPython Kind = "script_python"
	KindScriptJS     Kind = "script_js"
)

// Valid reports whether k is one of the supported sandbox kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindScriptPython, KindScriptJS:
		return true
	default:
		return false
	}
}

// Extension returns the file extension a source file of this kind must carry.
func (k Kind) Extension() string {
	switch k {
	case KindScriptPython:
		return ".py"
	case KindScriptJS:
		return ".js"
	default:
		return ""
	}
}

const (
	MinIntervalSeconds = 60
	MaxIntervalSeconds = 3600
	MinTimeoutSeconds  = 1
	MaxTimeoutSeconds  = 300
	MaxSourceBytes     = 256 * 1024
)

// Test is a tenant-owned end-to-end check.
type Test struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Name             string     `json:"name"`
	BaseURL          string     `json:"base_url"`
	Kind             Kind       `json:"kind"`
	Enabled          bool       `json:"enabled"`
	DisabledReason   string     `json:"disabled_reason,omitempty"`
	DisabledUntil    *time.Time `json:"disabled_until_ts,omitempty"`
	IntervalSeconds  int        `json:"interval_seconds"`
	TimeoutSeconds   int        `json:"timeout_seconds"`
	JitterSeconds    int        `json:"jitter_seconds"`
	DownAfterFailures int       `json:"down_after_failures"`
	UpAfterSuccesses  int       `json:"up_after_successes"`
	SourceBlobRef    string     `json:"source_blob_ref"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Validate checks the schedule and kind fields against the documented
// bounds. It does not validate the source file itself.
func (t Test) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("unsupported kind %q", t.Kind)
	}
	if t.IntervalSeconds < MinIntervalSeconds || t.IntervalSeconds > MaxIntervalSeconds {
		return fmt.Errorf("interval_seconds must be between %d and %d", MinIntervalSeconds, MaxIntervalSeconds)
	}
	if t.TimeoutSeconds < MinTimeoutSeconds || t.TimeoutSeconds > MaxTimeoutSeconds {
		return fmt.Errorf("timeout_seconds must be between %d and %d", MinTimeoutSeconds, MaxTimeoutSeconds)
	}
	if t.JitterSeconds < 0 || t.JitterSeconds > t.IntervalSeconds {
		return fmt.Errorf("jitter_seconds must be between 0 and interval_seconds")
	}
	if t.DownAfterFailures < 1 {
		return fmt.Errorf("down_after_failures must be >= 1")
	}
	if t.UpAfterSuccesses < 1 {
		return fmt.Errorf("up_after_successes must be >= 1")
	}
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	if t.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	return nil
}

// State is the debounce bookkeeping for a Test or a Domain. Domains use this
// same type, keyed by Domain.SubjectID() ("domain:<name>").
type State struct {
	SubjectID      string     `json:"subject_id"`
	EffectiveOK    Effective  `json:"effective_ok"`
	FailStreak     int        `json:"fail_streak"`
	SuccessStreak  int        `json:"success_streak"`
	LastOKAt       *time.Time `json:"last_ok_ts,omitempty"`
	LastFailAt     *time.Time `json:"last_fail_ts,omitempty"`
	LastAlertAt    *time.Time `json:"last_alert_ts,omitempty"`
	NextDueAt      time.Time  `json:"next_due_ts"`
}

// Effective is the three-value debounced status of a subject.
type Effective string

const (
	EffectiveUnknown Effective = "unknown"
	EffectiveUp      Effective = "up"
	EffectiveDown    Effective = "down"
)
