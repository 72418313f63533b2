// Package state implements the three-state debounce machine shared by
// tenant Tests and built-in Domains, and the Alert Sink / Escalation
// collaborators it drives on transition.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/synthmon/platform/internal/app/domain/alertdom"
	"github.com/synthmon/platform/internal/app/domain/run"
	"github.com/synthmon/platform/internal/app/domain/test"
	core "github.com/synthmon/platform/internal/app/core/service"
	"github.com/synthmon/platform/internal/app/metrics"
)

// StateStore is the narrow persistence surface the engine needs for one
// subject kind (TestStore or DomainMonitorStore both satisfy this via their
// Get/Put *State methods once adapted by the caller).
type StateStore interface {
	GetState(ctx context.Context, subjectID string) (test.State, error)
	PutState(ctx context.Context, s test.State) error
}

// Sink delivers a rendered alert to its external transport (chat webhook,
// etc). Implementations are best-effort: a failed Send must not block the
// engine or be retried indefinitely.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// Escalator optionally investigates a DOWN transition further. Implementations
// must honor ReadOnlyRules and poll-until-done with a bound.
type Escalator interface {
	Escalate(ctx context.Context, req alertdom.EscalationRequest) (string, error)
}

// DefaultChunkSize bounds how many bytes of alert text the Sink receives per call.
const DefaultChunkSize = 4096

// Engine runs the debounce state machine: pass resets fail streak and
// advances success streak; fail resets success streak and advances fail
// streak; infra_degraded only updates last_fail_ts, changing no streak and
// triggering no transition; timeout counts as a fail.
type Engine struct {
	testStore   StateStore
	domainStore StateStore
	sink        Sink
	escalator   Escalator
	tracer      core.Tracer
	chunkSize   int

	leases sync.Map // subjectID -> *sync.Mutex, single-flight per subject
}

// New builds an Engine over the two subject-kind stores. escalator may be
// nil to disable escalation.
func New(testStore, domainStore StateStore, sink Sink, escalator Escalator, tracer core.Tracer) *Engine {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	return &Engine{testStore: testStore, domainStore: domainStore, sink: sink, escalator: escalator, tracer: tracer, chunkSize: DefaultChunkSize}
}

func (e *Engine) storeFor(kind alertdom.SubjectKind) StateStore {
	if kind == alertdom.SubjectDomain {
		return e.domainStore
	}
	return e.testStore
}

// Observation is the input to Observe: a subject's run result plus display
// metadata used only for alert rendering.
type Observation struct {
	SubjectKind        alertdom.SubjectKind
	SubjectID          string
	SubjectDisplayName string
	RunID              string
	Status             run.Status
	ErrorKind          run.ErrorKind
	ErrorMessage       string
	EvidenceLinks      []string
	At                 time.Time

	// DownAfterFailures/UpAfterSuccesses are the subject's configured
	// debounce widths (Test.DownAfterFailures/UpAfterSuccesses, or the
	// domainmon.Alerting equivalent). Zero defaults to 1 (flip on first
	// observation in the new direction).
	DownAfterFailures int
	UpAfterSuccesses  int
}

// Observe applies one run outcome to the subject's debounce state, persists
// the result write-through, and dispatches an alert if the debounced
// effective status flipped. It is safe for concurrent use across different
// subjects; same-subject calls are serialized.
func (e *Engine) Observe(ctx context.Context, obs Observation) error {
	ctx, finish := e.tracer.StartSpan(ctx, "state.Observe", map[string]string{"subject_id": obs.SubjectID})
	var err error
	defer func() { finish(err) }()

	unlock := e.lease(obs.SubjectID)
	defer unlock()

	store := e.storeFor(obs.SubjectKind)
	st, getErr := store.GetState(ctx, obs.SubjectID)
	if getErr != nil {
		st = test.State{SubjectID: obs.SubjectID, EffectiveOK: test.EffectiveUnknown}
	}

	before := st.EffectiveOK
	at := obs.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch obs.Status {
	case run.StatusPass:
		st.SuccessStreak++
		st.FailStreak = 0
		t := at
		st.LastOKAt = &t
	case run.StatusInfraDegraded:
		// Neutral: bookkeeping only, no streak movement, no transition.
		t := at
		st.LastFailAt = &t
		if saveErr := store.PutState(ctx, st); saveErr != nil {
			err = fmt.Errorf("state: persist neutral observation: %w", saveErr)
			return err
		}
		return nil
	case run.StatusFail, run.StatusTimeout:
		st.FailStreak++
		st.SuccessStreak = 0
		t := at
		st.LastFailAt = &t
	default:
		err = fmt.Errorf("state: unknown run status %q", obs.Status)
		return err
	}

	downAfter := obs.DownAfterFailures
	if downAfter < 1 {
		downAfter = 1
	}
	upAfter := obs.UpAfterSuccesses
	if upAfter < 1 {
		upAfter = 1
	}

	after := deriveEffective(before, st, downAfter, upAfter)
	st.EffectiveOK = after

	var transition alertdom.Transition
	shouldAlert := false
	if before != after {
		switch after {
		case test.EffectiveDown:
			transition = alertdom.TransitionDown
			shouldAlert = true
		case test.EffectiveUp:
			if before == test.EffectiveDown {
				transition = alertdom.TransitionUp
				shouldAlert = true
			}
		}
	}

	if shouldAlert {
		t := at
		st.LastAlertAt = &t
	}

	if saveErr := store.PutState(ctx, st); saveErr != nil {
		err = fmt.Errorf("state: persist observation: %w", saveErr)
		return err
	}

	if shouldAlert {
		e.dispatchAlert(ctx, obs, transition, st)
	}
	return nil
}

// deriveEffective applies the down/up debounce thresholds configured per
// subject (Test.DownAfterFailures/UpAfterSuccesses).
func deriveEffective(before test.Effective, st test.State, downAfter, upAfter int) test.Effective {
	switch before {
	case test.EffectiveUnknown:
		if st.SuccessStreak >= upAfter {
			return test.EffectiveUp
		}
		if st.FailStreak >= downAfter {
			return test.EffectiveDown
		}
		return test.EffectiveUnknown
	case test.EffectiveUp:
		if st.FailStreak >= downAfter {
			return test.EffectiveDown
		}
		return test.EffectiveUp
	case test.EffectiveDown:
		if st.SuccessStreak >= upAfter {
			return test.EffectiveUp
		}
		return test.EffectiveDown
	default:
		return before
	}
}

func (e *Engine) dispatchAlert(ctx context.Context, obs Observation, transition alertdom.Transition, st test.State) {
	alert := alertdom.Alert{
		SubjectKind:        obs.SubjectKind,
		SubjectID:          obs.SubjectID,
		SubjectDisplayName: obs.SubjectDisplayName,
		Transition:         transition,
		LastOKAt:           st.LastOKAt,
		LastFailAt:         st.LastFailAt,
		EvidenceLinks:      obs.EvidenceLinks,
		ReasonSnippet:      obs.ErrorMessage,
	}
	text := renderAlert(alert)
	for _, chunk := range chunkText(text, e.chunkSize) {
		// Best-effort: a Send error is dropped here, neither logged nor
		// retried, and never blocks the engine.
		_ = e.sink.Send(ctx, chunk)
	}
	if transition == alertdom.TransitionDown {
		metrics.RecordAlertDispatch("down")
	} else {
		metrics.RecordAlertDispatch("up")
	}

	if transition == alertdom.TransitionDown && e.escalator != nil {
		req := alertdom.EscalationRequest{
			SubjectKind:   obs.SubjectKind,
			SubjectID:     obs.SubjectID,
			DisplayName:   obs.SubjectDisplayName,
			FailingRunID:  obs.RunID,
			ErrorKind:     string(obs.ErrorKind),
			ErrorMessage:  obs.ErrorMessage,
			EvidenceLinks: obs.EvidenceLinks,
		}
		output, escErr := e.escalator.Escalate(ctx, req)
		switch {
		case escErr != nil:
			metrics.RecordEscalation("error")
		case output == "":
			metrics.RecordEscalation("empty")
		default:
			metrics.RecordEscalation("completed")
			for _, chunk := range chunkText(output, e.chunkSize) {
				_ = e.sink.Send(ctx, chunk)
			}
		}
	}
}

func renderAlert(a alertdom.Alert) string {
	arrow := "DOWN"
	if a.Transition == alertdom.TransitionUp {
		arrow = "UP"
	}
	msg := fmt.Sprintf("[%s] %s -> %s", a.SubjectKind, a.SubjectDisplayName, arrow)
	if a.ReasonSnippet != "" {
		msg += "\n" + a.ReasonSnippet
	}
	for _, link := range a.EvidenceLinks {
		msg += "\n" + link
	}
	return msg
}

// chunkText splits text at line boundaries so no chunk exceeds limit bytes;
// a single line longer than limit is cut into limit-sized pieces.
func chunkText(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	var cur string
	lineStart := 0
	for i := 0; i <= len(text); i++ {
		if i == len(text) || text[i] == '\n' {
			line := text[lineStart:i]
			if len(cur)+len(line)+1 > limit && cur != "" {
				chunks = append(chunks, cur)
				cur = ""
			}
			for len(line) > limit {
				chunks = append(chunks, line[:limit])
				line = line[limit:]
			}
			if cur == "" {
				cur = line
			} else {
				cur += "\n" + line
			}
			lineStart = i + 1
		}
	}
	if cur != "" {
		chunks = append(chunks, cur)
	}
	return chunks
}

func (e *Engine) lease(subjectID string) func() {
	v, _ := e.leases.LoadOrStore(subjectID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
