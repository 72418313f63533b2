// Package registry implements the External E2E Test Registry API: test
// CRUD, source upload/replace, enable/disable, on-demand run triggering with
// single-flight coalescing, run/artifact retrieval, and the admin status
// summary.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/google/uuid"

	"github.com/synthmon/platform/internal/app/domain/queue"
	"github.com/synthmon/platform/internal/app/domain/run"
	"github.com/synthmon/platform/internal/app/domain/test"
	core "github.com/synthmon/platform/internal/app/core/service"
	"github.com/synthmon/platform/internal/app/storage"
	"github.com/synthmon/platform/pkg/blob"
)

// ErrInvalidRequest flags a caller error (validation failure, bad filter).
var ErrInvalidRequest = fmt.Errorf("registry: invalid request")

// Service implements the Registry API against a Store and a blob Store for
// uploaded source files.
type Service struct {
	store        storage.Store
	blobs        *blob.Store
	maxSourceBytes int64
	tracer       core.Tracer
}

// New builds a Registry Service.
func New(store storage.Store, blobs *blob.Store, maxSourceBytes int64, tracer core.Tracer) *Service {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	if maxSourceBytes <= 0 {
		maxSourceBytes = test.MaxSourceBytes
	}
	return &Service{store: store, blobs: blobs, maxSourceBytes: maxSourceBytes, tracer: tracer}
}

// CreateTestInput is the multipart-derived input to CreateTest.
type CreateTestInput struct {
	TenantID         string
	Name             string
	BaseURL          string
	Kind             test.Kind
	IntervalSeconds  int
	TimeoutSeconds   int
	JitterSeconds    int
	DownAfterFailures int
	UpAfterSuccesses  int
	Source           io.Reader
}

// CreateTest validates and persists a new test, storing its source blob and
// seeding an unknown debounce state.
func (s *Service) CreateTest(ctx context.Context, in CreateTestInput) (test.Test, error) {
	ctx, finish := s.tracer.StartSpan(ctx, "registry.CreateTest", map[string]string{"tenant_id": in.TenantID})
	var err error
	defer func() { finish(err) }()

	now := time.Now().UTC()
	t := test.Test{
		ID:                uuid.NewString(),
		TenantID:          in.TenantID,
		Name:              in.Name,
		BaseURL:           in.BaseURL,
		Kind:              in.Kind,
		Enabled:           true,
		IntervalSeconds:   in.IntervalSeconds,
		TimeoutSeconds:    in.TimeoutSeconds,
		JitterSeconds:     in.JitterSeconds,
		DownAfterFailures: in.DownAfterFailures,
		UpAfterSuccesses:  in.UpAfterSuccesses,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if t.DownAfterFailures == 0 {
		t.DownAfterFailures = 1
	}
	if t.UpAfterSuccesses == 0 {
		t.UpAfterSuccesses = 1
	}

	if verr := t.Validate(); verr != nil {
		err = fmt.Errorf("%w: %s", ErrInvalidRequest, verr)
		return test.Test{}, err
	}

	source, rerr := s.readSource(in.Source)
	if rerr != nil {
		err = rerr
		return test.Test{}, err
	}

	created, cerr := s.store.CreateTest(ctx, t)
	if cerr != nil {
		err = fmt.Errorf("registry: create test: %w", cerr)
		return test.Test{}, err
	}

	blobRef, _, perr := s.blobs.Put(ctx, created.TenantID, created.ID, "source", "source"+created.Kind.Extension(), bytes.NewReader(source))
	if perr != nil {
		err = fmt.Errorf("registry: store source: %w", perr)
		return test.Test{}, err
	}
	created.SourceBlobRef = blobRef
	created, err = s.store.UpdateTest(ctx, created)
	if err != nil {
		return test.Test{}, err
	}

	err = s.store.PutTestState(ctx, test.State{
		SubjectID:   created.ID,
		EffectiveOK: test.EffectiveUnknown,
		NextDueAt:   now,
	})
	if err != nil {
		return test.Test{}, fmt.Errorf("registry: seed test state: %w", err)
	}

	return created, nil
}

func (s *Service) readSource(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: source file is required", ErrInvalidRequest)
	}
	limited := io.LimitReader(r, s.maxSourceBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("registry: read source: %w", err)
	}
	if int64(len(data)) > s.maxSourceBytes {
		return nil, fmt.Errorf("%w: source exceeds %d bytes", ErrInvalidRequest, s.maxSourceBytes)
	}
	return data, nil
}

// ReplaceSource overwrites a test's source blob. It does not cancel any
// currently in-flight run for the test.
func (s *Service) ReplaceSource(ctx context.Context, testID string, source io.Reader) (test.Test, error) {
	t, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return test.Test{}, fmt.Errorf("registry: get test: %w", err)
	}
	data, err := s.readSource(source)
	if err != nil {
		return test.Test{}, err
	}
	blobRef, _, err := s.blobs.Put(ctx, t.TenantID, t.ID, "source", "source"+t.Kind.Extension(), bytes.NewReader(data))
	if err != nil {
		return test.Test{}, fmt.Errorf("registry: store source: %w", err)
	}
	t.SourceBlobRef = blobRef
	t.UpdatedAt = time.Now().UTC()
	return s.store.UpdateTest(ctx, t)
}

// UpdateTestInput carries the mutable PATCH fields; nil pointers leave the
// existing value unchanged.
type UpdateTestInput struct {
	Name             *string
	BaseURL          *string
	IntervalSeconds  *int
	TimeoutSeconds   *int
	JitterSeconds    *int
	DownAfterFailures *int
	UpAfterSuccesses  *int
}

func (s *Service) UpdateTest(ctx context.Context, testID string, in UpdateTestInput) (test.Test, error) {
	t, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return test.Test{}, fmt.Errorf("registry: get test: %w", err)
	}
	if in.Name != nil {
		t.Name = *in.Name
	}
	if in.BaseURL != nil {
		t.BaseURL = *in.BaseURL
	}
	if in.IntervalSeconds != nil {
		t.IntervalSeconds = *in.IntervalSeconds
	}
	if in.TimeoutSeconds != nil {
		t.TimeoutSeconds = *in.TimeoutSeconds
	}
	if in.JitterSeconds != nil {
		t.JitterSeconds = *in.JitterSeconds
	}
	if in.DownAfterFailures != nil {
		t.DownAfterFailures = *in.DownAfterFailures
	}
	if in.UpAfterSuccesses != nil {
		t.UpAfterSuccesses = *in.UpAfterSuccesses
	}
	if verr := t.Validate(); verr != nil {
		return test.Test{}, fmt.Errorf("%w: %s", ErrInvalidRequest, verr)
	}
	t.UpdatedAt = time.Now().UTC()
	return s.store.UpdateTest(ctx, t)
}

func (s *Service) GetTest(ctx context.Context, testID string) (test.Test, error) {
	return s.store.GetTest(ctx, testID)
}

func (s *Service) ListTests(ctx context.Context, tenantID string, filter storage.TestFilter) ([]test.Test, error) {
	return s.store.ListTests(ctx, tenantID, filter)
}

// Disable marks a test disabled with an operator-supplied reason and
// optional auto re-enable time.
func (s *Service) Disable(ctx context.Context, testID, reason string, until *time.Time) (test.Test, error) {
	t, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return test.Test{}, fmt.Errorf("registry: get test: %w", err)
	}
	t.Enabled = false
	t.DisabledReason = reason
	t.DisabledUntil = until
	t.UpdatedAt = time.Now().UTC()
	return s.store.UpdateTest(ctx, t)
}

func (s *Service) Enable(ctx context.Context, testID string) (test.Test, error) {
	t, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return test.Test{}, fmt.Errorf("registry: get test: %w", err)
	}
	t.Enabled = true
	t.DisabledReason = ""
	t.DisabledUntil = nil
	t.UpdatedAt = time.Now().UTC()
	return s.store.UpdateTest(ctx, t)
}

// TriggerRunNow enqueues an immediate run. While the test already has a
// queued or leased entry it enqueues nothing and returns ErrAlreadyQueued
// with an empty Entry.
func (s *Service) TriggerRunNow(ctx context.Context, testID string) (queue.Entry, error) {
	inFlight, err := s.store.HasInFlight(ctx, testID)
	if err != nil {
		return queue.Entry{}, fmt.Errorf("registry: check in-flight: %w", err)
	}
	if inFlight {
		return queue.Entry{}, ErrAlreadyQueued
	}
	entry := queue.Entry{
		ID:     uuid.NewString(),
		TestID: testID,
		DueAt:  time.Now().UTC(),
		Status: queue.StatusQueued,
	}
	return s.store.Enqueue(ctx, entry)
}

// ErrAlreadyQueued is returned by TriggerRunNow when the test already has a
// queued or leased run in flight.
var ErrAlreadyQueued = fmt.Errorf("registry: run already queued or in flight")

func (s *Service) ListRuns(ctx context.Context, testID string, limit int) ([]run.Run, error) {
	return s.store.ListRunsForTest(ctx, testID, limit)
}

func (s *Service) GetRun(ctx context.Context, runID string) (run.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// GetArtifact resolves artifact metadata and opens its blob for streaming.
func (s *Service) GetArtifact(ctx context.Context, runID, name string) (run.Artifact, io.ReadCloser, error) {
	meta, err := s.store.GetArtifact(ctx, runID, name)
	if err != nil {
		return run.Artifact{}, nil, fmt.Errorf("registry: get artifact: %w", err)
	}
	f, err := s.blobs.Open(meta.TenantID, meta.TestID, meta.RunID, meta.Name)
	if err != nil {
		return run.Artifact{}, nil, fmt.Errorf("registry: open artifact: %w", err)
	}
	return meta, f, nil
}

// StatusSummary is the admin-only aggregate view over tenants/tests/recent
// runs.
type StatusSummary struct {
	GeneratedAt  time.Time        `json:"generated_at"`
	TotalTests   int              `json:"total_tests"`
	EnabledTests int              `json:"enabled_tests"`
	DownTests    int              `json:"down_tests"`
	Tests        []TestSummaryRow `json:"tests"`
}

// TestSummaryRow is one row of the admin status summary.
type TestSummaryRow struct {
	TestID    string          `json:"test_id"`
	Name      string          `json:"name"`
	TenantID  string          `json:"tenant_id"`
	Enabled   bool            `json:"enabled"`
	Effective test.Effective  `json:"effective"`
	LastRunAt time.Time       `json:"last_run_ts,omitempty"`
}

// AdminStatusSummary composes the aggregate operator dashboard view. If
// jsonpathQuery is non-empty, it is applied to the marshaled summary and the
// matched sub-document is returned instead (e.g. "$.tests[?(@.effective=='down')]").
func (s *Service) AdminStatusSummary(ctx context.Context, tenantID, jsonpathQuery string) (interface{}, error) {
	tests, err := s.store.ListTests(ctx, tenantID, storage.TestFilter{})
	if err != nil {
		return nil, fmt.Errorf("registry: list tests: %w", err)
	}

	summary := StatusSummary{GeneratedAt: time.Now().UTC(), TotalTests: len(tests)}
	for _, t := range tests {
		if t.Enabled {
			summary.EnabledTests++
		}
		st, _ := s.store.GetTestState(ctx, t.ID)
		if st.EffectiveOK == test.EffectiveDown {
			summary.DownTests++
		}
		row := TestSummaryRow{
			TestID:    t.ID,
			Name:      t.Name,
			TenantID:  t.TenantID,
			Enabled:   t.Enabled,
			Effective: st.EffectiveOK,
		}
		if runs, rerr := s.store.ListRunsForTest(ctx, t.ID, 1); rerr == nil && len(runs) > 0 {
			row.LastRunAt = runs[0].FinishedAt
		}
		summary.Tests = append(summary.Tests, row)
	}

	if jsonpathQuery == "" {
		return summary, nil
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal summary: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("registry: decode summary: %w", err)
	}
	result, err := jsonpath.Get(jsonpathQuery, doc)
	if err != nil {
		return nil, fmt.Errorf("%w: jsonpath: %s", ErrInvalidRequest, err)
	}
	return result, nil
}
