// Package runner implements the Runner Pool: N workers claim queued run
// requests, spawn the sandbox child process, parse its result contract, and
// hand the outcome to the State & Alert Engine.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/tidwall/gjson"

	"github.com/synthmon/platform/internal/app/domain/alertdom"
	"github.com/synthmon/platform/internal/app/domain/queue"
	"github.com/synthmon/platform/internal/app/domain/run"
	"github.com/synthmon/platform/internal/app/domain/test"
	core "github.com/synthmon/platform/internal/app/core/service"
	"github.com/synthmon/platform/internal/app/metrics"
	"github.com/synthmon/platform/internal/app/sandbox"
	"github.com/synthmon/platform/internal/app/services/state"
	"github.com/synthmon/platform/internal/app/storage"
	"github.com/synthmon/platform/pkg/blob"
)

// Observer is the narrow surface the Runner Pool calls into after a run
// completes. Satisfied by *state.Engine.
type Observer interface {
	Observe(ctx context.Context, obs state.Observation) error
}

// Config bounds the worker pool and process execution.
type Config struct {
	WorkerCount       int
	LeaseGrace        time.Duration
	SandboxBinaryPath string
	PollInterval      time.Duration
	// MaxLoadAverage, when > 0, pauses claim attempts while the host's
	// 1-minute load average exceeds it, shedding dispatch under pressure
	// rather than degrading every in-flight run's timing.
	MaxLoadAverage float64
}

// DefaultConfig runs 4 workers with a 5-second lease grace.
func DefaultConfig() Config {
	return Config{
		WorkerCount:  4,
		LeaseGrace:   5 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

// Pool runs Config.WorkerCount goroutines claiming and executing queued
// entries.
type Pool struct {
	store    storage.Store
	blobs    *blob.Store
	observer Observer
	cfg      Config
	tracer   core.Tracer

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds a Runner Pool.
func New(store storage.Store, blobs *blob.Store, observer Observer, cfg Config, tracer core.Tracer) *Pool {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.SandboxBinaryPath == "" {
		cfg.SandboxBinaryPath = "sandboxrunner"
	}
	return &Pool{store: store, blobs: blobs, observer: observer, cfg: cfg, tracer: tracer, stopCh: make(chan struct{})}
}

func (p *Pool) Name() string { return "runner_pool" }

func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, fmt.Sprintf("worker-%d", i))
	}
	p.wg.Add(1)
	go p.recoveryLoop(ctx)
	return nil
}

func (p *Pool) Stop(ctx context.Context) error {
	close(p.stopCh)
	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "runner_pool", Layer: core.LayerEngine}
}

func (p *Pool) worker(ctx context.Context, id string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.overloaded() {
				continue
			}
			p.claimAndRun(ctx, id)
		}
	}
}

// overloaded reports whether the host's current load average exceeds the
// configured ceiling, consulted before every claim attempt.
func (p *Pool) overloaded() bool {
	if p.cfg.MaxLoadAverage <= 0 {
		return false
	}
	avg, err := load.Avg()
	if err != nil {
		return false
	}
	return avg.Load1 > p.cfg.MaxLoadAverage
}

func (p *Pool) claimAndRun(ctx context.Context, workerID string) {
	// A test's timeout is not known before its entry is claimed, so the
	// lease covers twice the longest allowed timeout plus LeaseGrace.
	maxRun := 2 * time.Duration(test.MaxTimeoutSeconds) * time.Second
	leaseUntil := time.Now().UTC().Add(maxRun + p.cfg.LeaseGrace)
	entry, ok, err := p.store.ClaimNext(ctx, workerID, leaseUntil)
	if err != nil || !ok {
		return
	}
	p.execute(ctx, workerID, entry)
}

func (p *Pool) execute(ctx context.Context, workerID string, entry queue.Entry) {
	ctx, finish := p.tracer.StartSpan(ctx, "runner.execute", map[string]string{"test_id": entry.TestID})
	var execErr error
	defer func() { finish(execErr) }()

	t, err := p.store.GetTest(ctx, entry.TestID)
	if err != nil {
		execErr = err
		_ = p.store.MarkDone(ctx, entry.ID)
		return
	}

	r := p.runOnce(ctx, t)
	metrics.RecordRun(string(r.Status), time.Duration(r.ElapsedMS)*time.Millisecond)

	if _, err := p.store.CreateRun(ctx, r); err != nil {
		execErr = err
	}
	_ = p.store.MarkDone(ctx, entry.ID)

	obsErr := p.observer.Observe(ctx, state.Observation{
		SubjectKind:        alertdom.SubjectTest,
		SubjectID:          t.ID,
		SubjectDisplayName: t.Name,
		RunID:              r.ID,
		Status:             r.Status,
		ErrorKind:          r.ErrorKind,
		ErrorMessage:       r.ErrorMessage,
		At:                 r.FinishedAt,
		DownAfterFailures:  t.DownAfterFailures,
		UpAfterSuccesses:   t.UpAfterSuccesses,
	})
	if obsErr != nil && execErr == nil {
		execErr = obsErr
	}
}

func (p *Pool) runOnce(ctx context.Context, t test.Test) run.Run {
	started := time.Now().UTC()
	r := run.Run{
		ID:             uuid.NewString(),
		TestID:         t.ID,
		ScheduledForAt: started,
		StartedAt:      started,
	}

	tmpFile, err := p.materializeSource(t)
	if err != nil {
		r.FinishedAt = time.Now().UTC()
		r.Status = run.StatusFail
		r.ErrorKind = run.ErrorKindRunnerProtocol
		r.ErrorMessage = sandbox.TruncateErrorMessage(err.Error())
		return r
	}
	defer os.Remove(tmpFile)

	artifactsDir, err := os.MkdirTemp("", "run-artifacts-*")
	if err != nil {
		r.FinishedAt = time.Now().UTC()
		r.Status = run.StatusFail
		r.ErrorKind = run.ErrorKindRunnerProtocol
		r.ErrorMessage = sandbox.TruncateErrorMessage(err.Error())
		return r
	}
	defer os.RemoveAll(artifactsDir)

	hardTimeout := time.Duration(t.TimeoutSeconds)*time.Second + 5*time.Second
	childCtx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	args := sandbox.ChildArgs{
		TestFile:       tmpFile,
		BaseURL:        t.BaseURL,
		ArtifactsDir:   artifactsDir,
		TimeoutSeconds: t.TimeoutSeconds,
	}
	cmd := exec.CommandContext(childCtx, p.cfg.SandboxBinaryPath, args.Args()...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	runErr := cmd.Run()
	r.FinishedAt = time.Now().UTC()
	r.ElapsedMS = r.FinishedAt.Sub(started).Milliseconds()

	if childCtx.Err() == context.DeadlineExceeded {
		r.Status = run.StatusTimeout
		r.ErrorKind = run.ErrorKindTimeout
		r.ErrorMessage = "sandbox child exceeded hard timeout"
		p.persistArtifacts(ctx, t, r.ID, artifactsDir)
		return r
	}

	// tidwall/gjson gives a fast existence check on the result line before
	// paying for a full JSON decode into sandbox.Result.
	line := extractResultLine(stdout.String())
	if line == "" || !gjson.Valid(line) || !gjson.Get(line, "status").Exists() {
		r.Status = run.StatusFail
		r.ErrorKind = run.ErrorKindRunnerProtocol
		msg := "missing or unparsable E2E_RESULT_JSON line"
		if runErr != nil {
			msg = runErr.Error()
		}
		r.ErrorMessage = sandbox.TruncateErrorMessage(msg)
		p.persistArtifacts(ctx, t, r.ID, artifactsDir)
		return r
	}

	res, ok := sandbox.ParseResultLine(bytes.NewReader(stdout.Bytes()))
	if !ok {
		r.Status = run.StatusFail
		r.ErrorKind = run.ErrorKindRunnerProtocol
		r.ErrorMessage = "result line failed full decode after passing fast validation"
		p.persistArtifacts(ctx, t, r.ID, artifactsDir)
		return r
	}

	r.Status = res.Status
	r.ErrorKind = res.ErrorKind
	r.ErrorMessage = res.ErrorMessage
	r.FinalURL = res.FinalURL
	r.PageTitle = res.Title
	r.BrowserInfraErr = res.BrowserInfraErr
	p.persistArtifacts(ctx, t, r.ID, artifactsDir)
	return r
}

func extractResultLine(output string) string {
	idx := bytes.LastIndex([]byte(output), []byte(sandbox.ResultLinePrefix))
	if idx < 0 {
		return ""
	}
	line := output[idx+len(sandbox.ResultLinePrefix):]
	if nl := bytes.IndexByte([]byte(line), '\n'); nl >= 0 {
		line = line[:nl]
	}
	return line
}

func (p *Pool) persistArtifacts(ctx context.Context, t test.Test, runID, artifactsDir string) {
	entries, err := os.ReadDir(artifactsDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		srcPath := filepath.Join(artifactsDir, e.Name())
		dstPath, size, err := p.blobs.PutFile(t.TenantID, t.ID, runID, e.Name(), srcPath)
		if err != nil {
			continue
		}
		_, _ = p.store.PutArtifact(ctx, run.Artifact{
			TenantID:  t.TenantID,
			TestID:    t.ID,
			RunID:     runID,
			Name:      e.Name(),
			Path:      dstPath,
			Size:      size,
			CreatedAt: time.Now().UTC(),
		})
	}
}

func (p *Pool) materializeSource(t test.Test) (string, error) {
	src, err := p.blobs.Open(t.TenantID, t.ID, "source", "source"+t.Kind.Extension())
	if err != nil {
		return "", fmt.Errorf("runner: open source blob: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp("", "sandbox-source-*"+t.Kind.Extension())
	if err != nil {
		return "", fmt.Errorf("runner: create temp source file: %w", err)
	}
	defer dst.Close()

	if _, err := dst.ReadFrom(src); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("runner: copy source: %w", err)
	}
	return dst.Name(), nil
}

// recoveryLoop periodically looks for queue entries whose lease expired
// without the worker marking them done (a crashed worker), synthesizing an
// infra_degraded run so the lost run is recorded but counts as neither a pass
// nor a fail in the subject's debounce state.
func (p *Pool) recoveryLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.LeaseGrace)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.recoverAbandoned(ctx, now.UTC())
		}
	}
}

func (p *Pool) recoverAbandoned(ctx context.Context, now time.Time) {
	abandoned, err := p.store.ListAbandoned(ctx, now)
	if err != nil {
		return
	}
	for _, entry := range abandoned {
		t, err := p.store.GetTest(ctx, entry.TestID)
		if err != nil {
			_ = p.store.MarkDone(ctx, entry.ID)
			continue
		}
		r := run.Run{
			ID:             uuid.NewString(),
			TestID:         t.ID,
			ScheduledForAt: entry.DueAt,
			StartedAt:      entry.DueAt,
			FinishedAt:     now,
			Status:         run.StatusInfraDegraded,
			ErrorKind:      run.ErrorKindInfraBrowser,
			ErrorMessage:   "worker lease expired without completion; synthesized recovery run",
		}
		_, _ = p.store.CreateRun(ctx, r)
		_ = p.store.MarkDone(ctx, entry.ID)
		_ = p.observer.Observe(ctx, state.Observation{
			SubjectKind:        alertdom.SubjectTest,
			SubjectID:          t.ID,
			SubjectDisplayName: t.Name,
			RunID:              r.ID,
			Status:             r.Status,
			ErrorKind:          r.ErrorKind,
			ErrorMessage:       r.ErrorMessage,
			At:                 now,
			DownAfterFailures:  t.DownAfterFailures,
			UpAfterSuccesses:   t.UpAfterSuccesses,
		})
	}
}
