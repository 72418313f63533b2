// Package scheduler implements the due-time scheduling loop: a 1-second
// tick that scans for due tests/domains, applies jitter and failure
// backoff, and enqueues run requests subject to global and per-tenant
// concurrency caps (shedding rather than queuing past the cap).
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/synthmon/platform/internal/app/domain/domainmon"
	"github.com/synthmon/platform/internal/app/domain/queue"
	"github.com/synthmon/platform/internal/app/domain/test"
	core "github.com/synthmon/platform/internal/app/core/service"
	"github.com/synthmon/platform/internal/app/metrics"
	"github.com/synthmon/platform/internal/app/storage"
)

// Config bounds the scheduling loop's concurrency and backoff behavior.
type Config struct {
	TickInterval         time.Duration
	GlobalConcurrency    int
	PerTenantConcurrency int
	BackoffFailThreshold int
	BackoffMultiplier    float64
}

// DefaultConfig returns conservative concurrency and backoff settings
// suitable for a single-process deployment.
func DefaultConfig() Config {
	return Config{
		TickInterval:         time.Second,
		GlobalConcurrency:    32,
		PerTenantConcurrency: 4,
		BackoffFailThreshold: 10,
		BackoffMultiplier:    4,
	}
}

// Scheduler runs the tick loop against a Store, tracking in-flight counts by
// tenant in-process (the Runner Pool's lease claim remains the durable
// source of truth; this cache only implements shed-not-queue admission).
type Scheduler struct {
	store  storage.Store
	cfg    Config
	tracer core.Tracer
	known  []domainmon.Domain

	mu           sync.Mutex
	globalLimiter *rate.Limiter
	tenantInFlight map[string]int
	globalInFlight int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Scheduler. known is the built-in domain monitor's current
// configuration, consulted alongside tenant tests every tick.
func New(store storage.Store, cfg Config, known []domainmon.Domain, tracer core.Tracer) *Scheduler {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{
		store:          store,
		cfg:            cfg,
		tracer:         tracer,
		known:          known,
		globalLimiter:  rate.NewLimiter(rate.Limit(cfg.GlobalConcurrency), cfg.GlobalConcurrency),
		tenantInFlight: make(map[string]int),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

func (s *Scheduler) Name() string { return "scheduler" }

func (s *Scheduler) Start(ctx context.Context) error {
	go s.loop(ctx)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "scheduler", Layer: core.LayerEngine}
}

func (s *Scheduler) loop(parent context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-parent.Done():
			return
		case now := <-ticker.C:
			s.tick(parent, now.UTC())
		}
	}
}

// tick scans due test and domain states, applies backoff, and enqueues run
// requests up to the concurrency caps.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	ctx, finish := s.tracer.StartSpan(ctx, "scheduler.tick", nil)
	var err error
	defer func() { finish(err) }()

	dueTests, derr := s.store.ListDueTestStates(ctx, now)
	if derr != nil {
		err = derr
		metrics.RecordSchedulerTick("error")
		return
	}
	for _, st := range dueTests {
		s.maybeEnqueueTest(ctx, now, st)
	}

	dueDomains, derr := s.store.ListDueDomainStates(ctx, now, s.known)
	if derr != nil {
		err = derr
		metrics.RecordSchedulerTick("error")
		return
	}
	_ = dueDomains // built-in domain monitor reschedules itself (see monitor package)

	s.mu.Lock()
	inFlight := s.globalInFlight
	s.mu.Unlock()
	metrics.SetSchedulerInFlight(inFlight)
	metrics.RecordSchedulerTick("ok")
}

func (s *Scheduler) maybeEnqueueTest(ctx context.Context, now time.Time, st test.State) {
	t, err := s.store.GetTest(ctx, st.SubjectID)
	if err != nil || !t.Enabled {
		return
	}
	if t.DisabledUntil != nil && now.Before(*t.DisabledUntil) {
		return
	}

	if !s.admit(t.TenantID) {
		// Shed, not queue: next_due_ts is left as it is, so this test is
		// due again on the next tick rather than piling up a backlog entry.
		return
	}
	defer s.release(t.TenantID)

	inFlight, ferr := s.store.HasInFlight(ctx, t.ID)
	if ferr != nil || inFlight {
		s.reschedule(ctx, st, t, now)
		return
	}

	entry := queue.Entry{
		TestID: t.ID,
		DueAt:  now,
		Status: queue.StatusQueued,
	}
	if _, eerr := s.store.Enqueue(ctx, entry); eerr != nil {
		return
	}

	s.reschedule(ctx, st, t, now)
}

// reschedule computes next_due_ts = now + interval + uniform_random(0,
// jitter), with the interval multiplied by Config.BackoffMultiplier (default
// 4) while fail_streak is at or above BackoffFailThreshold; the base interval
// applies again once a pass resets fail_streak.
func (s *Scheduler) reschedule(ctx context.Context, st test.State, t test.Test, now time.Time) {
	interval := time.Duration(t.IntervalSeconds) * time.Second
	if st.FailStreak >= s.cfg.BackoffFailThreshold {
		mult := s.cfg.BackoffMultiplier
		if mult < 1 {
			mult = 1
		}
		interval = time.Duration(float64(interval) * mult)
		metrics.RecordSchedulerBackoff("test")
	}

	jitter := time.Duration(0)
	if t.JitterSeconds > 0 {
		jitter = time.Duration(rand.Intn(t.JitterSeconds+1)) * time.Second
	}

	st.NextDueAt = now.Add(interval).Add(jitter)
	_ = s.store.PutTestState(ctx, st)
}

// admit enforces the global and per-tenant concurrency caps, shedding
// (returning false) rather than blocking when either is exhausted. The rate
// limiter additionally smooths dispatch bursts (e.g. after a restart finds
// many tests simultaneously due) to roughly GlobalConcurrency admissions per
// second.
func (s *Scheduler) admit(tenantID string) bool {
	if !s.globalLimiter.Allow() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globalInFlight >= s.cfg.GlobalConcurrency {
		return false
	}
	if s.cfg.PerTenantConcurrency > 0 && s.tenantInFlight[tenantID] >= s.cfg.PerTenantConcurrency {
		return false
	}
	s.globalInFlight++
	s.tenantInFlight[tenantID]++
	return true
}

func (s *Scheduler) release(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalInFlight--
	s.tenantInFlight[tenantID]--
	if s.tenantInFlight[tenantID] <= 0 {
		delete(s.tenantInFlight, tenantID)
	}
}
