// Package monitor implements the built-in Domain Monitor: an HTTP liveness
// probe plus a minimal headless-browser expectation check over a
// file-loaded list of first-party domains, feeding the same State & Alert
// Engine tenant tests use.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/synthmon/platform/internal/app/domain/alertdom"
	"github.com/synthmon/platform/internal/app/domain/domainmon"
	"github.com/synthmon/platform/internal/app/domain/run"
	"github.com/synthmon/platform/internal/app/domain/test"
	core "github.com/synthmon/platform/internal/app/core/service"
	"github.com/synthmon/platform/internal/app/services/state"
	"github.com/synthmon/platform/internal/app/storage"
)

// Observer is satisfied by *state.Engine.
type Observer interface {
	Observe(ctx context.Context, obs state.Observation) error
}

// Monitor runs the built-in domain checks on a tick loop separate from the
// tenant Scheduler, since domains are file-configured, not Registry-owned.
type Monitor struct {
	store    storage.DomainMonitorStore
	observer Observer
	client   *http.Client
	tracer   core.Tracer
	tick     time.Duration

	mu      sync.RWMutex
	domains []domainmon.Domain

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Monitor over the given domain list.
func New(store storage.DomainMonitorStore, observer Observer, domains []domainmon.Domain, tick time.Duration, tracer core.Tracer) *Monitor {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &Monitor{
		store:    store,
		observer: observer,
		domains:  domains,
		client:   &http.Client{Timeout: 30 * time.Second},
		tracer:   tracer,
		tick:     tick,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (m *Monitor) Name() string { return "domain_monitor" }

func (m *Monitor) Start(ctx context.Context) error {
	go m.loop(ctx)
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *Monitor) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "domain_monitor", Layer: core.LayerEngine}
}

// Reload replaces the monitored domain set. cmd/appserver does not call it;
// it installs no SIGHUP handler.
func (m *Monitor) Reload(domains []domainmon.Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains = domains
}

func (m *Monitor) snapshot() []domainmon.Domain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domainmon.Domain, len(m.domains))
	copy(out, m.domains)
	return out
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.tickOnce(ctx, now.UTC())
		}
	}
}

func (m *Monitor) tickOnce(ctx context.Context, now time.Time) {
	domains := m.snapshot()
	due, err := m.store.ListDueDomainStates(ctx, now, domains)
	if err != nil {
		return
	}
	// A domain with no stored state has never been probed, so it is due now.
	for _, d := range domains {
		if _, gerr := m.store.GetDomainState(ctx, d.SubjectID()); gerr == storage.ErrNotFound {
			due = append(due, test.State{SubjectID: d.SubjectID()})
		}
	}
	byID := make(map[string]domainmon.Domain, len(domains))
	for _, d := range domains {
		byID[d.SubjectID()] = d
	}
	for _, st := range due {
		d, ok := byID[st.SubjectID]
		if !ok || d.Disabled {
			continue
		}
		if d.DisabledUntil != nil && now.Before(*d.DisabledUntil) {
			continue
		}
		m.probe(ctx, d, now)
	}
}

func (m *Monitor) probe(ctx context.Context, d domainmon.Domain, now time.Time) {
	ctx, finish := m.tracer.StartSpan(ctx, "monitor.probe", map[string]string{"domain": d.Name})
	var err error
	defer func() { finish(err) }()

	status, errKind, msg := m.runHTTPCheck(ctx, d)
	if status == run.StatusPass && d.BrowserCheck.URL != "" {
		status, errKind, msg = m.runBrowserCheck(d)
	}

	obsErr := m.observer.Observe(ctx, state.Observation{
		SubjectKind:        alertdom.SubjectDomain,
		SubjectID:          d.SubjectID(),
		SubjectDisplayName: d.Name,
		Status:             status,
		ErrorKind:          errKind,
		ErrorMessage:       msg,
		At:                 now,
		DownAfterFailures:  d.Alerting.DownAfterFailures,
		UpAfterSuccesses:   d.Alerting.UpAfterSuccesses,
	})
	if obsErr != nil {
		err = obsErr
	}

	interval := time.Duration(d.Alerting.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	st, err := m.store.GetDomainState(ctx, d.SubjectID())
	if err != nil {
		st = test.State{SubjectID: d.SubjectID()}
	}
	st.NextDueAt = now.Add(interval)
	_ = m.store.PutDomainState(ctx, st)
}

func (m *Monitor) runHTTPCheck(ctx context.Context, d domainmon.Domain) (run.Status, run.ErrorKind, string) {
	check := d.HTTPCheck
	if check.URL == "" {
		return run.StatusPass, run.ErrorKindNone, ""
	}
	timeout := time.Duration(check.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, check.URL, nil)
	if err != nil {
		return run.StatusFail, run.ErrorKindRunnerProtocol, err.Error()
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return run.StatusFail, run.ErrorKindInfraBrowser, err.Error()
	}
	defer resp.Body.Close()

	expect := check.ExpectStatus
	if expect == 0 {
		expect = http.StatusOK
	}
	if resp.StatusCode != expect {
		return run.StatusFail, run.ErrorKindAssertion, fmt.Sprintf("expected status %d, got %d", expect, resp.StatusCode)
	}
	return run.StatusPass, run.ErrorKindNone, ""
}

func (m *Monitor) runBrowserCheck(d domainmon.Domain) (run.Status, run.ErrorKind, string) {
	check := d.BrowserCheck
	timeout := time.Duration(check.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	pw, err := playwright.Run()
	if err != nil {
		return run.StatusInfraDegraded, run.ErrorKindInfraBrowser, err.Error()
	}
	defer pw.Stop()

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args:     []string{"--no-sandbox", "--disable-dev-shm-usage"},
	})
	if err != nil {
		return run.StatusInfraDegraded, run.ErrorKindInfraBrowser, err.Error()
	}
	defer browser.Close()

	page, err := browser.NewPage()
	if err != nil {
		return run.StatusInfraDegraded, run.ErrorKindInfraBrowser, err.Error()
	}
	page.SetDefaultTimeout(float64(timeout.Milliseconds()))
	defer page.Close()

	if _, err := page.Goto(check.URL); err != nil {
		msg := err.Error()
		if isInfra(msg) {
			return run.StatusInfraDegraded, run.ErrorKindInfraBrowser, msg
		}
		return run.StatusFail, run.ErrorKindAssertion, msg
	}

	content, err := page.Content()
	if err != nil {
		return run.StatusInfraDegraded, run.ErrorKindInfraBrowser, err.Error()
	}
	title, _ := page.Title()
	if check.ExpectContains != "" && !strings.Contains(content, check.ExpectContains) && !strings.Contains(title, check.ExpectContains) {
		return run.StatusFail, run.ErrorKindAssertion, fmt.Sprintf("expected page to contain %q", check.ExpectContains)
	}
	return run.StatusPass, run.ErrorKindNone, ""
}

func isInfra(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range []string{"target closed", "browser disconnected", "session closed", "page crashed"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
