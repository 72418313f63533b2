package app

import (
	"context"
	"fmt"
	"time"

	"github.com/synthmon/platform/internal/app/auth"
	core "github.com/synthmon/platform/internal/app/core/service"
	"github.com/synthmon/platform/internal/app/domain/alertdom"
	"github.com/synthmon/platform/internal/app/domain/domainmon"
	"github.com/synthmon/platform/internal/app/domain/test"
	"github.com/synthmon/platform/internal/app/httpapi"
	"github.com/synthmon/platform/internal/app/services/monitor"
	"github.com/synthmon/platform/internal/app/services/registry"
	"github.com/synthmon/platform/internal/app/services/runner"
	"github.com/synthmon/platform/internal/app/services/scheduler"
	"github.com/synthmon/platform/internal/app/services/state"
	"github.com/synthmon/platform/internal/app/storage"
	"github.com/synthmon/platform/internal/app/system"
	"github.com/synthmon/platform/pkg/blob"
	"github.com/synthmon/platform/pkg/config"
	"github.com/synthmon/platform/pkg/logger"
)

// Application ties the Registry, Scheduler, Runner Pool, State & Alert
// Engine, Domain Monitor, and HTTP API together and manages their lifecycle
// through a single system.Manager.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Registry *registry.Service
	Engine   *state.Engine
	Monitor  *monitor.Monitor

	descriptors []core.Descriptor
}

// New builds a fully wired Application over store. domains is the built-in
// domain monitor's file-loaded configuration; it may be empty.
func New(store storage.Store, domains []domainmon.Domain, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.New()
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	blobs := blob.New(cfg.Security.ArtifactsDir)
	manager := system.NewManager()

	var escalator state.Escalator
	if cfg.Escalation.Endpoint != "" {
		escalator = state.NewHTTPEscalator(cfg.Escalation.Endpoint, cfg.Escalation.Token, cfg.Escalation.Model, cfg.Escalation.PollInterval, cfg.Escalation.Timeout)
	}
	sink := state.NewWebhookSink(cfg.Alert.WebhookURL)
	engine := state.New(
		state.TestStateAdapter{Store: store},
		state.DomainStateAdapter{Store: store},
		sink,
		escalator,
		core.NoopTracer,
	)

	reg := registry.New(store, blobs, cfg.Registry.MaxSourceBytes, core.NoopTracer)

	schedCfg := scheduler.Config{
		TickInterval:         cfg.Scheduler.TickInterval,
		GlobalConcurrency:    cfg.Scheduler.GlobalConcurrency,
		PerTenantConcurrency: cfg.Scheduler.PerTenantConcurrency,
		BackoffFailThreshold: cfg.Scheduler.BackoffFailThreshold,
		BackoffMultiplier:    cfg.Scheduler.BackoffMultiplier,
	}
	sched := scheduler.New(store, schedCfg, domains, core.NoopTracer)

	runCfg := runner.Config{
		WorkerCount:  cfg.Sandbox.WorkerCount,
		LeaseGrace:   cfg.Scheduler.LeaseGrace,
		PollInterval: 500 * time.Millisecond,
	}
	pool := runner.New(store, blobs, engine, runCfg, core.NoopTracer)

	mon := monitor.New(store, engine, domains, time.Second, core.NoopTracer)

	var users []auth.User
	for _, u := range cfg.Auth.Users {
		users = append(users, auth.User{Username: u.Username, PasswordHash: u.PasswordHash, Role: u.Role})
	}
	adminAuth := auth.NewManager(cfg.Auth.JWTSecret, users)
	tenantResolver := auth.NewTenantResolver(store)
	authMW := httpapi.NewAuthMiddleware(tenantResolver, adminAuth, cfg.Auth.AdminToken)

	if len(cfg.Heartbeat.Anchors) > 0 {
		hb, err := state.NewHeartbeat(cfg.Heartbeat.Anchors, heartbeatLister{store: store, domains: domains}, store, sink)
		if err != nil {
			return nil, fmt.Errorf("app: configure heartbeat: %w", err)
		}
		if err := manager.Register(newHeartbeatService(hb)); err != nil {
			return nil, fmt.Errorf("app: register heartbeat: %w", err)
		}
	}

	for _, svc := range []system.Service{sched, pool, mon} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("app: register %s: %w", svc.Name(), err)
		}
	}

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSvc := httpapi.NewService(reg, manager, authMW, httpAddr, log, nil)
	if err := manager.Register(httpSvc); err != nil {
		return nil, fmt.Errorf("app: register http: %w", err)
	}

	return &Application{
		manager:     manager,
		log:         log,
		Registry:    reg,
		Engine:      engine,
		Monitor:     mon,
		descriptors: manager.Descriptors(),
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(svc system.Service) error {
	return a.manager.Register(svc)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Descriptors returns advertised service descriptors for introspection.
func (a *Application) Descriptors() []core.Descriptor {
	out := make([]core.Descriptor, len(a.descriptors))
	copy(out, a.descriptors)
	return out
}

// heartbeatLister composes the heartbeat summary across every tenant's
// tests plus the built-in domain monitor's domains.
type heartbeatLister struct {
	store   storage.Store
	domains []domainmon.Domain
}

func (l heartbeatLister) Subjects(ctx context.Context) ([]alertdom.SubjectSummary, error) {
	var out []alertdom.SubjectSummary

	tenants, err := l.store.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: list tenants: %w", err)
	}
	for _, t := range tenants {
		tests, err := l.store.ListTests(ctx, t.ID, storage.TestFilter{})
		if err != nil {
			continue
		}
		for _, tst := range tests {
			st, err := l.store.GetTestState(ctx, tst.ID)
			if err != nil {
				continue
			}
			out = append(out, summaryFor(tst.ID, tst.Name, st))
		}
	}
	for _, d := range l.domains {
		st, err := l.store.GetDomainState(ctx, d.SubjectID())
		if err != nil {
			continue
		}
		out = append(out, summaryFor(d.SubjectID(), d.Name, st))
	}
	return out, nil
}

func summaryFor(id, name string, st test.State) alertdom.SubjectSummary {
	return alertdom.SubjectSummary{
		SubjectID:   id,
		DisplayName: name,
		LastOKAt:    st.LastOKAt,
		Failing:     st.EffectiveOK == test.EffectiveDown,
	}
}

// heartbeatService adapts state.Heartbeat to the system.Service lifecycle,
// polling once a minute since wall-clock anchors only need minute
// resolution.
type heartbeatService struct {
	hb     *state.Heartbeat
	stopCh chan struct{}
	doneCh chan struct{}
}

func newHeartbeatService(hb *state.Heartbeat) *heartbeatService {
	return &heartbeatService{hb: hb, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

func (s *heartbeatService) Name() string { return "heartbeat" }

func (s *heartbeatService) Start(ctx context.Context) error {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				_ = s.hb.MaybeFire(ctx, now.UTC())
			}
		}
	}()
	return nil
}

func (s *heartbeatService) Stop(ctx context.Context) error {
	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *heartbeatService) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "heartbeat", Layer: core.LayerEngine}
}
