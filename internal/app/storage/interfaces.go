// Package storage defines the persistence interfaces for the platform. Each
// interface is implemented by both the in-memory store (tests, local runs)
// and the Postgres store (production).
package storage

import (
	"context"
	"time"

	"github.com/synthmon/platform/internal/app/domain/domainmon"
	"github.com/synthmon/platform/internal/app/domain/queue"
	"github.com/synthmon/platform/internal/app/domain/run"
	"github.com/synthmon/platform/internal/app/domain/tenant"
	"github.com/synthmon/platform/internal/app/domain/test"
)

// TenantStore persists tenants and their API keys.
type TenantStore interface {
	CreateTenant(ctx context.Context, t tenant.Tenant) (tenant.Tenant, error)
	GetTenant(ctx context.Context, id string) (tenant.Tenant, error)
	ListTenants(ctx context.Context) ([]tenant.Tenant, error)

	CreateApiKey(ctx context.Context, key tenant.ApiKey) (tenant.ApiKey, error)
	GetApiKeyByHash(ctx context.Context, tokenHash string) (tenant.ApiKey, error)
	RevokeApiKey(ctx context.Context, id string) error
	ListApiKeys(ctx context.Context, tenantID string) ([]tenant.ApiKey, error)
}

// TestFilter narrows ListTests.
type TestFilter struct {
	Enabled         *bool
	BaseURLContains string
	Limit           int
}

// TestStore persists tests and their debounced state.
type TestStore interface {
	CreateTest(ctx context.Context, t test.Test) (test.Test, error)
	UpdateTest(ctx context.Context, t test.Test) (test.Test, error)
	GetTest(ctx context.Context, id string) (test.Test, error)
	ListTests(ctx context.Context, tenantID string, filter TestFilter) ([]test.Test, error)
	DeleteTest(ctx context.Context, id string) error

	GetTestState(ctx context.Context, testID string) (test.State, error)
	PutTestState(ctx context.Context, state test.State) error
	ListDueTestStates(ctx context.Context, now time.Time) ([]test.State, error)
}

// RunStore persists terminal run records and artifact metadata.
type RunStore interface {
	CreateRun(ctx context.Context, r run.Run) (run.Run, error)
	GetRun(ctx context.Context, id string) (run.Run, error)
	ListRunsForTest(ctx context.Context, testID string, limit int) ([]run.Run, error)

	PutArtifact(ctx context.Context, a run.Artifact) (run.Artifact, error)
	GetArtifact(ctx context.Context, runID, name string) (run.Artifact, error)
}

// QueueStore persists the durable run queue with lease semantics.
type QueueStore interface {
	Enqueue(ctx context.Context, entry queue.Entry) (queue.Entry, error)
	// ClaimNext atomically transitions the oldest queued entry to leased and
	// returns it. It returns (queue.Entry{}, false, nil) when no work is
	// available.
	ClaimNext(ctx context.Context, workerID string, leaseUntil time.Time) (queue.Entry, bool, error)
	MarkDone(ctx context.Context, id string) error
	// HasInFlight reports whether testID currently has a queued or leased
	// entry, enforcing the single-flight-per-test invariant.
	HasInFlight(ctx context.Context, testID string) (bool, error)
	// ListAbandoned returns leased entries whose lease has expired, for
	// crash-recovery synthetic infra_degraded runs.
	ListAbandoned(ctx context.Context, now time.Time) ([]queue.Entry, error)
}

// DomainMonitorStore persists the built-in domain monitor's debounce state.
// Domain configuration itself is file-loaded, not stored.
type DomainMonitorStore interface {
	GetDomainState(ctx context.Context, name string) (test.State, error)
	PutDomainState(ctx context.Context, state test.State) error
	ListDueDomainStates(ctx context.Context, now time.Time, known []domainmon.Domain) ([]test.State, error)
}

// AlertStore persists heartbeat bookkeeping that must survive a restart.
type AlertStore interface {
	GetLastHeartbeatAt(ctx context.Context) (time.Time, error)
	PutLastHeartbeatAt(ctx context.Context, at time.Time) error
}

// Store aggregates every persistence interface the application wires
// together. Concrete implementations (memory, postgres) satisfy it in full.
type Store interface {
	TenantStore
	TestStore
	RunStore
	QueueStore
	DomainMonitorStore
	AlertStore
}
