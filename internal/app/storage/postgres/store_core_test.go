package postgres

import (
	"testing"
	"time"

	"github.com/synthmon/platform/internal/app/domain/queue"
	"github.com/synthmon/platform/internal/app/domain/run"
	"github.com/synthmon/platform/internal/app/domain/tenant"
	"github.com/synthmon/platform/internal/app/domain/test"
	"github.com/synthmon/platform/internal/app/storage"
)

func TestStoreCoreIntegration(t *testing.T) {
	store, ctx := newTestStore(t)

	tn, err := store.CreateTenant(ctx, tenant.Tenant{Name: "acme"})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	key, err := store.CreateApiKey(ctx, tenant.ApiKey{TenantID: tn.ID, TokenHash: "hash-1"})
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	if key.ID == "" || key.CreatedAt.IsZero() {
		t.Fatalf("expected api key id and created_at to be set")
	}

	reloaded, err := store.GetApiKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("get api key by hash: %v", err)
	}
	if reloaded.ID != key.ID {
		t.Fatalf("expected matching api key id")
	}

	tst, err := store.CreateTest(ctx, test.Test{
		TenantID:          tn.ID,
		Name:              "checkout flow",
		BaseURL:           "https://shop.example.com",
		Kind:              test.KindScriptJS,
		Enabled:           true,
		IntervalSeconds:   300,
		TimeoutSeconds:    30,
		DownAfterFailures: 3,
		UpAfterSuccesses:  2,
		SourceBlobRef:     "blob://tests/checkout.js",
	})
	if err != nil {
		t.Fatalf("create test: %v", err)
	}
	if tst.CreatedAt.IsZero() || tst.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be set on test")
	}

	reloadedTest, err := store.GetTest(ctx, tst.ID)
	if err != nil {
		t.Fatalf("get test: %v", err)
	}
	if reloadedTest.ID != tst.ID {
		t.Fatalf("expected matching test id")
	}

	tests, err := store.ListTests(ctx, tn.ID, storage.TestFilter{})
	if err != nil {
		t.Fatalf("list tests: %v", err)
	}
	if len(tests) != 1 {
		t.Fatalf("expected single test, got %d", len(tests))
	}

	now := time.Now().UTC()
	state := test.State{
		SubjectID:     tst.ID,
		EffectiveOK:   test.EffectiveUp,
		SuccessStreak: 1,
		LastOKAt:      &now,
		NextDueAt:     now.Add(5 * time.Minute),
	}
	if err := store.PutTestState(ctx, state); err != nil {
		t.Fatalf("put test state: %v", err)
	}

	reloadedState, err := store.GetTestState(ctx, tst.ID)
	if err != nil {
		t.Fatalf("get test state: %v", err)
	}
	if reloadedState.EffectiveOK != test.EffectiveUp {
		t.Fatalf("expected effective state to round-trip")
	}

	r, err := store.CreateRun(ctx, run.Run{
		TestID:         tst.ID,
		ScheduledForAt: now,
		StartedAt:      now,
		FinishedAt:     now.Add(2 * time.Second),
		Status:         run.StatusPass,
		ElapsedMS:      2000,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	runs, err := store.ListRunsForTest(ctx, tst.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != r.ID {
		t.Fatalf("expected single matching run")
	}

	artifact, err := store.PutArtifact(ctx, run.Artifact{
		TenantID: tn.ID,
		TestID:   tst.ID,
		RunID:    r.ID,
		Name:     run.ArtifactRunLog,
		Path:     "artifacts/run.log",
		Size:     128,
	})
	if err != nil {
		t.Fatalf("put artifact: %v", err)
	}

	reloadedArtifact, err := store.GetArtifact(ctx, r.ID, run.ArtifactRunLog)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if reloadedArtifact.Path != artifact.Path {
		t.Fatalf("expected matching artifact path")
	}

	entry, err := store.Enqueue(ctx, queue.Entry{TestID: tst.ID, DueAt: now})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	inFlight, err := store.HasInFlight(ctx, tst.ID)
	if err != nil {
		t.Fatalf("has in flight: %v", err)
	}
	if !inFlight {
		t.Fatalf("expected test to be in flight after enqueue")
	}

	claimed, ok, err := store.ClaimNext(ctx, "worker-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if !ok || claimed.ID != entry.ID {
		t.Fatalf("expected to claim the enqueued entry")
	}

	if err := store.MarkDone(ctx, claimed.ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	inFlight, err = store.HasInFlight(ctx, tst.ID)
	if err != nil {
		t.Fatalf("has in flight after done: %v", err)
	}
	if inFlight {
		t.Fatalf("expected no in-flight entries once marked done")
	}
}
