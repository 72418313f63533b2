package memory

import (
	"context"
	"testing"
	"time"

	"github.com/synthmon/platform/internal/app/domain/queue"
	"github.com/synthmon/platform/internal/app/domain/run"
	"github.com/synthmon/platform/internal/app/domain/tenant"
	"github.com/synthmon/platform/internal/app/domain/test"
	"github.com/synthmon/platform/internal/app/storage"
)

func TestStoreCreateTenantAndTest(t *testing.T) {
	store := New()
	ctx := context.Background()

	tn, err := store.CreateTenant(ctx, tenant.Tenant{Name: "acme"})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	tst, err := store.CreateTest(ctx, test.Test{
		TenantID:        tn.ID,
		Name:            "homepage",
		BaseURL:         "https://example.com",
		Kind:            test.KindScriptJS,
		Enabled:         true,
		IntervalSeconds: 60,
		TimeoutSeconds:  30,
	})
	if err != nil {
		t.Fatalf("create test: %v", err)
	}
	if tst.TenantID != tn.ID {
		t.Fatalf("expected test to retain tenant id")
	}

	list, err := store.ListTests(ctx, tn.ID, storage.TestFilter{})
	if err != nil || len(list) != 1 || list[0].ID != tst.ID {
		t.Fatalf("expected test to be listed, got %#v err=%v", list, err)
	}
}

func TestStoreRunAndQueueLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	tn, _ := store.CreateTenant(ctx, tenant.Tenant{Name: "acme"})
	tst, _ := store.CreateTest(ctx, test.Test{TenantID: tn.ID, Name: "api", BaseURL: "https://example.com", Kind: test.KindScriptPython})

	entry, err := store.Enqueue(ctx, queue.Entry{TestID: tst.ID, DueAt: time.Now().UTC(), Status: queue.StatusQueued})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, ok, err := store.ClaimNext(ctx, "worker-1", time.Now().Add(time.Minute))
	if err != nil || !ok || claimed.ID != entry.ID {
		t.Fatalf("expected to claim entry, got %#v ok=%v err=%v", claimed, ok, err)
	}

	inFlight, err := store.HasInFlight(ctx, tst.ID)
	if err != nil || !inFlight {
		t.Fatalf("expected test to be in flight, got %v err=%v", inFlight, err)
	}

	r, err := store.CreateRun(ctx, run.Run{TestID: tst.ID, Status: run.StatusPass})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := store.MarkDone(ctx, claimed.ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	inFlight, err = store.HasInFlight(ctx, tst.ID)
	if err != nil || inFlight {
		t.Fatalf("expected test to no longer be in flight, got %v err=%v", inFlight, err)
	}

	runs, err := store.ListRunsForTest(ctx, tst.ID, 0)
	if err != nil || len(runs) != 1 || runs[0].ID != r.ID {
		t.Fatalf("expected run to be listed, got %#v err=%v", runs, err)
	}
}

func TestStoreTestStateDueScan(t *testing.T) {
	store := New()
	ctx := context.Background()

	tn, _ := store.CreateTenant(ctx, tenant.Tenant{Name: "acme"})
	tst, _ := store.CreateTest(ctx, test.Test{TenantID: tn.ID, Name: "api", BaseURL: "https://example.com", Kind: test.KindScriptJS, Enabled: true})

	past := test.State{SubjectID: tst.ID, EffectiveOK: test.EffectiveUnknown, NextDueAt: time.Now().Add(-time.Minute)}
	if err := store.PutTestState(ctx, past); err != nil {
		t.Fatalf("put test state: %v", err)
	}

	due, err := store.ListDueTestStates(ctx, time.Now())
	if err != nil || len(due) != 1 || due[0].SubjectID != tst.ID {
		t.Fatalf("expected due test state, got %#v err=%v", due, err)
	}
}
