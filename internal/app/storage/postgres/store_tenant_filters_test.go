package postgres

import (
	"testing"
	"time"

	"github.com/synthmon/platform/internal/app/domain/domainmon"
	"github.com/synthmon/platform/internal/app/domain/tenant"
	"github.com/synthmon/platform/internal/app/domain/test"
	"github.com/synthmon/platform/internal/app/storage"
)

// Verifies that ListTests never returns another tenant's rows and that its
// filter fields narrow correctly, and that the domain monitor's due-state
// scan only returns subjects present in the supplied known set.
func TestTenantFiltersAcrossStores(t *testing.T) {
	store, ctx := newTestStore(t)

	tenantA, err := store.CreateTenant(ctx, tenant.Tenant{Name: "tenant-a"})
	if err != nil {
		t.Fatalf("create tenant a: %v", err)
	}
	tenantB, err := store.CreateTenant(ctx, tenant.Tenant{Name: "tenant-b"})
	if err != nil {
		t.Fatalf("create tenant b: %v", err)
	}

	mkTest := func(tenantID, name, baseURL string, enabled bool) test.Test {
		t.Helper()
		tst, err := store.CreateTest(ctx, test.Test{
			TenantID:          tenantID,
			Name:              name,
			BaseURL:           baseURL,
			Kind:              test.KindScriptJS,
			Enabled:           enabled,
			IntervalSeconds:   300,
			TimeoutSeconds:    30,
			DownAfterFailures: 3,
			UpAfterSuccesses:  2,
			SourceBlobRef:     "blob://tests/" + name,
		})
		if err != nil {
			t.Fatalf("create test %s: %v", name, err)
		}
		return tst
	}

	mkTest(tenantA.ID, "a-enabled", "https://a.example.com", true)
	mkTest(tenantA.ID, "a-disabled", "https://a-admin.example.com", false)
	mkTest(tenantB.ID, "b-enabled", "https://b.example.com", true)

	aTests, err := store.ListTests(ctx, tenantA.ID, storage.TestFilter{})
	if err != nil {
		t.Fatalf("list tenant a tests: %v", err)
	}
	if len(aTests) != 2 {
		t.Fatalf("expected tenant a to see only its own tests, got %d", len(aTests))
	}

	enabledTrue := true
	aEnabled, err := store.ListTests(ctx, tenantA.ID, storage.TestFilter{Enabled: &enabledTrue})
	if err != nil {
		t.Fatalf("list tenant a enabled tests: %v", err)
	}
	if len(aEnabled) != 1 || aEnabled[0].Name != "a-enabled" {
		t.Fatalf("expected enabled filter to narrow to one test")
	}

	aByURL, err := store.ListTests(ctx, tenantA.ID, storage.TestFilter{BaseURLContains: "admin"})
	if err != nil {
		t.Fatalf("list tenant a tests by url: %v", err)
	}
	if len(aByURL) != 1 || aByURL[0].Name != "a-disabled" {
		t.Fatalf("expected base url filter to narrow to one test")
	}

	bTests, err := store.ListTests(ctx, tenantB.ID, storage.TestFilter{})
	if err != nil {
		t.Fatalf("list tenant b tests: %v", err)
	}
	if len(bTests) != 1 {
		t.Fatalf("expected tenant b to see only its own test, got %d", len(bTests))
	}

	now := time.Now().UTC()
	known := []domainmon.Domain{{Name: "status.example.com"}, {Name: "other.example.com"}}
	if err := store.PutDomainState(ctx, test.State{SubjectID: known[0].SubjectID(), EffectiveOK: test.EffectiveUp, NextDueAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("put domain state: %v", err)
	}
	if err := store.PutDomainState(ctx, test.State{SubjectID: "domain:not-known.example.com", EffectiveOK: test.EffectiveUp, NextDueAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("put unknown domain state: %v", err)
	}

	due, err := store.ListDueDomainStates(ctx, now, known)
	if err != nil {
		t.Fatalf("list due domain states: %v", err)
	}
	if len(due) != 1 || due[0].SubjectID != known[0].SubjectID() {
		t.Fatalf("expected only the known due domain state, got %+v", due)
	}
}
