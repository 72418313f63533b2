// Package memory is a thread-safe in-memory implementation of storage.Store,
// intended for tests and local runs. It deliberately keeps the
// implementation simple: plain maps behind one mutex, no transactions.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synthmon/platform/internal/app/domain/domainmon"
	"github.com/synthmon/platform/internal/app/domain/queue"
	"github.com/synthmon/platform/internal/app/domain/run"
	"github.com/synthmon/platform/internal/app/domain/tenant"
	"github.com/synthmon/platform/internal/app/domain/test"
	"github.com/synthmon/platform/internal/app/storage"
)

// Store is the in-memory persistence layer.
type Store struct {
	mu sync.RWMutex

	tenants    map[string]tenant.Tenant
	apiKeys    map[string]tenant.ApiKey // keyed by ID
	keysByHash map[string]string       // tokenHash -> ID

	tests      map[string]test.Test
	testStates map[string]test.State // keyed by test_id

	runs      map[string]run.Run
	artifacts map[string]run.Artifact // keyed by runID+"|"+name

	queueEntries map[string]queue.Entry

	domainStates map[string]test.State // keyed by subject id ("domain:<name>")

	lastHeartbeat time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tenants:      make(map[string]tenant.Tenant),
		apiKeys:      make(map[string]tenant.ApiKey),
		keysByHash:   make(map[string]string),
		tests:        make(map[string]test.Test),
		testStates:   make(map[string]test.State),
		runs:         make(map[string]run.Run),
		artifacts:    make(map[string]run.Artifact),
		queueEntries: make(map[string]queue.Entry),
		domainStates: make(map[string]test.State),
	}
}

func newID() string { return uuid.NewString() }

// Tenant / ApiKey --------------------------------------------------------

func (s *Store) CreateTenant(_ context.Context, t tenant.Tenant) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = newID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.tenants[t.ID] = t
	return t, nil
}

func (s *Store) GetTenant(_ context.Context, id string) (tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return tenant.Tenant{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *Store) ListTenants(_ context.Context) ([]tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tenant.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateApiKey(_ context.Context, key tenant.ApiKey) (tenant.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.ID == "" {
		key.ID = newID()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	s.apiKeys[key.ID] = key
	s.keysByHash[key.TokenHash] = key.ID
	return key, nil
}

func (s *Store) GetApiKeyByHash(_ context.Context, tokenHash string) (tenant.ApiKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keysByHash[tokenHash]
	if !ok {
		return tenant.ApiKey{}, storage.ErrNotFound
	}
	return s.apiKeys[id], nil
}

func (s *Store) RevokeApiKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.apiKeys[id]
	if !ok {
		return storage.ErrNotFound
	}
	now := time.Now().UTC()
	key.RevokedAt = &now
	s.apiKeys[id] = key
	return nil
}

func (s *Store) ListApiKeys(_ context.Context, tenantID string) ([]tenant.ApiKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tenant.ApiKey, 0)
	for _, k := range s.apiKeys {
		if k.TenantID == tenantID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Test / TestState --------------------------------------------------------

func (s *Store) CreateTest(_ context.Context, t test.Test) (test.Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = newID()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tests[t.ID] = t
	return t, nil
}

func (s *Store) UpdateTest(_ context.Context, t test.Test) (test.Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tests[t.ID]
	if !ok {
		return test.Test{}, storage.ErrNotFound
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	s.tests[t.ID] = t
	return t, nil
}

func (s *Store) GetTest(_ context.Context, id string) (test.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tests[id]
	if !ok {
		return test.Test{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *Store) ListTests(_ context.Context, tenantID string, filter storage.TestFilter) ([]test.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]test.Test, 0)
	for _, t := range s.tests {
		if t.TenantID != tenantID {
			continue
		}
		if filter.Enabled != nil && t.Enabled != *filter.Enabled {
			continue
		}
		if filter.BaseURLContains != "" && !strings.Contains(t.BaseURL, filter.BaseURLContains) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) DeleteTest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tests[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.tests, id)
	delete(s.testStates, id)
	return nil
}

func (s *Store) GetTestState(_ context.Context, testID string) (test.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.testStates[testID]
	if !ok {
		return test.State{}, storage.ErrNotFound
	}
	return st, nil
}

func (s *Store) PutTestState(_ context.Context, state test.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testStates[state.SubjectID] = state
	return nil
}

func (s *Store) ListDueTestStates(_ context.Context, now time.Time) ([]test.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]test.State, 0)
	for id, st := range s.testStates {
		t, ok := s.tests[id]
		if !ok || !t.Enabled {
			continue
		}
		if t.DisabledUntil != nil && t.DisabledUntil.After(now) {
			continue
		}
		if !st.NextDueAt.After(now) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

// Run / Artifact ------------------------------------------------------------

func (s *Store) CreateRun(_ context.Context, r run.Run) (run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = newID()
	}
	s.runs[r.ID] = r
	return r, nil
}

func (s *Store) GetRun(_ context.Context, id string) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return run.Run{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *Store) ListRunsForTest(_ context.Context, testID string, limit int) ([]run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]run.Run, 0)
	for _, r := range s.runs {
		if r.TestID == testID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledForAt.After(out[j].ScheduledForAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PutArtifact(_ context.Context, a run.Artifact) (run.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.artifacts[artifactKey(a.RunID, a.Name)] = a
	return a, nil
}

func (s *Store) GetArtifact(_ context.Context, runID, name string) (run.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[artifactKey(runID, name)]
	if !ok {
		return run.Artifact{}, storage.ErrNotFound
	}
	return a, nil
}

func artifactKey(runID, name string) string { return runID + "|" + name }

// Queue ----------------------------------------------------------------------

func (s *Store) Enqueue(_ context.Context, entry queue.Entry) (queue.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.Status == "" {
		entry.Status = queue.StatusQueued
	}
	s.queueEntries[entry.ID] = entry
	return entry, nil
}

func (s *Store) ClaimNext(_ context.Context, workerID string, leaseUntil time.Time) (queue.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *queue.Entry
	for id, e := range s.queueEntries {
		if e.Status != queue.StatusQueued {
			continue
		}
		cur := s.queueEntries[id]
		if best == nil || cur.DueAt.Before(best.DueAt) {
			c := cur
			best = &c
		}
	}
	if best == nil {
		return queue.Entry{}, false, nil
	}
	best.Status = queue.StatusLeased
	best.LeasedBy = workerID
	lu := leaseUntil
	best.LeasedUntilAt = &lu
	s.queueEntries[best.ID] = *best
	return *best, true, nil
}

func (s *Store) MarkDone(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queueEntries[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.Status = queue.StatusDone
	s.queueEntries[id] = e
	return nil
}

func (s *Store) HasInFlight(_ context.Context, testID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.queueEntries {
		if e.TestID == testID && (e.Status == queue.StatusQueued || e.Status == queue.StatusLeased) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListAbandoned(_ context.Context, now time.Time) ([]queue.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]queue.Entry, 0)
	for _, e := range s.queueEntries {
		if e.Status == queue.StatusLeased && e.LeasedUntilAt != nil && e.LeasedUntilAt.Before(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Domain monitor ---------------------------------------------------------

func (s *Store) GetDomainState(_ context.Context, name string) (test.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.domainStates[domainSubjectID(name)]
	if !ok {
		return test.State{}, storage.ErrNotFound
	}
	return st, nil
}

func domainSubjectID(name string) string {
	if strings.HasPrefix(name, "domain:") {
		return name
	}
	return "domain:" + name
}

func (s *Store) PutDomainState(_ context.Context, state test.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domainStates[state.SubjectID] = state
	return nil
}

func (s *Store) ListDueDomainStates(_ context.Context, now time.Time, known []domainmon.Domain) ([]test.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byName := make(map[string]domainmon.Domain, len(known))
	for _, d := range known {
		byName[d.SubjectID()] = d
	}
	out := make([]test.State, 0)
	for subjectID, st := range s.domainStates {
		d, ok := byName[subjectID]
		if !ok || d.Disabled {
			continue
		}
		if d.DisabledUntil != nil && d.DisabledUntil.After(now) {
			continue
		}
		if !st.NextDueAt.After(now) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

// Heartbeat bookkeeping -------------------------------------------------------

func (s *Store) GetLastHeartbeatAt(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat, nil
}

func (s *Store) PutLastHeartbeatAt(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = at
	return nil
}
