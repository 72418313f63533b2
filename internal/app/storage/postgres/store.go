package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/synthmon/platform/internal/app/domain/domainmon"
	"github.com/synthmon/platform/internal/app/domain/queue"
	"github.com/synthmon/platform/internal/app/domain/run"
	"github.com/synthmon/platform/internal/app/domain/tenant"
	"github.com/synthmon/platform/internal/app/domain/test"
	"github.com/synthmon/platform/internal/app/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- TenantStore -------------------------------------------------------------

func (s *Store) CreateTenant(ctx context.Context, t tenant.Tenant) (tenant.Tenant, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_tenants (id, name, created_at)
		VALUES ($1, $2, $3)
	`, t.ID, t.Name, t.CreatedAt)
	if err != nil {
		return tenant.Tenant{}, err
	}
	return t, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (tenant.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM app_tenants WHERE id = $1
	`, id)

	var t tenant.Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return tenant.Tenant{}, storage.ErrNotFound
		}
		return tenant.Tenant{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at FROM app_tenants ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []tenant.Tenant
	for rows.Next() {
		var t tenant.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.CreatedAt = t.CreatedAt.UTC()
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) CreateApiKey(ctx context.Context, key tenant.ApiKey) (tenant.ApiKey, error) {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_api_keys (id, tenant_id, token_hash, admin, created_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.TenantID, key.TokenHash, key.Admin, key.CreatedAt, toNullTimePtr(key.RevokedAt))
	if err != nil {
		return tenant.ApiKey{}, err
	}
	return key, nil
}

func (s *Store) GetApiKeyByHash(ctx context.Context, tokenHash string) (tenant.ApiKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, token_hash, admin, created_at, revoked_at
		FROM app_api_keys WHERE token_hash = $1
	`, tokenHash)
	return scanApiKey(row)
}

func (s *Store) RevokeApiKey(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_api_keys SET revoked_at = $2 WHERE id = $1
	`, id, now)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListApiKeys(ctx context.Context, tenantID string) ([]tenant.ApiKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, token_hash, admin, created_at, revoked_at
		FROM app_api_keys WHERE tenant_id = $1 ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []tenant.ApiKey
	for rows.Next() {
		key, err := scanApiKey(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, key)
	}
	return result, rows.Err()
}

func scanApiKey(scanner rowScanner) (tenant.ApiKey, error) {
	var (
		key       tenant.ApiKey
		revokedAt sql.NullTime
	)
	if err := scanner.Scan(&key.ID, &key.TenantID, &key.TokenHash, &key.Admin, &key.CreatedAt, &revokedAt); err != nil {
		if err == sql.ErrNoRows {
			return tenant.ApiKey{}, storage.ErrNotFound
		}
		return tenant.ApiKey{}, err
	}
	key.CreatedAt = key.CreatedAt.UTC()
	if revokedAt.Valid {
		at := revokedAt.Time.UTC()
		key.RevokedAt = &at
	}
	return key, nil
}

// --- TestStore ---------------------------------------------------------------

func (s *Store) CreateTest(ctx context.Context, t test.Test) (test.Test, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_tests (
			id, tenant_id, name, base_url, kind, enabled, disabled_reason, disabled_until,
			interval_seconds, timeout_seconds, jitter_seconds, down_after_failures, up_after_successes,
			source_blob_ref, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, t.ID, t.TenantID, t.Name, t.BaseURL, t.Kind, t.Enabled, toNullString(t.DisabledReason), toNullTimePtr(t.DisabledUntil),
		t.IntervalSeconds, t.TimeoutSeconds, t.JitterSeconds, t.DownAfterFailures, t.UpAfterSuccesses,
		t.SourceBlobRef, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return test.Test{}, err
	}
	return t, nil
}

func (s *Store) UpdateTest(ctx context.Context, t test.Test) (test.Test, error) {
	existing, err := s.GetTest(ctx, t.ID)
	if err != nil {
		return test.Test{}, err
	}
	t.TenantID = existing.TenantID
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_tests SET
			name = $2, base_url = $3, kind = $4, enabled = $5, disabled_reason = $6, disabled_until = $7,
			interval_seconds = $8, timeout_seconds = $9, jitter_seconds = $10, down_after_failures = $11,
			up_after_successes = $12, source_blob_ref = $13, updated_at = $14
		WHERE id = $1
	`, t.ID, t.Name, t.BaseURL, t.Kind, t.Enabled, toNullString(t.DisabledReason), toNullTimePtr(t.DisabledUntil),
		t.IntervalSeconds, t.TimeoutSeconds, t.JitterSeconds, t.DownAfterFailures, t.UpAfterSuccesses,
		t.SourceBlobRef, t.UpdatedAt)
	if err != nil {
		return test.Test{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return test.Test{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *Store) GetTest(ctx context.Context, id string) (test.Test, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, base_url, kind, enabled, disabled_reason, disabled_until,
			interval_seconds, timeout_seconds, jitter_seconds, down_after_failures, up_after_successes,
			source_blob_ref, created_at, updated_at
		FROM app_tests WHERE id = $1
	`, id)
	return scanTest(row)
}

func (s *Store) ListTests(ctx context.Context, tenantID string, filter storage.TestFilter) ([]test.Test, error) {
	query := `
		SELECT id, tenant_id, name, base_url, kind, enabled, disabled_reason, disabled_until,
			interval_seconds, timeout_seconds, jitter_seconds, down_after_failures, up_after_successes,
			source_blob_ref, created_at, updated_at
		FROM app_tests
		WHERE ($1 = '' OR tenant_id = $1)
			AND ($2::boolean IS NULL OR enabled = $2)
			AND ($3 = '' OR base_url ILIKE '%' || $3 || '%')
		ORDER BY created_at
	`
	args := []any{tenantID, nullableBool(filter.Enabled), filter.BaseURLContains}
	if filter.Limit > 0 {
		query += " LIMIT $4"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []test.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) DeleteTest(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM app_tests WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanTest(scanner rowScanner) (test.Test, error) {
	var (
		t              test.Test
		disabledReason sql.NullString
		disabledUntil  sql.NullTime
	)
	if err := scanner.Scan(&t.ID, &t.TenantID, &t.Name, &t.BaseURL, &t.Kind, &t.Enabled, &disabledReason, &disabledUntil,
		&t.IntervalSeconds, &t.TimeoutSeconds, &t.JitterSeconds, &t.DownAfterFailures, &t.UpAfterSuccesses,
		&t.SourceBlobRef, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return test.Test{}, storage.ErrNotFound
		}
		return test.Test{}, err
	}
	t.DisabledReason = disabledReason.String
	if disabledUntil.Valid {
		at := disabledUntil.Time.UTC()
		t.DisabledUntil = &at
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func (s *Store) GetTestState(ctx context.Context, testID string) (test.State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subject_id, effective_ok, fail_streak, success_streak, last_ok_at, last_fail_at, last_alert_at, next_due_at
		FROM app_test_states WHERE subject_id = $1
	`, testID)
	return scanState(row)
}

func (s *Store) PutTestState(ctx context.Context, state test.State) error {
	return s.putState(ctx, "app_test_states", state)
}

func (s *Store) ListDueTestStates(ctx context.Context, now time.Time) ([]test.State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_id, effective_ok, fail_streak, success_streak, last_ok_at, last_fail_at, last_alert_at, next_due_at
		FROM app_test_states WHERE next_due_at <= $1
		ORDER BY next_due_at
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStates(rows)
}

func (s *Store) putState(ctx context.Context, table string, state test.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (subject_id, effective_ok, fail_streak, success_streak, last_ok_at, last_fail_at, last_alert_at, next_due_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subject_id) DO UPDATE SET
			effective_ok = EXCLUDED.effective_ok,
			fail_streak = EXCLUDED.fail_streak,
			success_streak = EXCLUDED.success_streak,
			last_ok_at = EXCLUDED.last_ok_at,
			last_fail_at = EXCLUDED.last_fail_at,
			last_alert_at = EXCLUDED.last_alert_at,
			next_due_at = EXCLUDED.next_due_at
	`, state.SubjectID, state.EffectiveOK, state.FailStreak, state.SuccessStreak,
		toNullTimePtr(state.LastOKAt), toNullTimePtr(state.LastFailAt), toNullTimePtr(state.LastAlertAt), state.NextDueAt.UTC())
	return err
}

func scanState(scanner rowScanner) (test.State, error) {
	var (
		state      test.State
		lastOKAt   sql.NullTime
		lastFailAt sql.NullTime
		lastAlert  sql.NullTime
	)
	if err := scanner.Scan(&state.SubjectID, &state.EffectiveOK, &state.FailStreak, &state.SuccessStreak,
		&lastOKAt, &lastFailAt, &lastAlert, &state.NextDueAt); err != nil {
		if err == sql.ErrNoRows {
			return test.State{}, storage.ErrNotFound
		}
		return test.State{}, err
	}
	if lastOKAt.Valid {
		at := lastOKAt.Time.UTC()
		state.LastOKAt = &at
	}
	if lastFailAt.Valid {
		at := lastFailAt.Time.UTC()
		state.LastFailAt = &at
	}
	if lastAlert.Valid {
		at := lastAlert.Time.UTC()
		state.LastAlertAt = &at
	}
	state.NextDueAt = state.NextDueAt.UTC()
	return state, nil
}

func scanStates(rows *sql.Rows) ([]test.State, error) {
	var result []test.State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, state)
	}
	return result, rows.Err()
}

// --- RunStore ------------------------------------------------------------

func (s *Store) CreateRun(ctx context.Context, r run.Run) (run.Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_runs (
			id, test_id, scheduled_for_at, started_at, finished_at, status, elapsed_ms,
			error_kind, error_message, final_url, page_title, artifacts_json, browser_infra_err
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, r.ID, r.TestID, r.ScheduledForAt, r.StartedAt, toNullTimePtr(nonZeroTime(r.FinishedAt)), r.Status, r.ElapsedMS,
		r.ErrorKind, r.ErrorMessage, r.FinalURL, r.PageTitle, toNullString(r.ArtifactsJSON), r.BrowserInfraErr)
	if err != nil {
		return run.Run{}, err
	}
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (run.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, test_id, scheduled_for_at, started_at, finished_at, status, elapsed_ms,
			error_kind, error_message, final_url, page_title, artifacts_json, browser_infra_err
		FROM app_runs WHERE id = $1
	`, id)
	return scanRun(row)
}

func (s *Store) ListRunsForTest(ctx context.Context, testID string, limit int) ([]run.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_id, scheduled_for_at, started_at, finished_at, status, elapsed_ms,
			error_kind, error_message, final_url, page_title, artifacts_json, browser_infra_err
		FROM app_runs WHERE test_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, testID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanRun(scanner rowScanner) (run.Run, error) {
	var (
		r             run.Run
		finishedAt    sql.NullTime
		artifactsJSON []byte
	)
	if err := scanner.Scan(&r.ID, &r.TestID, &r.ScheduledForAt, &r.StartedAt, &finishedAt, &r.Status, &r.ElapsedMS,
		&r.ErrorKind, &r.ErrorMessage, &r.FinalURL, &r.PageTitle, &artifactsJSON, &r.BrowserInfraErr); err != nil {
		if err == sql.ErrNoRows {
			return run.Run{}, storage.ErrNotFound
		}
		return run.Run{}, err
	}
	if finishedAt.Valid {
		r.FinishedAt = finishedAt.Time.UTC()
	}
	r.ArtifactsJSON = string(artifactsJSON)
	r.ScheduledForAt = r.ScheduledForAt.UTC()
	r.StartedAt = r.StartedAt.UTC()
	return r, nil
}

func (s *Store) PutArtifact(ctx context.Context, a run.Artifact) (run.Artifact, error) {
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_artifacts (tenant_id, test_id, run_id, name, path, size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, name) DO UPDATE SET path = EXCLUDED.path, size = EXCLUDED.size
	`, a.TenantID, a.TestID, a.RunID, a.Name, a.Path, a.Size, a.CreatedAt)
	if err != nil {
		return run.Artifact{}, err
	}
	return a, nil
}

func (s *Store) GetArtifact(ctx context.Context, runID, name string) (run.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, test_id, run_id, name, path, size, created_at
		FROM app_artifacts WHERE run_id = $1 AND name = $2
	`, runID, name)

	var a run.Artifact
	if err := row.Scan(&a.TenantID, &a.TestID, &a.RunID, &a.Name, &a.Path, &a.Size, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return run.Artifact{}, storage.ErrNotFound
		}
		return run.Artifact{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// --- QueueStore ------------------------------------------------------------

func (s *Store) Enqueue(ctx context.Context, entry queue.Entry) (queue.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = queue.StatusQueued
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_queue_entries (id, test_id, due_at, attempt, status, leased_by, leased_until_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.TestID, entry.DueAt.UTC(), entry.Attempt, entry.Status, entry.LeasedBy, toNullTimePtr(entry.LeasedUntilAt))
	if err != nil {
		return queue.Entry{}, err
	}
	return entry, nil
}

func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseUntil time.Time) (queue.Entry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return queue.Entry{}, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, test_id, due_at, attempt, status, leased_by, leased_until_at
		FROM app_queue_entries
		WHERE status = $1
		ORDER BY due_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, queue.StatusQueued)

	entry, err := scanQueueEntry(row)
	if err != nil {
		if err == storage.ErrNotFound {
			return queue.Entry{}, false, nil
		}
		return queue.Entry{}, false, err
	}

	entry.Status = queue.StatusLeased
	entry.LeasedBy = workerID
	until := leaseUntil.UTC()
	entry.LeasedUntilAt = &until
	entry.Attempt++

	_, err = tx.ExecContext(ctx, `
		UPDATE app_queue_entries SET status = $2, leased_by = $3, leased_until_at = $4, attempt = $5
		WHERE id = $1
	`, entry.ID, entry.Status, entry.LeasedBy, until, entry.Attempt)
	if err != nil {
		return queue.Entry{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return queue.Entry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) MarkDone(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_queue_entries SET status = $2 WHERE id = $1
	`, id, queue.StatusDone)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) HasInFlight(ctx context.Context, testID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM app_queue_entries
		WHERE test_id = $1 AND status IN ($2, $3)
	`, testID, queue.StatusQueued, queue.StatusLeased)

	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) ListAbandoned(ctx context.Context, now time.Time) ([]queue.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_id, due_at, attempt, status, leased_by, leased_until_at
		FROM app_queue_entries
		WHERE status = $1 AND leased_until_at < $2
	`, queue.StatusLeased, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []queue.Entry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func scanQueueEntry(scanner rowScanner) (queue.Entry, error) {
	var (
		entry         queue.Entry
		leasedUntilAt sql.NullTime
	)
	if err := scanner.Scan(&entry.ID, &entry.TestID, &entry.DueAt, &entry.Attempt, &entry.Status, &entry.LeasedBy, &leasedUntilAt); err != nil {
		if err == sql.ErrNoRows {
			return queue.Entry{}, storage.ErrNotFound
		}
		return queue.Entry{}, err
	}
	entry.DueAt = entry.DueAt.UTC()
	if leasedUntilAt.Valid {
		at := leasedUntilAt.Time.UTC()
		entry.LeasedUntilAt = &at
	}
	return entry, nil
}

// --- DomainMonitorStore ------------------------------------------------------

func (s *Store) GetDomainState(ctx context.Context, name string) (test.State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subject_id, effective_ok, fail_streak, success_streak, last_ok_at, last_fail_at, last_alert_at, next_due_at
		FROM app_domain_states WHERE subject_id = $1
	`, domainSubjectID(name))
	return scanState(row)
}

func (s *Store) PutDomainState(ctx context.Context, state test.State) error {
	return s.putState(ctx, "app_domain_states", state)
}

func (s *Store) ListDueDomainStates(ctx context.Context, now time.Time, known []domainmon.Domain) ([]test.State, error) {
	ids := make([]string, 0, len(known))
	for _, d := range known {
		ids = append(ids, d.SubjectID())
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_id, effective_ok, fail_streak, success_streak, last_ok_at, last_fail_at, last_alert_at, next_due_at
		FROM app_domain_states
		WHERE next_due_at <= $1 AND subject_id = ANY($2)
		ORDER BY next_due_at
	`, now.UTC(), pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStates(rows)
}

func domainSubjectID(name string) string {
	if strings.HasPrefix(name, "domain:") {
		return name
	}
	return "domain:" + name
}

// --- AlertStore --------------------------------------------------------------

func (s *Store) GetLastHeartbeatAt(ctx context.Context) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_heartbeat_at FROM app_heartbeat_state WHERE id = TRUE`)
	var at time.Time
	if err := row.Scan(&at); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return at.UTC(), nil
}

func (s *Store) PutLastHeartbeatAt(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_heartbeat_state (id, last_heartbeat_at) VALUES (TRUE, $1)
		ON CONFLICT (id) DO UPDATE SET last_heartbeat_at = EXCLUDED.last_heartbeat_at
	`, at.UTC())
	return err
}

// --- shared helpers ----------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func toNullString(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func toNullTimePtr(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nonZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
