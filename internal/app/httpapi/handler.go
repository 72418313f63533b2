package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/synthmon/platform/internal/app/domain/test"
	"github.com/synthmon/platform/internal/app/services/registry"
	"github.com/synthmon/platform/internal/app/storage"
	"github.com/synthmon/platform/internal/app/system"
)

// handler bundles the Registry REST API and system introspection endpoints.
type handler struct {
	registry *registry.Service
	app      *system.Manager
	auth     *authMiddleware
}

// NewHandler builds the mux for the External E2E Test Registry API, wiring
// the new Go 1.22+ method+pattern ServeMux routing in place of the
// teacher's manual path-splitting.
func NewHandler(reg *registry.Service, appManager *system.Manager, auth *authMiddleware) http.Handler {
	h := &handler{registry: reg, app: appManager, auth: auth}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /system/descriptors", h.systemDescriptors)
	mux.HandleFunc("GET /system/descriptors.html", h.systemDescriptorsHTML)

	mux.Handle("POST /api/v1/tests/upload", auth.requireTenant(http.HandlerFunc(h.uploadTest)))
	mux.Handle("GET /api/v1/tests", auth.requireTenant(http.HandlerFunc(h.listTests)))
	mux.Handle("GET /api/v1/tests/{id}", auth.requireTenant(http.HandlerFunc(h.getTest)))
	mux.Handle("PATCH /api/v1/tests/{id}", auth.requireTenant(http.HandlerFunc(h.patchTest)))
	mux.Handle("POST /api/v1/tests/{id}/source", auth.requireTenant(http.HandlerFunc(h.replaceSource)))
	mux.Handle("POST /api/v1/tests/{id}/disable", auth.requireTenant(http.HandlerFunc(h.disableTest)))
	mux.Handle("POST /api/v1/tests/{id}/enable", auth.requireTenant(http.HandlerFunc(h.enableTest)))
	mux.Handle("POST /api/v1/tests/{id}/run", auth.requireTenant(http.HandlerFunc(h.triggerRun)))
	mux.Handle("GET /api/v1/tests/{id}/runs", auth.requireTenant(http.HandlerFunc(h.listRuns)))
	mux.Handle("GET /api/v1/runs/{id}", auth.requireTenant(http.HandlerFunc(h.getRun)))
	mux.Handle("GET /api/v1/runs/{id}/artifacts/{name}", auth.requireTenant(http.HandlerFunc(h.getArtifact)))

	mux.Handle("GET /api/v1/status/summary", auth.requireAdmin(http.HandlerFunc(h.statusSummary)))

	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *handler) uploadTest(w http.ResponseWriter, r *http.Request) {
	key, _ := tenantFromContext(r.Context())
	if err := r.ParseMultipartForm(test.MaxSourceBytes + 1<<20); err != nil {
		writeErrorCode(w, http.StatusBadRequest, codeInvalidRequest, "invalid multipart form")
		return
	}
	source, header, err := r.FormFile("source")
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, codeInvalidRequest, "source file is required")
		return
	}
	defer source.Close()

	in := registry.CreateTestInput{
		TenantID:          key.TenantID,
		Name:              r.FormValue("name"),
		BaseURL:           r.FormValue("base_url"),
		Kind:              test.Kind(r.FormValue("kind")),
		IntervalSeconds:   formInt(r, "interval_seconds"),
		TimeoutSeconds:    formInt(r, "timeout_seconds"),
		JitterSeconds:     formInt(r, "jitter_seconds"),
		DownAfterFailures: formInt(r, "down_after_failures"),
		UpAfterSuccesses:  formInt(r, "up_after_successes"),
		Source:            source,
	}
	_ = header
	created, err := h.registry.CreateTest(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func formInt(r *http.Request, key string) int {
	raw := r.FormValue(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func (h *handler) listTests(w http.ResponseWriter, r *http.Request) {
	key, _ := tenantFromContext(r.Context())
	limit, err := parseLimitParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	filter := storage.TestFilter{Limit: limit}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}
	tests, err := h.registry.ListTests(r.Context(), key.TenantID, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tests)
}

func (h *handler) getTest(w http.ResponseWriter, r *http.Request) {
	t, err := h.registry.GetTest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.ownsTest(r.Context(), t.TenantID) {
		writeErrorCode(w, http.StatusNotFound, codeNotFound, "test not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type patchTestBody struct {
	Name              *string `json:"name"`
	BaseURL           *string `json:"base_url"`
	IntervalSeconds   *int    `json:"interval_seconds"`
	TimeoutSeconds    *int    `json:"timeout_seconds"`
	JitterSeconds     *int    `json:"jitter_seconds"`
	DownAfterFailures *int    `json:"down_after_failures"`
	UpAfterSuccesses  *int    `json:"up_after_successes"`
}

func (h *handler) patchTest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.registry.GetTest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.ownsTest(r.Context(), existing.TenantID) {
		writeErrorCode(w, http.StatusNotFound, codeNotFound, "test not found")
		return
	}
	var body patchTestBody
	if err := decodeJSON(r, &body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	updated, err := h.registry.UpdateTest(r.Context(), id, registry.UpdateTestInput{
		Name:              body.Name,
		BaseURL:           body.BaseURL,
		IntervalSeconds:   body.IntervalSeconds,
		TimeoutSeconds:    body.TimeoutSeconds,
		JitterSeconds:     body.JitterSeconds,
		DownAfterFailures: body.DownAfterFailures,
		UpAfterSuccesses:  body.UpAfterSuccesses,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) replaceSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.registry.GetTest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.ownsTest(r.Context(), existing.TenantID) {
		writeErrorCode(w, http.StatusNotFound, codeNotFound, "test not found")
		return
	}
	if err := r.ParseMultipartForm(test.MaxSourceBytes + 1<<20); err != nil {
		writeErrorCode(w, http.StatusBadRequest, codeInvalidRequest, "invalid multipart form")
		return
	}
	source, _, err := r.FormFile("source")
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, codeInvalidRequest, "source file is required")
		return
	}
	defer source.Close()
	updated, err := h.registry.ReplaceSource(r.Context(), id, source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type disableBody struct {
	Reason  string     `json:"reason"`
	UntilAt *time.Time `json:"until_ts"`
}

func (h *handler) disableTest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.registry.GetTest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.ownsTest(r.Context(), existing.TenantID) {
		writeErrorCode(w, http.StatusNotFound, codeNotFound, "test not found")
		return
	}
	var body disableBody
	if err := decodeJSON(r, &body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	updated, err := h.registry.Disable(r.Context(), id, body.Reason, body.UntilAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) enableTest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.registry.GetTest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.ownsTest(r.Context(), existing.TenantID) {
		writeErrorCode(w, http.StatusNotFound, codeNotFound, "test not found")
		return
	}
	updated, err := h.registry.Enable(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) triggerRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.registry.GetTest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.ownsTest(r.Context(), existing.TenantID) {
		writeErrorCode(w, http.StatusNotFound, codeNotFound, "test not found")
		return
	}
	entry, err := h.registry.TriggerRunNow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.registry.GetTest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.ownsTest(r.Context(), existing.TenantID) {
		writeErrorCode(w, http.StatusNotFound, codeNotFound, "test not found")
		return
	}
	limit, err := parseLimitParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	runs, err := h.registry.ListRuns(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.registry.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	owner, terr := h.registry.GetTest(r.Context(), run.TestID)
	if terr != nil || !h.ownsTest(r.Context(), owner.TenantID) {
		writeErrorCode(w, http.StatusNotFound, codeNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handler) getArtifact(w http.ResponseWriter, r *http.Request) {
	runID, name := r.PathValue("id"), r.PathValue("name")
	meta, rc, err := h.registry.GetArtifact(r.Context(), runID, name)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()
	if !h.ownsTest(r.Context(), meta.TenantID) {
		writeErrorCode(w, http.StatusNotFound, codeNotFound, "artifact not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+name+"\"")
	_, _ = io.Copy(w, rc)
}

func (h *handler) statusSummary(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	query := r.URL.Query().Get("q")
	summary, err := h.registry.AdminStatusSummary(r.Context(), tenantID, query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ownsTest reports whether the caller's tenant key is either the admin scope
// or matches the resource's owning tenant.
func (h *handler) ownsTest(ctx context.Context, ownerTenantID string) bool {
	key, ok := tenantFromContext(ctx)
	if !ok {
		return false
	}
	return key.Admin || key.TenantID == ownerTenantID
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}
