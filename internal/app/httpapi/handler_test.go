package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/synthmon/platform/internal/app/auth"
	core "github.com/synthmon/platform/internal/app/core/service"
	"github.com/synthmon/platform/internal/app/domain/tenant"
	"github.com/synthmon/platform/internal/app/services/registry"
	"github.com/synthmon/platform/internal/app/storage/memory"
	"github.com/synthmon/platform/internal/app/system"
	"github.com/synthmon/platform/pkg/blob"
)

func newTestHandler(t *testing.T) (http.Handler, string) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()

	tn, err := store.CreateTenant(ctx, tenant.Tenant{Name: "acme"})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	rawToken := "test-token"
	if _, err := store.CreateApiKey(ctx, tenant.ApiKey{TenantID: tn.ID, TokenHash: auth.HashToken(rawToken)}); err != nil {
		t.Fatalf("create api key: %v", err)
	}

	blobs := blob.New(t.TempDir())
	reg := registry.New(store, blobs, 64*1024, core.NoopTracer)
	manager := system.NewManager()
	resolver := auth.NewTenantResolver(store)
	mw := NewAuthMiddleware(resolver, auth.NewManager("secret", nil), "admin-token")

	return NewHandler(reg, manager, mw), rawToken
}

func multipartUpload(t *testing.T, fields map[string]string, fileContents string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	fw, err := w.CreateFormFile("source", "check.js")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte(fileContents)); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, w.FormDataContentType()
}

func TestUploadAndGetTest(t *testing.T) {
	handler, token := newTestHandler(t)

	body, contentType := multipartUpload(t, map[string]string{
		"name":             "homepage",
		"base_url":         "https://example.com",
		"kind":             "script_js",
		"interval_seconds": "60",
		"timeout_seconds":  "30",
	}, "async function run(page) { await page.goto('https://example.com'); }")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tests/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body=%s", rec.Code, rec.Body.String())
	}

	var created map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created test: %v", err)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("expected created test id, got %#v", created)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/tests/"+id, nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body=%s", getRec.Code, getRec.Body.String())
	}
}

func TestGetTestRequiresAuth(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tests/does-not-matter", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without bearer token, got %d", rec.Code)
	}
}

func TestGetTestCrossTenantIsHidden(t *testing.T) {
	handler, token := newTestHandler(t)

	body, contentType := multipartUpload(t, map[string]string{
		"name":             "homepage",
		"base_url":         "https://example.com",
		"kind":             "script_js",
		"interval_seconds": "60",
		"timeout_seconds":  "30",
	}, "async function run(page) {}")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tests/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var created map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	id := created["id"].(string)

	// A second, unrelated tenant/token must not be able to read it.
	otherHandler, otherToken := newTestHandler(t)
	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/tests/"+id, nil)
	getReq.Header.Set("Authorization", "Bearer "+otherToken)
	getRec := httptest.NewRecorder()
	otherHandler.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusNotFound {
		t.Fatalf("expected not_found for cross-tenant fetch, got %d body=%s", getRec.Code, getRec.Body.String())
	}
}

func TestHealthEndpointNoAuth(t *testing.T) {
	handler, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("unexpected healthz body: %s", rec.Body.String())
	}
}
