package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/synthmon/platform/internal/app/metrics"
	"github.com/synthmon/platform/internal/app/services/registry"
	"github.com/synthmon/platform/internal/app/system"
	"github.com/synthmon/platform/pkg/logger"
)

// Service exposes the HTTP API and fits into the system manager lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// NewService builds the HTTP Service. appManager is registered with every
// other long-lived service and is only consulted here for the
// /system/descriptors introspection endpoint.
func NewService(reg *registry.Service, appManager *system.Manager, auth *authMiddleware, addr string, log *logger.Logger, db *sql.DB) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	var sink auditSink
	if path := strings.TrimSpace(os.Getenv("AUDIT_LOG_PATH")); path != "" {
		if s, err := newFileAuditSink(path); err == nil {
			sink = s
			log.Infof("audit log persisting to %s", path)
		} else {
			log.Warnf("audit log file not configured: %v", err)
		}
	} else if db != nil {
		sink = newPostgresAuditSink(db)
	}
	audit := newAuditLog(300, sink)

	handler := NewHandler(reg, appManager, auth)
	// Order matters: audit sees the real per-route auth outcome, CORS
	// short-circuits preflight before audit logs it, metrics wraps the final
	// handler so /metrics itself is excluded.
	handler = wrapWithAudit(handler, audit)
	handler = wrapWithCORS(handler)
	handler = metrics.InstrumentHandler(handler)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", handler)

	return &Service{addr: addr, handler: mux, log: log}
}

var _ system.Service = (*Service)(nil)

func (s *Service) Name() string { return "http" }

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// wrapWithCORS allows cross-origin requests from a dashboard frontend and
// short-circuits preflight requests.
func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type auditRecorder struct {
	http.ResponseWriter
	status int
}

func (r *auditRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// wrapWithAudit logs every request's method, path, tenant, and final status.
func wrapWithAudit(next http.Handler, audit *auditLog) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &auditRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := auditEntry{
			Time:       time.Now().UTC(),
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		}
		if key, ok := tenantFromContext(r.Context()); ok {
			entry.Tenant = key.TenantID
		}
		audit.add(entry)
	})
}
