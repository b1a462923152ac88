// Package httpadapter is the REST edge: it authenticates the caller, turns
// requests into service calls and maps domain errors onto status codes.
package httpadapter

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"cardscan/internal/domain"
	"cardscan/internal/logging"
	"cardscan/internal/services/intake"
	"cardscan/internal/services/scans"
)

// Intake accepts uploads and retries.
type Intake interface {
	Submit(ctx context.Context, ownerID string, up intake.Upload) (intake.SubmitResult, error)
	SubmitBatch(ctx context.Context, ownerID string, uploads []intake.Upload) ([]intake.ItemResult, error)
	Retry(ctx context.Context, ownerID, scanID string) (string, error)
}

// Scans reads, deletes and approves scans.
type Scans interface {
	Get(ctx context.Context, ownerID, scanID string) (scans.Detail, error)
	List(ctx context.Context, ownerID string, filter domain.ScanFilter) ([]domain.Scan, error)
	Delete(ctx context.Context, ownerID, scanID string) error
	Approve(ctx context.Context, ownerID, scanID string, version int64) (domain.Scan, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// MaxRequestBytes caps a whole multipart request body.
	MaxRequestBytes int64
	AllowedOrigins  []string
}

type Server struct {
	intake   Intake
	scans    Scans
	health   Pinger
	auth     *Authenticator
	validate *validator.Validate
	opts     Options
}

func New(in Intake, sc Scans, health Pinger, auth *Authenticator, opts Options) *Server {
	return &Server{intake: in, scans: sc, health: health, auth: auth, validate: validator.New(), opts: opts}
}

// Routes returns the chi router with every middleware mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.healthz)
	r.Route("/v1/scans", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/", s.postScans)
		r.Get("/", s.listScans)
		r.Get("/{id}", s.getScan)
		r.Delete("/{id}", s.deleteScan)
		r.Post("/{id}/retry", s.retryScan)
		r.Post("/{id}/approve", s.approveScan)
	})
	return r
}

// accessLog puts a request scoped logger in the context and logs one line per request.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := slog.Default().With("request_id", middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(logging.WithContext(r.Context(), log)))
		log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.health.Ping(ctx); err != nil {
		logging.FromContext(r.Context()).Warn("health check failed", "error", err)
		respondJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
