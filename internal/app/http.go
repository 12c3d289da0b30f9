package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	"doctrack/api/internal/auth"
	"doctrack/api/internal/cache"
	"doctrack/api/internal/lifecycle"
	"doctrack/api/internal/listing"
	"doctrack/api/internal/logger"
	"doctrack/api/internal/search"
)

// Database is what the readiness check needs from the store.
type Database interface {
	Ping(ctx context.Context) error
	MissingTables(ctx context.Context) ([]string, error)
}

// Pinger is an optional backend reported by the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Deps are the collaborators the HTTP server dispatches to. Cache and
// Backends may be empty.
type Deps struct {
	Lifecycle   *lifecycle.Service
	Listing     *listing.Service
	Search      *search.Service
	Cache       *cache.TrackingCache
	Database    Database
	Backends    map[string]Pinger
	Metrics     http.Handler
	TokenSecret []byte
	CORSOrigin  string
	Logger      *logger.Logger
}

type HTTPServer struct {
	Deps
}

func NewHTTPServer(deps Deps) *HTTPServer {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.CORSOrigin == "" {
		deps.CORSOrigin = "*"
	}
	return &HTTPServer{Deps: deps}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireActor)

		r.Post("/api/documents", s.handleCreateDocument)
		r.Get("/api/documents/{fileId}", s.handleTrackDocument)
		r.Post("/api/documents/{fileId}/status", s.handleChangeStatus)
		r.Post("/api/documents/{fileId}/receive", s.handleReceiveDocument)

		r.Get("/api/me/documents", s.handleMyDocuments)
		r.Get("/api/me/activity", s.handleMyActivity)
		r.Get("/api/offices", s.handleOffices)
		r.Get("/api/search", s.handleSearch)

		r.Route("/api/admin", func(r chi.Router) {
			r.Get("/activity", s.handleAdminActivity)
			r.Get("/documents", s.handleAdminDocuments)
			r.Get("/documents.csv", s.handleAdminDocumentsCSV)
			r.Post("/exports", s.handleAdminExport)
			r.Get("/office-stats", s.handleOfficeStats)
			r.Get("/office-stats.csv", s.handleOfficeStatsCSV)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Invalid request method.", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleReady fails when the database is unreachable or its schema is
// incomplete. Optional backends are reported but never fail the check.
func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.Database.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	} else if missing, err := s.Database.MissingTables(ctx); err != nil || len(missing) > 0 {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		check := map[string]any{"status": "error", "missingTables": missing}
		if err != nil {
			check["error"] = err.Error()
		}
		checks["database"] = check
	}

	for name, backend := range s.Backends {
		if err := backend.Ping(ctx); err != nil {
			checks[name] = map[string]any{"status": "degraded", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

type actorKey struct{}

// requireActor authenticates the bearer token and stores the actor in the
// request context.
func (s *HTTPServer) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		claims, err := auth.ParseToken(s.TokenSecret, token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, claims.Actor())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(ctx context.Context) lifecycle.Actor {
	actor, _ := ctx.Value(actorKey{}).(lifecycle.Actor)
	return actor
}

// fail writes err as a JSON error response, logging server-side failures.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	mapped := mapError(err)
	if mapped.Status >= http.StatusInternalServerError {
		s.Logger.Errorw("request failed",
			"request_id", requestIDFrom(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, mapped.Status, mapped.Code, mapped.Message, mapped.Details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = ulid.Make().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.CORSOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.Logger.Infow("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
