package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"doctrack/api/internal/auth"
	"doctrack/api/internal/lifecycle"
	"doctrack/api/internal/listing"
	"doctrack/api/internal/metrics"
	"doctrack/api/internal/search"
	"doctrack/api/internal/store"
)

var testSecret = []byte("app-test-secret")

type testServer struct {
	mem     *store.MemoryStore
	handler http.Handler
}

type serverOption func(*Deps, *[]lifecycle.Option, *[]listing.Option)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	mem := store.NewMemoryStore(
		store.Office{Username: "registrar"},
		store.Office{Username: "accounting"},
		store.Office{Username: "library"},
		store.Office{Username: "root", IsAdmin: true},
	)
	reg := prometheus.NewRegistry()
	deps := Deps{
		Database:    mem,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		TokenSecret: testSecret,
		CORSOrigin:  "http://localhost:5173",
	}
	lifecycleOpts := []lifecycle.Option{lifecycle.WithMetrics(metrics.New(reg))}
	var listingOpts []listing.Option
	for _, opt := range opts {
		opt(&deps, &lifecycleOpts, &listingOpts)
	}

	deps.Lifecycle = lifecycle.New(mem, mem, lifecycleOpts...)
	deps.Listing = listing.NewService(mem, listingOpts...)
	deps.Search = search.NewService(nil, mem, nil)
	return &testServer{mem: mem, handler: NewHTTPServer(deps).Handler()}
}

func tokenFor(t *testing.T, office string, admin bool) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.Claims{
		Sub:   office,
		Admin: admin,
		JTI:   "jti-" + office,
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

// create sends a document from office to receiver and returns its key.
func (s *testServer) create(t *testing.T, office, receiver, name string) string {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/documents", tokenFor(t, office, false), map[string]any{
		"receiverOffice": receiver,
		"documentName":   name,
		"documentType":   "Memo",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	key, _ := decodeJSON(t, rr)["fileId"].(string)
	if key == "" {
		t.Fatal("expected fileId")
	}
	return key
}

type fakeDatabase struct {
	pingErr error
	missing []string
}

func (f fakeDatabase) Ping(context.Context) error { return f.pingErr }

func (f fakeDatabase) MissingTables(context.Context) ([]string, error) { return f.missing, nil }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rr := srv.do(t, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ok := decodeJSON(t, rr)["ok"]; ok != true {
		t.Fatalf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		db         fakeDatabase
		backends   map[string]Pinger
		wantCode   int
		wantStatus string
	}{
		{
			name:       "ready",
			wantCode:   http.StatusOK,
			wantStatus: "ready",
		},
		{
			name:       "database down",
			db:         fakeDatabase{pingErr: errors.New("connection refused")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
		},
		{
			name:       "schema incomplete",
			db:         fakeDatabase{missing: []string{"document_events"}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
		},
		{
			name:       "optional backend down",
			backends:   map[string]Pinger{"redis": fakePinger{err: errors.New("dial tcp: refused")}},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, func(d *Deps, _ *[]lifecycle.Option, _ *[]listing.Option) {
				d.Database = tc.db
				d.Backends = tc.backends
			})
			rr := srv.do(t, http.MethodGet, "/api/ready", "", nil)
			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d body=%s", tc.wantCode, rr.Code, rr.Body.String())
			}
			payload := decodeJSON(t, rr)
			if payload["status"] != tc.wantStatus {
				t.Fatalf("expected status %q, got %v", tc.wantStatus, payload["status"])
			}
			checks, _ := payload["checks"].(map[string]any)
			if _, ok := checks["database"]; !ok {
				t.Fatalf("expected database check, got %v", checks)
			}
			for name := range tc.backends {
				check, _ := checks[name].(map[string]any)
				if check["status"] != "degraded" {
					t.Fatalf("expected %s degraded, got %v", name, checks[name])
				}
			}
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)
	expired, err := auth.IssueToken(testSecret, auth.Claims{
		Sub: "registrar", JTI: "old", Exp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	forged, err := auth.IssueToken([]byte("other-secret"), auth.Claims{
		Sub: "root", Admin: true, JTI: "forged", Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	for _, token := range []string{"", "garbage", expired, forged} {
		rr := srv.do(t, http.MethodGet, "/api/me/documents", token, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, rr.Code)
		}
		if code := decodeJSON(t, rr)["code"]; code != "UNAUTHORIZED" {
			t.Fatalf("expected UNAUTHORIZED, got %v", code)
		}
	}
}

func TestMiddlewareSetsHeaders(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodGet, "/api/health", "", nil)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("unexpected CORS origin %q", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}

	preflight := srv.do(t, http.MethodOptions, "/api/documents", "", nil)
	if preflight.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", preflight.Code)
	}
}

func TestUnknownRouteReturnsJSON(t *testing.T) {
	srv := newTestServer(t)
	rr := srv.do(t, http.MethodGet, "/api/nope", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if code := decodeJSON(t, rr)["code"]; code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	srv.create(t, "registrar", "accounting", "Budget request")

	rr := srv.do(t, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "doctrack_documents_created_total 1") {
		t.Fatalf("expected created counter in exposition, got:\n%s", rr.Body.String())
	}
}
