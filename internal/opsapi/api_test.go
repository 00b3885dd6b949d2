package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/credential"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/events"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/log"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/portfolio"
)

// test stubs

// stubEventSource implements EventSource for tests.
type stubEventSource struct {
	events   []events.Event
	dropped  uint64
	err      error
	gotLimit int
}

func (s *stubEventSource) Recent(_ context.Context, limit int) ([]events.Event, error) {
	s.gotLimit = limit
	if s.err != nil {
		return nil, s.err
	}
	return s.events, nil
}

func (s *stubEventSource) Dropped() uint64 { return s.dropped }

// stubPortfolioSource implements PortfolioSource for tests.
type stubPortfolioSource struct {
	report portfolio.Report
}

func (s *stubPortfolioSource) Report() portfolio.Report { return s.report }

// stubCredentialSource implements CredentialSource for tests.
type stubCredentialSource struct {
	status credential.Status
}

func (s *stubCredentialSource) Status() credential.Status { return s.status }

func eventSourceWithEvents() *stubEventSource {
	return &stubEventSource{
		events: []events.Event{
			events.New(events.TypeScreenFinding, events.SeverityHigh, "screener", "prompt injection marker"),
			events.New(events.TypePatternTimeout, events.SeverityMedium, "patterns", "check timed out"),
		},
		dropped: 4,
	}
}

func portfolioSourceWithReport() *stubPortfolioSource {
	return &stubPortfolioSource{
		report: portfolio.Report{
			ScannedFiles: 12,
			FlaggedFiles: []string{"personas/evil.md"},
			LastSweep:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			Watching:     true,
		},
	}
}

func credentialSourceCached() *stubCredentialSource {
	return &stubCredentialSource{
		status: credential.Status{
			Cached:    true,
			Type:      credential.TypePersonal,
			Scopes:    []string{"repo", "read:user"},
			CheckedAt: time.Date(2025, 6, 1, 11, 45, 0, 0, time.UTC),
		},
	}
}

// parseJSON is a test helper to decode a JSON response body.
func parseJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("parse JSON: %v\nbody: %s", err, rec.Body.String())
	}
	return m
}

// NewAPI

func TestNewAPI_NilLogger(t *testing.T) {
	api := NewAPI(nil, nil, nil, nil)
	if api == nil {
		t.Fatal("NewAPI returned nil")
	}
	if api.logger == nil {
		t.Fatal("logger should default to Nop, not nil")
	}
}

func TestNewAPI_NilSources(t *testing.T) {
	api := NewAPI(nil, nil, nil, log.Nop())
	if api.events != nil {
		t.Fatal("events should be nil when not provided")
	}
	if api.portfolio != nil {
		t.Fatal("portfolio should be nil when not provided")
	}
	if api.credential != nil {
		t.Fatal("credential should be nil when not provided")
	}
}

// RegisterRoutes

func TestRegisterRoutes_AllEndpoints(t *testing.T) {
	api := NewAPI(eventSourceWithEvents(), portfolioSourceWithReport(), credentialSourceCached(), log.Nop())
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/security/events"},
		{"GET", "/portfolio/status"},
		{"GET", "/credential/status"},
		{"GET", "/version"},
	}

	for _, ep := range endpoints {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(ep.method, ep.path, nil)
		r.ServeHTTP(rec, req)

		if rec.Code == http.StatusNotFound || rec.Code == http.StatusMethodNotAllowed {
			t.Errorf("%s %s: got %d, route not registered", ep.method, ep.path, rec.Code)
		}
	}
}

// writeJSON

func TestWriteJSON_ContentType(t *testing.T) {
	api := NewAPI(eventSourceWithEvents(), nil, nil, log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/security/events", nil)
	api.HandleRecentEvents(rec, req)

	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
}

func TestWriteJSON_CacheControl(t *testing.T) {
	api := NewAPI(eventSourceWithEvents(), nil, nil, log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/security/events", nil)
	api.HandleRecentEvents(rec, req)

	cc := rec.Header().Get("Cache-Control")
	if cc != "no-cache" {
		t.Fatalf("Cache-Control = %q, want no-cache", cc)
	}
}

// HandleRecentEvents

func TestHandleRecentEvents_Disabled(t *testing.T) {
	api := NewAPI(nil, nil, nil, log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/security/events", nil)
	api.HandleRecentEvents(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "disabled") {
		t.Fatalf("body = %q, want disabled reason", rec.Body.String())
	}
}

func TestHandleRecentEvents_DefaultLimit(t *testing.T) {
	src := eventSourceWithEvents()
	api := NewAPI(src, nil, nil, log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/security/events", nil)
	api.HandleRecentEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if src.gotLimit != defaultEventLimit {
		t.Fatalf("limit passed to source = %d, want %d", src.gotLimit, defaultEventLimit)
	}
}

func TestHandleRecentEvents_ExplicitLimit(t *testing.T) {
	src := eventSourceWithEvents()
	api := NewAPI(src, nil, nil, log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/security/events?limit=7", nil)
	api.HandleRecentEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if src.gotLimit != 7 {
		t.Fatalf("limit passed to source = %d, want 7", src.gotLimit)
	}
}

func TestHandleRecentEvents_LimitClamped(t *testing.T) {
	src := eventSourceWithEvents()
	api := NewAPI(src, nil, nil, log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/security/events?limit=99999", nil)
	api.HandleRecentEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if src.gotLimit != maxEventLimit {
		t.Fatalf("limit passed to source = %d, want clamp to %d", src.gotLimit, maxEventLimit)
	}
}

func TestHandleRecentEvents_InvalidLimit(t *testing.T) {
	api := NewAPI(eventSourceWithEvents(), nil, nil, log.Nop())

	for _, raw := range []string{"abc", "0", "-3", "1.5"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/security/events?limit="+raw, nil)
		api.HandleRecentEvents(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%q: status = %d, want 400", raw, rec.Code)
		}
	}
}

func TestHandleRecentEvents_QueryError(t *testing.T) {
	src := &stubEventSource{err: errors.New("database is locked")}
	api := NewAPI(src, nil, nil, log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/security/events", nil)
	api.HandleRecentEvents(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	// Internal detail must not leak to the client
	if strings.Contains(rec.Body.String(), "locked") {
		t.Fatalf("body leaks internal error: %s", rec.Body.String())
	}
}

func TestHandleRecentEvents_EmptyStore(t *testing.T) {
	api := NewAPI(&stubEventSource{}, nil, nil, log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/security/events", nil)
	api.HandleRecentEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	m := parseJSON(t, rec)
	evs, ok := m["events"].([]any)
	if !ok {
		t.Fatalf("events should be an array, got %T", m["events"])
	}
	if len(evs) != 0 {
		t.Fatalf("events = %v, want empty", evs)
	}
	if m["count"] != float64(0) {
		t.Fatalf("count = %v, want 0", m["count"])
	}
}

func TestHandleRecentEvents_Payload(t *testing.T) {
	api := NewAPI(eventSourceWithEvents(), nil, nil, log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/security/events", nil)
	api.HandleRecentEvents(rec, req)

	m := parseJSON(t, rec)
	if m["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", m["count"])
	}
	if m["dropped"] != float64(4) {
		t.Fatalf("dropped = %v, want 4", m["dropped"])
	}
	if m["server_time"] == nil {
		t.Fatal("server_time should be present")
	}

	evs := m["events"].([]any)
	first := evs[0].(map[string]any)
	if first["type"] != "screen.finding" {
		t.Fatalf("first event type = %v", first["type"])
	}
	if first["severity"] != "high" {
		t.Fatalf("first event severity = %v", first["severity"])
	}
}

// HandlePortfolioStatus

func TestHandlePortfolioStatus_Disabled(t *testing.T) {
	api := NewAPI(nil, nil, nil, log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/portfolio/status", nil)
	api.HandlePortfolioStatus(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "disabled") {
		t.Fatalf("body = %q, want disabled reason", rec.Body.String())
	}
}

func TestHandlePortfolioStatus_WithReport(t *testing.T) {
	api := NewAPI(nil, portfolioSourceWithReport(), nil, log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/portfolio/status", nil)
	api.HandlePortfolioStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	m := parseJSON(t, rec)
	if m["scanned_files"] != float64(12) {
		t.Fatalf("scanned_files = %v, want 12", m["scanned_files"])
	}
	if m["watching"] != true {
		t.Fatalf("watching = %v, want true", m["watching"])
	}
	flagged, ok := m["flagged_files"].([]any)
	if !ok || len(flagged) != 1 || flagged[0] != "personas/evil.md" {
		t.Fatalf("flagged_files = %v", m["flagged_files"])
	}
	if m["server_time"] == nil {
		t.Fatal("server_time should be present")
	}
}

// HandleCredentialStatus

func TestHandleCredentialStatus_Disabled(t *testing.T) {
	api := NewAPI(nil, nil, nil, log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/credential/status", nil)
	api.HandleCredentialStatus(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "disabled") {
		t.Fatalf("body = %q, want disabled reason", rec.Body.String())
	}
}

func TestHandleCredentialStatus_Cached(t *testing.T) {
	api := NewAPI(nil, nil, credentialSourceCached(), log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/credential/status", nil)
	api.HandleCredentialStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	m := parseJSON(t, rec)
	if m["cached"] != true {
		t.Fatalf("cached = %v, want true", m["cached"])
	}
	if m["type"] != "personal" {
		t.Fatalf("type = %v, want personal", m["type"])
	}
	scopes, ok := m["scopes"].([]any)
	if !ok || len(scopes) != 2 {
		t.Fatalf("scopes = %v", m["scopes"])
	}
	// Only cache metadata crosses this boundary
	if _, present := m["token"]; present {
		t.Fatal("response must not carry a token field")
	}
}

func TestHandleCredentialStatus_EmptyCache(t *testing.T) {
	api := NewAPI(nil, nil, &stubCredentialSource{}, log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/credential/status", nil)
	api.HandleCredentialStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	m := parseJSON(t, rec)
	if m["cached"] != false {
		t.Fatalf("cached = %v, want false", m["cached"])
	}
	// omitempty drops type and scopes when nothing is cached
	if _, present := m["type"]; present {
		t.Fatalf("type should be omitted for an empty cache, got %v", m["type"])
	}
}

// HandleVersion

func TestHandleVersion(t *testing.T) {
	api := NewAPI(nil, nil, nil, log.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/version", nil)
	api.HandleVersion(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	m := parseJSON(t, rec)
	if m["version"] == nil {
		t.Fatal("version field should be present")
	}
	if m["go_version"] == nil {
		t.Fatal("go_version field should be present")
	}
}

// Integration: full router round-trip

func TestIntegration_FullRouter(t *testing.T) {
	api := NewAPI(eventSourceWithEvents(), portfolioSourceWithReport(), credentialSourceCached(), log.Nop())
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	jsonEndpoints := []string{
		"/security/events",
		"/security/events?limit=1",
		"/portfolio/status",
		"/credential/status",
		"/version",
	}

	for _, path := range jsonEndpoints {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
			continue
		}

		ct := rec.Header().Get("Content-Type")
		if !strings.Contains(ct, "application/json") {
			t.Errorf("%s: Content-Type = %q", path, ct)
		}

		var m map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
			t.Errorf("%s: invalid JSON: %v", path, err)
		}
	}
}
