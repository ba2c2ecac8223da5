package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"driftpursuit/prediction/internal/logging"
	"driftpursuit/prediction/internal/tick"
)

type stubStatus struct {
	answered uint64
	tick     tick.Tick
}

func (s *stubStatus) Answered() uint64      { return s.answered }
func (s *stubStatus) ServerTick() tick.Tick { return s.tick }

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}

func TestReadinessHandlerReportsTickAndCounts(t *testing.T) {
	started := time.Date(2024, time.January, 2, 15, 0, 0, 0, time.UTC)
	handlers := NewHandlerSet(Options{
		Logger:     logging.NewTestLogger(),
		Status:     &stubStatus{answered: 12, tick: 65535},
		StartedAt:  started,
		TimeSource: func() time.Time { return started.Add(45 * time.Second) },
	})

	rr := httptest.NewRecorder()
	handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Status        string  `json:"status"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		ServerTick    uint16  `json:"server_tick"`
		Answered      uint64  `json:"pings_answered"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "ok" || payload.ServerTick != 65535 || payload.Answered != 12 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.UptimeSeconds != 45 {
		t.Fatalf("unexpected uptime %f", payload.UptimeSeconds)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:  logging.NewTestLogger(),
		Startup: func() error { return errors.New("grpc listener: address in use") },
	})

	rr := httptest.NewRecorder()
	handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Message != "grpc listener: address in use" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	started := time.Unix(1_700_000_000, 0)
	handlers := NewHandlerSet(Options{
		Logger:     logging.NewTestLogger(),
		Status:     &stubStatus{answered: 4, tick: 321},
		StartedAt:  started,
		TimeSource: func() time.Time { return started.Add(90 * time.Second) },
	})

	rr := httptest.NewRecorder()
	handlers.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	for _, substr := range []string{
		"pongd_uptime_seconds 90",
		"pongd_pings_answered_total 4",
		"pongd_server_tick 321",
	} {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
}

func TestRegisterRoutesEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	NewHandlerSet(Options{Logger: logging.NewTestLogger()}).Register(mux)

	for _, path := range []string{"/livez", "/readyz", "/metrics"} {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}
