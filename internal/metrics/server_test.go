package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncClaim("claimed")

	t.Run("no filtering when empty", func(t *testing.T) {
		s := NewServer(m, ":9090", "/metrics", nil, logger)

		req := httptest.NewRequest("GET", "/metrics", nil)
		req.RemoteAddr = "1.2.3.4:12345"
		rec := httptest.NewRecorder()

		s.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "cadence_claims_total") {
			t.Error("expected cadence_claims_total in output")
		}
	})

	t.Run("allowed IP", func(t *testing.T) {
		s := NewServer(m, ":9090", "/metrics", []string{"192.168.1.0/24"}, logger)

		req := httptest.NewRequest("GET", "/metrics", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		rec := httptest.NewRecorder()

		s.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
	})

	t.Run("denied IP", func(t *testing.T) {
		s := NewServer(m, ":9090", "/metrics", []string{"192.168.1.0/24"}, logger)

		req := httptest.NewRequest("GET", "/metrics", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rec := httptest.NewRecorder()

		s.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("expected status %d, got %d", http.StatusForbidden, rec.Code)
		}
	})

	t.Run("health is not filtered", func(t *testing.T) {
		s := NewServer(m, ":9090", "/metrics", []string{"192.168.1.0/24"}, logger)

		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rec := httptest.NewRecorder()

		s.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
	})
}

func TestNewServerDefaults(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(New(), "", "", nil, logger)

	if s.addr != ":9090" {
		t.Errorf("addr = %q, want :9090", s.addr)
	}
	if s.path != "/metrics" {
		t.Errorf("path = %q, want /metrics", s.path)
	}
}
