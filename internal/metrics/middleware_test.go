package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestHTTPMiddlewareLabelsByRoute(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Route("/api/v1/campaigns/{id}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {})
		r.Post("/pause", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		})
	})

	for _, id := range []string{"spring-meetup", "autumn-launch"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/campaigns/"+id+"/", nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/v1/campaigns/spring-meetup/pause", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/wp-login.php", nil))

	if got := counterValue(t, m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/campaigns/{id}", "200")); got != 2 {
		t.Errorf("status requests = %v, want 2 under one route label", got)
	}
	if got := counterValue(t, m.APIRequestsTotal.WithLabelValues("POST", "/api/v1/campaigns/{id}/pause", "409")); got != 1 {
		t.Errorf("pause requests = %v, want 1", got)
	}
	if got := counterValue(t, m.APIErrorsTotal.WithLabelValues("invalid_transition")); got != 1 {
		t.Errorf("invalid_transition errors = %v, want 1", got)
	}
	if got := counterValue(t, m.APIRequestsTotal.WithLabelValues("GET", unmatchedRoute, "404")); got != 1 {
		t.Errorf("unmatched requests = %v, want 1", got)
	}
}

func TestHTTPMiddlewareNoMetrics(t *testing.T) {
	SetGlobal(nil)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	// Should not panic when global metrics is nil
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/events", nil))

	if rec.Code != http.StatusAccepted {
		t.Errorf("Expected status %d, got %d", http.StatusAccepted, rec.Code)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{400, "invalid_request"},
		{401, "unauthorized"},
		{403, "unauthorized"},
		{404, "not_found"},
		{409, "invalid_transition"},
		{422, "client_error"},
		{429, "rate_limited"},
		{500, "server_error"},
		{502, "generator_error"},
		{503, "unavailable"},
	}

	for _, tt := range tests {
		if got := errorKind(tt.status); got != tt.want {
			t.Errorf("errorKind(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
