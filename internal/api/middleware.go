package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// loggingMiddleware logs HTTP requests together with the campaign, stage or
// contact they address. Successful tracking hits are logged at debug level.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		}
		attrs = append(attrs, routeAttrs(chi.RouteContext(r.Context()))...)

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case strings.HasPrefix(r.URL.Path, "/t/"):
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)
	})
}

// routeAttrs names the resource a matched route addresses
func routeAttrs(rctx *chi.Context) []any {
	if rctx == nil {
		return nil
	}
	var attrs []any
	if id := rctx.URLParam("id"); id != "" {
		switch pattern := rctx.RoutePattern(); {
		case strings.HasPrefix(pattern, "/api/v1/campaigns/"):
			attrs = append(attrs, "campaign_id", id)
		case strings.HasPrefix(pattern, "/api/v1/contacts/"):
			attrs = append(attrs, "contact_id", id)
		}
	}
	if stage := rctx.URLParam("stage"); stage != "" {
		attrs = append(attrs, "stage", stage)
	}
	if version := rctx.URLParam("version"); version != "" {
		attrs = append(attrs, "content_version", version)
	}
	return attrs
}

// authMiddleware checks API key authentication
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			// No API key configured, allow all
			next.ServeHTTP(w, r)
			return
		}

		// Check Authorization header
		auth := r.Header.Get("Authorization")
		if auth == "" {
			// Also check X-API-Key header
			auth = r.Header.Get("X-API-Key")
		}
		auth = strings.TrimPrefix(auth, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(auth), []byte(s.config.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			s.sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}
