package engagement

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/cadence/internal/campaign"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackingHandler serves the open pixel and click redirect endpoints
type TrackingHandler struct {
	tracker  *Tracker
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewTrackingHandler creates tracking handlers
func NewTrackingHandler(tracker *Tracker, recorder Recorder, logger *slog.Logger) *TrackingHandler {
	return &TrackingHandler{
		tracker:  tracker,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Routes mounts the tracking endpoints
func (h *TrackingHandler) Routes(r chi.Router) {
	r.Get("/t/o/{token}", h.Open)
	r.Get("/t/c/{token}", h.Click)
}

// Open records an open and always returns the pixel
func (h *TrackingHandler) Open(w http.ResponseWriter, r *http.Request) {
	h.record(r, chi.URLParam(r, "token"), campaign.EventOpen, SourcePixel)

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Content-Length", strconv.Itoa(len(pixelGIF)))
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

// Click records a click and redirects to the signed target
func (h *TrackingHandler) Click(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	target := r.URL.Query().Get("u")
	if target == "" || !h.tracker.VerifyLink(token, target, r.URL.Query().Get("s")) {
		http.Error(w, "invalid link", http.StatusBadRequest)
		return
	}

	h.record(r, token, campaign.EventClick, SourceClick)
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *TrackingHandler) record(r *http.Request, token string, eventType campaign.EventType, source string) {
	dispatchID, err := h.tracker.Verify(token)
	if err != nil {
		h.logger.Debug("rejected tracking token", "type", eventType, "error", err)
		return
	}

	// Recording must survive a client that hangs up early
	ctx := context.WithoutCancel(r.Context())
	ev := campaign.EngagementEvent{Type: eventType, OccurredAt: h.now().UTC(), Source: source}
	if err := h.recorder.RecordDispatch(ctx, dispatchID, ev); err != nil {
		h.logger.Warn("failed to record tracking event", "dispatch_id", dispatchID, "type", eventType, "error", err)
	}
}
