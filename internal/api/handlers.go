package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/cadence/internal/campaign"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/content"
	"github.com/foxzi/cadence/internal/email"
	"github.com/foxzi/cadence/internal/engagement"
)

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	ID        string                     `json:"id,omitempty"`
	Title     string                     `json:"title"`
	Objective string                     `json:"objective,omitempty"`
	Context   campaign.Context           `json:"context"`
	Stages    []campaign.StageDefinition `json:"stages"`
}

// ScheduleRequest is the request body for POST /campaigns/{id}/schedule
type ScheduleRequest struct {
	ActivationTime *time.Time `json:"activation_time,omitempty"` // Empty means now
}

// ScheduleResponse is the response for POST /campaigns/{id}/schedule
type ScheduleResponse struct {
	Campaign     *campaign.Campaign `json:"campaign"`
	SeededDrafts int                `json:"seeded_drafts"`
}

// CampaignListResponse is the response for GET /campaigns
type CampaignListResponse struct {
	Campaigns []*campaign.Campaign `json:"campaigns"`
}

// CreateDraftRequest is the request body for POST .../drafts
type CreateDraftRequest struct {
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	HTML     string `json:"html,omitempty"`
	Approved bool   `json:"approved,omitempty"`
}

// DraftListResponse is the response for GET .../drafts
type DraftListResponse struct {
	Drafts []*campaign.ContentDraft `json:"drafts"`
}

// ExecutionListResponse lists stage executions
type ExecutionListResponse struct {
	Executions []*campaign.StageExecution `json:"executions"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status    string                    `json:"status"`
	Version   string                    `json:"version"`
	Uptime    string                    `json:"uptime"`
	Campaigns map[campaign.Status]int64 `json:"campaigns,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Store.CampaignStats(r.Context())
	if err != nil {
		s.logger.Error("failed to get campaign stats", "error", err)
	}

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   Version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Campaigns: stats,
	})
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := campaign.ListFilter{
		Status: campaign.Status(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}

	list, err := s.svc.Store.ListCampaigns(r.Context(), filter)
	if err != nil {
		s.writeError(w, err, "Failed to list campaigns")
		return
	}
	if list == nil {
		list = []*campaign.Campaign{}
	}

	s.sendJSON(w, http.StatusOK, CampaignListResponse{Campaigns: list})
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		s.sendError(w, http.StatusBadRequest, "title is required")
		return
	}
	if len(req.Stages) == 0 {
		s.sendError(w, http.StatusBadRequest, "at least one stage is required")
		return
	}

	c, err := s.svc.Machine.Create(r.Context(), &campaign.Campaign{
		ID:        req.ID,
		Title:     req.Title,
		Objective: req.Objective,
		Context:   req.Context,
		Stages:    req.Stages,
	})
	if err != nil {
		s.writeError(w, err, "Failed to create campaign")
		return
	}

	s.sendJSON(w, http.StatusCreated, c)
}

// handleCampaignStatus handles GET /api/v1/campaigns/{id}
func (s *Server) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Machine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to get campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, status)
}

// handleSchedule handles POST /api/v1/campaigns/{id}/schedule
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ScheduleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	c, err := s.svc.Store.GetCampaign(r.Context(), id)
	if err != nil {
		s.writeError(w, err, "Failed to get campaign")
		return
	}

	// Unknown templates would leave a stage without content forever
	templates := s.svc.Content.Templates()
	for _, stage := range c.Stages {
		if stage.TemplateRef == "" {
			continue
		}
		if _, ok := templates.Get(stage.TemplateRef); !ok {
			s.sendError(w, http.StatusBadRequest, "stage "+string(stage.Type)+": unknown template "+stage.TemplateRef)
			return
		}
	}

	var activation time.Time
	if req.ActivationTime != nil {
		activation = *req.ActivationTime
	}

	c, err = s.svc.Machine.Schedule(r.Context(), id, activation)
	if err != nil {
		s.writeError(w, err, "Failed to schedule campaign")
		return
	}

	seeded, err := s.svc.Content.SeedFromTemplates(r.Context(), c)
	if err != nil {
		s.logger.Error("failed to seed template drafts", "campaign_id", id, "error", err)
	}

	s.sendJSON(w, http.StatusOK, ScheduleResponse{Campaign: c, SeededDrafts: seeded})
}

// handlePause handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Machine.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to pause campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleResume handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Machine.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to resume campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleCancel handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Machine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to cancel campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleStageMetrics handles GET /api/v1/campaigns/{id}/stages/{stage}/metrics
func (s *Server) handleStageMetrics(w http.ResponseWriter, r *http.Request) {
	key, ok := s.stageKey(w, r)
	if !ok {
		return
	}

	m, err := s.svc.Reporter.StageMetrics(r.Context(), key)
	if err != nil {
		s.writeError(w, err, "Failed to get stage metrics")
		return
	}
	s.sendJSON(w, http.StatusOK, m)
}

// handleListDrafts handles GET .../drafts
func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	key, ok := s.stageKey(w, r)
	if !ok {
		return
	}

	drafts, err := s.svc.Content.List(r.Context(), key)
	if err != nil {
		s.writeError(w, err, "Failed to list drafts")
		return
	}
	if drafts == nil {
		drafts = []*campaign.ContentDraft{}
	}
	s.sendJSON(w, http.StatusOK, DraftListResponse{Drafts: drafts})
}

// handleGetDraft handles GET .../drafts/{version}
func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	key, ok := s.stageKey(w, r)
	if !ok {
		return
	}
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		s.sendError(w, http.StatusBadRequest, "invalid version")
		return
	}

	d, err := s.svc.Content.Get(r.Context(), key, version)
	if err != nil {
		s.writeError(w, err, "Failed to get draft")
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}

// handleCreateDraft handles POST .../drafts
func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	key, ok := s.stageKey(w, r)
	if !ok {
		return
	}

	var req CreateDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		s.sendError(w, http.StatusBadRequest, "subject is required")
		return
	}
	if req.Body == "" && req.HTML == "" {
		s.sendError(w, http.StatusBadRequest, "body or html is required")
		return
	}

	d := &campaign.ContentDraft{
		CampaignID: key.CampaignID,
		Stage:      key.Stage,
		Subject:    req.Subject,
		Body:       req.Body,
		HTML:       req.HTML,
		Origin:     campaign.OriginTemplate,
		Approved:   req.Approved,
	}
	if err := s.svc.Content.CreateDraft(r.Context(), d); err != nil {
		s.writeError(w, err, "Failed to create draft")
		return
	}
	s.sendJSON(w, http.StatusCreated, d)
}

// handleGenerateDraft handles POST .../drafts/generate
func (s *Server) handleGenerateDraft(w http.ResponseWriter, r *http.Request) {
	key, ok := s.stageKey(w, r)
	if !ok {
		return
	}

	d, err := s.svc.Content.GenerateInitial(r.Context(), key.CampaignID, key.Stage)
	if err != nil {
		s.writeError(w, err, "Failed to generate draft")
		return
	}
	s.sendJSON(w, http.StatusCreated, d)
}

// handleApproveDraft handles POST .../drafts/{version}/approve
func (s *Server) handleApproveDraft(w http.ResponseWriter, r *http.Request) {
	key, ok := s.stageKey(w, r)
	if !ok {
		return
	}
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		s.sendError(w, http.StatusBadRequest, "invalid version")
		return
	}

	d, err := s.svc.Content.Approve(r.Context(), key, version)
	if err != nil {
		s.writeError(w, err, "Failed to approve draft")
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}

// handleFailedStages handles GET /api/v1/stages/failed
func (s *Server) handleFailedStages(w http.ResponseWriter, r *http.Request) {
	execs, err := s.svc.Store.ExecutionsByStatus(r.Context(), campaign.StageFailed)
	if err != nil {
		s.writeError(w, err, "Failed to list failed stages")
		return
	}
	if execs == nil {
		execs = []*campaign.StageExecution{}
	}
	s.sendJSON(w, http.StatusOK, ExecutionListResponse{Executions: execs})
}

// stageKey parses the campaign and stage path parameters and checks that the
// campaign declares the stage. It writes the error response itself.
func (s *Server) stageKey(w http.ResponseWriter, r *http.Request) (campaign.ExecutionKey, bool) {
	key := campaign.ExecutionKey{
		CampaignID: chi.URLParam(r, "id"),
		Stage:      campaign.StageType(chi.URLParam(r, "stage")),
	}
	if !key.Stage.Valid() {
		s.sendError(w, http.StatusBadRequest, "invalid stage_type")
		return key, false
	}

	c, err := s.svc.Store.GetCampaign(r.Context(), key.CampaignID)
	if err != nil {
		s.writeError(w, err, "Failed to get campaign")
		return key, false
	}
	if _, ok := c.Stage(key.Stage); !ok {
		s.sendError(w, http.StatusNotFound, "Stage not found")
		return key, false
	}
	return key, true
}

// writeError maps domain errors to HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, campaign.ErrInvalidCampaign),
		errors.Is(err, engagement.ErrInvalidEvent),
		errors.Is(err, email.ErrInvalidAddress):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, contacts.ErrDuplicateEmail):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, content.ErrNoGenerator):
		s.sendError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, campaign.ErrContentGeneration):
		s.logger.Warn("content generation failed", "error", err)
		s.sendError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error(strings.ToLower(fallback), "error", err)
		s.sendError(w, http.StatusInternalServerError, fallback)
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
