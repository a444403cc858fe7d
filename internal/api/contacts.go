package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/foxzi/cadence/internal/campaign"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/engagement"
)

// CreateContactRequest is the request body for POST /contacts
type CreateContactRequest struct {
	Email string   `json:"email"`
	Name  string   `json:"name,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// ContactListResponse is the response for GET /contacts
type ContactListResponse struct {
	Contacts []*contacts.Contact `json:"contacts"`
	Total    int                 `json:"total"`
}

// TagCountsResponse is the response for GET /tags
type TagCountsResponse struct {
	Tags map[string]int `json:"tags"`
}

// EventRequest is the request body for POST /events. An event is attributed
// either by dispatch_id or by contact, campaign and stage.
type EventRequest struct {
	ID         string             `json:"id,omitempty"`
	DispatchID string             `json:"dispatch_id,omitempty"`
	ContactID  string             `json:"contact_id,omitempty"`
	CampaignID string             `json:"campaign_id,omitempty"`
	Stage      campaign.StageType `json:"stage_type,omitempty"`
	Type       campaign.EventType `json:"event_type"`
	OccurredAt *time.Time         `json:"occurred_at,omitempty"`
}

// EventResponse is the response for POST /events
type EventResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// handleListContacts handles GET /api/v1/contacts
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	list, total, err := s.svc.Contacts.List(r.Context(), contacts.ListFilter{
		Tag:    r.URL.Query().Get("tag"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		s.writeError(w, err, "Failed to list contacts")
		return
	}
	if list == nil {
		list = []*contacts.Contact{}
	}
	s.sendJSON(w, http.StatusOK, ContactListResponse{Contacts: list, Total: total})
}

// handleCreateContact handles POST /api/v1/contacts
func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req CreateContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" {
		s.sendError(w, http.StatusBadRequest, "email is required")
		return
	}

	c := &contacts.Contact{Email: req.Email, Name: req.Name, Tags: req.Tags}
	if err := s.svc.Contacts.Create(r.Context(), c); err != nil {
		s.writeError(w, err, "Failed to create contact")
		return
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}

	s.logger.Info("contact created", "contact_id", c.ID)
	s.sendJSON(w, http.StatusCreated, c)
}

// handleGetContact handles GET /api/v1/contacts/{id}
func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Contacts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to get contact")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleTagCounts handles GET /api/v1/tags
func (s *Server) handleTagCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.Contacts.TagCounts(r.Context())
	if err != nil {
		s.writeError(w, err, "Failed to count tags")
		return
	}
	s.sendJSON(w, http.StatusOK, TagCountsResponse{Tags: counts})
}

// handleEvent handles POST /api/v1/events
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ev := campaign.EngagementEvent{
		ID:         req.ID,
		ContactID:  req.ContactID,
		CampaignID: req.CampaignID,
		Stage:      req.Stage,
		Type:       req.Type,
		Source:     engagement.SourceAPI,
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = req.OccurredAt.UTC()
	}

	var err error
	if req.DispatchID != "" {
		err = s.svc.Events.RecordDispatch(r.Context(), req.DispatchID, ev)
	} else {
		err = s.svc.Events.Record(r.Context(), &ev)
	}
	if err != nil {
		s.writeError(w, err, "Failed to record event")
		return
	}

	s.sendJSON(w, http.StatusAccepted, EventResponse{ID: ev.ID, Status: "accepted"})
}
