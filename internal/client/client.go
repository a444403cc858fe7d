// Package client is a typed client for the cadence management API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/cadence/internal/api"
	"github.com/foxzi/cadence/internal/campaign"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/performance"
)

// Client is a cadence API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// APIError is returned for non-2xx responses
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// New creates a new API client
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// request performs an HTTP request to the API
func (c *Client) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			apiErr.Message = errResp.Error
		}
		return apiErr
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func stagePath(campaignID string, stage campaign.StageType) string {
	return "/api/v1/campaigns/" + url.PathEscape(campaignID) + "/stages/" + url.PathEscape(string(stage))
}

// Health checks server health
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.request(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateCampaign creates a draft campaign
func (c *Client) CreateCampaign(ctx context.Context, req *api.CreateCampaignRequest) (*campaign.Campaign, error) {
	var resp campaign.Campaign
	if err := c.request(ctx, http.MethodPost, "/api/v1/campaigns", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListCampaigns lists campaigns, optionally filtered by status
func (c *Client) ListCampaigns(ctx context.Context, status campaign.Status, limit int) ([]*campaign.Campaign, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/campaigns"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp api.CampaignListResponse
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Campaigns, nil
}

// CampaignStatus returns a campaign with its stage executions
func (c *Client) CampaignStatus(ctx context.Context, id string) (*campaign.CampaignStatus, error) {
	var resp campaign.CampaignStatus
	if err := c.request(ctx, http.MethodGet, "/api/v1/campaigns/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Schedule schedules a campaign. A nil activation means now.
func (c *Client) Schedule(ctx context.Context, id string, activation *time.Time) (*api.ScheduleResponse, error) {
	var resp api.ScheduleResponse
	req := api.ScheduleRequest{ActivationTime: activation}
	if err := c.request(ctx, http.MethodPost, "/api/v1/campaigns/"+url.PathEscape(id)+"/schedule", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pause pauses an active campaign
func (c *Client) Pause(ctx context.Context, id string) (*campaign.Campaign, error) {
	return c.campaignAction(ctx, id, "pause")
}

// Resume resumes a paused campaign
func (c *Client) Resume(ctx context.Context, id string) (*campaign.Campaign, error) {
	return c.campaignAction(ctx, id, "resume")
}

// Cancel cancels a campaign
func (c *Client) Cancel(ctx context.Context, id string) (*campaign.Campaign, error) {
	return c.campaignAction(ctx, id, "cancel")
}

func (c *Client) campaignAction(ctx context.Context, id, action string) (*campaign.Campaign, error) {
	var resp campaign.Campaign
	if err := c.request(ctx, http.MethodPost, "/api/v1/campaigns/"+url.PathEscape(id)+"/"+action, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StageMetrics returns the metrics of one stage
func (c *Client) StageMetrics(ctx context.Context, campaignID string, stage campaign.StageType) (*performance.StageMetrics, error) {
	var resp performance.StageMetrics
	if err := c.request(ctx, http.MethodGet, stagePath(campaignID, stage)+"/metrics", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDrafts lists the draft versions of a stage
func (c *Client) ListDrafts(ctx context.Context, campaignID string, stage campaign.StageType) ([]*campaign.ContentDraft, error) {
	var resp api.DraftListResponse
	if err := c.request(ctx, http.MethodGet, stagePath(campaignID, stage)+"/drafts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Drafts, nil
}

// CreateDraft stores a hand-written draft
func (c *Client) CreateDraft(ctx context.Context, campaignID string, stage campaign.StageType, req *api.CreateDraftRequest) (*campaign.ContentDraft, error) {
	var resp campaign.ContentDraft
	if err := c.request(ctx, http.MethodPost, stagePath(campaignID, stage)+"/drafts", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GenerateDraft asks the content generator for an initial draft
func (c *Client) GenerateDraft(ctx context.Context, campaignID string, stage campaign.StageType) (*campaign.ContentDraft, error) {
	var resp campaign.ContentDraft
	if err := c.request(ctx, http.MethodPost, stagePath(campaignID, stage)+"/drafts/generate", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ApproveDraft approves a draft version
func (c *Client) ApproveDraft(ctx context.Context, campaignID string, stage campaign.StageType, version int) (*campaign.ContentDraft, error) {
	var resp campaign.ContentDraft
	path := stagePath(campaignID, stage) + "/drafts/" + strconv.Itoa(version) + "/approve"
	if err := c.request(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FailedStages lists stage executions that exhausted their retries
func (c *Client) FailedStages(ctx context.Context) ([]*campaign.StageExecution, error) {
	var resp api.ExecutionListResponse
	if err := c.request(ctx, http.MethodGet, "/api/v1/stages/failed", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

// CreateContact adds a contact to the directory
func (c *Client) CreateContact(ctx context.Context, req *api.CreateContactRequest) (*contacts.Contact, error) {
	var resp contacts.Contact
	if err := c.request(ctx, http.MethodPost, "/api/v1/contacts", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListContacts lists contacts, optionally filtered by tag
func (c *Client) ListContacts(ctx context.Context, tag string, limit, offset int) (*api.ContactListResponse, error) {
	q := url.Values{}
	if tag != "" {
		q.Set("tag", tag)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/v1/contacts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp api.ContactListResponse
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TagCounts returns the number of contacts per tag
func (c *Client) TagCounts(ctx context.Context) (map[string]int, error) {
	var resp api.TagCountsResponse
	if err := c.request(ctx, http.MethodGet, "/api/v1/tags", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tags, nil
}

// RecordEvent submits an engagement event
func (c *Client) RecordEvent(ctx context.Context, req *api.EventRequest) (*api.EventResponse, error) {
	var resp api.EventResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/events", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
