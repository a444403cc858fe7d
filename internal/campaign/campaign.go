package campaign

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Status represents the lifecycle status of a campaign
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// StageType identifies one email send within a campaign
type StageType string

const (
	StageInvite   StageType = "invite"
	StageReminder StageType = "reminder"
	StageThankYou StageType = "thank_you"
	StageFollowUp StageType = "follow_up"
)

// StageTypes lists every known stage type
var StageTypes = []StageType{StageInvite, StageReminder, StageThankYou, StageFollowUp}

// Valid reports whether t is a known stage type
func (t StageType) Valid() bool {
	return slices.Contains(StageTypes, t)
}

// StageStatus represents the status of a stage execution
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageDispatched StageStatus = "dispatched"
	StageSettling   StageStatus = "settling"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageSkipped    StageStatus = "skipped"
)

// Terminal reports whether the stage execution is finished
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageSkipped
}

// Duration is a time.Duration that encodes as a Go duration string in JSON
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// AudiencePredicate is a boolean condition over contact tags.
// A contact matches when it carries every AllOf tag, at least one AnyOf tag
// (if any are given) and none of the NoneOf tags. Everyone matches all contacts.
type AudiencePredicate struct {
	Everyone bool     `json:"everyone,omitempty"`
	AllOf    []string `json:"all_of,omitempty"`
	AnyOf    []string `json:"any_of,omitempty"`
	NoneOf   []string `json:"none_of,omitempty"`
}

// Empty reports whether the predicate selects nothing meaningful
func (p AudiencePredicate) Empty() bool {
	return !p.Everyone && len(p.AllOf) == 0 && len(p.AnyOf) == 0 && len(p.NoneOf) == 0
}

// Matches evaluates the predicate against a tag set
func (p AudiencePredicate) Matches(tags []string) bool {
	if p.Empty() {
		return false
	}
	for _, tag := range p.NoneOf {
		if slices.Contains(tags, tag) {
			return false
		}
	}
	for _, tag := range p.AllOf {
		if !slices.Contains(tags, tag) {
			return false
		}
	}
	if len(p.AnyOf) > 0 {
		for _, tag := range p.AnyOf {
			if slices.Contains(tags, tag) {
				return true
			}
		}
		return false
	}
	return true
}

// StageDefinition describes one stage of a campaign
type StageDefinition struct {
	Type        StageType         `json:"stage_type"`
	Offset      Duration          `json:"offset,omitempty"` // Relative to activation time
	At          *time.Time        `json:"at,omitempty"`     // Absolute time, overrides Offset
	Audience    AudiencePredicate `json:"audience"`
	TemplateRef string            `json:"template_ref,omitempty"`
}

// DueAt returns the absolute due time of the stage for a given activation time
func (d StageDefinition) DueAt(activation time.Time) time.Time {
	if d.At != nil {
		return d.At.UTC()
	}
	return activation.Add(time.Duration(d.Offset)).UTC()
}

// Context carries the event details handed to the content generator
type Context struct {
	EventDate        string   `json:"event_date,omitempty"`
	Location         string   `json:"location,omitempty"`
	TargetAudience   string   `json:"target_audience,omitempty"`
	KeyPoints        []string `json:"key_points,omitempty"`
	CallToAction     string   `json:"call_to_action,omitempty"`
	RegistrationLink string   `json:"registration_link,omitempty"`
}

// Campaign is a multi-stage outreach campaign
type Campaign struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Objective      string            `json:"objective,omitempty"`
	Context        Context           `json:"context"`
	Stages         []StageDefinition `json:"stages"`
	Status         Status            `json:"status"`
	ActivationTime *time.Time        `json:"activation_time,omitempty"`
	PausedAt       *time.Time        `json:"paused_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Stage returns the definition of the given stage type
func (c *Campaign) Stage(t StageType) (StageDefinition, bool) {
	for _, s := range c.Stages {
		if s.Type == t {
			return s, true
		}
	}
	return StageDefinition{}, false
}

// NextStage returns the stage declared after t, if any
func (c *Campaign) NextStage(t StageType) (StageDefinition, bool) {
	for i, s := range c.Stages {
		if s.Type == t && i+1 < len(c.Stages) {
			return c.Stages[i+1], true
		}
	}
	return StageDefinition{}, false
}

// ExecutionKey uniquely identifies a stage execution
type ExecutionKey struct {
	CampaignID string    `json:"campaign_id"`
	Stage      StageType `json:"stage_type"`
}

func (k ExecutionKey) String() string {
	return k.CampaignID + "/" + string(k.Stage)
}

// Summary contains per-stage delivery and engagement counts
type Summary struct {
	Sent    int `json:"sent"`
	Opened  int `json:"opened"`
	Clicked int `json:"clicked"`
	Replied int `json:"replied"`
	Bounced int `json:"bounced"`
}

// StageExecution tracks the runtime state of one stage of a campaign
type StageExecution struct {
	CampaignID        string      `json:"campaign_id"`
	Stage             StageType   `json:"stage_type"`
	Status            StageStatus `json:"status"`
	ScheduledAt       time.Time   `json:"scheduled_at"`
	AudienceResolved  bool        `json:"audience_resolved"`
	ResolvedAudience  []string    `json:"resolved_audience,omitempty"`
	DispatchAttempts  int         `json:"dispatch_attempts"`
	NextAttemptAt     time.Time   `json:"next_attempt_at,omitzero"`
	LeaseUntil        time.Time   `json:"lease_until,omitzero"`
	LastError         string      `json:"last_error,omitempty"`
	DispatchedAt      *time.Time  `json:"dispatched_at,omitempty"`
	SettlesAt         *time.Time  `json:"settles_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	Summary           Summary     `json:"performance_summary"`
	ContentVersion    int         `json:"content_version,omitempty"`
	MinContentVersion int         `json:"min_content_version,omitempty"`
}

// Key returns the execution key
func (e *StageExecution) Key() ExecutionKey {
	return ExecutionKey{CampaignID: e.CampaignID, Stage: e.Stage}
}

// EventType is the kind of engagement signal
type EventType string

const (
	EventOpen   EventType = "open"
	EventClick  EventType = "click"
	EventReply  EventType = "reply"
	EventBounce EventType = "bounce"
)

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	switch t {
	case EventOpen, EventClick, EventReply, EventBounce:
		return true
	}
	return false
}

// EngagementEvent is an append-only engagement signal
type EngagementEvent struct {
	ID         string    `json:"id"`
	ContactID  string    `json:"contact_id"`
	CampaignID string    `json:"campaign_id"`
	Stage      StageType `json:"stage_type"`
	Type       EventType `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Source     string    `json:"source,omitempty"`
}

// Validate checks that the event is attributable
func (e *EngagementEvent) Validate() error {
	if e.ContactID == "" {
		return fmt.Errorf("contact_id is required")
	}
	if e.CampaignID == "" {
		return fmt.Errorf("campaign_id is required")
	}
	if !e.Stage.Valid() {
		return fmt.Errorf("invalid stage_type: %q", e.Stage)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("invalid event_type: %q", e.Type)
	}
	return nil
}

// DraftOrigin tells where a content draft came from
type DraftOrigin string

const (
	OriginTemplate  DraftOrigin = "template"
	OriginAIInitial DraftOrigin = "ai_initial"
	OriginAIRefined DraftOrigin = "ai_refined"
)

// ContentDraft is one version of a stage's email content
type ContentDraft struct {
	CampaignID string      `json:"campaign_id"`
	Stage      StageType   `json:"stage_type"`
	Version    int         `json:"version"`
	Subject    string      `json:"subject"`
	Body       string      `json:"body"`
	HTML       string      `json:"html,omitempty"`
	Origin     DraftOrigin `json:"origin"`
	Approved   bool        `json:"approved"`
	CreatedAt  time.Time   `json:"created_at"`
	ApprovedAt *time.Time  `json:"approved_at,omitempty"`
}

// DispatchStatus is the state of a per-(contact, stage) dispatch record
type DispatchStatus string

const (
	DispatchReserved        DispatchStatus = "reserved"
	DispatchSent            DispatchStatus = "sent"
	DispatchTransientFailed DispatchStatus = "transient_failed"
	DispatchPermanentFailed DispatchStatus = "permanent_failed"
)

// DispatchRecord guards at-most-once delivery per contact and stage
type DispatchRecord struct {
	ID             string         `json:"id"`
	CampaignID     string         `json:"campaign_id"`
	Stage          StageType      `json:"stage_type"`
	ContactID      string         `json:"contact_id"`
	Status         DispatchStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	ContentVersion int            `json:"content_version"`
	LastError      string         `json:"last_error,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// StageSettled is emitted when a stage execution finishes its settlement window
type StageSettled struct {
	Key       ExecutionKey `json:"key"`
	Summary   Summary      `json:"summary"`
	SettledAt time.Time    `json:"settled_at"`
}

// Rates are engagement ratios relative to the number of sends
type Rates struct {
	Open   float64 `json:"open_rate"`
	Click  float64 `json:"click_rate"`
	Reply  float64 `json:"reply_rate"`
	Bounce float64 `json:"bounce_rate"`
}
