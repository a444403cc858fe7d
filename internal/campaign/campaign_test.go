package campaign

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestAudiencePredicateMatches(t *testing.T) {
	tests := []struct {
		name string
		pred AudiencePredicate
		tags []string
		want bool
	}{
		{"empty matches nothing", AudiencePredicate{}, []string{"engaged"}, false},
		{"everyone", AudiencePredicate{Everyone: true}, nil, true},
		{"all of satisfied", AudiencePredicate{AllOf: []string{"engaged", "priority"}}, []string{"priority", "engaged"}, true},
		{"all of missing one", AudiencePredicate{AllOf: []string{"engaged", "priority"}}, []string{"engaged"}, false},
		{"any of", AudiencePredicate{AnyOf: []string{"high-interest", "priority"}}, []string{"priority"}, true},
		{"any of none present", AudiencePredicate{AnyOf: []string{"high-interest"}}, []string{"engaged"}, false},
		{"none of excludes", AudiencePredicate{Everyone: true, NoneOf: []string{"priority"}}, []string{"priority"}, false},
		{"none of alone", AudiencePredicate{NoneOf: []string{"engaged"}}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred.Matches(tt.tags); got != tt.want {
				t.Errorf("Matches(%v) = %v, want %v", tt.tags, got, tt.want)
			}
		})
	}
}

func TestStageDefinitionDueAt(t *testing.T) {
	activation := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	at := time.Date(2026, 2, 3, 8, 0, 0, 0, time.UTC)

	rel := StageDefinition{Offset: Duration(36 * time.Hour)}
	if got := rel.DueAt(activation); !got.Equal(activation.Add(36 * time.Hour)) {
		t.Errorf("DueAt(offset) = %v", got)
	}

	abs := StageDefinition{Offset: Duration(time.Hour), At: &at}
	if got := abs.DueAt(activation); !got.Equal(at) {
		t.Errorf("DueAt(absolute) = %v, want %v", got, at)
	}
}

func TestDurationJSON(t *testing.T) {
	var def StageDefinition
	if err := json.Unmarshal([]byte(`{"stage_type":"reminder","offset":"72h","audience":{"everyone":true}}`), &def); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if time.Duration(def.Offset) != 72*time.Hour {
		t.Errorf("Offset = %v, want 72h", time.Duration(def.Offset))
	}

	data, _ := json.Marshal(def)
	var back map[string]any
	json.Unmarshal(data, &back)
	if back["offset"] != "72h0m0s" {
		t.Errorf("offset encoded as %v", back["offset"])
	}

	if err := json.Unmarshal([]byte(`{"offset":"soon"}`), &def); err == nil {
		t.Error("Unmarshal() expected error for bad duration")
	}
}

func TestEngagementEventValidate(t *testing.T) {
	ok := EngagementEvent{ContactID: "c", CampaignID: "k", Stage: StageInvite, Type: EventOpen}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	bad := ok
	bad.Type = "forward"
	if err := bad.Validate(); err == nil {
		t.Error("Validate() expected error for unknown event type")
	}

	bad = ok
	bad.ContactID = ""
	if err := bad.Validate(); err == nil {
		t.Error("Validate() expected error for missing contact")
	}
}

func TestErrorKinds(t *testing.T) {
	var err error = &NoApprovedContentError{Key: ExecutionKey{CampaignID: "c", Stage: StageReminder}, MinVersion: 2}
	if !errors.Is(err, ErrNoApprovedContent) {
		t.Error("NoApprovedContentError does not match ErrNoApprovedContent")
	}

	cause := errors.New("upstream 503")
	err = &ContentGenerationError{Op: "refine", Err: cause}
	if !errors.Is(err, ErrContentGeneration) || !errors.Is(err, cause) {
		t.Error("ContentGenerationError does not unwrap")
	}
}
