package content

import (
	"regexp"
	"strings"

	"github.com/foxzi/cadence/internal/campaign"
)

// varPattern matches {{variable}} placeholders
var varPattern = regexp.MustCompile(`\{\{\s*[a-zA-Z_][a-zA-Z0-9_]*\s*\}\}`)

// Rendered is a draft with variables substituted
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

// Render substitutes variables in every part of a draft
func Render(d *campaign.ContentDraft, vars map[string]string) Rendered {
	return Rendered{
		Subject: renderTemplate(d.Subject, vars),
		Text:    renderTemplate(d.Body, vars),
		HTML:    renderTemplate(d.HTML, vars),
	}
}

// renderTemplate substitutes {{variable}} patterns in template string
func renderTemplate(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		varName := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[varName]; ok {
			return value
		}
		// Keep original if variable not found
		return match
	})
}

// Variables builds the substitution map for one recipient.
// Recipient values take priority over campaign values.
func Variables(c *campaign.Campaign, stage campaign.StageType, recipient map[string]string) map[string]string {
	vars := map[string]string{
		"campaign_title":    c.Title,
		"objective":         c.Objective,
		"stage":             string(stage),
		"event_date":        c.Context.EventDate,
		"location":          c.Context.Location,
		"target_audience":   c.Context.TargetAudience,
		"call_to_action":    c.Context.CallToAction,
		"registration_link": c.Context.RegistrationLink,
		"key_points":        strings.Join(c.Context.KeyPoints, ", "),
	}
	for k, v := range recipient {
		vars[k] = v
	}
	return vars
}
