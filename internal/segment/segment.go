// Package segment derives contact tags from engagement counters.
package segment

import (
	"slices"
)

const (
	TagEngaged      = "engaged"
	TagHighInterest = "high-interest"
	TagPriority     = "priority"
)

// Counters is a snapshot of a contact's engagement counters
type Counters struct {
	Opens   int `json:"opens"`
	Clicks  int `json:"clicks"`
	Replies int `json:"replies"`
	Bounces int `json:"bounces"`
}

// Rule assigns Tag when Match holds for a counter snapshot
type Rule struct {
	Tag   string
	Match func(c Counters) bool
}

// DefaultRules is the built-in rule table, evaluated in order
var DefaultRules = []Rule{
	{Tag: TagEngaged, Match: func(c Counters) bool { return c.Opens >= 1 }},
	{Tag: TagHighInterest, Match: func(c Counters) bool { return c.Opens >= 3 || c.Clicks >= 1 }},
	{Tag: TagPriority, Match: func(c Counters) bool { return c.Replies >= 1 }},
}

// Engine evaluates a rule table against counters
type Engine struct {
	rules []Rule
}

// New creates an engine. A nil table uses DefaultRules.
func New(rules []Rule) *Engine {
	if rules == nil {
		rules = DefaultRules
	}
	return &Engine{rules: rules}
}

// Tags returns the tags the counters qualify for, in rule order
func (e *Engine) Tags(c Counters) []string {
	var tags []string
	for _, r := range e.rules {
		if r.Match(c) && !slices.Contains(tags, r.Tag) {
			tags = append(tags, r.Tag)
		}
	}
	return tags
}

// Apply merges derived tags into the existing set. Tags are never removed,
// and the result is sorted so repeated application is stable.
func (e *Engine) Apply(existing []string, c Counters) []string {
	out := make([]string, 0, len(existing)+len(e.rules))
	out = append(out, existing...)
	out = append(out, e.Tags(c)...)
	slices.Sort(out)
	return slices.Compact(out)
}
