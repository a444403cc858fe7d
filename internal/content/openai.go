package content

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const systemPrompt = `You write marketing emails for multi-stage event campaigns.
Reply with a single JSON object: {"subject": "...", "body": "...", "html": "..."}.
"body" is plain text. "html" is optional. Keep {{name}} style placeholders intact.`

// OpenAIGenerator generates drafts with an OpenAI compatible chat API
type OpenAIGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator creates a generator. baseURL may be empty.
func NewOpenAIGenerator(apiKey, baseURL, model string) *OpenAIGenerator {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIGenerator{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Generate requests first-time content
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest) (*Draft, error) {
	return g.complete(ctx, generatePrompt(req))
}

// Refine requests improved content
func (g *OpenAIGenerator) Refine(ctx context.Context, req RefineRequest) (*Draft, error) {
	return g.complete(ctx, refinePrompt(req))
}

func (g *OpenAIGenerator) complete(ctx context.Context, prompt string) (*Draft, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Model: openai.ChatModel(g.model),
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	return parseDraft(resp.Choices[0].Message.Content)
}

// parseDraft extracts the JSON draft from a model reply, tolerating code fences
func parseDraft(reply string) (*Draft, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("reply contains no JSON object")
	}

	var d Draft
	if err := json.Unmarshal([]byte(reply[start:end+1]), &d); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return validDraft(&d)
}

func generatePrompt(req GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the %s email for the campaign %q.\n", req.Stage, req.Title)
	writeContext(&b, req)
	return b.String()
}

func refinePrompt(req RefineRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rewrite the %s email for the campaign %q.\n", req.Stage, req.Title)
	writeContext(&b, req.GenerateRequest)
	fmt.Fprintf(&b, "\nThe %s stage underperformed:\n", req.MeasuredStage)
	fmt.Fprintf(&b, "- open rate %.1f%% (baseline %.1f%%)\n", req.Rates.Open*100, req.Baseline.Open*100)
	fmt.Fprintf(&b, "- click rate %.1f%% (baseline %.1f%%)\n", req.Rates.Click*100, req.Baseline.Click*100)
	if req.Shortfall.Open > req.Shortfall.Click {
		b.WriteString("Focus on a stronger subject line.\n")
	} else {
		b.WriteString("Focus on a clearer call to action.\n")
	}
	if req.Prior.Subject != "" {
		fmt.Fprintf(&b, "\nPrevious subject: %s\nPrevious body:\n%s\n", req.Prior.Subject, req.Prior.Body)
	}
	return b.String()
}

func writeContext(b *strings.Builder, req GenerateRequest) {
	if req.Objective != "" {
		fmt.Fprintf(b, "Objective: %s\n", req.Objective)
	}
	c := req.Context
	if c.EventDate != "" {
		fmt.Fprintf(b, "Event date: %s\n", c.EventDate)
	}
	if c.Location != "" {
		fmt.Fprintf(b, "Location: %s\n", c.Location)
	}
	if c.TargetAudience != "" {
		fmt.Fprintf(b, "Audience: %s\n", c.TargetAudience)
	}
	if len(c.KeyPoints) > 0 {
		fmt.Fprintf(b, "Key points: %s\n", strings.Join(c.KeyPoints, "; "))
	}
	if c.CallToAction != "" {
		fmt.Fprintf(b, "Call to action: %s\n", c.CallToAction)
	}
	if c.RegistrationLink != "" {
		b.WriteString("Link placeholder: {{registration_link}}\n")
	}
}
