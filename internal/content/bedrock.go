package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"outreach-scheduler/internal/models"
)

// ErrIncompleteContent is returned when the model answer lacks a subject or a body.
var ErrIncompleteContent = errors.New("generated content missing subject or body")

const systemPrompt = `You write short, personal cold outreach emails for B2B sales.
Reply with a single JSON object {"subject": "...", "body": "..."} and nothing else.
Keep the subject under 60 characters and the body under 120 words. Plain text only.`

// ModelInvoker is the subset of the Bedrock runtime client the generator needs.
type ModelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type bedrockMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content []contentBlock `json:"content"`
}

// Generator personalizes outreach content with an Anthropic model on Bedrock.
type Generator struct {
	client  ModelInvoker
	modelID string
	timeout time.Duration
}

// NewGenerator wraps a Bedrock runtime client. A zero timeout means 20s.
func NewGenerator(client ModelInvoker, modelID string, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Generator{client: client, modelID: modelID, timeout: timeout}
}

// Generate asks the model for a subject and body addressed to the lead.
func (g *Generator) Generate(ctx context.Context, lead models.Lead, ownerID string) (models.Content, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        800,
		System:           systemPrompt,
		Messages: []bedrockMessage{{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: leadPrompt(lead)}},
		}},
		Temperature: 0.7,
	})
	if err != nil {
		return models.Content{}, fmt.Errorf("marshal bedrock request: %w", err)
	}

	out, err := g.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(g.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return models.Content{}, fmt.Errorf("invoke model for owner %s: %w", ownerID, err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return models.Content{}, fmt.Errorf("parse bedrock response: %w", err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return parseContent(text.String())
}

func leadPrompt(lead models.Lead) string {
	var b strings.Builder
	b.WriteString("Write a first-touch email to this lead.\n")
	fmt.Fprintf(&b, "Name: %s\n", lead.Name)
	if lead.Company != "" {
		fmt.Fprintf(&b, "Company: %s\n", lead.Company)
	}
	return b.String()
}

// parseContent extracts the JSON object from the model text. Models sometimes wrap
// the object in prose or code fences.
func parseContent(text string) (models.Content, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return models.Content{}, ErrIncompleteContent
	}
	var c models.Content
	if err := json.Unmarshal([]byte(text[start:end+1]), &c); err != nil {
		return models.Content{}, fmt.Errorf("decode generated content: %w", err)
	}
	c.Subject = strings.TrimSpace(c.Subject)
	c.Body = strings.TrimSpace(c.Body)
	if c.Subject == "" || c.Body == "" {
		return models.Content{}, ErrIncompleteContent
	}
	return c, nil
}
