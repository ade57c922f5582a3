package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/storylinehq/storyline/internal/article"
)

const extractionSystemPrompt = `You analyze short news items and return strict JSON.
Given a title and summary, respond with a single JSON object:
{
  "nucleus_entity": "the one central named entity of the story",
  "actors": {"EntityName": salience, ...},
  "actions": ["short verb phrase", ...],
  "tensions": ["short conflict phrase", ...],
  "narrative_summary": "one or two sentences describing the story"
}
Salience is an integer 1-5. Reserve 5 for at most one or two true
protagonists. The nucleus_entity must appear as a key in actors.
Actions and tensions are ordered most important first. Return only JSON.`

// OpenAIProvider implements Provider using the OpenAI Chat Completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates a provider for the given model. An empty API
// key leaves the provider unavailable rather than failing construction.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	var client *openai.Client
	if apiKey != "" {
		client = openai.NewClient(apiKey)
	}
	return &OpenAIProvider{client: client, model: model}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Available() bool { return p.client != nil }

// Extract sends one article for annotation and validates the response.
func (p *OpenAIProvider) Extract(ctx context.Context, a *article.Article) (*article.Extraction, error) {
	if !p.Available() {
		return nil, fmt.Errorf("openai provider not configured")
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractionSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Title: %s\n\nSummary: %s", a.Title, a.Summary)},
		},
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.HTTPStatusCode {
			case http.StatusTooManyRequests, http.StatusServiceUnavailable:
				return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
			}
		}
		return nil, fmt.Errorf("extraction call for %s: %w", a.ID, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion for %s", article.ErrValidation, a.ID)
	}

	var e article.Extraction
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &e); err != nil {
		return nil, fmt.Errorf("%w: undecodable response for %s: %v", article.ErrValidation, a.ID, err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("article %s: %w", a.ID, err)
	}
	return &e, nil
}
