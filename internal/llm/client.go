package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// ChatMessage is one turn of model-visible history.
type ChatMessage struct {
	// Role is "user" or "model".
	Role string
	Text string
}

// Client completes a chat exchange against a model backend. Role generators
// depend on this interface so tests can substitute a canned client.
type Client interface {
	Complete(ctx context.Context, system string, messages []ChatMessage) (string, error)
}

// GeminiConfig configures the Gemini-backed client.
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	TopP            float32
	MaxOutputTokens int32
}

// GeminiClient implements Client on the Gemini API.
type GeminiClient struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGeminiClient creates the client. The model defaults to a fast Gemini
// tier when unset.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: Gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.TopP == 0 {
		cfg.TopP = 0.9
	}
	if cfg.MaxOutputTokens == 0 {
		cfg.MaxOutputTokens = 8192
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("llm: create Gemini client: %w", err)
	}
	return &GeminiClient{client: client, cfg: cfg}, nil
}

// Complete sends the history and returns the reply text.
func (g *GeminiClient) Complete(ctx context.Context, system string, messages []ChatMessage) (string, error) {
	var contents []*genai.Content
	for _, m := range messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     &g.cfg.Temperature,
		TopP:            &g.cfg.TopP,
		MaxOutputTokens: g.cfg.MaxOutputTokens,
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	res, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("llm: generate content: %w", err)
	}
	text := res.Text()
	if text == "" {
		return "", fmt.Errorf("llm: model returned empty reply")
	}
	return text, nil
}
