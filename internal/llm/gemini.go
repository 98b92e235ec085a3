package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/pavelanni/examforge/internal/model"
)

// Gemini wraps the Google generative AI client.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini client.
func NewGemini(ctx context.Context, apiKey, modelName string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: modelName}, nil
}

// Name identifies the provider and model.
func (g *Gemini) Name() string { return "gemini/" + g.model }

// Generate runs a single-turn completion.
func (g *Gemini) Generate(ctx context.Context, req Request) (Response, error) {
	m := g.client.GenerativeModel(g.model)
	if req.System != "" {
		m.SystemInstruction = genai.NewUserContent(genai.Text(req.System))
	}
	m.SetTemperature(req.Temperature)
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.JSON {
		m.ResponseMIMEType = "application/json"
	}

	resp, err := m.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return Response{}, fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Response{}, errors.New("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}

	var usage model.TokenUsage
	if md := resp.UsageMetadata; md != nil {
		usage = model.TokenUsage{
			Input:  int(md.PromptTokenCount),
			Output: int(md.CandidatesTokenCount),
			Total:  int(md.TotalTokenCount),
		}
	}
	return Response{Text: sb.String(), Usage: usage}, nil
}

// Ping lists one model to check the key.
func (g *Gemini) Ping(ctx context.Context) error {
	_, err := g.client.ListModels(ctx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("gemini list models: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (g *Gemini) Close() error { return g.client.Close() }
