package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"convobot/internal/domain"

	"google.golang.org/genai"
)

const (
	geminiDefaultModel = "gemini-2.5-flash"
	transcribePrompt   = "Transcribe this voice message verbatim. Reply with the transcription only, in the language spoken."
)

// Gemini implements domain.Generator and domain.Transcriber over the Gemini
// API. The client is created lazily on first use.
type Gemini struct {
	apiKey string
	model  string
	logger *slog.Logger

	once    sync.Once
	client  *genai.Client
	initErr error
}

type GeminiConfig struct {
	APIKey string
	Model  string
	Logger *slog.Logger
}

func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.Model == "" {
		cfg.Model = geminiDefaultModel
	}
	return &Gemini{apiKey: cfg.APIKey, model: cfg.Model, logger: cfg.Logger}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Healthy(ctx context.Context) error {
	if g.apiKey == "" {
		return fmt.Errorf("gemini: no API key configured")
	}
	_, err := g.getClient(ctx)
	return err
}

func (g *Gemini) getClient(ctx context.Context) (*genai.Client, error) {
	g.once.Do(func() {
		g.client, g.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:     g.apiKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: apiClient(),
		})
	})
	if g.initErr != nil {
		return nil, fmt.Errorf("gemini client: %w", g.initErr)
	}
	return g.client, nil
}

func geminiConfig(req domain.GenerateRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		cfg.Temperature = &temp
	}
	return cfg
}

func (g *Gemini) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	client, err := g.getClient(ctx)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = g.model
	}

	cfg := geminiConfig(req)
	start := time.Now()
	res, err := client.Models.GenerateContent(ctx, model, geminiContents(req.Units), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	out := &domain.GenerateResponse{
		Content:   res.Text(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if u := res.UsageMetadata; u != nil {
		out.Usage = domain.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// Transcribe sends the audio inline with a transcription instruction.
func (g *Gemini) Transcribe(ctx context.Context, mediaID string, audio []byte, mimeType string) (string, error) {
	client, err := g.getClient(ctx)
	if err != nil {
		return "", err
	}
	if mimeType == "" {
		mimeType = "audio/ogg"
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(transcribePrompt),
			genai.NewPartFromBytes(audio, mimeType),
		}, genai.RoleUser),
	}
	res, err := client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini transcribe %s: %w", mediaID, err)
	}
	text := strings.TrimSpace(res.Text())
	if text == "" {
		return "", fmt.Errorf("gemini transcribe %s: empty result", mediaID)
	}
	return text, nil
}

func geminiContents(units []domain.ContentUnit) []*genai.Content {
	turns := groupTurns(units)
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.Role(genai.RoleUser)
		if t.assistant {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		for _, u := range t.units {
			if u.IsMultimodal() {
				parts = append(parts, genai.NewPartFromBytes(u.Data, u.MimeType))
			}
			if u.Text != "" {
				parts = append(parts, genai.NewPartFromText(u.Text))
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	return contents
}
