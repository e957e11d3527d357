package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"convobot/internal/domain"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI implements domain.Generator for OpenAI-compatible chat APIs
// (OpenAI, Groq, OpenRouter, Ollama's /v1 endpoint).
type OpenAI struct {
	name   string
	model  string
	client *openai.Client
	logger *slog.Logger
}

type OpenAIConfig struct {
	Name    string // reported by Name(); default "openai"
	APIKey  string
	APIBase string
	Model   string
	Logger  *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		oc.BaseURL = strings.TrimRight(cfg.APIBase, "/")
	}
	oc.HTTPClient = apiClient()
	return &OpenAI{
		name:   cfg.Name,
		model:  cfg.Model,
		client: openai.NewClientWithConfig(oc),
		logger: cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Healthy(ctx context.Context) error {
	if _, err := o.client.ListModels(ctx); err != nil {
		return fmt.Errorf("%s not reachable: %w", o.name, err)
	}
	return nil
}

// openAITemperature maps a requested temperature onto the client's
// omitempty float32. An explicit zero is sent as the smallest positive
// float so it is not dropped from the request.
func openAITemperature(t *float64) float32 {
	switch {
	case t == nil:
		return 0
	case *t == 0:
		return math.SmallestNonzeroFloat32
	}
	return float32(*t)
}

func (o *OpenAI) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    openAIMessages(req.System, req.Units),
		MaxTokens:   req.MaxTokens,
		Temperature: openAITemperature(req.Temperature),
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.name, err)
	}
	out := &domain.GenerateResponse{
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
	}
	return out, nil
}

func openAIMessages(system string, units []domain.ContentUnit) []openai.ChatCompletionMessage {
	turns := groupTurns(units)
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, t := range turns {
		if t.assistant {
			texts := make([]string, 0, len(t.units))
			for _, u := range t.units {
				texts = append(texts, u.Text)
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: strings.Join(texts, "\n"),
			})
			continue
		}

		var parts []openai.ChatMessagePart
		for _, u := range t.units {
			if u.Text != "" {
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: u.Text})
			}
			// Only images travel as parts; other media keep their text label.
			if u.IsMultimodal() && strings.HasPrefix(u.MimeType, "image/") {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    "data:" + u.MimeType + ";base64," + base64.StdEncoding.EncodeToString(u.Data),
						Detail: openai.ImageURLDetailAuto,
					},
				})
			}
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts})
	}
	return msgs
}
