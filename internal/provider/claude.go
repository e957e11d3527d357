package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"convobot/internal/domain"
)

const (
	claudeAPIURL       = "https://api.anthropic.com/v1/messages"
	claudeAPIVersion   = "2023-06-01"
	claudeDefaultModel = "claude-sonnet-4-5"
	defaultMaxTokens   = 4096
)

// Claude implements domain.Generator over the Anthropic Messages API.
type Claude struct {
	apiKey string
	apiURL string
	model  string
	client *http.Client
	logger *slog.Logger
}

type ClaudeConfig struct {
	APIKey  string
	APIBase string // full messages endpoint; default is the public API
	Model   string
	Logger  *slog.Logger
}

func NewClaude(cfg ClaudeConfig) *Claude {
	if cfg.Model == "" {
		cfg.Model = claudeDefaultModel
	}
	if cfg.APIBase == "" {
		cfg.APIBase = claudeAPIURL
	}
	return &Claude{
		apiKey: cfg.APIKey,
		apiURL: cfg.APIBase,
		model:  cfg.Model,
		client: apiClient(),
		logger: cfg.Logger,
	}
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) Healthy(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("claude: no API key configured")
	}
	return nil
}

type claudeRequest struct {
	Model       string      `json:"model"`
	MaxTokens   int         `json:"max_tokens"`
	System      string      `json:"system,omitempty"`
	Messages    []claudeMsg `json:"messages"`
	Temperature *float64    `json:"temperature,omitempty"`
}

type claudeMsg struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type   string        `json:"type"` // "text" | "image" | "document"
	Text   string        `json:"text,omitempty"`
	Source *claudeSource `json:"source,omitempty"`
}

type claudeSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeResponse struct {
	Content    []claudeContent `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      claudeUsage     `json:"usage"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (c *Claude) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := claudeRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  claudeMessages(req.Units),
	}
	body.Temperature = req.Temperature

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	start := time.Now()
	resp, err := doWithRetry(ctx, c.client, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("x-api-key", c.apiKey)
		r.Header.Set("anthropic-version", claudeAPIVersion)
		return r, nil
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("claude: %w", err)
	}
	defer resp.Body.Close()

	var cr claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("claude: decode: %w", err)
	}

	var text []string
	for _, block := range cr.Content {
		if block.Type == "text" {
			text = append(text, block.Text)
		}
	}
	return &domain.GenerateResponse{
		Content: strings.Join(text, ""),
		Usage: domain.Usage{
			PromptTokens:     cr.Usage.InputTokens,
			CompletionTokens: cr.Usage.OutputTokens,
			TotalTokens:      cr.Usage.InputTokens + cr.Usage.OutputTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func claudeMessages(units []domain.ContentUnit) []claudeMsg {
	turns := groupTurns(units)
	msgs := make([]claudeMsg, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.assistant {
			role = "assistant"
		}
		var blocks []claudeContent
		for _, u := range t.units {
			// Media blocks are only valid in user turns.
			if u.IsMultimodal() && !t.assistant {
				blocks = append(blocks, claudeMediaBlock(u))
			}
			if u.Text != "" {
				blocks = append(blocks, claudeContent{Type: "text", Text: u.Text})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		msgs = append(msgs, claudeMsg{Role: role, Content: blocks})
	}
	return msgs
}

func claudeMediaBlock(u domain.ContentUnit) claudeContent {
	kind := "image"
	if u.MimeType == pdfMime {
		kind = "document"
	}
	return claudeContent{
		Type: kind,
		Source: &claudeSource{
			Type:      "base64",
			MediaType: u.MimeType,
			Data:      base64.StdEncoding.EncodeToString(u.Data),
		},
	}
}

const pdfMime = "application/pdf"
