package domain

import "context"

// GenerateRequest is a single generation call: a system prompt followed by
// ordered content units.
type GenerateRequest struct {
	Model       string
	System      string
	Units       []ContentUnit
	MaxTokens   int
	Temperature *float64 // nil: provider default; zero is a real setting
}

// GenerateResponse carries the text reply and usage counters.
type GenerateResponse struct {
	Content   string
	Usage     Usage
	LatencyMs int64
}

// Generator is the black-box language model capability.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	Healthy(ctx context.Context) error
}

// Transcriber turns audio bytes into text. mediaID is the cache key.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaID string, audio []byte, mimeType string) (string, error)
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
