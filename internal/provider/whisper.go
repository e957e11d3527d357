package provider

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	"convobot/internal/domain"

	openai "github.com/sashabaranov/go-openai"
)

// WhisperConfig configures the Whisper speech-to-text provider.
type WhisperConfig struct {
	APIBase  string // e.g. "https://api.groq.com/openai/v1" or "https://api.openai.com/v1"
	APIKey   string
	Model    string // e.g. "whisper-large-v3" (Groq) or "whisper-1" (OpenAI)
	Language string // optional ISO-639-1 code
	Logger   *slog.Logger
}

// Whisper implements domain.Transcriber over the OpenAI-compatible
// /audio/transcriptions endpoint.
type Whisper struct {
	model    string
	language string
	client   *openai.Client
	logger   *slog.Logger
}

func NewWhisper(cfg WhisperConfig) *Whisper {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.groq.com/openai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-large-v3"
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.APIBase, "/")
	oc.HTTPClient = apiClient()
	return &Whisper{
		model:    cfg.Model,
		language: cfg.Language,
		client:   openai.NewClientWithConfig(oc),
		logger:   cfg.Logger,
	}
}

func (w *Whisper) Transcribe(ctx context.Context, mediaID string, audio []byte, mimeType string) (string, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: audioFilename(mediaID, mimeType),
		Reader:   bytes.NewReader(audio),
		Language: w.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcribe %s: %w", mediaID, err)
	}
	w.logger.Debug("transcription complete", "id", mediaID, "text_len", len(resp.Text))
	return strings.TrimSpace(resp.Text), nil
}

// audioFilename gives the upload a name whose extension matches the
// content; the API picks the decoder from it.
func audioFilename(mediaID, mimeType string) string {
	ext := ".ogg"
	base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	switch base {
	case "audio/mpeg":
		ext = ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		ext = ".m4a"
	case "audio/wav", "audio/x-wav":
		ext = ".wav"
	case "audio/webm":
		ext = ".webm"
	case "", "audio/ogg", "audio/opus":
	default:
		if exts, _ := mime.ExtensionsByType(base); len(exts) > 0 {
			ext = exts[0]
		}
	}
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, mediaID)
	if name == "" {
		name = "audio"
	}
	return name + ext
}

var _ domain.Transcriber = (*Whisper)(nil)
