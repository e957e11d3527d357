package provider

import (
	"context"
	"log/slog"
	"sync"

	"convobot/internal/domain"
	"convobot/internal/metrics"
)

// CachedTranscriber memoizes transcriptions by media id, in memory and in
// an optional persistent store, so a voice note is transcribed once even
// when it appears in many turns.
type CachedTranscriber struct {
	next    domain.Transcriber
	store   domain.TranscriptStore // optional
	metrics *metrics.Metrics       // optional
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

func NewCachedTranscriber(next domain.Transcriber, store domain.TranscriptStore, m *metrics.Metrics, logger *slog.Logger) *CachedTranscriber {
	return &CachedTranscriber{
		next:    next,
		store:   store,
		metrics: m,
		logger:  logger,
		cache:   make(map[string]string),
	}
}

func (c *CachedTranscriber) Transcribe(ctx context.Context, mediaID string, audio []byte, mimeType string) (string, error) {
	if mediaID != "" {
		if text, ok := c.lookup(ctx, mediaID); ok {
			c.metrics.TranscriptionLookup(metrics.TranscriptionHit)
			return text, nil
		}
	}
	c.metrics.TranscriptionLookup(metrics.TranscriptionMiss)

	text, err := c.next.Transcribe(ctx, mediaID, audio, mimeType)
	if err != nil {
		c.metrics.TranscriptionLookup(metrics.TranscriptionError)
		return "", err
	}
	if mediaID == "" {
		return text, nil
	}

	c.mu.Lock()
	c.cache[mediaID] = text
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.PutTranscript(ctx, mediaID, text); err != nil {
			c.logger.Warn("persist transcript failed", "id", mediaID, "error", err)
		}
	}
	return text, nil
}

func (c *CachedTranscriber) lookup(ctx context.Context, mediaID string) (string, bool) {
	c.mu.Lock()
	text, ok := c.cache[mediaID]
	c.mu.Unlock()
	if ok || c.store == nil {
		return text, ok
	}

	text, ok, err := c.store.GetTranscript(ctx, mediaID)
	if err != nil {
		c.logger.Warn("transcript lookup failed", "id", mediaID, "error", err)
		return "", false
	}
	if ok {
		c.mu.Lock()
		c.cache[mediaID] = text
		c.mu.Unlock()
	}
	return text, ok
}
