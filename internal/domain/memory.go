package domain

import (
	"context"
	"time"
)

// StoredMessage is a history row. Raw holds a transport-specific encoding
// (protobuf for WhatsApp) used to re-download media later.
type StoredMessage struct {
	Message
	Channel string
	Raw     []byte
}

// HistoryStore persists chat messages for transports without a history API.
type HistoryStore interface {
	SaveMessage(ctx context.Context, msg StoredMessage) error
	RecentMessages(ctx context.Context, channel, chatID string, limit int) ([]StoredMessage, error)
	MessageByID(ctx context.Context, channel, chatID, id string) (*StoredMessage, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// TranscriptStore persists transcription results keyed by media id.
type TranscriptStore interface {
	GetTranscript(ctx context.Context, mediaID string) (string, bool, error)
	PutTranscript(ctx context.Context, mediaID, text string) error
}
