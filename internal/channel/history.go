package channel

import (
	"context"
	"errors"
	"fmt"

	"convobot/internal/domain"
)

// history gives store-backed transports the read half of domain.Transport.
// Neither WhatsApp nor the Telegram bot API can list past messages, so
// both record every message they see.
type history struct {
	channel string
	store   domain.HistoryStore
}

func (h history) save(ctx context.Context, msg domain.Message, raw []byte) error {
	if h.store == nil {
		return nil
	}
	return h.store.SaveMessage(ctx, domain.StoredMessage{Message: msg, Channel: h.channel, Raw: raw})
}

// saveIfAbsent records msg unless a row with its id exists. Used for
// quoted copies, which must never overwrite the full original.
func (h history) saveIfAbsent(ctx context.Context, msg domain.Message, raw []byte) error {
	if h.store == nil {
		return nil
	}
	_, err := h.store.MessageByID(ctx, h.channel, msg.ChatID, msg.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return h.save(ctx, msg, raw)
}

func (h history) FetchRecentMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	if h.store == nil {
		return nil, nil
	}
	rows, err := h.store.RecentMessages(ctx, h.channel, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s history: %w", h.channel, err)
	}
	msgs := make([]domain.Message, len(rows))
	for i, r := range rows {
		msgs[i] = r.Message
	}
	return msgs, nil
}

func (h history) MessageByID(ctx context.Context, chatID, id string) (*domain.Message, error) {
	row, err := h.stored(ctx, chatID, id)
	if err != nil {
		return nil, err
	}
	return &row.Message, nil
}

func (h history) stored(ctx context.Context, chatID, id string) (*domain.StoredMessage, error) {
	if h.store == nil {
		return nil, domain.ErrNotFound
	}
	return h.store.MessageByID(ctx, h.channel, chatID, id)
}

// QuotedMessage prefers the stored original, which has a timestamp and
// downloadable media, over the inline copy carried by the reply.
func (h history) QuotedMessage(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	if msg.QuotedID == "" {
		return nil, nil
	}
	found, err := h.MessageByID(ctx, msg.ChatID, msg.QuotedID)
	if err == nil {
		if found.Timestamp.IsZero() && msg.Quoted != nil {
			found.Metadata = mergeMeta(found.Metadata, msg.Quoted.Metadata)
		}
		return found, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if msg.Quoted != nil {
		q := *msg.Quoted
		return &q, nil
	}
	return nil, fmt.Errorf("quoted message %s: %w", msg.QuotedID, domain.ErrNotFound)
}

func mergeMeta(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]string, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}
