package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"convobot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramMaxDownload    = 20 << 20 // bot API limit
	metaFileID             = "telegram_file_id"
)

// Telegram implements domain.Channel for a Telegram bot.
type Telegram struct {
	history

	token     string
	allowFrom map[int64]bool // empty = allow all
	client    *http.Client
	logger    *slog.Logger

	mu  sync.RWMutex
	bot *tgbotapi.BotAPI
	bus domain.MessageBus
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user ids as strings
	Store     domain.HistoryStore
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	allowed := make(map[int64]bool)
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed[id] = true
		}
	}
	return &Telegram{
		history:   history{channel: "telegram", store: cfg.Store},
		token:     cfg.Token,
		allowFrom: allowed,
		client:    &http.Client{Timeout: 60 * time.Second},
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects and long-polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.bus = bus
	t.mu.Unlock()
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: StopReceivingUpdates runs when Start's context ends and
// panics if called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) getBot() (*tgbotapi.BotAPI, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.bot == nil {
		return nil, domain.ErrTransportClosed
	}
	return t.bot, nil
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	m := update.Message
	if m == nil {
		m = update.EditedMessage
	}
	if m == nil || m.From == nil || m.Chat == nil {
		return
	}
	if !t.isAllowed(m.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", m.From.ID, "username", m.From.UserName)
		return
	}

	msg := convertTelegramMessage(m, t.selfID())
	if err := t.save(ctx, msg, nil); err != nil {
		t.logger.Warn("persist telegram message", "id", msg.ID, "error", err)
	}
	if msg.Quoted != nil {
		if err := t.saveIfAbsent(ctx, *msg.Quoted, nil); err != nil {
			t.logger.Debug("persist quoted copy", "id", msg.QuotedID, "error", err)
		}
	}

	t.mu.RLock()
	bus := t.bus
	t.mu.RUnlock()
	if bus != nil && update.Message != nil {
		bus.Publish(domain.InboundMessage{Channel: t.Name(), Message: msg})
	}
}

func (t *Telegram) selfID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.bot == nil {
		return 0
	}
	return t.bot.Self.ID
}

func (t *Telegram) isAllowed(userID int64) bool {
	return len(t.allowFrom) == 0 || t.allowFrom[userID]
}

func (t *Telegram) Chat(ctx context.Context, msg domain.Message) (domain.Chat, error) {
	chat := domain.Chat{ID: msg.ChatID}
	id, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return chat, fmt.Errorf("invalid chat ID: %w", err)
	}
	chat.IsGroup = id < 0

	bot, err := t.getBot()
	if err != nil {
		return chat, nil
	}
	info, err := bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: id}})
	if err != nil {
		t.logger.Debug("telegram chat lookup failed", "chat", msg.ChatID, "error", err)
		return chat, nil
	}
	chat.IsGroup = info.IsGroup() || info.IsSuperGroup()
	chat.Name = info.Title
	if chat.Name == "" {
		chat.Name = strings.TrimSpace(info.FirstName + " " + info.LastName)
	}
	return chat, nil
}

// SenderDisplayName uses the name Telegram sent with the message.
func (t *Telegram) SenderDisplayName(ctx context.Context, msg domain.Message) (string, error) {
	return msg.SenderName, nil
}

func (t *Telegram) DownloadMedia(ctx context.Context, msg domain.Message) (*domain.MediaPayload, error) {
	fileID := msg.Metadata[metaFileID]
	if fileID == "" {
		row, err := t.stored(ctx, msg.ChatID, msg.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if row != nil {
			fileID = row.Metadata[metaFileID]
		}
	}
	if fileID == "" {
		return nil, domain.ErrNoMedia
	}

	bot, err := t.getBot()
	if err != nil {
		return nil, err
	}
	url, err := bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("telegram file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram download: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, telegramMaxDownload))
	if err != nil {
		return nil, fmt.Errorf("telegram download: %w", err)
	}

	payload := &domain.MediaPayload{Data: data, Filename: msg.FileName}
	if msg.Media != nil {
		payload.MimeType = msg.Media.MimeType
	}
	return payload, nil
}

// Reply answers in the chat of msg, as a reply to it. Long texts are split
// and only the first chunk carries the reply reference.
func (t *Telegram) Reply(ctx context.Context, msg domain.Message, text string) error {
	bot, err := t.getBot()
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	replyTo, _ := strconv.Atoi(msg.ID)

	for i, chunk := range splitMessage(text, telegramMaxMsgLen) {
		out := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 {
			out.ReplyToMessageID = replyTo
		}
		sent, err := t.sendChunk(ctx, bot, out)
		if err != nil {
			return err
		}
		record := convertTelegramMessage(&sent, bot.Self.ID)
		if err := t.save(ctx, record, nil); err != nil {
			t.logger.Warn("persist sent message", "id", record.ID, "error", err)
		}
	}
	return nil
}

// sendChunk sends with backoff on rate limits and transient errors.
func (t *Telegram) sendChunk(ctx context.Context, bot *tgbotapi.BotAPI, msg tgbotapi.MessageConfig) (tgbotapi.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		sent, err := bot.Send(msg)
		if err == nil {
			return sent, nil
		}
		lastErr = err

		backoff := time.Duration(attempt+1) * time.Second
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
			backoff = time.Duration(tgErr.RetryAfter) * time.Second
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		t.logger.Warn("telegram send error, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return tgbotapi.Message{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return tgbotapi.Message{}, fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, lastErr)
}

// splitMessage cuts text at newlines where possible so each part fits max.
func splitMessage(text string, max int) []string {
	var parts []string
	for len(text) > max {
		cut := strings.LastIndex(text[:max], "\n")
		if cut < max/2 {
			cut = max
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" || len(parts) == 0 {
		parts = append(parts, text)
	}
	return parts
}

// convertTelegramMessage maps a bot API message. selfID marks the bot's
// own messages.
func convertTelegramMessage(m *tgbotapi.Message, selfID int64) domain.Message {
	msg := domain.Message{
		ID:        strconv.Itoa(m.MessageID),
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		Body:      m.Text,
		Timestamp: m.Time(),
		Kind:      domain.KindText,
	}
	if m.Date == 0 {
		msg.Timestamp = time.Time{}
	}
	if m.From != nil {
		msg.Sender = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		if msg.SenderName == "" {
			msg.SenderName = m.From.UserName
		}
		msg.FromSelf = selfID != 0 && m.From.ID == selfID
	}

	var fileID string
	switch {
	case len(m.Photo) > 0:
		largest := m.Photo[len(m.Photo)-1]
		msg.Kind = domain.KindImage
		msg.Body = m.Caption
		fileID = largest.FileID
		msg.Media = &domain.MediaPayload{MimeType: "image/jpeg"}
	case m.Voice != nil:
		msg.Kind = domain.KindAudio
		fileID = m.Voice.FileID
		msg.Media = &domain.MediaPayload{MimeType: m.Voice.MimeType}
	case m.Audio != nil:
		msg.Kind = domain.KindAudio
		msg.Body = m.Caption
		fileID = m.Audio.FileID
		msg.Media = &domain.MediaPayload{MimeType: m.Audio.MimeType}
	case m.Document != nil:
		msg.Kind = domain.KindDocument
		msg.Body = m.Caption
		msg.FileName = m.Document.FileName
		fileID = m.Document.FileID
		msg.Media = &domain.MediaPayload{MimeType: m.Document.MimeType, Filename: m.Document.FileName}
	case m.Video != nil, m.Sticker != nil, m.Location != nil, m.Contact != nil:
		msg.Kind = domain.KindOther
		msg.Body = m.Caption
	}
	if fileID != "" {
		msg.HasMedia = true
		msg.Metadata = map[string]string{metaFileID: fileID}
	}

	if r := m.ReplyToMessage; r != nil && r.Chat != nil {
		quoted := convertTelegramMessage(r, selfID)
		quoted.Metadata = mergeMeta(quoted.Metadata, map[string]string{
			domain.MetaQuotedTimestamp: strconv.Itoa(r.Date),
			domain.MetaQuotedSender:    quoted.Sender,
		})
		msg.QuotedID = quoted.ID
		msg.Quoted = &quoted
	}
	return msg
}
