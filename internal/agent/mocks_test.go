package agent

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"convobot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- fakeTransport ---

type fakeTransport struct {
	mu sync.Mutex

	chat     domain.Chat
	chatErr  error
	history  []domain.Message
	fetchErr error
	fetches  []int // limit of every FetchRecentMessages call

	quoted    *domain.Message
	quotedErr error
	byID      map[string]*domain.Message

	media     map[string]*domain.MediaPayload
	mediaErr  map[string]error
	downloads []string

	names   map[string]string
	nameErr error

	replies  []string
	replyErr error
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Chat(ctx context.Context, msg domain.Message) (domain.Chat, error) {
	if f.chatErr != nil {
		return domain.Chat{}, f.chatErr
	}
	return f.chat, nil
}

func (f *fakeTransport) FetchRecentMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, limit)
	f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if limit < len(f.history) {
		return append([]domain.Message(nil), f.history[len(f.history)-limit:]...), nil
	}
	return append([]domain.Message(nil), f.history...), nil
}

func (f *fakeTransport) QuotedMessage(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	return f.quoted, f.quotedErr
}

func (f *fakeTransport) MessageByID(ctx context.Context, chatID, id string) (*domain.Message, error) {
	if m, ok := f.byID[id]; ok {
		return m, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeTransport) DownloadMedia(ctx context.Context, msg domain.Message) (*domain.MediaPayload, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, msg.ID)
	f.mu.Unlock()
	if err := f.mediaErr[msg.ID]; err != nil {
		return nil, err
	}
	if p, ok := f.media[msg.ID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, domain.ErrNoMedia
}

func (f *fakeTransport) Reply(ctx context.Context, msg domain.Message, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return f.replyErr
	}
	f.replies = append(f.replies, text)
	return nil
}

func (f *fakeTransport) SenderDisplayName(ctx context.Context, msg domain.Message) (string, error) {
	if f.nameErr != nil {
		return "", f.nameErr
	}
	return f.names[msg.Sender], nil
}

func (f *fakeTransport) sentReplies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.replies...)
}

// --- fakeGenerator ---

type fakeGenerator struct {
	mu      sync.Mutex
	name    string
	respond func(req domain.GenerateRequest) (string, error)
	calls   []domain.GenerateRequest
}

func (g *fakeGenerator) Name() string {
	if g.name == "" {
		return "fake"
	}
	return g.name
}

func (g *fakeGenerator) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	text, err := g.respond(req)
	if err != nil {
		return nil, err
	}
	return &domain.GenerateResponse{Content: text}, nil
}

func (g *fakeGenerator) Healthy(ctx context.Context) error { return nil }

func (g *fakeGenerator) requests() []domain.GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.GenerateRequest(nil), g.calls...)
}

// --- fakeTranscriber ---

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls []string
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, mediaID string, audio []byte, mimeType string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, mediaID)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}
