package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"convobot/internal/domain"

	"github.com/google/uuid"
)

const (
	cliChatID     = "direct"
	cliUserID     = "local-user"
	cliBotID      = "convobot"
	cliMaxHistory = 500
	cliMaxAttach  = 20 << 20
)

// CLI implements domain.Channel for an interactive terminal session. History
// lives in memory for the lifetime of the process.
type CLI struct {
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer
	userName string
	trigger  string
	now      func() time.Time

	mu   sync.Mutex
	msgs []domain.Message
	bus  domain.MessageBus

	thinkMu   sync.Mutex
	thinking  bool
	thinkStop chan struct{}
}

type CLIConfig struct {
	Logger   *slog.Logger
	In       io.Reader
	Out      io.Writer
	UserName string // shown as the sender; default "You"
	Trigger  string // prepended to lines that do not address the bot
	Now      func() time.Time
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.UserName == "" {
		cfg.UserName = "You"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CLI{
		logger:   cfg.Logger,
		in:       cfg.In,
		out:      cfg.Out,
		userName: cfg.UserName,
		trigger:  cfg.Trigger,
		now:      cfg.Now,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL and blocks until EOF, /quit or ctx is cancelled.
//
// Lines starting with /attach <path> [caption] send a file; /reply <n> text
// quotes the n-th most recent message.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.mu.Lock()
	c.bus = bus
	c.mu.Unlock()

	fmt.Fprintln(c.out, "convobot CLI. Type a message and press Enter. /attach <file> [caption], /reply <n> <text>, /quit to exit.")
	c.prompt()

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errc <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errc
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				c.prompt()
				continue
			case line == "/quit" || line == "/exit" || line == "/q":
				c.logger.Info("user requested quit")
				return nil
			}

			msg, err := c.compose(line)
			if err != nil {
				fmt.Fprintln(c.out, "error:", err)
				c.prompt()
				continue
			}
			c.record(msg)
			c.startThinking()
			bus.Publish(domain.InboundMessage{Channel: c.Name(), Message: msg})
		}
	}
}

func (c *CLI) prompt() { fmt.Fprint(c.out, c.userName+"> ") }

// compose turns an input line into a message.
func (c *CLI) compose(line string) (domain.Message, error) {
	msg := domain.Message{
		ID:         uuid.NewString(),
		ChatID:     cliChatID,
		Sender:     cliUserID,
		SenderName: c.userName,
		Timestamp:  c.now(),
		Kind:       domain.KindText,
	}

	switch {
	case strings.HasPrefix(line, "/attach "):
		path, caption, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "/attach ")), " ")
		payload, kind, err := readAttachment(path)
		if err != nil {
			return msg, err
		}
		msg.Kind = kind
		msg.Body = caption
		msg.HasMedia = true
		msg.Media = payload
		if kind == domain.KindDocument {
			msg.FileName = payload.Filename
		}
	case strings.HasPrefix(line, "/reply "):
		var n int
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/reply "))
		num, text, _ := strings.Cut(rest, " ")
		if _, err := fmt.Sscanf(num, "%d", &n); err != nil || n < 1 {
			return msg, fmt.Errorf("usage: /reply <n> <text>")
		}
		quoted, ok := c.nthRecent(n)
		if !ok {
			return msg, fmt.Errorf("no message #%d", n)
		}
		msg.Body = text
		msg.QuotedID = quoted.ID
		msg.Quoted = &quoted
	default:
		msg.Body = line
	}

	if c.trigger != "" && !strings.Contains(strings.ToLower(msg.Body), strings.ToLower(c.trigger)) {
		msg.Body = strings.TrimSpace(c.trigger + " " + msg.Body)
	}
	return msg, nil
}

func readAttachment(path string) (*domain.MediaPayload, domain.MessageKind, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", err
	}
	if info.Size() > cliMaxAttach {
		return nil, "", fmt.Errorf("%s is larger than %d bytes", path, cliMaxAttach)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	mt, _, _ = strings.Cut(mt, ";")

	kind := domain.KindDocument
	switch {
	case strings.HasPrefix(mt, "image/"):
		kind = domain.KindImage
	case strings.HasPrefix(mt, "audio/"):
		kind = domain.KindAudio
	}
	return &domain.MediaPayload{Data: data, MimeType: mt, Filename: filepath.Base(path)}, kind, nil
}

func (c *CLI) record(msg domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	if len(c.msgs) > cliMaxHistory {
		c.msgs = c.msgs[len(c.msgs)-cliMaxHistory:]
	}
}

// nthRecent returns the n-th most recent message, 1-based.
func (c *CLI) nthRecent(n int) (domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.msgs) {
		return domain.Message{}, false
	}
	return c.msgs[len(c.msgs)-n], true
}

func (c *CLI) Stop() error {
	c.stopThinking()
	return nil
}

func (c *CLI) Chat(ctx context.Context, msg domain.Message) (domain.Chat, error) {
	return domain.Chat{ID: cliChatID, Name: "terminal"}, nil
}

func (c *CLI) FetchRecentMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := 0
	if limit > 0 && limit < len(c.msgs) {
		start = len(c.msgs) - limit
	}
	return append([]domain.Message(nil), c.msgs[start:]...), nil
}

func (c *CLI) MessageByID(ctx context.Context, chatID, id string) (*domain.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].ID == id {
			m := c.msgs[i]
			return &m, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (c *CLI) QuotedMessage(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	if msg.QuotedID == "" {
		return nil, nil
	}
	if m, err := c.MessageByID(ctx, msg.ChatID, msg.QuotedID); err == nil {
		return m, nil
	}
	return msg.Quoted, nil
}

// DownloadMedia only serves attachments, which are always inline.
func (c *CLI) DownloadMedia(ctx context.Context, msg domain.Message) (*domain.MediaPayload, error) {
	if msg.Media != nil && len(msg.Media.Data) > 0 {
		return msg.Media, nil
	}
	if m, err := c.MessageByID(ctx, msg.ChatID, msg.ID); err == nil && m.Media != nil && len(m.Media.Data) > 0 {
		return m.Media, nil
	}
	return nil, domain.ErrNoMedia
}

func (c *CLI) SenderDisplayName(ctx context.Context, msg domain.Message) (string, error) {
	return msg.SenderName, nil
}

// Reply prints text and records it as the bot's message.
func (c *CLI) Reply(ctx context.Context, msg domain.Message, text string) error {
	c.stopThinking()
	c.record(domain.Message{
		ID:         uuid.NewString(),
		ChatID:     cliChatID,
		Sender:     cliBotID,
		SenderName: "convobot",
		Body:       text,
		Timestamp:  c.now(),
		Kind:       domain.KindText,
		FromSelf:   true,
		QuotedID:   msg.ID,
	})

	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	fmt.Fprint(c.out, "\r\033[K")
	fmt.Fprintln(c.out, "--- convobot ---")
	fmt.Fprintln(c.out, text)
	fmt.Fprintln(c.out, "-----------------")
	fmt.Fprint(c.out, c.userName+"> ")
	return nil
}

func (c *CLI) startThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	stop := c.thinkStop
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.thinkMu.Lock()
				if c.thinking {
					fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				}
				c.thinkMu.Unlock()
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
}
