package channel

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"convobot/internal/bus"
	"convobot/internal/domain"
)

func newTestCLI(in string, out *bytes.Buffer) *CLI {
	return NewCLI(CLIConfig{
		Logger:  testLogger(),
		In:      strings.NewReader(in),
		Out:     out,
		Trigger: "@bot",
		Now:     func() time.Time { return t0 },
	})
}

func TestCLI_ComposeAddsTrigger(t *testing.T) {
	c := newTestCLI("", &bytes.Buffer{})
	msg, err := c.compose("what time is it")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Body != "@bot what time is it" {
		t.Fatalf("expected trigger prefix, got %q", msg.Body)
	}
	if msg.ID == "" || msg.ChatID != cliChatID || !msg.Timestamp.Equal(t0) || msg.SenderName != "You" {
		t.Fatalf("unexpected message %+v", msg)
	}

	msg, _ = c.compose("hey @BOT")
	if msg.Body != "hey @BOT" {
		t.Fatalf("trigger already present, got %q", msg.Body)
	}
}

func TestCLI_ComposeAttachment(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "cat.png")
	os.WriteFile(img, []byte("\x89PNG\r\n\x1a\n0000"), 0o644)
	doc := filepath.Join(dir, "notes.pdf")
	os.WriteFile(doc, []byte("%PDF-1.4"), 0o644)

	c := newTestCLI("", &bytes.Buffer{})
	msg, err := c.compose("/attach " + img + " what is this")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != domain.KindImage || msg.Media == nil || msg.Media.MimeType != "image/png" || msg.Body != "@bot what is this" {
		t.Fatalf("unexpected image message %+v", msg)
	}

	msg, err = c.compose("/attach " + doc)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != domain.KindDocument || msg.FileName != "notes.pdf" || msg.Media.MimeType != "application/pdf" {
		t.Fatalf("unexpected document message %+v", msg)
	}

	if _, err := c.compose("/attach " + filepath.Join(dir, "missing.png")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestCLI_ReplyQuotesRecentMessage(t *testing.T) {
	c := newTestCLI("", &bytes.Buffer{})
	first, _ := c.compose("first")
	c.record(first)
	c.Reply(context.Background(), first, "bot answer")

	msg, err := c.compose("/reply 1 explain that")
	if err != nil {
		t.Fatal(err)
	}
	quoted, err := c.QuotedMessage(context.Background(), msg)
	if err != nil || quoted == nil {
		t.Fatalf("quoted lookup failed: %v", err)
	}
	if quoted.Body != "bot answer" || !quoted.FromSelf {
		t.Fatalf("expected the bot answer, got %+v", quoted)
	}

	if _, err := c.compose("/reply 9 nope"); err == nil {
		t.Fatal("expected error for an out-of-range reply")
	}
}

func TestCLI_HistoryAndMedia(t *testing.T) {
	c := newTestCLI("", &bytes.Buffer{})
	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		m, _ := c.compose(body)
		c.record(m)
	}
	got, _ := c.FetchRecentMessages(ctx, cliChatID, 2)
	if len(got) != 2 || got[1].Body != "@bot c" {
		t.Fatalf("unexpected history %+v", got)
	}
	if _, err := c.MessageByID(ctx, cliChatID, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.DownloadMedia(ctx, got[0]); !errors.Is(err, domain.ErrNoMedia) {
		t.Fatalf("expected ErrNoMedia, got %v", err)
	}
}

func TestCLI_StartPublishesLines(t *testing.T) {
	out := &bytes.Buffer{}
	c := newTestCLI("hello\n\n/quit\n", out)
	b := bus.New(4, testLogger())

	if err := c.Start(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	select {
	case in := <-b.Subscribe():
		if in.Channel != "cli" || in.Message.Body != "@bot hello" {
			t.Fatalf("unexpected inbound %+v", in)
		}
	default:
		t.Fatal("expected a published message")
	}
	c.Stop()
	if !strings.Contains(out.String(), "convobot CLI") {
		t.Fatalf("missing banner: %q", out.String())
	}
}
