package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"convobot/internal/domain"
)

// Annotations used in place of media that could not be loaded.
const (
	AnnotAudioTranscription = "[AUDIO TRANSCRIPTION]"
	AnnotAudioFailed        = "[Audio Transcription Failed]"
	AnnotImageFailed        = "[Image Download Failed]"
	AnnotImageOmitted       = "[IMAGE OMITTED: Placeholder]"
)

const pdfMime = "application/pdf"

// documentTypes maps recognised document extensions to their mime type.
var documentTypes = map[string]string{
	".pdf": pdfMime,
}

// NormalizeOptions carries per-turn facts the policy depends on.
type NormalizeOptions struct {
	// Focus is set for the current and the quoted message.
	Focus                 bool
	ExplicitTranscription bool
	// Request is the cleaned body of the current query.
	Request string
}

// NormalizerConfig holds the dependencies of a Normalizer.
type NormalizerConfig struct {
	Transport   domain.Transport
	Transcriber domain.Transcriber
	Clean       func(string) string // strips triggers and loop marker
	Logger      *slog.Logger
}

// Normalizer converts transport messages into content units. One instance
// serves a single turn; it caches display names for that turn.
type Normalizer struct {
	transport   domain.Transport
	transcriber domain.Transcriber
	clean       func(string) string
	logger      *slog.Logger

	namesMu sync.Mutex
	names   map[string]string
}

func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	if cfg.Clean == nil {
		cfg.Clean = strings.TrimSpace
	}
	return &Normalizer{
		transport:   cfg.Transport,
		transcriber: cfg.Transcriber,
		clean:       cfg.Clean,
		logger:      cfg.Logger,
		names:       make(map[string]string),
	}
}

// Normalize returns the unit for msg, or nil when the message contributes
// nothing (skipped audio, empty text). Media failures never surface as
// errors; they become annotated text units.
func (n *Normalizer) Normalize(ctx context.Context, msg domain.Message, plan domain.Plan, opts NormalizeOptions) *domain.ContentUnit {
	origin := domain.OriginOf(msg.FromSelf)
	header := n.Header(ctx, msg)
	body := n.clean(msg.Body)

	var unit domain.ContentUnit
	switch msg.Kind {
	case domain.KindAudio:
		if !plan.NeedsAudio && !opts.ExplicitTranscription && !mentionsTranscription(opts.Request) {
			return nil
		}
		unit = domain.TextUnit(header+n.transcribe(ctx, msg), origin)

	case domain.KindImage:
		unit = n.image(ctx, msg, plan, opts, header, body, origin)

	case domain.KindDocument:
		name := msg.FileName
		if name == "" {
			name = "file"
		}
		unit = domain.TextUnit(joinNonEmpty(header+"[Document: "+name+"]", body), origin)

	default:
		if body == "" {
			return nil
		}
		unit = domain.TextUnit(header+body, origin)
	}

	unit.SourceID = msg.ID
	return &unit
}

// Header renders the "[sender @ time]: " prefix of a unit.
func (n *Normalizer) Header(ctx context.Context, msg domain.Message) string {
	ts := "unknown time"
	if msg.HasTimestamp() {
		ts = msg.Timestamp.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("[%s @ %s]: ", n.DisplayName(ctx, msg), ts)
}

// DisplayName resolves the sender name once per sender per turn. Lookup
// failures fall back to the push name, then the raw id.
func (n *Normalizer) DisplayName(ctx context.Context, msg domain.Message) string {
	n.namesMu.Lock()
	name, ok := n.names[msg.Sender]
	n.namesMu.Unlock()
	if ok {
		return name
	}

	name, err := n.transport.SenderDisplayName(ctx, msg)
	if err != nil || strings.TrimSpace(name) == "" {
		if err != nil {
			n.logger.Debug("display name lookup failed", "sender", msg.Sender, "error", err)
		}
		name = msg.SenderName
		if name == "" {
			name = msg.Sender
		}
	}

	n.namesMu.Lock()
	n.names[msg.Sender] = name
	n.namesMu.Unlock()
	return name
}

func (n *Normalizer) transcribe(ctx context.Context, msg domain.Message) string {
	payload, err := n.download(ctx, msg)
	if err != nil {
		n.logger.Warn("audio download failed", "id", msg.ID, "error", err)
		return AnnotAudioFailed
	}
	if n.transcriber == nil {
		return AnnotAudioFailed
	}
	text, err := n.transcriber.Transcribe(ctx, msg.ID, payload.Data, payload.MimeType)
	if err != nil {
		n.logger.Warn("transcription failed", "id", msg.ID, "error", err)
		return AnnotAudioFailed
	}
	return AnnotAudioTranscription + ": " + strings.TrimSpace(text)
}

func (n *Normalizer) image(ctx context.Context, msg domain.Message, plan domain.Plan, opts NormalizeOptions, header, caption string, origin domain.Origin) domain.ContentUnit {
	if opts.Focus && !plan.NeedsImage {
		return domain.TextUnit(joinNonEmpty(header+caption, AnnotImageOmitted), origin)
	}

	payload, err := n.download(ctx, msg)
	if err != nil {
		n.logger.Warn("image download failed", "id", msg.ID, "error", err)
		return domain.TextUnit(joinNonEmpty(header+caption, AnnotImageFailed), origin)
	}
	mime := sniffMime(payload)
	if len(payload.Data) == 0 || !strings.HasPrefix(mime, "image/") {
		return domain.TextUnit(joinNonEmpty(header+caption, AnnotImageOmitted), origin)
	}

	text := header + caption
	if caption == "" {
		text = header + "[Image]"
	}
	return domain.MultimodalUnit(text, payload.Data, mime, origin)
}

// DocumentPayload downloads msg when it is a recognised document whose
// content matches the expected type. ok is false otherwise.
func (n *Normalizer) DocumentPayload(ctx context.Context, msg domain.Message) (*domain.MediaPayload, bool) {
	if msg.Kind != domain.KindDocument {
		return nil, false
	}
	want, known := documentTypes[strings.ToLower(filepath.Ext(msg.FileName))]
	if !known {
		return nil, false
	}
	payload, err := n.download(ctx, msg)
	if err != nil {
		n.logger.Warn("document download failed", "id", msg.ID, "error", err)
		return nil, false
	}
	mime := sniffMime(payload)
	if !strings.HasPrefix(mime, want) {
		n.logger.Debug("document mime mismatch", "id", msg.ID, "mime", mime, "want", want)
		return nil, false
	}
	payload.MimeType = want
	return payload, true
}

// ImagePayload downloads msg when it is an image. Used for focus images
// that replace the query unit.
func (n *Normalizer) ImagePayload(ctx context.Context, msg domain.Message) (*domain.MediaPayload, error) {
	payload, err := n.download(ctx, msg)
	if err != nil {
		return nil, err
	}
	mime := sniffMime(payload)
	if len(payload.Data) == 0 || !strings.HasPrefix(mime, "image/") {
		return nil, domain.ErrNoMedia
	}
	payload.MimeType = mime
	return payload, nil
}

func (n *Normalizer) download(ctx context.Context, msg domain.Message) (*domain.MediaPayload, error) {
	if msg.Media != nil && len(msg.Media.Data) > 0 {
		cp := *msg.Media
		return &cp, nil
	}
	if !msg.HasMedia {
		return nil, domain.ErrNoMedia
	}
	payload, err := n.transport.DownloadMedia(ctx, msg)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, domain.ErrNoMedia
	}
	return payload, nil
}

// sniffMime returns the declared mime type without parameters, or the
// detected one when nothing was declared.
func sniffMime(p *domain.MediaPayload) string {
	mime := p.MimeType
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	mime = strings.TrimSpace(strings.ToLower(mime))
	if mime == "" || mime == "application/octet-stream" {
		if len(p.Data) == 0 {
			return ""
		}
		mime = http.DetectContentType(p.Data)
		if i := strings.Index(mime, ";"); i >= 0 {
			mime = mime[:i]
		}
	}
	return mime
}

func mentionsTranscription(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "transcri") || strings.Contains(lower, "listen")
}

func joinNonEmpty(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
