package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"convobot/internal/domain"
)

const emphasisDirective = "IMPORTANT: the request below is a reply to this message. Treat it as the most relevant context when answering:"

// AssembleInput is everything the assembler needs for one turn.
type AssembleInput struct {
	Message               domain.Message
	Quoted                *domain.Message
	Plan                  domain.Plan
	CleanedBody           string
	ExplicitTranscription bool
}

// AssemblerConfig holds the collaborators of an Assembler.
type AssemblerConfig struct {
	Normalizer *Normalizer
	Resolver   *WindowResolver
	Logger     *slog.Logger
}

// Assembler builds the ordered unit list handed to generation:
// history, then focus media, then the quoted emphasis unit, then exactly
// one query unit.
type Assembler struct {
	norm     *Normalizer
	resolver *WindowResolver
	logger   *slog.Logger
}

func NewAssembler(cfg AssemblerConfig) *Assembler {
	return &Assembler{norm: cfg.Normalizer, resolver: cfg.Resolver, logger: cfg.Logger}
}

// focusState collects what the current and quoted message contribute
// before the units are laid out.
type focusState struct {
	query       *domain.MediaPayload
	queryNotes  []string
	quotedNotes []string
	media       []domain.ContentUnit
}

// Assemble returns the context for in. History fetch errors are returned;
// media problems are folded into annotation text.
func (a *Assembler) Assemble(ctx context.Context, in AssembleInput) ([]domain.ContentUnit, error) {
	var st focusState
	a.focus(ctx, in, in.Message, false, &st)
	if in.Quoted != nil {
		a.focus(ctx, in, *in.Quoted, true, &st)
	}

	history, err := a.history(ctx, in)
	if err != nil {
		return nil, err
	}

	units := make([]domain.ContentUnit, 0, len(history)+len(st.media)+2)
	units = append(units, history...)
	units = append(units, st.media...)

	if in.Quoted != nil {
		units = append(units, a.emphasis(ctx, *in.Quoted, st.quotedNotes))
	}
	units = append(units, a.query(ctx, in, &st))

	a.logger.Debug("context assembled",
		"history", len(history),
		"media", len(st.media),
		"quoted", in.Quoted != nil,
		"multimodal_query", st.query != nil,
	)
	return units, nil
}

// focus handles media on the current or quoted message. An image or
// document becomes the query attachment when the slot is free; otherwise
// it is carried as its own media unit.
func (a *Assembler) focus(ctx context.Context, in AssembleInput, msg domain.Message, quoted bool, st *focusState) {
	notes := &st.queryNotes
	if quoted {
		notes = &st.quotedNotes
	}

	switch msg.Kind {
	case domain.KindAudio:
		unit := a.norm.Normalize(ctx, msg, in.Plan, NormalizeOptions{
			Focus:                 true,
			ExplicitTranscription: in.ExplicitTranscription,
			Request:               in.CleanedBody,
		})
		if unit != nil {
			unit.Role = domain.RoleMedia
			st.media = append(st.media, *unit)
		}

	case domain.KindImage:
		if !in.Plan.NeedsImage {
			*notes = append(*notes, AnnotImageOmitted)
			return
		}
		payload, err := a.norm.ImagePayload(ctx, msg)
		if err != nil {
			a.logger.Warn("focus image unavailable", "id", msg.ID, "error", err)
			if errors.Is(err, domain.ErrNoMedia) {
				*notes = append(*notes, AnnotImageOmitted)
			} else {
				*notes = append(*notes, AnnotImageFailed)
			}
			return
		}
		a.attach(ctx, msg, payload, "[Image]", st)

	case domain.KindDocument:
		label := fmt.Sprintf("[Document: %s]", fallback(msg.FileName, "file"))
		payload, ok := a.norm.DocumentPayload(ctx, msg)
		if !ok {
			*notes = append(*notes, label)
			return
		}
		a.attach(ctx, msg, payload, label, st)
	}
}

func (a *Assembler) attach(ctx context.Context, msg domain.Message, payload *domain.MediaPayload, label string, st *focusState) {
	if st.query == nil {
		st.query = payload
		return
	}
	unit := domain.MultimodalUnit(a.norm.Header(ctx, msg)+label, payload.Data, payload.MimeType, domain.OriginOf(msg.FromSelf))
	unit.Role = domain.RoleMedia
	unit.SourceID = msg.ID
	st.media = append(st.media, unit)
}

// history resolves the plan's time ranges into units, oldest first. The
// current and quoted messages are left to their own units.
func (a *Assembler) history(ctx context.Context, in AssembleInput) ([]domain.ContentUnit, error) {
	if len(in.Plan.TimeRanges) == 0 {
		return nil, nil
	}
	resolved, err := a.resolver.Resolve(ctx, in.Message.ChatID, in.Plan.TimeRanges)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(resolved, func(i, j int) bool {
		return resolved[i].Date.Before(resolved[j].Date)
	})

	skip := map[string]bool{in.Message.ID: true}
	if in.Quoted != nil {
		skip[in.Quoted.ID] = true
	}

	units := make([]domain.ContentUnit, 0, len(resolved))
	for _, r := range resolved {
		if skip[r.Message.ID] {
			continue
		}
		skip[r.Message.ID] = true
		unit := a.norm.Normalize(ctx, r.Message, in.Plan, NormalizeOptions{
			ExplicitTranscription: in.ExplicitTranscription,
			Request:               in.CleanedBody,
		})
		if unit == nil {
			continue
		}
		unit.Role = domain.RoleHistory
		units = append(units, *unit)
	}
	return units, nil
}

func (a *Assembler) emphasis(ctx context.Context, quoted domain.Message, notes []string) domain.ContentUnit {
	body := a.norm.clean(quoted.Body)
	for _, n := range notes {
		body = joinNonEmpty(body, n)
	}
	if body == "" {
		body = kindLabel(quoted)
	}
	text := emphasisDirective + "\n" + a.norm.Header(ctx, quoted) + body
	unit := domain.TextUnit(text, domain.OriginHuman)
	unit.Role = domain.RoleEmphasis
	unit.SourceID = quoted.ID
	return unit
}

// query is always human-origin, even when the owner typed it on the
// bot's own account.
func (a *Assembler) query(ctx context.Context, in AssembleInput, st *focusState) domain.ContentUnit {
	text := in.CleanedBody
	for _, n := range st.queryNotes {
		text = joinNonEmpty(text, n)
	}
	text = a.norm.Header(ctx, in.Message) + text

	var unit domain.ContentUnit
	if st.query != nil {
		unit = domain.MultimodalUnit(text, st.query.Data, st.query.MimeType, domain.OriginHuman)
	} else {
		unit = domain.TextUnit(text, domain.OriginHuman)
	}
	unit.Role = domain.RoleQuery
	unit.SourceID = in.Message.ID
	return unit
}

// ImmediateContext renders the one-line context given to the planner: the
// quoted message when there is one, else the latest earlier chat message.
// Lookup failures yield an empty string.
func (a *Assembler) ImmediateContext(ctx context.Context, current domain.Message, quoted *domain.Message) string {
	if quoted != nil {
		msg := *quoted
		if ts, ok := a.resolver.RecoverTimestamp(ctx, msg); ok {
			msg.Timestamp = ts
		} else {
			a.logger.Debug("quoted timestamp unknown", "id", msg.ID)
		}
		return a.immediateLine(ctx, msg)
	}

	recent, err := a.resolver.transport.FetchRecentMessages(ctx, current.ChatID, 2)
	if err != nil {
		a.logger.Debug("immediate context fetch failed", "error", err)
		return ""
	}
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].ID != current.ID {
			return a.immediateLine(ctx, recent[i])
		}
	}
	return ""
}

func (a *Assembler) immediateLine(ctx context.Context, msg domain.Message) string {
	ts := "unknown time"
	if msg.HasTimestamp() {
		ts = msg.Timestamp.UTC().Format(time.RFC3339)
	}
	line := fmt.Sprintf("[%s @ %s]: %s", a.norm.DisplayName(ctx, msg), ts, a.norm.clean(msg.Body))
	if msg.Kind != domain.KindText {
		line = joinNonEmpty(line, kindLabel(msg))
	}
	return strings.TrimSpace(line)
}

func kindLabel(msg domain.Message) string {
	switch msg.Kind {
	case domain.KindAudio:
		return "[Audio Message]"
	case domain.KindImage:
		return "[Image]"
	case domain.KindDocument:
		return fmt.Sprintf("[Document: %s]", fallback(msg.FileName, "file"))
	case domain.KindOther:
		return "[Attachment]"
	}
	return ""
}

func fallback(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
