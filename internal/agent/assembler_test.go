package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"convobot/internal/domain"
)

func newTestAssembler(tr *fakeTransport, tx domain.Transcriber) *Assembler {
	return NewAssembler(AssemblerConfig{
		Normalizer: newTestNormalizer(tr, tx),
		Resolver:   newTestResolver(tr),
		Logger:     testLogger(),
	})
}

func roles(units []domain.ContentUnit) []domain.UnitRole {
	out := make([]domain.UnitRole, len(units))
	for i, u := range units {
		out[i] = u.Role
	}
	return out
}

func TestAssemble_OrderingAndDeduplication(t *testing.T) {
	quoted := textMsg("q", at(10, 30), "the plan is friday")
	current := textMsg("c", at(11, 0), "@bot is that still on?")
	tr := &fakeTransport{history: []domain.Message{
		textMsg("h1", at(9, 0), "morning"),
		textMsg("h2", at(10, 0), "let's meet"),
		quoted,
		current,
	}}
	plan := domain.DefaultPlan()
	plan.TimeRanges = []domain.TimeRange{
		{Start: "2026-10-17T08:00:00Z", End: "now"},
		{Start: "2026-10-17T09:30:00Z"},
	}

	units, err := newTestAssembler(tr, nil).Assemble(context.Background(), AssembleInput{
		Message:     current,
		Quoted:      &quoted,
		Plan:        plan,
		CleanedBody: "is that still on?",
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	want := []domain.UnitRole{domain.RoleHistory, domain.RoleHistory, domain.RoleEmphasis, domain.RoleQuery}
	got := roles(units)
	if len(got) != len(want) {
		t.Fatalf("expected roles %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected roles %v, got %v", want, got)
		}
	}

	seen := map[string]int{}
	for _, u := range units {
		if u.Role == domain.RoleHistory || u.Role == domain.RoleMedia {
			seen[u.SourceID]++
		}
	}
	if seen["h1"] != 1 || seen["h2"] != 1 || seen["q"] != 0 || seen["c"] != 0 {
		t.Fatalf("history units not deduplicated: %v", seen)
	}

	emphasis := units[2]
	if !strings.HasPrefix(emphasis.Text, emphasisDirective) || !strings.Contains(emphasis.Text, "the plan is friday") {
		t.Fatalf("unexpected emphasis %q", emphasis.Text)
	}
	query := units[3]
	if !strings.HasSuffix(query.Text, "is that still on?") || query.Origin != domain.OriginHuman {
		t.Fatalf("unexpected query %+v", query)
	}
}

func TestAssemble_HistoryChronological(t *testing.T) {
	tr := &fakeTransport{history: []domain.Message{
		textMsg("early", at(8, 0), "a"),
		textMsg("late", at(10, 0), "b"),
	}}
	plan := domain.DefaultPlan()
	plan.TimeRanges = []domain.TimeRange{
		{Start: "2026-10-17T09:00:00Z"},
		{Start: "2026-10-17T07:00:00Z"},
	}
	units, err := newTestAssembler(tr, nil).Assemble(context.Background(), AssembleInput{
		Message: textMsg("c", at(11, 0), "@bot recap"), Plan: plan, CleanedBody: "recap",
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(units) != 3 || units[0].SourceID != "early" || units[1].SourceID != "late" {
		t.Fatalf("expected early, late, query; got %+v", units)
	}
}

func TestAssemble_FocusedModeHasOnlyQuery(t *testing.T) {
	tr := &fakeTransport{history: []domain.Message{textMsg("h", at(9, 0), "x")}}
	units, err := newTestAssembler(tr, nil).Assemble(context.Background(), AssembleInput{
		Message: textMsg("c", at(11, 0), "hi"), Plan: domain.DefaultPlan(), CleanedBody: "hi",
	})
	if err != nil || len(units) != 1 || units[0].Role != domain.RoleQuery {
		t.Fatalf("expected a single query unit, got %+v, %v", units, err)
	}
	if len(tr.fetches) != 0 {
		t.Fatal("focused mode must not fetch history")
	}
}

func TestAssemble_CurrentImage(t *testing.T) {
	tr := &fakeTransport{media: map[string]*domain.MediaPayload{"c": {Data: pngHeader, MimeType: "image/png"}}}
	current := imageMsg("c", "@bot what is this")

	plan := domain.DefaultPlan()
	plan.NeedsImage = true
	units, _ := newTestAssembler(tr, nil).Assemble(context.Background(), AssembleInput{Message: current, Plan: plan, CleanedBody: "what is this"})
	if len(units) != 1 || !units[0].IsMultimodal() || units[0].MimeType != "image/png" {
		t.Fatalf("expected multimodal query, got %+v", units)
	}

	units, _ = newTestAssembler(tr, nil).Assemble(context.Background(), AssembleInput{Message: current, Plan: domain.DefaultPlan(), CleanedBody: "what is this"})
	if units[0].IsMultimodal() || !strings.HasSuffix(units[0].Text, "what is this "+AnnotImageOmitted) {
		t.Fatalf("expected placeholder annotation, got %+v", units[0])
	}
}

func TestAssemble_QuotedAudioTranscription(t *testing.T) {
	quoted := audioMsg("voice")
	tr := &fakeTransport{media: map[string]*domain.MediaPayload{"voice": {Data: []byte("ogg"), MimeType: "audio/ogg"}}}
	tx := &fakeTranscriber{text: "call me back"}
	current := textMsg("c", at(11, 0), "@t")

	units, err := newTestAssembler(tr, tx).Assemble(context.Background(), AssembleInput{
		Message:               current,
		Quoted:                &quoted,
		Plan:                  domain.DefaultPlan(),
		CleanedBody:           DefaultTranscribeInstruction,
		ExplicitTranscription: true,
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	want := []domain.UnitRole{domain.RoleMedia, domain.RoleEmphasis, domain.RoleQuery}
	if got := roles(units); len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if !strings.HasSuffix(units[0].Text, "[AUDIO TRANSCRIPTION]: call me back") {
		t.Fatalf("unexpected media unit %q", units[0].Text)
	}
	if !strings.HasSuffix(units[1].Text, "[Audio Message]") {
		t.Fatalf("emphasis should label the voice note, got %q", units[1].Text)
	}
}

func TestAssemble_QuotedPDFReplacesQuery(t *testing.T) {
	pdf := []byte("%PDF-1.4 body")
	quoted := domain.Message{ID: "doc", Sender: "bob", Kind: domain.KindDocument, HasMedia: true, FileName: "contract.pdf", Timestamp: at(9, 0)}
	tr := &fakeTransport{media: map[string]*domain.MediaPayload{"doc": {Data: pdf, MimeType: "application/pdf"}}}

	units, err := newTestAssembler(tr, nil).Assemble(context.Background(), AssembleInput{
		Message:     textMsg("c", at(11, 0), "@bot summarise"),
		Quoted:      &quoted,
		Plan:        domain.DefaultPlan(),
		CleanedBody: "summarise",
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	query := units[len(units)-1]
	if !query.IsMultimodal() || query.MimeType != pdfMime || string(query.Data) != string(pdf) {
		t.Fatalf("expected pdf query, got %+v", query)
	}
	if !strings.HasSuffix(query.Text, "summarise") {
		t.Fatalf("query text should keep the cleaned body, got %q", query.Text)
	}
}

func TestAssemble_SecondAttachmentBecomesMediaUnit(t *testing.T) {
	tr := &fakeTransport{media: map[string]*domain.MediaPayload{
		"c": {Data: pngHeader, MimeType: "image/png"},
		"q": {Data: pngHeader, MimeType: "image/png"},
	}}
	current := imageMsg("c", "@bot compare")
	quoted := imageMsg("q", "")
	plan := domain.DefaultPlan()
	plan.NeedsImage = true

	units, _ := newTestAssembler(tr, nil).Assemble(context.Background(), AssembleInput{
		Message: current, Quoted: &quoted, Plan: plan, CleanedBody: "compare",
	})
	if len(units) != 3 || units[0].Role != domain.RoleMedia || !units[0].IsMultimodal() || units[0].SourceID != "q" {
		t.Fatalf("expected quoted image as media unit, got %+v", roles(units))
	}
	if !units[2].IsMultimodal() {
		t.Fatal("current image should stay on the query")
	}
}

func TestAssemble_HistoryErrorIsFatal(t *testing.T) {
	tr := &fakeTransport{fetchErr: errors.New("not connected")}
	plan := domain.DefaultPlan()
	plan.TimeRanges = []domain.TimeRange{{Start: "today"}}
	if _, err := newTestAssembler(tr, nil).Assemble(context.Background(), AssembleInput{
		Message: textMsg("c", at(11, 0), "x"), Plan: plan, CleanedBody: "x",
	}); err == nil {
		t.Fatal("expected history fetch error")
	}
}

// --- ImmediateContext ---

func TestImmediateContext_QuotedTimestampRecovered(t *testing.T) {
	tr := &fakeTransport{
		names: map[string]string{"bob": "Bob"},
		history: []domain.Message{
			{ID: "q", ChatID: "chat", Sender: "bob", Body: "voice", Timestamp: at(8, 15), Kind: domain.KindAudio},
		},
	}
	quoted := &domain.Message{ID: "q", ChatID: "chat", Sender: "bob", Kind: domain.KindAudio}
	got := newTestAssembler(tr, nil).ImmediateContext(context.Background(), textMsg("c", at(11, 0), ""), quoted)
	if got != "[Bob @ 2026-10-17T08:15:00Z]: [Audio Message]" {
		t.Fatalf("unexpected immediate context %q", got)
	}
}

func TestImmediateContext_LatestEarlierMessage(t *testing.T) {
	current := textMsg("c", at(11, 0), "@bot?")
	tr := &fakeTransport{history: []domain.Message{
		textMsg("p", at(10, 59), "anyone there"),
		current,
	}}
	got := newTestAssembler(tr, nil).ImmediateContext(context.Background(), current, nil)
	if !strings.HasSuffix(got, "anyone there") || !strings.Contains(got, "10:59:00Z") {
		t.Fatalf("unexpected immediate context %q", got)
	}

	tr.fetchErr = errors.New("down")
	if got := newTestAssembler(tr, nil).ImmediateContext(context.Background(), current, nil); got != "" {
		t.Fatalf("expected empty context on fetch error, got %q", got)
	}
}
