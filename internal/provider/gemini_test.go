package provider

import (
	"testing"

	"convobot/internal/domain"
)

func TestGeminiContents_RolesAndParts(t *testing.T) {
	units := []domain.ContentUnit{
		domain.TextUnit("[Ann]: hi", domain.OriginHuman),
		domain.TextUnit("[bot]: hello", domain.OriginAssistant),
		domain.MultimodalUnit("[Ann]: what is this?", []byte{0x89, 'P', 'N', 'G'}, "image/png", domain.OriginHuman),
	}
	contents := geminiContents(units)
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if contents[0].Role != "user" || contents[1].Role != "model" || contents[2].Role != "user" {
		t.Fatalf("unexpected roles %q %q %q", contents[0].Role, contents[1].Role, contents[2].Role)
	}

	last := contents[2].Parts
	if len(last) != 2 {
		t.Fatalf("expected blob + text parts, got %d", len(last))
	}
	if last[0].InlineData == nil || last[0].InlineData.MIMEType != "image/png" {
		t.Fatalf("expected inline image first, got %+v", last[0])
	}
	if last[1].Text != "[Ann]: what is this?" {
		t.Fatalf("unexpected text part %q", last[1].Text)
	}
}

func TestGeminiContents_LeadingAssistant(t *testing.T) {
	contents := geminiContents([]domain.ContentUnit{
		domain.TextUnit("[bot]: earlier answer", domain.OriginAssistant),
		domain.TextUnit("[Ann]: and now?", domain.OriginHuman),
	})
	if len(contents) != 3 || contents[0].Role != "user" || contents[0].Parts[0].Text != conversationOpener {
		t.Fatalf("expected a user opener before the assistant turn, got %+v", contents)
	}
}

func TestGeminiContents_MergesSameOrigin(t *testing.T) {
	contents := geminiContents([]domain.ContentUnit{
		domain.TextUnit("a", domain.OriginHuman),
		domain.TextUnit("b", domain.OriginHuman),
	})
	if len(contents) != 1 || len(contents[0].Parts) != 2 {
		t.Fatalf("expected one merged user turn, got %+v", contents)
	}
}

func TestGeminiConfig_Temperature(t *testing.T) {
	if cfg := geminiConfig(domain.GenerateRequest{System: "sys"}); cfg.Temperature != nil {
		t.Fatalf("unset temperature should stay nil, got %v", *cfg.Temperature)
	}

	zero := 0.0
	cfg := geminiConfig(domain.GenerateRequest{Temperature: &zero, MaxTokens: 64})
	if cfg.Temperature == nil || *cfg.Temperature != 0 {
		t.Fatalf("explicit zero temperature dropped: %v", cfg.Temperature)
	}
	if cfg.MaxOutputTokens != 64 {
		t.Fatalf("max tokens = %d", cfg.MaxOutputTokens)
	}
}
