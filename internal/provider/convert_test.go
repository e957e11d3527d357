package provider

import (
	"testing"

	"convobot/internal/domain"
)

func TestGroupTurns_MergesAdjacentOrigins(t *testing.T) {
	units := []domain.ContentUnit{
		domain.TextUnit("a", domain.OriginHuman),
		domain.TextUnit("b", domain.OriginHuman),
		domain.TextUnit("c", domain.OriginAssistant),
		domain.TextUnit("d", domain.OriginHuman),
	}
	turns := groupTurns(units)
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if len(turns[0].units) != 2 || turns[0].assistant || !turns[1].assistant {
		t.Fatalf("unexpected grouping: %+v", turns)
	}
}

func TestGroupTurns_LeadingAssistantGetsOpener(t *testing.T) {
	turns := groupTurns([]domain.ContentUnit{
		domain.TextUnit("bot said", domain.OriginAssistant),
		domain.TextUnit("question", domain.OriginHuman),
	})
	if len(turns) != 3 || turns[0].assistant || turns[0].units[0].Text != conversationOpener {
		t.Fatalf("expected a user opener first, got %+v", turns)
	}
}

func TestGroupTurns_Empty(t *testing.T) {
	if turns := groupTurns(nil); len(turns) != 0 {
		t.Fatalf("expected no turns, got %d", len(turns))
	}
}

func TestAudioFilename(t *testing.T) {
	tests := []struct {
		id, mime, want string
	}{
		{"ABC", "audio/ogg; codecs=opus", "ABC.ogg"},
		{"ABC", "", "ABC.ogg"},
		{"a/b", "audio/mpeg", "a_b.mp3"},
		{"", "audio/wav", "audio.wav"},
		{"x", "audio/mp4", "x.m4a"},
	}
	for _, tt := range tests {
		if got := audioFilename(tt.id, tt.mime); got != tt.want {
			t.Errorf("audioFilename(%q, %q) = %q, want %q", tt.id, tt.mime, got, tt.want)
		}
	}
}
