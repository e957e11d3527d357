package provider

import (
	"log/slog"
	"strings"
	"testing"

	"convobot/internal/config"
	"convobot/internal/domain"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Providers = map[string]config.ProviderConfig{
		"gemini":  {Enabled: true, APIKey: "g"},
		"claude":  {Enabled: true, APIKey: "c"},
		"openai":  {Enabled: false, APIKey: "o"},
		"groq":    {Enabled: true, APIKey: "q", APIBase: "https://api.groq.com/openai/v1"},
		"mystery": {Enabled: true},
		"ollama":  {Enabled: true},
	}
	return cfg
}

func TestFactory_GetCachesInstances(t *testing.T) {
	f := NewFactory(testConfig(), testLogger())
	a, err := f.Get("gemini")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := f.Get("gemini")
	if a != b {
		t.Fatal("expected the cached instance")
	}
	if a.Name() != "gemini" {
		t.Fatalf("unexpected name %q", a.Name())
	}
}

func TestFactory_GetErrors(t *testing.T) {
	f := NewFactory(testConfig(), testLogger())
	for _, name := range []string{"openai", "nope", "mystery"} {
		if _, err := f.Get(name); err == nil {
			t.Errorf("expected error for %q", name)
		}
	}
}

func TestFactory_OpenAICompatibleFallback(t *testing.T) {
	f := NewFactory(testConfig(), testLogger())
	g, err := f.Get("groq")
	if err != nil {
		t.Fatal(err)
	}
	if g.Name() != "groq" {
		t.Fatalf("expected groq, got %q", g.Name())
	}
	o, _ := f.Get("ollama")
	if o.Name() != "ollama" {
		t.Fatalf("expected ollama, got %q", o.Name())
	}
}

func TestFactory_TierBuildsFailoverChain(t *testing.T) {
	f := NewFactory(testConfig(), testLogger())

	g, err := f.Tier(config.TierConfig{Provider: "gemini", Fallbacks: []string{"gemini", "openai", "claude"}})
	if err != nil {
		t.Fatal(err)
	}
	if g.Name() != "failover(gemini→claude)" {
		t.Fatalf("unexpected chain %q", g.Name())
	}

	single, _ := f.Tier(config.TierConfig{Provider: "claude", Fallbacks: []string{"openai"}})
	if _, ok := single.(*FailoverGenerator); ok {
		t.Fatal("a chain with only the primary should not be wrapped")
	}

	if _, err := f.Tier(config.TierConfig{Provider: "openai"}); err == nil {
		t.Fatal("disabled primary must fail")
	}
}

func TestFactory_RegisterConstructor(t *testing.T) {
	cfg := testConfig()
	cfg.Providers["custom"] = config.ProviderConfig{Enabled: true}
	f := NewFactory(cfg, testLogger())
	f.RegisterConstructor("custom", func(pc config.ProviderConfig, logger *slog.Logger) domain.Generator {
		return &mockGenerator{name: "custom"}
	})
	g, err := f.Get("custom")
	if err != nil || g.Name() != "custom" {
		t.Fatalf("unexpected %v %v", g, err)
	}
}

func TestFactory_Transcriber(t *testing.T) {
	cfg := testConfig()

	cfg.Transcription = config.TranscriptionConfig{Provider: "none"}
	tr, err := NewFactory(cfg, testLogger()).Transcriber(nil, nil)
	if err != nil || tr != nil {
		t.Fatalf("expected disabled transcription, got %v %v", tr, err)
	}

	cfg.Transcription = config.TranscriptionConfig{Provider: "whisper", APIKey: "k"}
	tr, err = NewFactory(cfg, testLogger()).Transcriber(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.(*CachedTranscriber); !ok {
		t.Fatalf("expected cached transcriber, got %T", tr)
	}

	cfg.Transcription = config.TranscriptionConfig{Provider: "vosk"}
	if _, err := NewFactory(cfg, testLogger()).Transcriber(nil, nil); err == nil || !strings.Contains(err.Error(), "vosk") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}
