package provider

import (
	"fmt"
	"log/slog"
	"sync"

	"convobot/internal/config"
	"convobot/internal/domain"
	"convobot/internal/metrics"
)

const ollamaDefaultBase = "http://localhost:11434/v1"

// Constructor creates a generator from a provider config entry.
type Constructor func(pc config.ProviderConfig, logger *slog.Logger) domain.Generator

// Factory creates and caches generators from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]Constructor
	cache        map[string]domain.Generator
	mu           sync.Mutex
}

// NewFactory creates a factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.Generator),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds or replaces a constructor by provider name.
func (f *Factory) RegisterConstructor(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["gemini"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Generator {
		return NewGemini(GeminiConfig{APIKey: pc.APIKey, Model: pc.DefaultModel, Logger: logger})
	}
	f.constructors["openai"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Generator {
		return NewOpenAI(OpenAIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger})
	}
	f.constructors["claude"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Generator {
		return NewClaude(ClaudeConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger})
	}
	f.constructors["ollama"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Generator {
		base := pc.APIBase
		if base == "" {
			base = ollamaDefaultBase
		}
		return NewOpenAI(OpenAIConfig{Name: "ollama", APIKey: pc.APIKey, APIBase: base, Model: pc.DefaultModel, Logger: logger})
	}
}

// Get returns the generator for a provider name. Instances are cached.
func (f *Factory) Get(name string) (domain.Generator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}
	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	var g domain.Generator
	if ctor, found := f.constructors[name]; found {
		g = ctor(pc, f.logger)
	} else if pc.APIBase != "" {
		// Unknown names are treated as OpenAI-compatible endpoints.
		g = NewOpenAI(OpenAIConfig{Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: f.logger})
	} else {
		return nil, fmt.Errorf("provider %s: no constructor registered and no API base configured", name)
	}

	f.cache[name] = g
	return g, nil
}

// Tier returns the generator for a tier: the primary provider, wrapped in
// a failover chain when fallbacks are configured. Unusable fallbacks are
// skipped with a warning; an unusable primary is an error.
func (f *Factory) Tier(tc config.TierConfig) (domain.Generator, error) {
	primary, err := f.Get(tc.Provider)
	if err != nil {
		return nil, err
	}
	if len(tc.Fallbacks) == 0 {
		return primary, nil
	}

	chain := []domain.Generator{primary}
	for _, name := range tc.Fallbacks {
		if name == tc.Provider {
			continue
		}
		g, err := f.Get(name)
		if err != nil {
			f.logger.Warn("skipping fallback provider", "provider", name, "error", err)
			continue
		}
		chain = append(chain, g)
	}
	if len(chain) == 1 {
		return primary, nil
	}
	return NewFailoverGenerator(chain, f.logger), nil
}

// Transcriber builds the configured speech-to-text backend behind a cache.
// It returns nil when transcription is disabled.
func (f *Factory) Transcriber(store domain.TranscriptStore, m *metrics.Metrics) (domain.Transcriber, error) {
	tc := f.cfg.Transcription
	var backend domain.Transcriber
	switch tc.Provider {
	case "", "none":
		return nil, nil
	case "whisper":
		backend = NewWhisper(WhisperConfig{
			APIBase:  tc.APIBase,
			APIKey:   tc.APIKey,
			Model:    tc.Model,
			Language: tc.Language,
			Logger:   f.logger,
		})
	case "gemini":
		backend = NewGemini(GeminiConfig{APIKey: tc.APIKey, Model: tc.Model, Logger: f.logger})
	default:
		return nil, fmt.Errorf("unknown transcription provider: %s", tc.Provider)
	}
	return NewCachedTranscriber(backend, store, m, f.logger), nil
}
