package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the root configuration for convobot.
type Config struct {
	General       GeneralConfig             `json:"general"`
	Bot           BotConfig                 `json:"bot"`
	RateLimit     RateLimitConfig           `json:"rateLimit"`
	Context       ContextConfig             `json:"context"`
	Models        ModelsConfig              `json:"models"`
	Providers     map[string]ProviderConfig `json:"providers"`
	Transcription TranscriptionConfig       `json:"transcription"`
	Channels      ChannelsConfig            `json:"channels"`
	Storage       StorageConfig             `json:"storage"`
	Metrics       MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	DataDir               string `json:"dataDir"`
	LogLevel              string `json:"logLevel"`
	LogFormat             string `json:"logFormat,omitempty"` // "text" | "json"
	MaxConcurrentMessages int    `json:"maxConcurrentMessages"`
	TurnTimeoutSeconds    int    `json:"turnTimeoutSeconds"`
}

// BotConfig holds the addressing rules and persona wiring.
type BotConfig struct {
	Triggers    []string       `json:"triggers"`
	LoopMarker  string         `json:"loopMarker"`
	OwnerName   string         `json:"ownerName,omitempty"`
	OwnerIDs    FlexStringList `json:"ownerIds,omitempty"`
	PersonaFile string         `json:"personaFile,omitempty"` // YAML; built-in persona when empty
	HelpText    string         `json:"helpText,omitempty"`
}

type RateLimitConfig struct {
	MaxRequests int     `json:"maxRequests"`
	WindowHours float64 `json:"windowHours"`
	Notice      string  `json:"notice,omitempty"`
}

type ContextConfig struct {
	HistoryFetchLimit   int `json:"historyFetchLimit"`
	RecoverySearchLimit int `json:"recoverySearchLimit"`
}

// ModelsConfig binds each tier to a provider and model.
type ModelsConfig struct {
	Fast      TierConfig `json:"fast"`
	Reasoning TierConfig `json:"reasoning"`
}

type TierConfig struct {
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Fallbacks   []string `json:"fallbacks,omitempty"` // provider names tried in order on error
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

// TranscriptionConfig selects the speech-to-text backend.
type TranscriptionConfig struct {
	Provider string `json:"provider"` // "whisper" | "gemini"
	APIBase  string `json:"apiBase,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	CLI      CLIConfig      `json:"cli"`
}

type WhatsAppConfig struct {
	Enabled         bool   `json:"enabled"`
	SessionPath     string `json:"sessionPath"`
	RespondToGroups bool   `json:"respondToGroups"`
	QRCodeFile      string `json:"qrCodeFile,omitempty"` // PNG written during pairing
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

type StorageConfig struct {
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Listen   string `json:"listen"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.convobot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".convobot"
	}
	return filepath.Join(home, ".convobot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads .env from the working directory and from the directory of
// the config file. Variables already set in the environment win.
func LoadDotEnv(configPath string) {
	candidates := []string{".env", filepath.Join(filepath.Dir(ExpandPath(configPath)), ".env")}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.Bot.PersonaFile = ExpandPath(cfg.Bot.PersonaFile)
	cfg.Channels.WhatsApp.SessionPath = ExpandPath(cfg.Channels.WhatsApp.SessionPath)
	cfg.Channels.WhatsApp.QRCodeFile = ExpandPath(cfg.Channels.WhatsApp.QRCodeFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	if cfg.General.TurnTimeoutSeconds < 0 {
		errs = append(errs, "general.turnTimeoutSeconds must be >= 0")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if len(cfg.Bot.Triggers) == 0 {
		errs = append(errs, "bot.triggers must contain at least one trigger")
	}
	for i, t := range cfg.Bot.Triggers {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, fmt.Sprintf("bot.triggers[%d] is empty", i))
		}
	}
	if cfg.Bot.LoopMarker == "" {
		errs = append(errs, "bot.loopMarker is required")
	}

	if cfg.RateLimit.MaxRequests < 1 {
		errs = append(errs, "rateLimit.maxRequests must be >= 1")
	}
	if cfg.RateLimit.WindowHours <= 0 {
		errs = append(errs, "rateLimit.windowHours must be > 0")
	}

	if cfg.Context.HistoryFetchLimit < 1 {
		errs = append(errs, "context.historyFetchLimit must be >= 1")
	}
	if cfg.Context.RecoverySearchLimit < cfg.Context.HistoryFetchLimit {
		errs = append(errs, "context.recoverySearchLimit must be >= context.historyFetchLimit")
	}

	for tierName, tier := range map[string]TierConfig{"fast": cfg.Models.Fast, "reasoning": cfg.Models.Reasoning} {
		if tier.Provider == "" {
			errs = append(errs, fmt.Sprintf("models.%s.provider is required", tierName))
			continue
		}
		if _, ok := cfg.Providers[tier.Provider]; !ok {
			errs = append(errs, fmt.Sprintf("models.%s references unknown provider: %s", tierName, tier.Provider))
		}
		for _, fb := range tier.Fallbacks {
			if _, ok := cfg.Providers[fb]; !ok {
				errs = append(errs, fmt.Sprintf("models.%s.fallbacks references unknown provider: %s", tierName, fb))
			}
		}
	}

	switch cfg.Transcription.Provider {
	case "", "none", "whisper", "gemini":
	default:
		errs = append(errs, "transcription.provider must be one of: none, whisper, gemini")
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Storage.RetentionDays < 0 {
		errs = append(errs, "storage.retentionDays must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
