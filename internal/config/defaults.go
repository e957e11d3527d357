package config

// DefaultLoopMarker is appended to every reply. Invisible in chat clients.
const DefaultLoopMarker = "\u200b\u200c\u200b"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:               "~/.convobot",
			LogLevel:              "info",
			LogFormat:             "text",
			MaxConcurrentMessages: 5,
			TurnTimeoutSeconds:    180,
		},
		Bot: BotConfig{
			Triggers:   []string{"@bot"},
			LoopMarker: DefaultLoopMarker,
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 20,
			WindowHours: 1,
			Notice:      "You've reached the request limit for now. Please try again later.",
		},
		Context: ContextConfig{
			HistoryFetchLimit:   300,
			RecoverySearchLimit: 500,
		},
		Models: ModelsConfig{
			Fast:      TierConfig{Provider: "gemini", Model: "gemini-2.5-flash", MaxTokens: 2048},
			Reasoning: TierConfig{Provider: "gemini", Model: "gemini-2.5-pro", MaxTokens: 8192},
		},
		Providers: map[string]ProviderConfig{
			"gemini": {
				Enabled: true,
				APIKey:  "${GEMINI_API_KEY}",
			},
		},
		Transcription: TranscriptionConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			APIKey:   "${GEMINI_API_KEY}",
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Enabled:         false,
				SessionPath:     "~/.convobot/whatsapp.db",
				RespondToGroups: true,
			},
			CLI: CLIConfig{
				Enabled: true,
			},
		},
		Storage: StorageConfig{
			DBPath:        "~/.convobot/history.db",
			RetentionDays: 90,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}
