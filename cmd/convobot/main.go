package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"convobot/internal/agent"
	"convobot/internal/channel"
	"convobot/internal/config"
	"convobot/internal/domain"
	"convobot/internal/memory"

	"github.com/spf13/cobra"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	agent.SetVersion(version)

	root := &cobra.Command{
		Use:   "convobot",
		Short: "convobot: a chat assistant for WhatsApp, Telegram and the terminal",
		Long: `convobot answers messages that address it by trigger word. It reads the
surrounding chat history, quoted messages, images, voice notes and PDFs, and
picks a fast or a reasoning model per request.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.convobot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads .env files, then the config. With allowMissing the
// defaults are used when the file cannot be read.
func loadConfig(allowMissing bool) (*config.Config, error) {
	cfgPath := resolveConfigPath()
	config.LoadDotEnv(cfgPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !allowMissing {
			return nil, fmt.Errorf("load config: %w", err)
		}
		logger.Warn("config not loaded, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
		cfg.General.DataDir = config.ExpandPath(cfg.General.DataDir)
		cfg.Storage.DBPath = config.ExpandPath(cfg.Storage.DBPath)
		cfg.Channels.WhatsApp.SessionPath = config.ExpandPath(cfg.Channels.WhatsApp.SessionPath)
	}
	logger = newLogger(cfg.General)
	return cfg, nil
}

func newLogger(g config.GeneralConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if g.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data_dir", dataDir)
			fmt.Println("Set GEMINI_API_KEY (or edit the providers section), then run 'convobot chat'.")
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			cli := channel.NewCLI(channel.CLIConfig{
				Logger:  logger,
				Trigger: cfg.Bot.Triggers[0],
			})
			a.start(ctx, cli)

			err = cli.Start(ctx, a.bus)
			stop()
			return err
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the enabled messaging channels (WhatsApp, Telegram)",
		Long:  "Starts every enabled messaging channel and the message pipeline. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			var channels []domain.Channel
			if cfg.Channels.WhatsApp.Enabled {
				channels = append(channels, channel.NewWhatsApp(channel.WhatsAppChannelConfig{
					Config: cfg.Channels.WhatsApp,
					Store:  a.store,
					Logger: logger.With("channel", "whatsapp"),
				}))
			}
			if cfg.Channels.Telegram.Enabled {
				channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
					Token:     cfg.Channels.Telegram.Token,
					AllowFrom: cfg.Channels.Telegram.AllowFrom,
					Store:     a.store,
					Logger:    logger.With("channel", "telegram"),
				}))
			}
			if len(channels) == 0 {
				return fmt.Errorf("no messaging channel enabled; enable channels.whatsapp or channels.telegram, or use 'convobot chat'")
			}
			return a.serve(ctx, channels)
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login whatsapp",
		Short: "Pair the WhatsApp account by scanning a QR code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "whatsapp" {
				return fmt.Errorf("login is only needed for whatsapp, got %q", args[0])
			}
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			wa := channel.NewWhatsApp(channel.WhatsAppChannelConfig{
				Config: cfg.Channels.WhatsApp,
				Logger: logger.With("channel", "whatsapp"),
			})
			if err := wa.Login(ctx); err != nil {
				return err
			}
			fmt.Println("WhatsApp paired. Run 'convobot serve' to start answering.")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, channels and storage status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}

			var channels []string
			if cfg.Channels.WhatsApp.Enabled {
				channels = append(channels, "whatsapp")
			}
			if cfg.Channels.Telegram.Enabled {
				channels = append(channels, "telegram")
			}
			if cfg.Channels.CLI.Enabled {
				channels = append(channels, "cli")
			}
			fmt.Print(agent.StatusText(channels,
				cfg.Models.Fast.Provider+"/"+cfg.Models.Fast.Model,
				cfg.Models.Reasoning.Provider+"/"+cfg.Models.Reasoning.Model))
			fmt.Printf("Config:    %s\n", resolveConfigPath())

			store, err := memory.NewSQLiteStore(cfg.Storage.DBPath, logger)
			if err != nil {
				fmt.Printf("History:   unavailable (%v)\n", err)
				return nil
			}
			defer store.Close()
			msgs, transcripts, err := store.Stats(cmd.Context())
			if err != nil {
				fmt.Printf("History:   unavailable (%v)\n", err)
				return nil
			}
			fmt.Printf("History:   %d messages, %d cached transcripts (%s)\n", msgs, transcripts, cfg.Storage.DBPath)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. bot.triggers)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. rateLimit.maxRequests 30)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values, secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
