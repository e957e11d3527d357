package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"convobot/internal/agent"
	"convobot/internal/config"
	"convobot/internal/memory"
	"convobot/internal/provider"

	"github.com/spf13/cobra"
)

// doctorReport counts check results.
type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-22s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the installation",
		Long: `Verifies the configuration, history database, model providers, persona
and channel settings. Reports pass/warn/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("convobot doctor v%s\n\n", version)
			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'convobot init' to create a default configuration.\n")
				return fmt.Errorf("no config")
			}
			r.pass("Config file", cfgPath)

			config.LoadDotEnv(cfgPath)
			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return summarize(r)
			}
			r.pass("Config validation", "valid")

			checkStorage(cmd.Context(), cfg, &r)
			checkModels(cmd.Context(), cfg, offline, &r)
			checkChannels(cfg, &r)

			if cfg.Bot.PersonaFile != "" {
				if _, err := agent.LoadPersona(cfg.Bot.PersonaFile); err != nil {
					r.fail("Persona", err.Error())
				} else {
					r.pass("Persona", cfg.Bot.PersonaFile)
				}
			} else {
				r.pass("Persona", "built-in")
			}

			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					r.warn("Metrics listen", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
				} else {
					r.pass("Metrics listen", cfg.Metrics.Listen+cfg.Metrics.Endpoint)
				}
			}
			return summarize(r)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip provider health calls")
	return cmd
}

func summarize(r doctorReport) error {
	fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func checkStorage(ctx context.Context, cfg *config.Config, r *doctorReport) {
	store, err := memory.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		r.fail("History database", err.Error())
		return
	}
	defer store.Close()
	msgs, _, err := store.Stats(ctx)
	if err != nil {
		r.fail("History database", err.Error())
		return
	}
	r.pass("History database", fmt.Sprintf("%s (%d messages)", cfg.Storage.DBPath, msgs))
	if cfg.Storage.RetentionDays == 0 {
		r.warn("Retention", "disabled, history grows without bound")
	}
}

func checkModels(ctx context.Context, cfg *config.Config, offline bool, r *doctorReport) {
	factory := provider.NewFactory(cfg, logger)
	for _, tier := range []struct {
		name string
		tc   config.TierConfig
	}{{"fast", cfg.Models.Fast}, {"reasoning", cfg.Models.Reasoning}} {
		check := "Model: " + tier.name
		g, err := factory.Tier(tier.tc)
		if err != nil {
			r.fail(check, err.Error())
			continue
		}
		if offline {
			r.pass(check, tier.tc.Provider+"/"+tier.tc.Model)
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = g.Healthy(hctx)
		cancel()
		if err != nil {
			r.warn(check, fmt.Sprintf("%s unreachable: %v", tier.tc.Provider, err))
		} else {
			r.pass(check, tier.tc.Provider+"/"+tier.tc.Model)
		}
	}

	switch cfg.Transcription.Provider {
	case "", "none":
		r.warn("Transcription", "disabled, voice notes are not understood")
	default:
		if cfg.Transcription.APIKey == "" {
			r.warn("Transcription", cfg.Transcription.Provider+" has no API key")
		} else {
			r.pass("Transcription", cfg.Transcription.Provider)
		}
	}
}

func checkChannels(cfg *config.Config, r *doctorReport) {
	wa := cfg.Channels.WhatsApp
	if wa.Enabled {
		if _, err := os.Stat(wa.SessionPath); err != nil {
			r.warn("WhatsApp session", "not paired yet, run 'convobot login whatsapp'")
		} else {
			r.pass("WhatsApp session", wa.SessionPath)
		}
	}
	tg := cfg.Channels.Telegram
	if tg.Enabled {
		if len(tg.AllowFrom) == 0 {
			r.warn("Telegram", "allowFrom is empty, anyone can use the bot")
		} else {
			r.pass("Telegram", fmt.Sprintf("%d allowed users", len(tg.AllowFrom)))
		}
	}
	if !wa.Enabled && !tg.Enabled {
		r.warn("Channels", "no messaging channel enabled, only 'convobot chat' works")
	}
	if cfg.Bot.OwnerName == "" && len(cfg.Bot.OwnerIDs) == 0 {
		r.warn("Owner", "no owner configured, everyone is rate limited")
	}
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
