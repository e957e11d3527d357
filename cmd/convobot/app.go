package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"convobot/internal/agent"
	"convobot/internal/bus"
	"convobot/internal/config"
	"convobot/internal/domain"
	"convobot/internal/memory"
	"convobot/internal/metrics"
	"convobot/internal/provider"
)

const (
	busBufferSize   = 100
	shutdownTimeout = 10 * time.Second
	// Covers a turn's failure notice, which may outlive the turn by 30s.
	drainTimeout = 45 * time.Second
)

// app holds the pipeline shared by the chat and serve commands.
type app struct {
	cfg       *config.Config
	store     *memory.SQLiteStore
	bus       *bus.InMemoryBus
	metrics   *metrics.Metrics
	router    *agent.Router
	transcr   domain.Transcriber
	metricSrv *http.Server

	wg sync.WaitGroup
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := memory.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}
	a := &app{cfg: cfg, store: store, bus: bus.New(busBufferSize, logger)}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	factory := provider.NewFactory(cfg, logger)
	fast, err := tierBinding(factory, cfg.Models.Fast)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("fast tier: %w", err)
	}
	reasoning, err := tierBinding(factory, cfg.Models.Reasoning)
	if err != nil {
		logger.Warn("reasoning tier unavailable, using the fast tier", "err", err)
		reasoning = fast
	}
	if err := fast.Generator.Healthy(ctx); err != nil {
		logger.Warn("fast tier unhealthy at startup", "provider", fast.Generator.Name(), "err", err)
	}

	a.transcr, err = factory.Transcriber(store, a.metrics)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("transcriber: %w", err)
	}

	persona := agent.DefaultPersona()
	if cfg.Bot.PersonaFile != "" {
		persona, err = agent.LoadPersona(cfg.Bot.PersonaFile)
		if err != nil {
			a.close()
			return nil, err
		}
	}
	a.router = agent.NewRouter(agent.RouterConfig{
		Fast:      fast,
		Reasoning: reasoning,
		Persona:   persona,
		OwnerName: cfg.Bot.OwnerName,
		Logger:    logger.With("component", "router"),
	})
	return a, nil
}

func tierBinding(f *provider.Factory, tc config.TierConfig) (agent.TierBinding, error) {
	g, err := f.Tier(tc)
	if err != nil {
		return agent.TierBinding{}, err
	}
	return agent.TierBinding{
		Generator:   g,
		Model:       tc.Model,
		MaxTokens:   tc.MaxTokens,
		Temperature: tc.Temperature,
	}, nil
}

// start launches the pipeline loop for transports, history retention and
// the metrics endpoint. Everything stops with ctx.
func (a *app) start(ctx context.Context, transports ...domain.Transport) {
	cfg := a.cfg
	loop := agent.NewLoop(agent.LoopConfig{
		Bus:             a.bus,
		Transports:      transports,
		Classifier:      agent.NewClassifier(cfg.Bot.Triggers, cfg.Bot.LoopMarker),
		Limiter:         agent.NewRateLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowHours),
		Router:          a.router,
		Transcriber:     a.transcr,
		Metrics:         a.metrics,
		Logger:          logger.With("component", "loop"),
		OwnerName:       cfg.Bot.OwnerName,
		OwnerIDs:        cfg.Bot.OwnerIDs,
		LoopMarker:      cfg.Bot.LoopMarker,
		HelpText:        cfg.Bot.HelpText,
		Triggers:        cfg.Bot.Triggers,
		RateLimitNotice: cfg.RateLimit.Notice,
		FetchLimit:      cfg.Context.HistoryFetchLimit,
		SearchLimit:     cfg.Context.RecoverySearchLimit,
		Concurrency:     cfg.General.MaxConcurrentMessages,
		TurnTimeout:     time.Duration(cfg.General.TurnTimeoutSeconds) * time.Second,
	})

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		loop.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		memory.NewRetention(a.store, memory.RetentionConfig{
			Days:   cfg.Storage.RetentionDays,
			Logger: logger.With("component", "retention"),
		}).Start(ctx)
	}()

	if a.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Endpoint, a.metrics.Handler())
		a.metricSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Listen, "path", cfg.Metrics.Endpoint)
			if err := a.metricSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}
}

// serve starts every channel and blocks until ctx is cancelled, then stops
// them within shutdownTimeout.
func (a *app) serve(ctx context.Context, channels []domain.Channel) error {
	transports := make([]domain.Transport, len(channels))
	for i, ch := range channels {
		transports[i] = ch
	}
	a.start(ctx, transports...)

	for _, ch := range channels {
		go func(ch domain.Channel) {
			if err := ch.Start(ctx, a.bus); err != nil {
				logger.Error("channel stopped with error", "channel", ch.Name(), "err", err)
			}
		}(ch)
		logger.Info("channel enabled", "channel", ch.Name())
	}
	logger.Info("convobot running. Press Ctrl+C to stop.", "version", version)

	<-ctx.Done()
	logger.Info("shutting down, finishing turns in flight...")
	if !a.drain(drainTimeout) {
		logger.Warn("turns still running after drain timeout, stopping channels anyway")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels {
			if err := ch.Stop(); err != nil {
				logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
			}
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// drain waits for the loop and its turns to finish, up to timeout.
func (a *app) drain(timeout time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		return false
	}
}

// close releases resources. Callers cancel the context passed to start
// first so the loop and retention goroutines can finish.
func (a *app) close() {
	if a.metricSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		a.metricSrv.Shutdown(sctx)
		cancel()
	}
	a.bus.Close()
	a.wg.Wait()
	if n := a.bus.Dropped(); n > 0 {
		logger.Warn("inbound messages dropped during run", "count", n)
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("close history store", "err", err)
	}
	logger.Info("convobot stopped", "uptime", agent.Uptime())
}
