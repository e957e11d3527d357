package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"convobot/internal/domain"
	"convobot/internal/metrics"

	"github.com/google/uuid"
)

const (
	defaultConcurrency  = 4
	defaultTurnTimeout  = 3 * time.Minute
	replyGraceTimeout   = 30 * time.Second
	defaultFailureReply = "Sorry, something went wrong while answering. Please try again later."
	defaultRateNotice   = "You have reached the request limit. Please try again later."
)

// Loop is the message pipeline: classify, admit, plan, assemble context,
// generate and reply. Each inbound message is handled in its own goroutine.
type Loop struct {
	bus         domain.MessageBus
	transports  map[string]domain.Transport
	classifier  *Classifier
	limiter     *RateLimiter
	router      *Router
	transcriber domain.Transcriber
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time

	ownerName   string
	ownerIDs    map[string]bool
	loopMarker  string
	helpText    string
	rateNotice  string
	failReply   string
	fetchLimit  int
	searchLimit int
	concurrency int
	turnTimeout time.Duration
}

// LoopConfig holds all dependencies and tuning parameters for the loop.
type LoopConfig struct {
	Bus         domain.MessageBus
	Transports  []domain.Transport // keyed by Name()
	Classifier  *Classifier
	Limiter     *RateLimiter
	Router      *Router
	Transcriber domain.Transcriber
	Metrics     *metrics.Metrics // optional
	Logger      *slog.Logger
	Now         func() time.Time

	OwnerName       string
	OwnerIDs        []string
	LoopMarker      string
	HelpText        string // empty: generated from the triggers
	Triggers        []string
	RateLimitNotice string
	FailureReply    string
	FetchLimit      int
	SearchLimit     int
	Concurrency     int
	TurnTimeout     time.Duration
}

// NewLoop creates a loop from cfg.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HelpText == "" {
		cfg.HelpText = HelpText(cfg.Triggers)
	}
	if cfg.RateLimitNotice == "" {
		cfg.RateLimitNotice = defaultRateNotice
	}
	if cfg.FailureReply == "" {
		cfg.FailureReply = defaultFailureReply
	}

	transports := make(map[string]domain.Transport, len(cfg.Transports))
	for _, t := range cfg.Transports {
		transports[t.Name()] = t
	}
	owners := make(map[string]bool, len(cfg.OwnerIDs))
	for _, id := range cfg.OwnerIDs {
		owners[id] = true
	}

	return &Loop{
		bus:         cfg.Bus,
		transports:  transports,
		classifier:  cfg.Classifier,
		limiter:     cfg.Limiter,
		router:      cfg.Router,
		transcriber: cfg.Transcriber,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         cfg.Now,
		ownerName:   cfg.OwnerName,
		ownerIDs:    owners,
		loopMarker:  cfg.LoopMarker,
		helpText:    cfg.HelpText,
		rateNotice:  cfg.RateLimitNotice,
		failReply:   cfg.FailureReply,
		fetchLimit:  cfg.FetchLimit,
		searchLimit: cfg.SearchLimit,
		concurrency: cfg.Concurrency,
		turnTimeout: cfg.TurnTimeout,
	}
}

// Run consumes inbound messages and processes them with bounded concurrency.
// It returns once ctx is done or the bus is closed and every turn it
// started has finished.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("agent loop started", "concurrency", l.concurrency, "transports", len(l.transports))

	var turns sync.WaitGroup
	defer func() {
		turns.Wait()
		l.logger.Info("agent loop stopped")
	}()

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("agent loop stopping, waiting for turns in flight")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, agent loop stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			turns.Add(1)
			go func(m domain.InboundMessage) {
				defer turns.Done()
				defer func() { <-sem }()
				l.Process(ctx, m)
			}(msg)
		}
	}
}

// Process handles one inbound message to completion and returns the turn
// outcome. It never panics and never returns an error: failures end in a
// generic reply to the sender.
func (l *Loop) Process(ctx context.Context, in domain.InboundMessage) (outcome string) {
	msg := in.Message
	logger := l.logger.With(
		"turn", uuid.NewString(),
		"channel", in.Channel,
		"chat", msg.ChatID,
		"sender", msg.Sender,
	)

	done := l.metrics.TurnStarted()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing message", "panic", r, "stack", string(debug.Stack()))
			outcome = metrics.OutcomeFailed
		}
		done()
		l.metrics.TurnFinished(in.Channel, outcome)
	}()

	transport, ok := l.transports[in.Channel]
	if !ok {
		logger.Error("no transport registered for channel")
		return metrics.OutcomeFailed
	}

	cls := l.classifier.Classify(msg.Body)
	switch cls.Verdict {
	case IgnoreLoop, IgnoreUntriggered:
		logger.Debug("message ignored", "reason", cls.Verdict)
		return metrics.OutcomeIgnored
	case HelpReply:
		l.reply(ctx, transport, msg, l.helpText, logger)
		return metrics.OutcomeHelp
	}

	owner := l.isOwner(ctx, transport, msg)
	if !owner && !l.limiter.Admit(msg.Sender, l.now()) {
		logger.Info("rate limit reached")
		l.reply(ctx, transport, msg, l.rateNotice, logger)
		return metrics.OutcomeRateLimited
	}

	attrs := []any{"kind", msg.Kind, "body_len", len(cls.CleanedBody), "explicit_transcription", cls.ExplicitTranscription, "owner", owner}
	if !owner {
		attrs = append(attrs, "quota_left", l.limiter.Remaining(msg.Sender, l.now()))
	}
	logger.Info("processing message", attrs...)

	turnCtx, cancel := context.WithTimeout(ctx, l.turnTimeout)
	defer cancel()

	text, err := l.answer(turnCtx, transport, msg, cls, logger)
	if err != nil {
		logger.Error("turn failed", "error", err)
		l.reply(ctx, transport, msg, l.failReply, logger)
		return metrics.OutcomeFailed
	}
	if err := l.send(turnCtx, transport, msg, text); err != nil {
		logger.Error("reply failed", "error", err)
		return metrics.OutcomeFailed
	}
	return metrics.OutcomeReplied
}

// answer runs plan, assemble and execute for an admitted message.
func (l *Loop) answer(ctx context.Context, transport domain.Transport, msg domain.Message, cls Classification, logger *slog.Logger) (string, error) {
	chat, err := transport.Chat(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("get chat: %w", err)
	}

	norm := NewNormalizer(NormalizerConfig{
		Transport:   transport,
		Transcriber: l.transcriber,
		Clean:       l.classifier.Clean,
		Logger:      logger,
	})
	resolver := NewWindowResolver(WindowConfig{
		Transport:   transport,
		FetchLimit:  l.fetchLimit,
		SearchLimit: l.searchLimit,
		Logger:      logger,
		Now:         l.now,
	})
	asm := NewAssembler(AssemblerConfig{Normalizer: norm, Resolver: resolver, Logger: logger})

	quoted, err := transport.QuotedMessage(ctx, msg)
	if err != nil {
		logger.Warn("quoted message unavailable", "error", err)
		quoted = nil
	}

	immediate := asm.ImmediateContext(ctx, msg, quoted)
	plan := l.router.Plan(ctx, cls.CleanedBody, PlanMetadata{
		SenderName: norm.DisplayName(ctx, msg),
		Timestamp:  msg.Timestamp,
		ChatName:   chat.Name,
	}, immediate)

	units, err := asm.Assemble(ctx, AssembleInput{
		Message:               msg,
		Quoted:                quoted,
		Plan:                  plan,
		CleanedBody:           cls.CleanedBody,
		ExplicitTranscription: cls.ExplicitTranscription,
	})
	if err != nil {
		return "", fmt.Errorf("assemble context: %w", err)
	}
	l.metrics.ObserveContextUnits(len(units))

	start := l.now()
	text, err := l.router.Execute(ctx, plan, units)
	l.metrics.ObserveGeneration(string(plan.ModelTier), l.now().Sub(start), err)
	if err != nil {
		return "", err
	}
	return text, nil
}

// reply sends a notice. It survives cancellation of the turn so the
// sender still hears about a timeout.
func (l *Loop) reply(ctx context.Context, transport domain.Transport, msg domain.Message, text string, logger *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyGraceTimeout)
	defer cancel()
	if err := l.send(rctx, transport, msg, text); err != nil {
		logger.Error("reply failed", "error", err)
	}
}

// send appends the loop marker so the bot never answers its own output.
func (l *Loop) send(ctx context.Context, transport domain.Transport, msg domain.Message, text string) error {
	return transport.Reply(ctx, msg, strings.TrimSpace(text)+l.loopMarker)
}

// isOwner reports whether msg comes from the owner, who bypasses rate
// limiting. Messages sent from the bot's own account count as the owner's.
// When owner ids are configured they are the only proof. Otherwise the
// transport-resolved display name is matched against the owner name; the
// sender-chosen name on the message is never trusted.
func (l *Loop) isOwner(ctx context.Context, transport domain.Transport, msg domain.Message) bool {
	if msg.FromSelf || l.ownerIDs[msg.Sender] {
		return true
	}
	if len(l.ownerIDs) > 0 || l.ownerName == "" {
		return false
	}
	name, err := transport.SenderDisplayName(ctx, msg)
	if err != nil {
		l.logger.Debug("owner check: display name unavailable", "sender", msg.Sender, "error", err)
		return false
	}
	return strings.EqualFold(strings.TrimSpace(name), l.ownerName)
}
