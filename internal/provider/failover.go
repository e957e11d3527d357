package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"convobot/internal/domain"
)

// FailoverGenerator tries generators in order and returns the first
// success. The requested model only applies to the primary; fallbacks run
// their own default model.
type FailoverGenerator struct {
	generators []domain.Generator
	logger     *slog.Logger
}

func NewFailoverGenerator(generators []domain.Generator, logger *slog.Logger) *FailoverGenerator {
	return &FailoverGenerator{generators: generators, logger: logger}
}

func (fg *FailoverGenerator) Name() string {
	names := make([]string, len(fg.generators))
	for i, g := range fg.generators {
		names[i] = g.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (fg *FailoverGenerator) Healthy(ctx context.Context) error {
	for _, g := range fg.generators {
		if err := g.Healthy(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no healthy generator in failover chain")
}

func (fg *FailoverGenerator) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	if len(fg.generators) == 0 {
		return nil, errors.New("empty failover chain")
	}
	var lastErr error
	for i, g := range fg.generators {
		attempt := req
		if i > 0 {
			attempt.Model = ""
		}
		resp, err := g.Generate(ctx, attempt)
		if err == nil {
			if i > 0 {
				fg.logger.Info("failover: used fallback generator", "generator", g.Name(), "attempt", i+1)
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fg.logger.Warn("failover: generator failed, trying next",
			"generator", g.Name(),
			"attempt", i+1,
			"error", err,
		)
	}
	return nil, fmt.Errorf("all generators in failover chain failed: %w", lastErr)
}
