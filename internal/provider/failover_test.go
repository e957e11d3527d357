package provider

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"convobot/internal/domain"
)

// mockGenerator implements domain.Generator for testing.
type mockGenerator struct {
	name    string
	healthy bool
	err     error
	content string
	models  []string // model of every request
}

func (m *mockGenerator) Name() string { return m.name }

func (m *mockGenerator) Healthy(ctx context.Context) error {
	if !m.healthy {
		return errors.New("unhealthy")
	}
	return nil
}

func (m *mockGenerator) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	m.models = append(m.models, req.Model)
	if m.err != nil {
		return nil, m.err
	}
	return &domain.GenerateResponse{Content: m.content}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Generate ---

func TestFailoverGenerator_UsesPrimary(t *testing.T) {
	p1 := &mockGenerator{name: "primary", healthy: true, content: "from-primary"}
	p2 := &mockGenerator{name: "secondary", healthy: true, content: "from-secondary"}
	fg := NewFailoverGenerator([]domain.Generator{p1, p2}, testLogger())

	resp, err := fg.Generate(context.Background(), domain.GenerateRequest{Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from-primary" {
		t.Fatalf("expected 'from-primary', got %q", resp.Content)
	}
	if len(p2.models) != 0 {
		t.Fatal("secondary should not be called")
	}
}

func TestFailoverGenerator_FallsBackWithDefaultModel(t *testing.T) {
	p1 := &mockGenerator{name: "primary", err: errors.New("api error")}
	p2 := &mockGenerator{name: "secondary", content: "from-secondary"}
	fg := NewFailoverGenerator([]domain.Generator{p1, p2}, testLogger())

	resp, err := fg.Generate(context.Background(), domain.GenerateRequest{Model: "primary-model"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from-secondary" {
		t.Fatalf("expected 'from-secondary', got %q", resp.Content)
	}
	if p1.models[0] != "primary-model" || p2.models[0] != "" {
		t.Fatalf("model should only reach the primary: %v %v", p1.models, p2.models)
	}
}

func TestFailoverGenerator_AllFail(t *testing.T) {
	last := errors.New("fail 2")
	p1 := &mockGenerator{name: "p1", err: errors.New("fail 1")}
	p2 := &mockGenerator{name: "p2", err: last}
	fg := NewFailoverGenerator([]domain.Generator{p1, p2}, testLogger())

	_, err := fg.Generate(context.Background(), domain.GenerateRequest{})
	if !errors.Is(err, last) {
		t.Fatalf("expected wrapped last error, got %v", err)
	}
}

func TestFailoverGenerator_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p1 := &mockGenerator{name: "p1", err: context.Canceled}
	p2 := &mockGenerator{name: "p2", content: "late"}
	fg := NewFailoverGenerator([]domain.Generator{p1, p2}, testLogger())

	if _, err := fg.Generate(ctx, domain.GenerateRequest{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(p2.models) != 0 {
		t.Fatal("no fallback after cancellation")
	}
}

func TestFailoverGenerator_Empty(t *testing.T) {
	fg := NewFailoverGenerator(nil, testLogger())
	if _, err := fg.Generate(context.Background(), domain.GenerateRequest{}); err == nil {
		t.Fatal("expected error for empty chain")
	}
}

// --- Health ---

func TestFailoverGenerator_Healthy(t *testing.T) {
	sick := &mockGenerator{name: "sick"}
	well := &mockGenerator{name: "well", healthy: true}

	if err := NewFailoverGenerator([]domain.Generator{sick, well}, testLogger()).Healthy(context.Background()); err != nil {
		t.Fatalf("expected healthy, got: %v", err)
	}
	if err := NewFailoverGenerator([]domain.Generator{sick}, testLogger()).Healthy(context.Background()); err == nil {
		t.Fatal("expected unhealthy chain")
	}
}

func TestFailoverGenerator_Name(t *testing.T) {
	fg := NewFailoverGenerator([]domain.Generator{&mockGenerator{name: "a"}, &mockGenerator{name: "b"}}, testLogger())
	if got := fg.Name(); got != "failover(a→b)" {
		t.Fatalf("unexpected name %q", got)
	}
}
