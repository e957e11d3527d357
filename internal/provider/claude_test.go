package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"convobot/internal/domain"
)

func fastRetries(t *testing.T) {
	t.Helper()
	old := retryBase
	retryBase = time.Millisecond
	t.Cleanup(func() { retryBase = old })
}

func TestClaude_GenerateSendsMediaBlocks(t *testing.T) {
	var got claudeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"hello "},{"type":"text","text":"there"}],
			"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":3}}`))
	}))
	defer srv.Close()

	c := NewClaude(ClaudeConfig{APIKey: "k", APIBase: srv.URL, Logger: testLogger()})
	resp, err := c.Generate(context.Background(), domain.GenerateRequest{
		System: "be brief",
		Units: []domain.ContentUnit{
			domain.TextUnit("earlier", domain.OriginAssistant),
			domain.MultimodalUnit("what is this", []byte{1, 2, 3}, "image/png", domain.OriginHuman),
			domain.MultimodalUnit("and this", []byte("%PDF"), "application/pdf", domain.OriginHuman),
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "hello there" || resp.Usage.TotalTokens != 13 {
		t.Fatalf("unexpected response %+v", resp)
	}

	if got.System != "be brief" || got.MaxTokens != defaultMaxTokens || got.Model != claudeDefaultModel {
		t.Fatalf("unexpected request header fields: %+v", got)
	}
	// opener, assistant, user(image+text+document+text)
	if len(got.Messages) != 3 || got.Messages[0].Role != "user" || got.Messages[1].Role != "assistant" {
		t.Fatalf("unexpected roles: %+v", got.Messages)
	}
	blocks := got.Messages[2].Content
	if len(blocks) != 4 || blocks[0].Type != "image" || blocks[2].Type != "document" {
		t.Fatalf("unexpected blocks: %+v", blocks)
	}
	if blocks[0].Source.Data != "AQID" || blocks[0].Source.MediaType != "image/png" {
		t.Fatalf("image not base64 encoded: %+v", blocks[0].Source)
	}
}

func TestClaude_ZeroTemperatureIsSent(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"{}"}],"usage":{}}`))
	}))
	defer srv.Close()

	c := NewClaude(ClaudeConfig{APIKey: "k", APIBase: srv.URL, Logger: testLogger()})
	zero := 0.0
	for _, temp := range []*float64{&zero, nil} {
		if _, err := c.Generate(context.Background(), domain.GenerateRequest{Temperature: temp}); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}
	if v, ok := bodies[0]["temperature"]; !ok || v != 0.0 {
		t.Fatalf("explicit zero temperature not sent: %v", bodies[0])
	}
	if _, ok := bodies[1]["temperature"]; ok {
		t.Fatalf("unset temperature should be omitted: %v", bodies[1])
	}
}

func TestClaude_RetriesServerErrors(t *testing.T) {
	fastRetries(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`))
	}))
	defer srv.Close()

	c := NewClaude(ClaudeConfig{APIKey: "k", APIBase: srv.URL, Logger: testLogger()})
	resp, err := c.Generate(context.Background(), domain.GenerateRequest{Units: []domain.ContentUnit{domain.TextUnit("hi", domain.OriginHuman)}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "ok" || calls.Load() != 3 {
		t.Fatalf("expected success on third call, got %q after %d", resp.Content, calls.Load())
	}
}

func TestClaude_NoRetryOnClientError(t *testing.T) {
	fastRetries(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	c := NewClaude(ClaudeConfig{APIKey: "k", APIBase: srv.URL, Logger: testLogger()})
	_, err := c.Generate(context.Background(), domain.GenerateRequest{})
	var se *statusError
	if !errors.As(err, &se) || se.statusCode != http.StatusBadRequest {
		t.Fatalf("expected statusError 400, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestClaude_HealthyNeedsKey(t *testing.T) {
	if err := NewClaude(ClaudeConfig{Logger: testLogger()}).Healthy(context.Background()); err == nil {
		t.Fatal("expected error without API key")
	}
}
