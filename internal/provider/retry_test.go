package provider

import (
	"net/http"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	old := retryBase
	retryBase = 10 * time.Millisecond
	t.Cleanup(func() { retryBase = old })

	for attempt := 1; attempt <= 3; attempt++ {
		lo := time.Duration(attempt*attempt) * retryBase
		if d := backoff(attempt, nil); d < lo || d > lo+lo/2 {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, d, lo, lo+lo/2)
		}
	}

	busy := &statusError{statusCode: http.StatusTooManyRequests, retryAfter: 5 * time.Second}
	if d := backoff(1, busy); d != 5*time.Second {
		t.Errorf("Retry-After not honoured: %v", d)
	}
	busy.retryAfter = time.Hour
	if d := backoff(1, busy); d != maxRetryAfter {
		t.Errorf("Retry-After not capped: %v", d)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := map[string]time.Duration{
		"":                              0,
		"7":                             7 * time.Second,
		"-3":                            0,
		"Wed, 21 Oct 2015 07:28:00 GMT": 0,
	}
	for in, want := range tests {
		if got := parseRetryAfter(in); got != want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestStatusErrorTemporary(t *testing.T) {
	for code, want := range map[int]bool{400: false, 401: false, 404: false, 429: true, 500: true, 503: true} {
		if got := (&statusError{statusCode: code}).temporary(); got != want {
			t.Errorf("%d temporary = %v, want %v", code, got, want)
		}
	}
}
