package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

const (
	maxAttempts   = 4
	maxRetryAfter = 30 * time.Second
)

// retryBase is the backoff unit; tests shrink it.
var retryBase = time.Second

// statusError is a non-2xx answer from a model API.
type statusError struct {
	statusCode int
	body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

func (e *statusError) temporary() bool {
	return e.statusCode == http.StatusTooManyRequests || e.statusCode >= 500
}

// backoff grows quadratically with up to 50% jitter. A server-supplied
// Retry-After wins when it is longer, capped at maxRetryAfter.
func backoff(attempt int, last error) time.Duration {
	d := time.Duration(attempt*attempt) * retryBase
	d += time.Duration(rand.Int64N(int64(d/2) + 1))
	if se, ok := last.(*statusError); ok && se.retryAfter > d {
		d = min(se.retryAfter, maxRetryAfter)
	}
	return d
}

func parseRetryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// doWithRetry sends the request built by newReq until it gets a 2xx,
// retrying transport errors, 429 and 5xx. Other statuses come back at
// once as *statusError.
func doWithRetry(ctx context.Context, client *http.Client, newReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var last error
	for attempt := range maxAttempts {
		if attempt > 0 {
			wait := backoff(attempt, last)
			logger.Warn("model API call failed, retrying", "attempt", attempt+1, "wait", wait, "err", last)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			last = err
			continue
		}
		if resp.StatusCode/100 == 2 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		se := &statusError{
			statusCode: resp.StatusCode,
			body:       string(body),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		if !se.temporary() {
			return nil, se
		}
		last = se
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", maxAttempts, last)
}
