package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"convobot/internal/domain"
)

const (
	defaultHistoryFetchLimit   = 300
	defaultRecoverySearchLimit = 500
	fallbackLookback           = 24 * time.Hour
)

// ResolvedMessage is a history message with the date it was filtered on.
type ResolvedMessage struct {
	Message domain.Message
	Date    time.Time
}

// WindowConfig configures a WindowResolver.
type WindowConfig struct {
	Transport   domain.Transport
	FetchLimit  int // page size for range resolution
	SearchLimit int // page size for the last timestamp-recovery step
	Logger      *slog.Logger
	Now         func() time.Time
}

// WindowResolver turns planner time ranges into history messages and
// recovers missing timestamps.
type WindowResolver struct {
	transport   domain.Transport
	fetchLimit  int
	searchLimit int
	logger      *slog.Logger
	now         func() time.Time
}

func NewWindowResolver(cfg WindowConfig) *WindowResolver {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = defaultHistoryFetchLimit
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = defaultRecoverySearchLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &WindowResolver{
		transport:   cfg.Transport,
		fetchLimit:  cfg.FetchLimit,
		searchLimit: cfg.SearchLimit,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// Resolve selects history messages falling inside any of ranges. One page
// is fetched for all ranges. A message is returned at most once, attributed
// to the first range that matched it; messages without a timestamp are
// never selected. No ranges means no history and no fetch.
func (w *WindowResolver) Resolve(ctx context.Context, chatID string, ranges []domain.TimeRange) ([]ResolvedMessage, error) {
	if len(ranges) == 0 {
		return nil, nil
	}

	msgs, err := w.transport.FetchRecentMessages(ctx, chatID, w.fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	now := w.now()
	seen := make(map[string]bool)
	var out []ResolvedMessage
	for i, tr := range ranges {
		start, ok := ParseRangeStart(tr.Start, now)
		if !ok {
			w.logger.Debug("skipping time range with non-date start", "index", i, "start", tr.Start)
			continue
		}
		end := ParseRangeEnd(tr.End, now)
		if end.Before(start) {
			start, end = end, start
		}

		matched := 0
		for _, m := range msgs {
			if !m.HasTimestamp() || seen[m.ID] {
				continue
			}
			if m.Timestamp.Before(start) || m.Timestamp.After(end) {
				continue
			}
			seen[m.ID] = true
			out = append(out, ResolvedMessage{Message: m, Date: m.Timestamp})
			matched++
		}
		w.logger.Debug("time range resolved",
			"index", i,
			"start", start.Format(time.RFC3339),
			"end", end.Format(time.RFC3339),
			"matched", matched,
		)
	}
	return out, nil
}

// RecoverTimestamp finds a usable timestamp for msg: its own field, then
// transport metadata, then a live lookup by id, then a linear search of a
// larger history page. ok is false when every step fails.
func (w *WindowResolver) RecoverTimestamp(ctx context.Context, msg domain.Message) (time.Time, bool) {
	if msg.HasTimestamp() {
		return msg.Timestamp, true
	}

	if raw := msg.Metadata[domain.MetaQuotedTimestamp]; raw != "" {
		if ts, ok := parseAbsolute(raw); ok {
			return ts, true
		}
	}

	if msg.ID == "" {
		return time.Time{}, false
	}

	found, err := w.transport.MessageByID(ctx, msg.ChatID, msg.ID)
	switch {
	case err == nil && found != nil && found.HasTimestamp():
		return found.Timestamp, true
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		w.logger.Debug("timestamp lookup by id failed", "id", msg.ID, "error", err)
	}

	page, err := w.transport.FetchRecentMessages(ctx, msg.ChatID, w.searchLimit)
	if err != nil {
		w.logger.Debug("timestamp search fetch failed", "id", msg.ID, "error", err)
		return time.Time{}, false
	}
	for _, m := range page {
		if m.ID == msg.ID && m.HasTimestamp() {
			return m.Timestamp, true
		}
	}
	return time.Time{}, false
}

// ParseRangeStart resolves a start literal. An empty literal is an open
// start (zero time). Unparseable literals that still look like dates
// (digits or "ago") fall back to 24 hours before now; anything else
// reports ok=false and the range is skipped.
func ParseRangeStart(lit string, now time.Time) (time.Time, bool) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return time.Time{}, true
	}
	if ts, ok := parseAbsolute(lit); ok {
		return ts, true
	}
	if ts, ok := parseRelative(lit, now); ok {
		return ts, true
	}
	if looksDateLike(lit) {
		return now.Add(-fallbackLookback), true
	}
	return time.Time{}, false
}

// ParseRangeEnd resolves an end literal; absent, "now" and unparseable
// literals all mean now.
func ParseRangeEnd(lit string, now time.Time) time.Time {
	lit = strings.TrimSpace(lit)
	if lit == "" || strings.EqualFold(lit, "now") {
		return now
	}
	if ts, ok := parseAbsolute(lit); ok {
		return ts
	}
	if ts, ok := parseRelative(lit, now); ok {
		return ts
	}
	return now
}

var absoluteLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// minEpochDigits keeps short numbers such as a bare year from being read
// as seconds since 1970.
const minEpochDigits = 9

// parseAbsolute reads zone-less layouts as UTC, the zone the planner is
// shown timestamps in.
func parseAbsolute(lit string) (time.Time, bool) {
	if isAllDigits(lit) {
		if len(lit) < minEpochDigits {
			return time.Time{}, false
		}
		n, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		if n > 1e12 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	for _, layout := range absoluteLayouts {
		if ts, err := time.ParseInLocation(layout, lit, time.UTC); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

var relativePattern = regexp.MustCompile(`^(\d+|an?|one)\s*(seconds?|secs?|s|minutes?|mins?|m|hours?|hrs?|h|days?|d|weeks?|w)\s+ago$`)

func parseRelative(lit string, now time.Time) (time.Time, bool) {
	lower := strings.ToLower(strings.TrimSpace(lit))
	switch lower {
	case "now":
		return now, true
	case "today":
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	case "yesterday":
		y, m, d := now.UTC().AddDate(0, 0, -1).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	}

	match := relativePattern.FindStringSubmatch(lower)
	if match == nil {
		return time.Time{}, false
	}
	n := 1
	if v, err := strconv.Atoi(match[1]); err == nil {
		n = v
	}
	var unit time.Duration
	switch u := match[2]; {
	case strings.HasPrefix(u, "w"):
		unit = 7 * 24 * time.Hour
	case strings.HasPrefix(u, "d"):
		unit = 24 * time.Hour
	case strings.HasPrefix(u, "h"):
		unit = time.Hour
	case strings.HasPrefix(u, "m"):
		unit = time.Minute
	default:
		unit = time.Second
	}
	return now.Add(-time.Duration(n) * unit), true
}

func looksDateLike(lit string) bool {
	if strings.Contains(strings.ToLower(lit), "ago") {
		return true
	}
	for _, r := range lit {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
