package agent

import (
	"encoding/json"
	"strings"
	"time"

	"convobot/internal/domain"
)

// ParsePlan turns planner output into a Plan. It never fails: the raw text
// may be wrapped in code fences or surrounded by chatter, and every field
// that is missing or malformed falls back to its default on its own.
func ParsePlan(raw string) domain.Plan {
	plan := domain.DefaultPlan()

	fields := extractJSONObject(raw)
	if fields == nil {
		return plan
	}

	if v, ok := lookup(fields, "modelTier", "model_tier", "tier"); ok {
		plan.ModelTier = parseTier(v)
	}
	plan.IsSelfReflection = parseBool(fields, "isSelfReflection", "is_self_reflection", "selfReflection")
	plan.IsAbuse = parseBool(fields, "isAbuse", "is_abuse", "abuse")
	plan.NeedsImage = parseBool(fields, "needsImage", "needs_image")
	plan.NeedsAudio = parseBool(fields, "needsAudio", "needs_audio")
	if v, ok := lookup(fields, "timeRanges", "time_ranges", "ranges"); ok {
		plan.TimeRanges = parseTimeRanges(v)
	}
	if v, ok := lookup(fields, "reasoning", "reason"); ok {
		if s, ok := v.(string); ok {
			plan.Reasoning = s
		}
	}
	return plan
}

// extractJSONObject finds the first JSON object in s and decodes it loosely.
// Returns nil when nothing decodable is found.
func extractJSONObject(s string) map[string]any {
	content := stripCodeFences(strings.TrimSpace(s))

	if m := decodeObject(content); m != nil {
		return m
	}
	if start, end, ok := objectSpan(content); ok {
		return decodeObject(content[start:end])
	}
	return nil
}

func decodeObject(text string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err == nil {
		return m
	}
	if err := json.Unmarshal([]byte(sanitizeJSONEscapes(text)), &m); err == nil {
		return m
	}
	return nil
}

// stripCodeFences removes a surrounding ``` or ```json fence.
func stripCodeFences(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	lines := strings.Split(content, "\n")
	if len(lines) >= 2 {
		body := lines[1:]
		if last := strings.TrimSpace(body[len(body)-1]); strings.HasPrefix(last, "```") {
			body = body[:len(body)-1]
		}
		return strings.TrimSpace(strings.Join(body, "\n"))
	}
	return strings.Trim(content, "`")
}

func lookup(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func parseTier(v any) domain.ModelTier {
	s, ok := v.(string)
	if !ok {
		return domain.TierFast
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reasoning", "pro", "deep", "complex", "smart":
		return domain.TierReasoning
	default:
		return domain.TierFast
	}
}

func parseBool(m map[string]any, keys ...string) bool {
	v, ok := lookup(m, keys...)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "1":
			return true
		}
	case float64:
		return b != 0
	}
	return false
}

func parseTimeRanges(v any) []domain.TimeRange {
	ranges := []domain.TimeRange{}
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		items = []any{t}
	default:
		return ranges
	}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tr := domain.TimeRange{
			Start: timeLiteral(obj["start"]),
			End:   timeLiteral(obj["end"]),
		}
		ranges = append(ranges, tr)
	}
	return ranges
}

// timeLiteral normalises a JSON value to the string form resolved later.
// Numbers are taken as unix seconds (or milliseconds when very large).
func timeLiteral(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		sec := int64(t)
		if sec > 1e12 {
			sec /= 1000
		}
		return time.Unix(sec, 0).UTC().Format(time.RFC3339)
	}
	return ""
}

// objectSpan returns the byte range of the first balanced {...} in s,
// ignoring braces inside string literals. ok is false when there is none.
func objectSpan(s string) (start, end int, ok bool) {
	start = strings.IndexByte(s, '{')
	if start < 0 {
		return 0, 0, false
	}
	depth, inStr, escaped := 0, false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inStr && c == '\\':
			escaped = true
		case c == '"':
			inStr = !inStr
		case inStr:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return start, i + 1, true
			}
		}
	}
	return 0, 0, false
}

var rolePrefixes = []string{"assistant:", "assistant\n", "model:"}

// stripRolePrefix drops a leaked "assistant:" or "model:" speaker tag from
// the start of a reply.
func stripRolePrefix(content string) string {
	lower := strings.ToLower(content)
	for _, p := range rolePrefixes {
		if strings.HasPrefix(lower, p) {
			return strings.TrimSpace(content[len(p):])
		}
	}
	return content
}

// sanitizeJSONEscapes drops the backslash of escape sequences JSON does not
// know (\% or \Y) inside string literals.
func sanitizeJSONEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inStr {
			if c == '"' {
				inStr = true
			}
			b.WriteByte(c)
			continue
		}
		switch c {
		case '"':
			inStr = false
		case '\\':
			if i+1 < len(s) && !strings.ContainsRune(`"\\/bfnrtu`, rune(s[i+1])) {
				continue
			}
			if i+1 < len(s) {
				b.WriteByte(c)
				i++
				c = s[i]
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
