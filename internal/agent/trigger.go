package agent

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// TranscribePrefixLong and TranscribePrefixShort start an explicit
	// transcription request.
	TranscribePrefixLong  = "@transcribe"
	TranscribePrefixShort = "@t"

	// DefaultTranscribeInstruction replaces an empty body on explicit
	// transcription requests.
	DefaultTranscribeInstruction = "transcribe this audio"
)

// helpPhrases are matched exactly (case-insensitive, trimmed).
var helpPhrases = [2]string{"!help", "/help"}

// Verdict is the outcome of classifying an inbound body.
type Verdict int

const (
	IgnoreLoop Verdict = iota
	IgnoreUntriggered
	HelpReply
	Proceed
)

func (v Verdict) String() string {
	switch v {
	case IgnoreLoop:
		return "ignore_loop"
	case IgnoreUntriggered:
		return "ignore_untriggered"
	case HelpReply:
		return "help"
	case Proceed:
		return "proceed"
	default:
		return "unknown"
	}
}

// Classification is the classifier result. CleanedBody and
// ExplicitTranscription are only meaningful for Proceed.
type Classification struct {
	Verdict               Verdict
	CleanedBody           string
	ExplicitTranscription bool
}

// Classifier decides whether a message is addressed to the bot.
type Classifier struct {
	triggers   []string
	loopMarker string
	triggerRe  *regexp.Regexp
}

// NewClassifier builds a classifier for the given triggers and loop marker.
// Blank triggers are ignored.
func NewClassifier(triggers []string, loopMarker string) *Classifier {
	var cleaned []string
	for _, t := range triggers {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	// Longest first so "@bot2" is removed before "@bot".
	sort.SliceStable(cleaned, func(i, j int) bool { return len(cleaned[i]) > len(cleaned[j]) })

	c := &Classifier{triggers: cleaned, loopMarker: loopMarker}
	if len(cleaned) > 0 {
		quoted := make([]string, len(cleaned))
		for i, t := range cleaned {
			quoted[i] = regexp.QuoteMeta(t)
		}
		c.triggerRe = regexp.MustCompile(`(?i)(` + strings.Join(quoted, "|") + `)`)
	}
	return c
}

// Classify runs loop prevention, help detection, trigger detection and
// cleaning, in that order.
func (c *Classifier) Classify(body string) Classification {
	if c.loopMarker != "" && strings.Contains(body, c.loopMarker) {
		return Classification{Verdict: IgnoreLoop}
	}

	trimmed := strings.TrimSpace(body)
	for _, phrase := range helpPhrases {
		if strings.EqualFold(trimmed, phrase) {
			return Classification{Verdict: HelpReply}
		}
	}

	prefix := transcriptionPrefix(trimmed)
	triggered := c.triggerRe != nil && c.triggerRe.MatchString(trimmed)
	if prefix == "" && !triggered {
		return Classification{Verdict: IgnoreUntriggered}
	}

	cleaned := trimmed
	if prefix != "" {
		cleaned = cleaned[len(prefix):]
	}
	cleaned = c.clean(cleaned)

	if prefix != "" && cleaned == "" {
		cleaned = DefaultTranscribeInstruction
	}
	return Classification{
		Verdict:               Proceed,
		CleanedBody:           cleaned,
		ExplicitTranscription: prefix != "",
	}
}

// Clean strips the loop marker and every trigger from text.
func (c *Classifier) Clean(text string) string {
	return c.clean(text)
}

func (c *Classifier) clean(text string) string {
	if c.loopMarker != "" {
		text = strings.ReplaceAll(text, c.loopMarker, "")
	}
	if c.triggerRe != nil {
		text = c.triggerRe.ReplaceAllString(text, "")
	}
	return strings.Join(strings.Fields(text), " ")
}

// transcriptionPrefix returns the prefix as it appears in body (original
// case), or "" when body does not start with one. Either form must be
// followed by whitespace or the end of the body, so "@transcribed" and
// "@tomorrow" are plain words.
func transcriptionPrefix(body string) string {
	for _, p := range []string{TranscribePrefixLong, TranscribePrefixShort} {
		if !hasPrefixFold(body, p) {
			continue
		}
		rest := body[len(p):]
		if r, _ := utf8.DecodeRuneInString(rest); rest == "" || unicode.IsSpace(r) {
			return body[:len(p)]
		}
	}
	return ""
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
