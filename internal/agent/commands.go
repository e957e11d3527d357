package agent

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// version is set by the build system. Default fallback.
var version = "0.1.0"

// startTime records when the process started, for status output.
var startTime = time.Now()

// SetVersion sets the version string shown in help and status output.
func SetVersion(v string) {
	version = v
}

// Uptime returns how long the process has been running, logged at
// shutdown.
func Uptime() time.Duration {
	return time.Since(startTime).Round(time.Second)
}

// HelpText is the static reply to a help command.
func HelpText(triggers []string) string {
	trigger := "@bot"
	if len(triggers) > 0 {
		trigger = triggers[0]
	}
	var sb strings.Builder
	sb.WriteString("How to talk to me:\n\n")
	sb.WriteString("  " + trigger + " <question>   ask anything; I read the recent chat when it helps\n")
	sb.WriteString("  reply to a message + " + trigger + "   ask about that message (images, voice notes, PDFs)\n")
	sb.WriteString("  " + TranscribePrefixLong + " or " + TranscribePrefixShort + "   transcribe the voice note you reply to\n")
	sb.WriteString("  " + helpPhrases[0] + "   show this help\n")
	fmt.Fprintf(&sb, "\nconvobot v%s", version)
	return sb.String()
}

// StatusText summarises the running process for the status command.
func StatusText(channels []string, fastModel, reasoningModel string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "convobot v%s\n", version)
	fmt.Fprintf(&sb, "Channels:  %s\n", strings.Join(channels, ", "))
	fmt.Fprintf(&sb, "Fast:      %s\n", fastModel)
	fmt.Fprintf(&sb, "Reasoning: %s\n", reasoningModel)
	fmt.Fprintf(&sb, "Runtime:   %s/%s, Go %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
	return sb.String()
}
