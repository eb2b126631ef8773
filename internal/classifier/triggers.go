package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cexll/fixbot/internal/job"
)

// DefaultPatterns are checked in order; the first match decides the trigger kind.
// "{name}" is replaced with the quoted bot name.
var DefaultPatterns = []string{
	`@{name}\s+fix`,
	`@{name}\s+help`,
	`@{name}(?:$|[^\w-])`,
	`@agent\s+fix`,
	`/agent\s+fix`,
}

// DefaultStatusMarkers identify comments the bot wrote itself. Matching is case-insensitive.
var DefaultStatusMarkers = []string{
	"task id:",
	"branch: `agent/",
	"bug fix agent has picked up",
	"🤖 agent is analyzing",
}

type trigger struct {
	pattern string
	re      *regexp.Regexp
	kind    job.TriggerKind
}

func compileTriggers(patterns []string, botName string) ([]trigger, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	quoted := regexp.QuoteMeta(botName)

	out := make([]trigger, 0, len(patterns))
	for _, p := range patterns {
		expr := strings.ReplaceAll(p, "{name}", quoted)
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("invalid trigger pattern %q: %w", p, err)
		}
		out = append(out, trigger{pattern: p, re: re, kind: triggerKind(p)})
	}
	return out, nil
}

func triggerKind(pattern string) job.TriggerKind {
	lower := strings.ToLower(pattern)
	switch {
	case !strings.Contains(lower, "{name}"):
		return job.TriggerLegacy
	case strings.Contains(lower, "fix"):
		return job.TriggerFix
	case strings.Contains(lower, "help"):
		return job.TriggerHelp
	default:
		return job.TriggerMention
	}
}

// match returns the first trigger matching text.
func match(triggers []trigger, text string) (trigger, bool) {
	for _, t := range triggers {
		if t.re.MatchString(text) {
			return t, true
		}
	}
	return trigger{}, false
}

func containsMarker(markers []string, text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return m, true
		}
	}
	return "", false
}
