package report

import (
	"regexp"
	"strings"
)

var (
	mdLink   = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdBold   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	mdHeader = regexp.MustCompile(`(?m)^#{3,4} (.+)$`)
	mdRule   = regexp.MustCompile(`(?m)^---+$`)
)

const slackRule = "───────────────────"

// Slack converts a markdown callout to Slack mrkdwn. Tables are wrapped in
// code blocks since Slack cannot render them.
func Slack(callout, date string) string {
	s := mdLink.ReplaceAllString(callout, "<$2|$1>")
	s = mdBold.ReplaceAllString(s, "*$1*")
	s = mdHeader.ReplaceAllString(s, "*$1*")
	s = mdRule.ReplaceAllString(s, slackRule)

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines)+4)
	inTable := false
	for _, line := range lines {
		isRow := strings.HasPrefix(strings.TrimSpace(line), "|")
		switch {
		case isRow && !inTable:
			out = append(out, "```")
			inTable = true
		case !isRow && inTable:
			out = append(out, "```")
			inTable = false
		}
		out = append(out, line)
	}
	if inTable {
		out = append(out, "```")
	}
	return "📊 *NUX Experiment Callout - " + date + "*\n\n" + strings.Join(out, "\n")
}
