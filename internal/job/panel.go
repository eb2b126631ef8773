package job

import (
	"fmt"
	"strings"
)

// RenderPanel renders the pull request body from job identity and stage completion.
// It reads nothing else, so equal inputs always render identical bodies.
func RenderPanel(j *Job) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## 🤖 Automated fix for %s\n\n", j.DisplayRef())
	if j.IssueTitle != "" {
		fmt.Fprintf(&b, "**Issue:** %s\n", j.IssueTitle)
	}
	fmt.Fprintf(&b, "**Repository:** %s\n", j.FullName())
	fmt.Fprintf(&b, "**Requested by:** @%s\n", j.Actor)
	fmt.Fprintf(&b, "**Task ID:** `%s`\n", j.ID)
	fmt.Fprintf(&b, "**Branch:** `%s`\n\n", j.Branch)

	b.WriteString("### Progress\n\n")
	done := 0
	for _, p := range Phases {
		mark := " "
		if j.completed[p] {
			mark = "x"
			done++
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, p.Title())
	}

	b.WriteString("\n")
	switch {
	case j.completed[PhaseReady]:
		b.WriteString("**Status:** ready for review ✅\n")
	case done == 0:
		b.WriteString("**Status:** starting ⏳\n")
	default:
		fmt.Fprintf(&b, "**Status:** in progress (%d/%d) ⏳\n", done, len(Phases))
	}

	fmt.Fprintf(&b, "\nCloses %s\n", issueCloseRef(j))
	return b.String()
}

// RenderChecklist renders the five-phase checklist used in issue updates.
func RenderChecklist(j *Job) string {
	var b strings.Builder
	for _, p := range Phases {
		icon := "⏳"
		if j.completed[p] {
			icon = "✅"
		}
		fmt.Fprintf(&b, "- %s %s\n", icon, p.Title())
	}
	return b.String()
}

func issueCloseRef(j *Job) string {
	return fmt.Sprintf("#%d", j.IssueNumber)
}
