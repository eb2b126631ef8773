package oracle

import (
	"fmt"
	"sort"
	"strings"
)

const (
	promptFileLimit    = 50
	promptPreviewBytes = 500
)

func analyzePrompt(title, body string, files []string) string {
	var b strings.Builder
	b.WriteString("You are a senior software engineer triaging a bug report.\n\n")
	fmt.Fprintf(&b, "Issue title: %s\n\nIssue description:\n%s\n\n", title, body)
	b.WriteString("Repository files:\n")
	for i, f := range files {
		if i == promptFileLimit {
			fmt.Fprintf(&b, "... and %d more files\n", len(files)-promptFileLimit)
			break
		}
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString(`
Identify the files most likely involved in this issue. Answer with JSON only:
{
  "analysis": "short description of the problem",
  "technical_areas": ["area"],
  "candidate_files": ["path/from/list"],
  "reasoning": "why these files"
}
List at most 5 candidate files, most relevant first, using paths from the list above.
`)
	return b.String()
}

func planPrompt(title, body string, candidates []string, contents map[string]string) string {
	var b strings.Builder
	b.WriteString("You are a senior software engineer planning a minimal, safe fix.\n\n")
	fmt.Fprintf(&b, "Issue title: %s\n\nIssue description:\n%s\n\n", title, body)
	fmt.Fprintf(&b, "Candidate files: %s\n\n", strings.Join(candidates, ", "))

	paths := make([]string, 0, len(contents))
	for p := range contents {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		c := contents[p]
		if len(c) > promptPreviewBytes {
			c = c[:promptPreviewBytes] + "\n..."
		}
		fmt.Fprintf(&b, "File %s:\n```\n%s\n```\n\n", p, c)
	}

	b.WriteString(`Answer with JSON only:
{
  "root_cause": "what causes the issue",
  "fix_strategy": "how to fix it",
  "changes": [{"file": "path", "type": "modify or create", "description": "what to change"}],
  "risks": ["risk"],
  "testing_suggestions": ["test"]
}
`)
	return b.String()
}

func rewritePrompt(path, content, issue string, plan *Plan) string {
	var b strings.Builder
	b.WriteString("You are editing a single file to address an issue.\n\n")
	fmt.Fprintf(&b, "Issue:\n%s\n\n", issue)
	if plan != nil {
		fmt.Fprintf(&b, "Root cause: %s\nFix strategy: %s\n", plan.RootCause, plan.FixStrategy)
		for _, ch := range plan.Changes {
			if ch.File == path {
				fmt.Fprintf(&b, "Planned change for this file: %s\n", ch.Description)
			}
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Current content of %s:\n```\n%s\n```\n\n", path, content)
	b.WriteString("Return the complete updated file content only, with no explanation.\n")
	return b.String()
}
