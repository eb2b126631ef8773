package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/cexll/fixbot/internal/job"
	"github.com/cexll/fixbot/internal/oracle"
	"github.com/cexll/fixbot/internal/workspace"
)

const maxRewriteBytes = 64 * 1024

// rewritableExts are the only files the oracle may rewrite wholesale.
var rewritableExts = map[string]bool{
	".md": true, ".txt": true, ".rst": true, ".json": true, ".yml": true,
	".yaml": true, ".cfg": true, ".ini": true, ".xml": true,
}

type commentStyle struct{ open, close string }

var commentStyles = map[string]commentStyle{
	".go": {"// ", ""}, ".js": {"// ", ""}, ".ts": {"// ", ""}, ".jsx": {"// ", ""},
	".tsx": {"// ", ""}, ".java": {"// ", ""}, ".c": {"// ", ""}, ".h": {"// ", ""},
	".cpp": {"// ", ""}, ".cc": {"// ", ""}, ".cs": {"// ", ""}, ".rs": {"// ", ""},
	".kt": {"// ", ""}, ".swift": {"// ", ""}, ".scala": {"// ", ""}, ".php": {"// ", ""},
	".py": {"# ", ""}, ".rb": {"# ", ""}, ".sh": {"# ", ""}, ".pl": {"# ", ""},
	".r": {"# ", ""}, ".toml": {"# ", ""},
	".sql": {"-- ", ""}, ".lua": {"-- ", ""},
	".html": {"<!-- ", " -->"}, ".vue": {"<!-- ", " -->"},
	".css": {"/* ", " */"}, ".scss": {"/* ", " */"},
}

// Fix applies the plan to the target files and commits the result.
type Fix struct{}

// Phase implements Stage.
func (*Fix) Phase() job.Phase { return job.PhaseFix }

// Run implements Stage.
func (*Fix) Run(ctx context.Context, j *job.Job, env Env) job.StageResult {
	log := clog.FromContext(ctx)

	plan, err := loadPlan(env.Workdir)
	if err != nil {
		return job.Failure(err)
	}

	var applied []string
	for _, target := range j.TargetFiles {
		change := changeFor(plan, target)
		desc, err := applyChange(ctx, env, j, plan, change)
		if err != nil {
			log.Warnf("Could not change %s: %v", target, err)
			continue
		}
		if desc != "" {
			applied = append(applied, desc)
		}
	}

	if len(applied) == 0 {
		desc, err := fallbackChange(env, j, plan)
		if err != nil {
			return job.Failure(err)
		}
		applied = append(applied, desc)
	}

	if err := env.Git.AddAll(ctx, env.Workdir); err != nil {
		return job.Failure(fmt.Errorf("failed to stage changes: %w", err))
	}
	msg := fmt.Sprintf("fix: address issue %s\n\n%s", j.DisplayRef(), j.IssueTitle)
	if err := commitAndPush(ctx, env, j.Branch, msg); err != nil {
		return job.Failure(err)
	}

	changed, err := env.Git.ChangedFiles(ctx, env.Workdir, j.DefaultBranch)
	if err != nil {
		log.Warnf("Could not list changed files: %v", err)
	}
	log.Infof("Applied %d changes, %d files differ from %s", len(applied), len(changed), j.DefaultBranch)

	var b strings.Builder
	for _, a := range applied {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	if len(changed) > 0 {
		b.WriteString("\n**Changed files:**\n")
		for _, f := range changed {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}
	return job.StageResult{
		Success:        true,
		ChangesApplied: applied,
		ChangedFiles:   changed,
		Comment:        "### 🔧 Fix\n\n" + b.String(),
		Details:        fmt.Sprintf("Applied %d changes and pushed them to `%s`.", len(applied), j.Branch),
	}
}

func loadPlan(root string) (*PlanDocument, error) {
	data, _, err := workspace.ReadFile(root, PlanPath, 1<<20)
	if err != nil {
		return nil, fmt.Errorf("failed to read fix plan: %w", err)
	}
	var doc PlanDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse fix plan: %w", err)
	}
	return &doc, nil
}

func changeFor(plan *PlanDocument, file string) oracle.Change {
	for _, c := range plan.ProposedChanges {
		if strings.TrimPrefix(c.File, "./") == file {
			c.File = file
			return c
		}
	}
	return oracle.Change{File: file, Type: "modify", Description: plan.Analysis.FixStrategy}
}

// applyChange returns a description of what changed, or "" when the file was
// left alone.
func applyChange(ctx context.Context, env Env, j *job.Job, plan *PlanDocument, c oracle.Change) (string, error) {
	exists := workspace.Exists(env.Workdir, c.File)
	if !exists && c.Type != "create" {
		return "", nil
	}
	ext := strings.ToLower(path.Ext(c.File))

	if rewritableExts[ext] {
		var current []byte
		if exists {
			data, truncated, err := workspace.ReadFile(env.Workdir, c.File, maxRewriteBytes)
			if err != nil {
				return "", err
			}
			if truncated {
				return "", errors.New("file too large to rewrite")
			}
			current = data
		}
		updated, err := env.Oracle.Rewrite(ctx, c.File, string(current), issueText(j), &oracle.Plan{
			RootCause:   plan.Analysis.RootCause,
			FixStrategy: plan.Analysis.FixStrategy,
			Changes:     plan.ProposedChanges,
		})
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(updated) == "" || updated == string(current) {
			return "", nil
		}
		if err := env.Git.WriteFile(env.Workdir, c.File, []byte(updated)); err != nil {
			return "", err
		}
		if exists {
			return fmt.Sprintf("Updated `%s`: %s", c.File, c.Description), nil
		}
		return fmt.Sprintf("Created `%s`: %s", c.File, c.Description), nil
	}

	style, ok := commentStyles[ext]
	if !ok {
		return "", nil
	}
	note := style.open + fmt.Sprintf("Agent note for issue %s: %s", j.DisplayRef(), oneLine(c.Description)) + style.close + "\n"
	if !exists {
		if err := env.Git.WriteFile(env.Workdir, c.File, []byte(note)); err != nil {
			return "", err
		}
		return fmt.Sprintf("Created `%s` with an explanatory note", c.File), nil
	}
	data, truncated, err := workspace.ReadFile(env.Workdir, c.File, maxRewriteBytes)
	if err != nil {
		return "", err
	}
	if truncated {
		return "", errors.New("file too large to annotate")
	}
	if err := env.Git.WriteFile(env.Workdir, c.File, prependNote(data, note)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Annotated `%s` with an explanatory note", c.File), nil
}

// prependNote inserts note at the top of content, after a shebang line.
func prependNote(content []byte, note string) []byte {
	text := string(content)
	if strings.HasPrefix(text, "#!") {
		if nl := strings.Index(text, "\n"); nl >= 0 {
			return []byte(text[:nl+1] + note + text[nl+1:])
		}
		return []byte(text + "\n" + note)
	}
	return []byte(note + text)
}

// fallbackChange guarantees the fix commit is not empty: append to the
// README when present, otherwise write a standalone report.
func fallbackChange(env Env, j *job.Job, plan *PlanDocument) (string, error) {
	if workspace.Exists(env.Workdir, "README.md") {
		section := fmt.Sprintf("\n\n## Agent note for issue %s\n\n%s\n\nFix strategy: %s\n",
			j.DisplayRef(), j.IssueTitle, oneLine(plan.Analysis.FixStrategy))
		if err := env.Git.AppendFile(env.Workdir, "README.md", []byte(section)); err != nil {
			return "", fmt.Errorf("failed to update README.md: %w", err)
		}
		return "Appended an investigation note to `README.md`", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Fix Report for %s\n\n", j.DisplayRef())
	fmt.Fprintf(&b, "- Task ID: %s\n- Issue: %s\n\n", j.ID, j.IssueTitle)
	fmt.Fprintf(&b, "## Root Cause\n\n%s\n\n## Strategy\n\n%s\n\n", plan.Analysis.RootCause, plan.Analysis.FixStrategy)
	b.WriteString("## Target Files\n\n")
	for _, f := range plan.TargetFiles {
		fmt.Fprintf(&b, "- `%s`\n", f)
	}
	if err := env.Git.WriteFile(env.Workdir, FixNotesPath, []byte(b.String())); err != nil {
		return "", fmt.Errorf("failed to write fix report: %w", err)
	}
	return fmt.Sprintf("Wrote `%s`", FixNotesPath), nil
}

func issueText(j *job.Job) string {
	if strings.TrimSpace(j.IssueBody) == "" {
		return j.IssueTitle
	}
	return j.IssueTitle + "\n\n" + j.IssueBody
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
