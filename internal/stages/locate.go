package stages

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/cexll/fixbot/internal/job"
	"github.com/cexll/fixbot/internal/oracle"
	"github.com/cexll/fixbot/internal/workspace"
)

// MaxCandidates bounds the candidate list surfaced to users.
const MaxCandidates = 5

var (
	wordPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_]{2,}`)

	stopWords = map[string]bool{
		"the": true, "and": true, "for": true, "with": true, "when": true,
		"not": true, "does": true, "bug": true, "fix": true, "error": true,
		"issue": true, "from": true, "this": true, "that": true, "into": true,
	}

	sourceExts = map[string]bool{
		".go": true, ".py": true, ".js": true, ".ts": true, ".java": true,
		".rb": true, ".rs": true, ".c": true, ".cpp": true, ".h": true,
		".cs": true, ".php": true, ".kt": true, ".swift": true,
	}

	sourceDirs = []string{"src", "lib", "app", ""}

	configNames = []string{"readme.md", "readme", "package.json", "go.mod", "requirements.txt", "setup.py", "pyproject.toml", "config.yaml", "config.yml"}

	lastResortFiles = []string{"README.md", "src/main.py", "app.py"}
)

// Locate picks the files most likely involved in the issue.
type Locate struct {
	// OverrideFiles replace discovery entirely when set.
	OverrideFiles []string
}

// Phase implements Stage.
func (*Locate) Phase() job.Phase { return job.PhaseLocate }

// Run implements Stage.
func (s *Locate) Run(ctx context.Context, j *job.Job, env Env) job.StageResult {
	log := clog.FromContext(ctx)

	var (
		candidates []string
		analysis   *oracle.Analysis
		method     string
	)
	switch {
	case len(s.OverrideFiles) > 0:
		candidates = dedupe(s.OverrideFiles)
		method = "configured override"
	default:
		files, err := workspace.ListFiles(env.Workdir, workspace.MaxListedFiles)
		if err != nil {
			return job.Failure(fmt.Errorf("failed to list repository files: %w", err))
		}
		a, err := env.Oracle.Analyze(ctx, j.IssueTitle, j.IssueBody, files)
		if err != nil {
			log.Warnf("Oracle analysis unavailable, using heuristics: %v", err)
		} else {
			analysis = a
			candidates = existing(env.Workdir, a.CandidateFiles)
			method = "AI analysis"
		}
		if len(candidates) == 0 {
			candidates = heuristicCandidates(env.Workdir, files, j.IssueTitle)
			method = "heuristic search"
		}
	}
	if len(candidates) > MaxCandidates {
		candidates = candidates[:MaxCandidates]
	}
	log.Infof("Located %d candidate files via %s", len(candidates), method)

	doc := renderAnalysis(j, analysis, candidates, method)
	if err := commitArtifact(ctx, env, j.Branch, AnalysisPath, []byte(doc), "chore(agent): add problem analysis"); err != nil {
		return job.Failure(err)
	}

	var list strings.Builder
	for _, f := range candidates {
		fmt.Fprintf(&list, "- `%s`\n", f)
	}
	summary := ""
	if analysis != nil && analysis.Analysis != "" {
		summary = "\n**Analysis:** " + analysis.Analysis + "\n"
	}
	return job.StageResult{
		Success:        true,
		CandidateFiles: candidates,
		Comment: fmt.Sprintf("### 🔍 Locate\n\nFound %d candidate files (%s):\n%s%s\nSee `%s`.",
			len(candidates), method, list.String(), summary, AnalysisPath),
		Details: fmt.Sprintf("Problem analysis finished using %s. Candidate files:\n%s", method, list.String()),
	}
}

func existing(root string, paths []string) []string {
	var out []string
	for _, p := range dedupe(paths) {
		if workspace.Exists(root, p) {
			out = append(out, p)
		}
	}
	return out
}

// heuristicCandidates never returns an empty list.
func heuristicCandidates(root string, files []string, title string) []string {
	var out []string

	keywords := titleKeywords(title)
	for _, f := range files {
		name := strings.ToLower(f)
		for _, k := range keywords {
			if strings.Contains(name, k) {
				out = append(out, f)
				break
			}
		}
		if len(out) >= MaxCandidates {
			return out
		}
	}

	for _, dir := range sourceDirs {
		taken := 0
		for _, f := range files {
			if !inDir(f, dir) {
				continue
			}
			if !sourceExts[strings.ToLower(path.Ext(f))] {
				continue
			}
			out = append(out, f)
			if taken++; taken == 3 {
				break
			}
		}
	}

	configs := 0
	for _, want := range configNames {
		for _, f := range files {
			if strings.ToLower(f) == want {
				out = append(out, f)
				configs++
			}
		}
		if configs >= 2 {
			break
		}
	}

	out = dedupe(out)
	if len(out) == 0 {
		for _, f := range lastResortFiles {
			if workspace.Exists(root, f) {
				out = append(out, f)
			}
		}
	}
	if len(out) == 0 {
		out = append(out, lastResortFiles...)
	}
	return out
}

// inDir reports whether f lives under dir; the empty dir means the root only.
func inDir(f, dir string) bool {
	if dir == "" {
		return path.Dir(f) == "."
	}
	return strings.HasPrefix(f, dir+"/")
}

func titleKeywords(text string) []string {
	var out []string
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if !stopWords[w] {
			out = append(out, w)
		}
	}
	return dedupe(out)
}

func renderAnalysis(j *job.Job, a *oracle.Analysis, candidates []string, method string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Problem Analysis: %s\n\n", j.IssueTitle)
	fmt.Fprintf(&b, "- Issue: %s\n- Repository: %s\n- Task ID: %s\n- Method: %s\n\n", j.DisplayRef(), j.FullName(), j.ID, method)
	b.WriteString("## Issue Description\n\n")
	if strings.TrimSpace(j.IssueBody) == "" {
		b.WriteString("_No description provided._\n\n")
	} else {
		b.WriteString(j.IssueBody + "\n\n")
	}
	if a != nil {
		b.WriteString("## Analysis\n\n" + a.Analysis + "\n\n")
		if len(a.TechnicalAreas) > 0 {
			b.WriteString("Technical areas: " + strings.Join(a.TechnicalAreas, ", ") + "\n\n")
		}
		if a.Reasoning != "" {
			b.WriteString("## Reasoning\n\n" + a.Reasoning + "\n\n")
		}
	}
	b.WriteString("## Candidate Files\n\n")
	for i, f := range candidates {
		fmt.Fprintf(&b, "%d. `%s`\n", i+1, f)
	}
	return b.String()
}
