package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/cexll/fixbot/internal/job"
	"github.com/cexll/fixbot/internal/oracle"
	"github.com/cexll/fixbot/internal/workspace"
)

const (
	// maxPlanInputs bounds how many candidates are read for planning.
	maxPlanInputs = 3
	// maxPlanFileBytes bounds each file read for planning.
	maxPlanFileBytes = 10 * 1024
	// PlaceholderPath is the target of last resort when nothing safe exists.
	PlaceholderPath = "AGENT_NOTES.md"
)

// planNow is swapped in tests.
var planNow = time.Now

// PlanDocument is the serialized form of agent/patch_plan.json.
type PlanDocument struct {
	Meta            PlanMeta        `json:"meta"`
	Analysis        PlanAnalysis    `json:"analysis"`
	TargetFiles     []string        `json:"target_files"`
	ProposedChanges []oracle.Change `json:"proposed_changes"`
	RiskAssessment  []string        `json:"risk_assessment"`
	TestingPlan     []string        `json:"testing_plan"`
	NextSteps       []string        `json:"next_steps"`
}

// PlanMeta identifies the job that produced a plan.
type PlanMeta struct {
	TaskID      string    `json:"task_id"`
	Repository  string    `json:"repository"`
	IssueNumber int       `json:"issue_number"`
	IssueTitle  string    `json:"issue_title"`
	Branch      string    `json:"branch"`
	GeneratedAt time.Time `json:"generated_at"`
	Source      string    `json:"source"`
}

// PlanAnalysis is the root cause section of a plan.
type PlanAnalysis struct {
	RootCause   string `json:"root_cause"`
	FixStrategy string `json:"fix_strategy"`
}

// Propose turns candidate files into a concrete fix plan.
type Propose struct{}

// Phase implements Stage.
func (*Propose) Phase() job.Phase { return job.PhasePropose }

// Run implements Stage.
func (*Propose) Run(ctx context.Context, j *job.Job, env Env) job.StageResult {
	log := clog.FromContext(ctx)

	contents, err := readCandidates(ctx, env.Workdir, j.CandidateFiles)
	if err != nil {
		return job.Failure(err)
	}

	source := "AI"
	plan, err := env.Oracle.ProposePlan(ctx, j.IssueTitle, j.IssueBody, j.CandidateFiles, contents)
	var targets []string
	if err != nil {
		log.Warnf("Oracle plan unavailable, using safe fallback: %v", err)
	} else {
		targets = planTargets(plan)
	}
	if len(targets) == 0 {
		plan = fallbackPlan(env.Workdir, j)
		targets = planTargets(plan)
		source = "fallback"
	}
	log.Infof("Planned changes to %d files (%s)", len(targets), source)

	doc := PlanDocument{
		Meta: PlanMeta{
			TaskID:      j.ID,
			Repository:  j.FullName(),
			IssueNumber: j.IssueNumber,
			IssueTitle:  j.IssueTitle,
			Branch:      j.Branch,
			GeneratedAt: planNow().UTC(),
			Source:      source,
		},
		Analysis:        PlanAnalysis{RootCause: plan.RootCause, FixStrategy: plan.FixStrategy},
		TargetFiles:     targets,
		ProposedChanges: plan.Changes,
		RiskAssessment:  plan.Risks,
		TestingPlan:     plan.TestingSuggestions,
		NextSteps: []string{
			"Apply the proposed changes to the target files",
			"Run verification",
			"Request human review",
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return job.Failure(fmt.Errorf("failed to encode plan: %w", err))
	}
	if err := commitArtifact(ctx, env, j.Branch, PlanPath, append(data, '\n'), "chore(agent): add fix plan"); err != nil {
		return job.Failure(err)
	}

	var list strings.Builder
	for _, c := range plan.Changes {
		fmt.Fprintf(&list, "- `%s` (%s): %s\n", c.File, c.Type, c.Description)
	}
	return job.StageResult{
		Success:     true,
		TargetFiles: targets,
		Comment: fmt.Sprintf("### 📋 Propose\n\n**Root cause:** %s\n\n**Strategy:** %s\n\n**Planned changes:**\n%s\nSee `%s`.",
			plan.RootCause, plan.FixStrategy, list.String(), PlanPath),
		Details: fmt.Sprintf("Fix plan ready (%s). Target files: %s", source, strings.Join(targets, ", ")),
	}
}

// readCandidates reads the first few candidates concurrently. Missing or
// unreadable files are left out rather than failing the stage.
func readCandidates(ctx context.Context, root string, candidates []string) (map[string]string, error) {
	if len(candidates) > maxPlanInputs {
		candidates = candidates[:maxPlanInputs]
	}

	var (
		mu       sync.Mutex
		contents = make(map[string]string, len(candidates))
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, rel := range candidates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, truncated, err := workspace.ReadFile(root, rel, maxPlanFileBytes)
			if err != nil {
				clog.FromContext(ctx).Debugf("Skipping unreadable candidate %s: %v", rel, err)
				return nil
			}
			text := string(data)
			if truncated {
				text += "\n... (truncated)"
			}
			mu.Lock()
			contents[rel] = text
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return contents, nil
}

func planTargets(p *oracle.Plan) []string {
	if p == nil {
		return nil
	}
	var out []string
	for _, c := range p.Changes {
		f := strings.TrimPrefix(strings.TrimSpace(c.File), "./")
		if f == "" {
			continue
		}
		if _, err := workspace.Join("/", f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return dedupe(out)
}

// fallbackPlan picks the least risky file to touch: a README among the
// candidates, then the root README, then a new notes file.
func fallbackPlan(root string, j *job.Job) *oracle.Plan {
	target, kind := "", "modify"
	for _, c := range j.CandidateFiles {
		if strings.HasPrefix(strings.ToLower(path.Base(c)), "readme") && workspace.Exists(root, c) {
			target = c
			break
		}
	}
	if target == "" && workspace.Exists(root, "README.md") {
		target = "README.md"
	}
	if target == "" {
		target, kind = PlaceholderPath, "create"
	}
	return &oracle.Plan{
		RootCause:   "Automatic analysis was not available; the root cause needs human investigation.",
		FixStrategy: fmt.Sprintf("Record the investigation for issue %s in %s without touching source code.", j.DisplayRef(), target),
		Changes: []oracle.Change{{
			File:        target,
			Type:        kind,
			Description: "Document the reported problem and the files that were examined",
		}},
		Risks:              []string{"Low: documentation only"},
		TestingSuggestions: []string{"Review the documented findings"},
	}
}
