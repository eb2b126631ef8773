// Package stages implements the four pipeline steps that turn an issue into
// a committed fix: Locate, Propose, Fix and Verify.
package stages

import (
	"context"
	"fmt"

	"github.com/cexll/fixbot/internal/job"
	"github.com/cexll/fixbot/internal/oracle"
	"github.com/cexll/fixbot/internal/platform"
	"github.com/cexll/fixbot/internal/workspace"
)

// Artifact paths, relative to the workspace root.
const (
	AnalysisPath = "agent/analysis.md"
	PlanPath     = "agent/patch_plan.json"
	ReportPath   = "agent/report.txt"
	FixNotesPath = "agent/fix_report.md"
)

// Env is everything a stage may touch besides the job itself.
type Env struct {
	Workdir  string
	Git      workspace.Ops
	Platform platform.Client
	Oracle   oracle.Oracle
}

// Stage is one pipeline step. Run must treat the job as read-only and report
// what it learned through the returned result.
type Stage interface {
	Phase() job.Phase
	Run(ctx context.Context, j *job.Job, env Env) job.StageResult
}

// Pipeline returns the stages in execution order.
func Pipeline(overrideFiles []string, runner Runner) []Stage {
	if runner == nil {
		runner = NewSimulatedRunner(nil)
	}
	return []Stage{
		&Locate{OverrideFiles: overrideFiles},
		&Propose{},
		&Fix{},
		&Verify{Runner: runner},
	}
}

// commitArtifact writes one artifact, commits it and pushes the branch.
func commitArtifact(ctx context.Context, env Env, branch, rel string, content []byte, message string) error {
	if err := env.Git.WriteFile(env.Workdir, rel, content); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if err := env.Git.AddFile(ctx, env.Workdir, rel); err != nil {
		return fmt.Errorf("failed to stage %s: %w", rel, err)
	}
	return commitAndPush(ctx, env, branch, message)
}

func commitAndPush(ctx context.Context, env Env, branch, message string) error {
	if err := env.Git.Commit(ctx, env.Workdir, message); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	if err := env.Git.Push(ctx, env.Workdir, branch, false); err != nil {
		return fmt.Errorf("failed to push %s: %w", branch, err)
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
