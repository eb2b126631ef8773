// Package orchestrator drives one job from workspace setup through the stage
// pipeline to a ready-for-review pull request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/cexll/fixbot/internal/job"
	"github.com/cexll/fixbot/internal/metrics"
	"github.com/cexll/fixbot/internal/oracle"
	"github.com/cexll/fixbot/internal/platform"
	"github.com/cexll/fixbot/internal/stages"
	"github.com/cexll/fixbot/internal/workspace"
)

const (
	statusPath     = "agent/status.txt"
	defaultBranch  = "main"
	failureTimeout = 30 * time.Second
)

// Recorder observes job progress. The job store implements it.
type Recorder interface {
	SetPhase(id string, phase job.Phase)
	SetPR(id string, number int, url string)
	AddLog(id, level, message string)
}

type nopRecorder struct{}

func (nopRecorder) SetPhase(string, job.Phase)    {}
func (nopRecorder) SetPR(string, int, string)     {}
func (nopRecorder) AddLog(string, string, string) {}

// Config wires an Orchestrator.
type Config struct {
	Platform platform.Client
	Git      workspace.Ops
	Oracle   oracle.Oracle
	Stages   []stages.Stage
	Recorder Recorder
	// TempDir is where workspaces are created; empty means os.TempDir.
	TempDir string
}

// Orchestrator runs jobs. It is safe for concurrent use as long as its
// collaborators are.
type Orchestrator struct {
	platform platform.Client
	git      workspace.Ops
	oracle   oracle.Oracle
	stages   []stages.Stage
	recorder Recorder
	tempDir  string
}

// New creates an orchestrator. Missing stages default to the standard
// pipeline and a missing oracle to the disabled one.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		platform: cfg.Platform,
		git:      cfg.Git,
		oracle:   cfg.Oracle,
		stages:   cfg.Stages,
		recorder: cfg.Recorder,
		tempDir:  cfg.TempDir,
	}
	if o.oracle == nil {
		o.oracle = oracle.Disabled{}
	}
	if len(o.stages) == 0 {
		o.stages = stages.Pipeline(nil, nil)
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	return o
}

// Process runs the job to completion. On failure exactly one failure comment
// is posted to the issue and the error is returned.
func (o *Orchestrator) Process(ctx context.Context, j *job.Job) error {
	log := clog.FromContext(ctx).With("job", j.ID, "repo", j.FullName(), "issue", j.IssueNumber)
	ctx = clog.WithLogger(ctx, log)
	log.Infof("Starting job %s (trigger: %s, actor: %s)", j.ID, j.Trigger, j.Actor)

	o.acknowledge(ctx, j)

	if err := o.run(ctx, j); err != nil {
		log.Errorf("Job failed: %v", err)
		o.recorder.AddLog(j.ID, "error", err.Error())
		o.reportFailure(ctx, j, err)
		return err
	}

	log.Infof("Job completed, pull request ready: %s", j.PRURL)
	o.recorder.AddLog(j.ID, "success", "Pull request ready for review: "+j.PRURL)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, j *job.Job) error {
	workdir, err := os.MkdirTemp(o.tempDir, "agent-"+j.ID+"-")
	if err != nil {
		return phaseErr(PhaseInit, "failed to create workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workdir); err != nil {
			clog.FromContext(ctx).Warnf("Failed to remove workspace %s: %v", workdir, err)
		}
	}()

	if err := o.initWorkspace(ctx, j, workdir); err != nil {
		return err
	}
	if err := o.openDraftPR(ctx, j); err != nil {
		return err
	}

	env := stages.Env{
		Workdir:  workdir,
		Git:      o.git,
		Platform: o.platform,
		Oracle:   o.oracle,
	}
	for _, s := range o.stages {
		if err := o.runStage(ctx, j, s, env); err != nil {
			return err
		}
	}

	o.finalize(ctx, j)
	return nil
}

func (o *Orchestrator) acknowledge(ctx context.Context, j *job.Job) {
	body := fmt.Sprintf("🤖 Agent is analyzing this issue.\n\n**Task ID:** `%s`\n**Branch:** `%s`\n\nA draft pull request will follow shortly.", j.ID, j.Branch)
	if err := o.platform.CommentIssue(ctx, j.Owner, j.Repo, j.IssueNumber, body); err != nil {
		clog.FromContext(ctx).Warnf("Failed to post acknowledgement: %v", err)
	}
}

// resolveIssue fills in issue text and the base branch when the webhook
// payload did not carry them.
func (o *Orchestrator) resolveIssue(ctx context.Context, j *job.Job) {
	log := clog.FromContext(ctx)
	if j.IssueTitle == "" || j.IssueBody == "" {
		issue, err := o.platform.GetIssue(ctx, j.Owner, j.Repo, j.IssueNumber)
		if err != nil {
			log.Warnf("Failed to fetch issue: %v", err)
		} else {
			if j.IssueTitle == "" {
				j.IssueTitle = issue.Title
			}
			if j.IssueBody == "" {
				j.IssueBody = issue.Body
			}
		}
	}
	if j.DefaultBranch == "" {
		repo, err := o.platform.GetRepo(ctx, j.Owner, j.Repo)
		switch {
		case err != nil:
			log.Warnf("Failed to fetch repository, assuming %s: %v", defaultBranch, err)
		case repo.DefaultBranch != "":
			j.DefaultBranch = repo.DefaultBranch
		}
	}
	if j.DefaultBranch == "" {
		j.DefaultBranch = defaultBranch
	}
	if j.IssueTitle == "" {
		j.IssueTitle = "Issue " + j.DisplayRef()
	}
}

func (o *Orchestrator) initWorkspace(ctx context.Context, j *job.Job, workdir string) error {
	log := clog.FromContext(ctx)

	token, err := o.platform.Token(ctx, j.Owner, j.Repo)
	if err != nil {
		return phaseErr(PhaseInit, "failed to obtain access token: %w", err)
	}
	o.resolveIssue(ctx, j)

	log.Infof("Cloning %s", j.FullName())
	if err := o.git.Clone(ctx, o.platform.CloneURL(j.Owner, j.Repo, token), workdir); err != nil {
		return phaseErr(PhaseInit, "failed to clone repository: %w", err)
	}
	if err := o.git.CreateBranch(ctx, workdir, j.Branch, j.DefaultBranch); err != nil {
		return phaseErr(PhaseInit, "failed to create branch %s: %w", j.Branch, err)
	}

	status := fmt.Sprintf("task_id: %s\nissue: %s\nrepository: %s\nbranch: %s\nbase: %s\nstarted_at: %s\n",
		j.ID, j.DisplayRef(), j.FullName(), j.Branch, j.DefaultBranch, j.CreatedAt.UTC().Format(time.RFC3339))
	if err := o.git.WriteFile(workdir, statusPath, []byte(status)); err != nil {
		return phaseErr(PhaseInit, "failed to write %s: %w", statusPath, err)
	}
	if err := o.git.AddFile(ctx, workdir, statusPath); err != nil {
		return phaseErr(PhaseInit, "failed to stage %s: %w", statusPath, err)
	}
	if err := o.git.Commit(ctx, workdir, "chore(agent): initialize fix branch"); err != nil {
		return phaseErr(PhaseInit, "failed to commit: %w", err)
	}
	if err := o.git.Push(ctx, workdir, j.Branch, true); err != nil {
		return phaseErr(PhaseInit, "failed to push %s: %w", j.Branch, err)
	}
	o.recorder.AddLog(j.ID, "info", "Workspace initialized on branch "+j.Branch)
	return nil
}

func (o *Orchestrator) openDraftPR(ctx context.Context, j *job.Job) error {
	pr, err := o.platform.CreatePR(ctx, j.Owner, j.Repo, platform.NewPullRequest{
		Head:  j.Branch,
		Base:  j.DefaultBranch,
		Title: fmt.Sprintf("🤖 Agent: fix %s - %s", j.DisplayRef(), j.IssueTitle),
		Body:  job.RenderPanel(j),
		Draft: true,
	})
	if err != nil {
		return phaseErr(PhaseBootstrap, "failed to create draft pull request: %w", err)
	}
	j.PRNumber = pr.Number
	j.PRURL = pr.URL
	o.recorder.SetPR(j.ID, pr.Number, pr.URL)
	o.recorder.AddLog(j.ID, "info", "Draft pull request opened: "+pr.URL)
	clog.FromContext(ctx).Infof("Opened draft pull request #%d", pr.Number)
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, j *job.Job, s stages.Stage, env stages.Env) error {
	phase := s.Phase()
	if !j.HasPR() {
		return phaseErr(string(phase), "no pull request to report to")
	}
	if j.Completed(phase) {
		return phaseErr(string(phase), "stage already completed")
	}
	o.recorder.SetPhase(j.ID, phase)

	log := clog.FromContext(ctx).With("stage", phase)
	ctx = clog.WithLogger(ctx, log)
	log.Infof("Running stage %s", phase.Title())

	start := time.Now()
	res := s.Run(ctx, j, env)
	metrics.StageDone(string(phase), res.Success, time.Since(start))
	if !res.Success {
		err := res.Err
		if err == nil {
			err = errors.New("stage reported failure")
		}
		return &PhaseError{Phase: string(phase), Err: err}
	}

	j.Apply(phase, res)
	o.recorder.AddLog(j.ID, "info", phase.Title()+" completed")
	o.publishProgress(ctx, j, phase, res)
	return nil
}

// publishProgress posts stage output. Reporting failures never fail the job.
func (o *Orchestrator) publishProgress(ctx context.Context, j *job.Job, phase job.Phase, res job.StageResult) {
	log := clog.FromContext(ctx)
	if res.Comment != "" {
		if err := o.platform.CommentPR(ctx, j.Owner, j.Repo, j.PRNumber, res.Comment); err != nil {
			log.Warnf("Failed to comment on pull request: %v", err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "### %s completed\n\n", phase.Title())
	if res.Details != "" {
		b.WriteString(res.Details + "\n\n")
	}
	fmt.Fprintf(&b, "**Progress** (Task ID: `%s`):\n\n%s\nPull request: %s", j.ID, job.RenderChecklist(j), j.PRURL)
	if err := o.platform.CommentIssue(ctx, j.Owner, j.Repo, j.IssueNumber, b.String()); err != nil {
		log.Warnf("Failed to post issue progress: %v", err)
	}

	if err := o.platform.UpdatePRBody(ctx, j.Owner, j.Repo, j.PRNumber, job.RenderPanel(j)); err != nil {
		log.Warnf("Failed to update pull request body: %v", err)
	}
}

// finalize marks the pull request ready and posts the summaries. Every step
// is best effort since the fix is already pushed.
func (o *Orchestrator) finalize(ctx context.Context, j *job.Job) {
	log := clog.FromContext(ctx)
	o.recorder.SetPhase(j.ID, job.PhaseReady)

	if err := o.platform.MarkPRReady(ctx, j.Owner, j.Repo, j.PRNumber); err != nil {
		log.Warnf("Failed to mark pull request ready: %v", err)
	}
	j.MarkCompleted(job.PhaseReady)

	if err := o.platform.UpdatePRBody(ctx, j.Owner, j.Repo, j.PRNumber, job.RenderPanel(j)); err != nil {
		log.Warnf("Failed to update pull request body: %v", err)
	}

	summary := renderSummary(j)
	if err := o.platform.CommentPR(ctx, j.Owner, j.Repo, j.PRNumber, "### ✅ Ready for review\n\n"+summary); err != nil {
		log.Warnf("Failed to post pull request summary: %v", err)
	}
	body := fmt.Sprintf("✅ **Automated fix ready for review**\n\n**Task ID:** `%s`\n**Pull request:** %s\n\n%s", j.ID, j.PRURL, summary)
	if err := o.platform.CommentIssue(ctx, j.Owner, j.Repo, j.IssueNumber, body); err != nil {
		log.Warnf("Failed to post completion comment: %v", err)
	}
}

func renderSummary(j *job.Job) string {
	var b strings.Builder
	if len(j.CandidateFiles) > 0 {
		fmt.Fprintf(&b, "**Investigated:** %s\n", codeList(j.CandidateFiles))
	}
	if len(j.ChangedFiles) > 0 {
		fmt.Fprintf(&b, "**Changed:** %s\n", codeList(j.ChangedFiles))
	} else if len(j.TargetFiles) > 0 {
		fmt.Fprintf(&b, "**Targeted:** %s\n", codeList(j.TargetFiles))
	}
	if r := j.TestResults; r != nil {
		verdict := "passed"
		if !j.BuildSuccess {
			verdict = "needs attention"
		}
		fmt.Fprintf(&b, "**Verification:** %s (%d passed, %d failed, %d skipped, %.1f%% coverage)\n",
			verdict, r.Passed, r.Failed, r.Skipped, r.Coverage)
	}
	return b.String()
}

func codeList(files []string) string {
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "`" + f + "`"
	}
	return strings.Join(quoted, ", ")
}

// reportFailure posts the single failure comment. It runs detached from ctx
// so a cancelled job still explains itself.
func (o *Orchestrator) reportFailure(ctx context.Context, j *job.Job, jobErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureTimeout)
	defer cancel()

	var b strings.Builder
	b.WriteString("❌ **Automated fix failed**\n\n")
	var pe *PhaseError
	if errors.As(jobErr, &pe) {
		fmt.Fprintf(&b, "**Phase:** %s\n", pe.Phase)
	}
	fmt.Fprintf(&b, "**Task ID:** `%s`\n", j.ID)
	if j.HasPR() {
		fmt.Fprintf(&b, "**Draft pull request:** %s (partial work left for inspection)\n", j.PRURL)
	}
	fmt.Fprintf(&b, "\n```\n%s\n```\n", jobErr.Error())

	if err := o.platform.CommentIssue(ctx, j.Owner, j.Repo, j.IssueNumber, b.String()); err != nil {
		clog.FromContext(ctx).Errorf("Failed to post failure comment: %v", err)
	}
}
