package job

import (
	"fmt"
	"time"
)

// Platform identifies the hosting backend a job talks to.
type Platform string

const (
	PlatformGitHub  Platform = "github"
	PlatformGitCode Platform = "gitcode"
)

// TriggerKind records which trigger mechanism created a job.
type TriggerKind string

const (
	TriggerAssignment TriggerKind = "assignment"
	TriggerFix        TriggerKind = "fix"
	TriggerHelp       TriggerKind = "help"
	TriggerMention    TriggerKind = "mention"
	TriggerLegacy     TriggerKind = "legacy"
	TriggerManual     TriggerKind = "manual"
)

// Phase names one step of the user-visible checklist.
type Phase string

const (
	PhaseLocate  Phase = "locate"
	PhasePropose Phase = "propose"
	PhaseFix     Phase = "fix"
	PhaseVerify  Phase = "verify"
	PhaseReady   Phase = "ready"
)

// Stages lists the pipeline stages in their fixed execution order.
var Stages = []Phase{PhaseLocate, PhasePropose, PhaseFix, PhaseVerify}

// Phases lists all five checklist phases shown on issues and PRs.
var Phases = []Phase{PhaseLocate, PhasePropose, PhaseFix, PhaseVerify, PhaseReady}

// Title returns the human readable label of a phase.
func (p Phase) Title() string {
	switch p {
	case PhaseLocate:
		return "Locate relevant files"
	case PhasePropose:
		return "Propose a fix plan"
	case PhaseFix:
		return "Apply the fix"
	case PhaseVerify:
		return "Verify the change"
	case PhaseReady:
		return "Pull request ready for review"
	default:
		return string(p)
	}
}

// TestResults holds the outcome of a verification run.
type TestResults struct {
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Skipped  int     `json:"skipped"`
	Coverage float64 `json:"coverage"`
}

// Job is one attempt to analyze and fix one issue.
//
// Source coordinates and trigger context are fixed at creation. Working state
// is only changed by the orchestrator folding stage results in through Apply.
type Job struct {
	ID        string
	CreatedAt time.Time

	Platform              Platform
	EventType             string
	Trigger               TriggerKind
	Actor                 string
	TriggeredByAssignment bool

	Owner         string
	Repo          string
	IssueNumber   int // valid for API calls
	DisplayNumber int // shown to humans only; zero means same as IssueNumber
	IssueTitle    string
	IssueBody     string
	DefaultBranch string

	Branch   string
	PRNumber int
	PRURL    string

	CandidateFiles []string
	TargetFiles    []string
	ChangesApplied []string
	ChangedFiles   []string
	BuildSuccess   bool
	TestResults    *TestResults

	completed map[Phase]bool
}

// FullName returns "owner/repo".
func (j *Job) FullName() string {
	return j.Owner + "/" + j.Repo
}

// DisplayRef returns the issue reference meant for human readable output.
func (j *Job) DisplayRef() string {
	if j.DisplayNumber > 0 {
		return fmt.Sprintf("#%d", j.DisplayNumber)
	}
	return fmt.Sprintf("#%d", j.IssueNumber)
}

// HasPR reports whether the draft pull request has been created.
func (j *Job) HasPR() bool {
	return j.PRNumber > 0
}

// MarkCompleted records a phase as done. Completion is never cleared.
func (j *Job) MarkCompleted(p Phase) {
	if j.completed == nil {
		j.completed = make(map[Phase]bool)
	}
	j.completed[p] = true
}

// Completed reports whether a phase has been recorded as done.
func (j *Job) Completed(p Phase) bool {
	return j.completed[p]
}

// CompletedPhases returns a copy of the completion map.
func (j *Job) CompletedPhases() map[Phase]bool {
	out := make(map[Phase]bool, len(j.completed))
	for k, v := range j.completed {
		out[k] = v
	}
	return out
}

// Apply folds a successful stage result into the job and marks the stage complete.
func (j *Job) Apply(p Phase, r StageResult) {
	if r.CandidateFiles != nil {
		j.CandidateFiles = append([]string(nil), r.CandidateFiles...)
	}
	if r.TargetFiles != nil {
		j.TargetFiles = append([]string(nil), r.TargetFiles...)
	}
	if r.ChangesApplied != nil {
		j.ChangesApplied = append([]string(nil), r.ChangesApplied...)
	}
	if r.ChangedFiles != nil {
		j.ChangedFiles = append([]string(nil), r.ChangedFiles...)
	}
	if r.TestResults != nil {
		tr := *r.TestResults
		j.TestResults = &tr
		j.BuildSuccess = r.BuildSuccess
	}
	j.MarkCompleted(p)
}

// StageResult is what a stage hands back to the orchestrator.
type StageResult struct {
	Success bool
	Err     error
	// Comment is posted to the pull request.
	Comment string
	// Details is the narrative part of the issue progress update.
	Details string

	CandidateFiles []string
	TargetFiles    []string
	ChangesApplied []string
	ChangedFiles   []string
	BuildSuccess   bool
	TestResults    *TestResults
}

// Failure builds an unsuccessful result.
func Failure(err error) StageResult {
	return StageResult{Success: false, Err: err}
}
