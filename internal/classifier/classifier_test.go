package classifier

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/cexll/fixbot/internal/job"
)

const githubComment = `{
  "action": "created",
  "issue": {"number": 12, "title": "Crash on start", "body": "It crashes", "user": {"login": "reporter"}},
  "comment": {"id": 1, "body": "@agent fix this bug", "user": {"login": "alice", "type": "User"}},
  "repository": {"name": "demo", "full_name": "octo/demo", "owner": {"login": "octo"}, "default_branch": "main"},
  "sender": {"login": "alice"}
}`

const gitcodeNote = `{
  "object_kind": "note",
  "object_attributes": {"id": 555, "note": "@bug-fix-agent fix please", "author": {"username": "bob"}},
  "issue": {"id": 99887, "iid": 3, "title": "Broken link", "description": "README link 404"},
  "project": {"path": "demo", "name": "Demo Project", "namespace": {"name": "team"}, "default_branch": "master"},
  "user": {"username": "bob"}
}`

const gitcodeMRNote = `{
  "object_kind": "note",
  "object_attributes": {"id": 556, "note": "@bug-fix-agent fix", "noteable_type": "MergeRequest", "noteable_iid": 9, "author": {"username": "bob"}},
  "project": {"path": "demo", "namespace": {"name": "team"}},
  "user": {"username": "bob"}
}`

const gitcodeIssue = `{
  "object_attributes": {"id": 123456, "iid": 7, "title": "Bug", "description": "@bug-fix-agent fix the parser", "action": "open", "author": {"username": "carol"}},
  "project": {"path_with_namespace": "team/demo"},
  "user": {"username": "carol"}
}`

const githubAssigned = `{
  "action": "assigned",
  "assignee": {"login": "bug-fix-agent"},
  "issue": {"number": 4, "title": "Typo", "body": "", "assignees": [{"login": "bug-fix-agent"}], "user": {"login": "reporter"}},
  "repository": {"name": "demo", "owner": {"login": "octo"}},
  "sender": {"login": "maintainer"}
}`

func newTestClassifier(t *testing.T, mutate func(*Config)) *Classifier {
	t.Helper()
	cfg := Config{Platform: job.PlatformGitHub, BotName: "bug-fix-agent"}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return c
}

func fixClock(t *testing.T) {
	t.Helper()
	prevNow, prevID := nowFunc, newID
	nowFunc = func() time.Time { return time.Date(2025, 6, 1, 8, 30, 15, 0, time.UTC) }
	newID = func() string { return "job-123" }
	t.Cleanup(func() { nowFunc, newID = prevNow, prevID })
}

func TestClassifyTriggers(t *testing.T) {
	c := newTestClassifier(t, nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		event     string
		payload   string
		want      bool
		wantKind  job.TriggerKind
		wantAssig bool
	}{
		{name: "legacy mention in comment", event: "issue_comment", payload: githubComment, want: true, wantKind: job.TriggerLegacy},
		{name: "gitcode note", event: "Note Hook", payload: gitcodeNote, want: true, wantKind: job.TriggerFix},
		{name: "gitcode new issue", event: "Issue Hook", payload: gitcodeIssue, want: true, wantKind: job.TriggerFix},
		{name: "assignment", event: "issues", payload: githubAssigned, want: true, wantKind: job.TriggerAssignment, wantAssig: true},
		{name: "unsupported event", event: "push", payload: githubComment},
		{name: "invalid json", event: "issue_comment", payload: `{"action":`},
		{name: "json array", event: "issue_comment", payload: `[]`},
		{
			name:    "edited comment",
			event:   "issue_comment",
			payload: strings.Replace(githubComment, `"created"`, `"edited"`, 1),
		},
		{
			name:    "closed issue",
			event:   "Issue Hook",
			payload: strings.Replace(gitcodeIssue, `"open"`, `"close"`, 1),
		},
		{
			name:    "no trigger text",
			event:   "issue_comment",
			payload: strings.Replace(githubComment, "@agent fix this bug", "thanks!", 1),
		},
		{
			name:    "comment on pull request",
			event:   "issue_comment",
			payload: strings.Replace(githubComment, `"number": 12,`, `"number": 12, "pull_request": {"url": "x"},`, 1),
		},
		{
			name:     "gitcode note with issue noteable type",
			event:    "Note Hook",
			payload:  strings.Replace(gitcodeNote, `"id": 555,`, `"id": 555, "noteable_type": "Issue",`, 1),
			want:     true,
			wantKind: job.TriggerFix,
		},
		{
			name:    "gitcode note on merge request",
			event:   "Note Hook",
			payload: gitcodeMRNote,
		},
		{
			name:    "gitcode note carrying merge request",
			event:   "Note Hook",
			payload: strings.Replace(gitcodeNote, `"user": {"username": "bob"}`, `"merge_request": {"iid": 9}, "user": {"username": "bob"}`, 1),
		},
		{
			name:    "assigned to someone else",
			event:   "issues",
			payload: strings.ReplaceAll(githubAssigned, `"bug-fix-agent"`, `"someone"`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Classify(ctx, tt.event, []byte(tt.payload))
			if d.Process != tt.want {
				t.Fatalf("Process = %v, want %v (reason %q)", d.Process, tt.want, d.Reason)
			}
			if c.ShouldProcess(ctx, tt.event, []byte(tt.payload)) != tt.want {
				t.Fatal("ShouldProcess disagrees with Classify")
			}
			if !tt.want {
				if d.Reason == "" {
					t.Fatal("ignored decisions should carry a reason")
				}
				return
			}
			if d.Trigger != tt.wantKind {
				t.Errorf("Trigger = %q, want %q", d.Trigger, tt.wantKind)
			}
			if d.Assignment != tt.wantAssig {
				t.Errorf("Assignment = %v, want %v", d.Assignment, tt.wantAssig)
			}
		})
	}
}

func TestPatternPrecedence(t *testing.T) {
	c := newTestClassifier(t, nil)

	tests := []struct {
		text string
		want job.TriggerKind
		ok   bool
	}{
		{"@bug-fix-agent fix it", job.TriggerFix, true},
		{"@Bug-Fix-Agent   FIX it", job.TriggerFix, true},
		{"@bug-fix-agent help", job.TriggerHelp, true},
		{"hey @bug-fix-agent, look", job.TriggerMention, true},
		{"@bug-fix-agentx fix", "", false},
		{"@bug-fix-agent-helper please look", "", false},
		{"@bug-fix-agent-helper fix", "", false},
		{"ping @bug-fix-agent", job.TriggerMention, true},
		{"thanks @bug-fix-agent.", job.TriggerMention, true},
		{"please /agent fix", job.TriggerLegacy, true},
		{"@AGENT FIX", job.TriggerLegacy, true},
		{"bug-fix-agent fix", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := match(c.triggers, tt.text)
			if ok != tt.ok {
				t.Fatalf("match(%q) ok = %v, want %v", tt.text, ok, tt.ok)
			}
			if ok && got.kind != tt.want {
				t.Errorf("match(%q) kind = %q, want %q", tt.text, got.kind, tt.want)
			}
		})
	}
}

func TestRecursionGuard(t *testing.T) {
	c := newTestClassifier(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
	}{
		{
			name:    "authored by bot account",
			payload: strings.ReplaceAll(githubComment, `"alice"`, `"bug-fix-agent"`),
		},
		{
			name:    "github app bot suffix",
			payload: strings.ReplaceAll(githubComment, `"alice"`, `"fixer[bot]"`),
		},
		{
			name:    "bot user type",
			payload: strings.Replace(githubComment, `"type": "User"`, `"type": "Bot"`, 1),
		},
		{
			name:    "status marker",
			payload: strings.Replace(githubComment, "@agent fix this bug", "@agent fix this bug\\n\\nTask ID: `abc`", 1),
		},
		{
			name:    "branch marker",
			payload: strings.Replace(githubComment, "@agent fix this bug", "@agent fix done. Branch: `agent/fix-12-0101-000000`", 1),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if c.ShouldProcess(ctx, "issue_comment", []byte(tt.payload)) {
				t.Fatal("bot-originated comment must not trigger")
			}
		})
	}
}

func TestCreateJobGitHubComment(t *testing.T) {
	fixClock(t)
	c := newTestClassifier(t, nil)

	j, err := c.CreateJob(context.Background(), "issue_comment", []byte(githubComment))
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}

	want := &job.Job{
		ID:            "job-123",
		CreatedAt:     time.Date(2025, 6, 1, 8, 30, 15, 0, time.UTC),
		Platform:      job.PlatformGitHub,
		EventType:     "issue_comment",
		Trigger:       job.TriggerLegacy,
		Actor:         "alice",
		Owner:         "octo",
		Repo:          "demo",
		IssueNumber:   12,
		IssueTitle:    "Crash on start",
		IssueBody:     "It crashes",
		DefaultBranch: "main",
		Branch:        "agent/fix-12-0601-083015",
	}
	if diff := cmp.Diff(want, j, cmpopts.IgnoreUnexported(job.Job{})); diff != "" {
		t.Fatalf("job mismatch (-want +got):\n%s", diff)
	}
	if !regexp.MustCompile(`^agent/fix-12-\d{4}-\d{6}$`).MatchString(j.Branch) {
		t.Fatalf("branch %q does not match expected pattern", j.Branch)
	}
}

func TestCreateJobGitCodeDualNumbering(t *testing.T) {
	fixClock(t)
	c := newTestClassifier(t, func(cfg *Config) { cfg.Platform = job.PlatformGitCode })

	j, err := c.CreateJob(context.Background(), "Issue Hook", []byte(gitcodeIssue))
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	if j.IssueNumber != 7 {
		t.Errorf("IssueNumber = %d, want API number 7", j.IssueNumber)
	}
	if j.DisplayNumber != 123456 {
		t.Errorf("DisplayNumber = %d, want 123456", j.DisplayNumber)
	}
	if j.Owner != "team" || j.Repo != "demo" {
		t.Errorf("coordinates = %s/%s, want team/demo", j.Owner, j.Repo)
	}
	if j.Actor != "carol" {
		t.Errorf("Actor = %q, want carol", j.Actor)
	}
	if j.Branch != "agent/fix-7-0601-083015" {
		t.Errorf("Branch = %q", j.Branch)
	}

	note, err := c.CreateJob(context.Background(), "Note Hook", []byte(gitcodeNote))
	if err != nil {
		t.Fatalf("CreateJob(note) returned error: %v", err)
	}
	if note.IssueNumber != 3 || note.DisplayNumber != 0 {
		t.Errorf("note numbers = %d/%d, want 3/0", note.IssueNumber, note.DisplayNumber)
	}
	if note.Owner != "team" || note.Repo != "demo" || note.DefaultBranch != "master" {
		t.Errorf("note coordinates = %s/%s@%s", note.Owner, note.Repo, note.DefaultBranch)
	}
	if note.IssueBody != "README link 404" {
		t.Errorf("IssueBody = %q", note.IssueBody)
	}
}

func TestCreateJobAssignmentActor(t *testing.T) {
	fixClock(t)
	c := newTestClassifier(t, nil)

	j, err := c.CreateJob(context.Background(), "issues", []byte(githubAssigned))
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	if !j.TriggeredByAssignment || j.Trigger != job.TriggerAssignment {
		t.Fatalf("expected assignment trigger, got %+v", j)
	}
	if j.Actor != "maintainer" {
		t.Errorf("Actor = %q, want maintainer", j.Actor)
	}
}

func TestCreateJobAuthorization(t *testing.T) {
	fixClock(t)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "empty lists allow all"},
		{name: "user allowed", mutate: func(c *Config) { c.AllowedUsers = []string{"Alice"} }},
		{name: "user denied", mutate: func(c *Config) { c.AllowedUsers = []string{"bob"} }, wantErr: ErrUnauthorized},
		{name: "repo allowed", mutate: func(c *Config) { c.AllowedRepos = []string{"octo/demo"} }},
		{name: "repo denied", mutate: func(c *Config) { c.AllowedRepos = []string{"octo/other"} }, wantErr: ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClassifier(t, tt.mutate)
			j, err := c.CreateJob(context.Background(), "issue_comment", []byte(githubComment))
			if tt.wantErr == nil {
				if err != nil || j == nil {
					t.Fatalf("CreateJob = %v, %v; want job", j, err)
				}
				return
			}
			if j != nil {
				t.Fatal("unauthorized event must not produce a job")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateJobMissingFields(t *testing.T) {
	c := newTestClassifier(t, nil)
	payload := `{"action":"created","issue":{"title":"x"},"comment":{"body":"@agent fix","user":{"login":"alice"}}}`

	j, err := c.CreateJob(context.Background(), "issue_comment", []byte(payload))
	if j != nil {
		t.Fatal("expected nil job")
	}
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("err = %v, want ErrMissingField", err)
	}
	for _, field := range []string{"owner", "repo", "issue_number"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q should name %s", err, field)
		}
	}
}

func TestCreateJobNotTriggering(t *testing.T) {
	c := newTestClassifier(t, nil)
	_, err := c.CreateJob(context.Background(), "push", []byte(githubComment))
	if !errors.Is(err, ErrNotTriggering) {
		t.Fatalf("err = %v, want ErrNotTriggering", err)
	}
}

func TestCreateJobIgnoresMergeRequestNotes(t *testing.T) {
	c := newTestClassifier(t, func(cfg *Config) { cfg.Platform = job.PlatformGitCode })
	j, err := c.CreateJob(context.Background(), "Note Hook", []byte(gitcodeMRNote))
	if !errors.Is(err, ErrNotTriggering) {
		t.Fatalf("err = %v, want ErrNotTriggering", err)
	}
	if j != nil {
		t.Fatalf("job = %+v, want nil", j)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty bot name")
	}
	if _, err := New(Config{BotName: "bot", Patterns: []string{"("}}); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestCustomPatternsAndMarkers(t *testing.T) {
	c := newTestClassifier(t, func(cfg *Config) {
		cfg.Patterns = []string{`/bot\s+repair`}
		cfg.StatusMarkers = []string{"[fixbot]"}
	})
	ctx := context.Background()

	hit := strings.Replace(githubComment, "@agent fix this bug", "/bot repair", 1)
	if !c.ShouldProcess(ctx, "issue_comment", []byte(hit)) {
		t.Fatal("custom pattern should trigger")
	}
	if c.ShouldProcess(ctx, "issue_comment", []byte(githubComment)) {
		t.Fatal("default patterns should be replaced by custom ones")
	}
	marked := strings.Replace(githubComment, "@agent fix this bug", "[FixBot] /bot repair", 1)
	if c.ShouldProcess(ctx, "issue_comment", []byte(marked)) {
		t.Fatal("custom marker should suppress trigger")
	}
}
