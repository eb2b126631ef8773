package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/cexll/fixbot/internal/job"
)

var (
	// ErrNotTriggering means the event is valid but should not start a job.
	ErrNotTriggering = errors.New("event does not trigger a job")
	// ErrMissingField means a required job field could not be extracted.
	ErrMissingField = errors.New("required field missing from payload")
	// ErrUnauthorized means the actor or repository is not allow-listed.
	ErrUnauthorized = errors.New("actor or repository not authorized")
)

var (
	nowFunc = time.Now
	newID   = uuid.NewString
)

// Config controls trigger matching and authorization.
type Config struct {
	Platform      job.Platform
	BotName       string
	BotUsername   string
	Patterns      []string
	StatusMarkers []string
	AllowedUsers  []string
	AllowedRepos  []string
}

// Decision is the outcome of classifying one webhook event.
type Decision struct {
	Process    bool
	Reason     string
	Trigger    job.TriggerKind
	Assignment bool
}

// Classifier decides which webhook events start a job and builds the job.
type Classifier struct {
	cfg      Config
	triggers []trigger
	markers  []string
}

// New compiles the trigger patterns and returns a Classifier.
func New(cfg Config) (*Classifier, error) {
	if strings.TrimSpace(cfg.BotName) == "" {
		return nil, fmt.Errorf("classifier: bot name is required")
	}
	if cfg.BotUsername == "" {
		cfg.BotUsername = cfg.BotName
	}
	if cfg.Platform == "" {
		cfg.Platform = job.PlatformGitHub
	}

	triggers, err := compileTriggers(cfg.Patterns, cfg.BotName)
	if err != nil {
		return nil, err
	}

	markers := cfg.StatusMarkers
	if len(markers) == 0 {
		markers = DefaultStatusMarkers
	}

	return &Classifier{cfg: cfg, triggers: triggers, markers: markers}, nil
}

// ShouldProcess reports whether the event should start a job.
func (c *Classifier) ShouldProcess(ctx context.Context, eventType string, raw []byte) bool {
	return c.Classify(ctx, eventType, raw).Process
}

// Classify checks, in order: event allow-list, assignment to the bot, the
// recursion guard, and finally the ordered mention patterns.
func (c *Classifier) Classify(ctx context.Context, eventType string, raw []byte) Decision {
	kind := kindOf(eventType)
	if kind == eventUnsupported {
		return ignore("unsupported event type: %s", eventType)
	}

	p, ok := parsePayload(raw)
	if !ok {
		return ignore("payload is not a JSON object")
	}

	action := p.action()

	if kind == eventIssue && c.isAssignment(eventType, action, p) {
		return Decision{Process: true, Reason: "assigned to bot", Trigger: job.TriggerAssignment, Assignment: true}
	}

	switch kind {
	case eventIssue:
		if action != "" && action != "opened" && action != "open" {
			return ignore("issue action %q is not a trigger", action)
		}
	case eventComment:
		if action != "" && action != "created" && action != "create" {
			return ignore("comment action %q is not a trigger", action)
		}
		if p.root.Get("issue.pull_request").Exists() || p.root.Get("merge_request").Exists() {
			return ignore("comment is on a pull request")
		}
		if nt := p.str("object_attributes.noteable_type"); nt != "" && !strings.EqualFold(nt, "Issue") {
			return ignore("note is on a %s, not an issue", nt)
		}
		if author := p.user(commentActorPaths...); c.isSelf(author) || p.commentAuthorIsBot() {
			return ignore("comment authored by bot %q", author)
		}
	}

	text := p.text(kind)
	if text == "" {
		return ignore("no text to match")
	}

	if kind == eventComment {
		if m, found := containsMarker(c.markers, text); found {
			clog.FromContext(ctx).Debugf("Ignoring bot status comment (marker %q)", m)
			return ignore("bot status comment")
		}
	}

	t, found := match(c.triggers, text)
	if !found {
		return ignore("Not a triggering event")
	}
	return Decision{Process: true, Reason: "matched " + t.pattern, Trigger: t.kind}
}

// CreateJob classifies the event, extracts the job fields and authorizes the
// actor and repository. Any failure returns a nil job and a wrapped sentinel error.
func (c *Classifier) CreateJob(ctx context.Context, eventType string, raw []byte) (*job.Job, error) {
	log := clog.FromContext(ctx)

	d := c.Classify(ctx, eventType, raw)
	if !d.Process {
		return nil, fmt.Errorf("%w: %s", ErrNotTriggering, d.Reason)
	}

	p, _ := parsePayload(raw)
	kind := kindOf(eventType)

	j := &job.Job{
		Platform:              c.cfg.Platform,
		EventType:             eventType,
		Trigger:               d.Trigger,
		TriggeredByAssignment: d.Assignment,
		Owner:                 p.owner(),
		Repo:                  p.repo(),
		IssueNumber:           p.issueNumber(kind),
		DisplayNumber:         p.positiveInt(displayNumberPaths...),
		IssueTitle:            p.str(titlePaths...),
		IssueBody:             p.str(issueBodyPaths...),
		DefaultBranch:         p.str(branchPaths...),
		Actor:                 p.actor(kind, d.Assignment),
	}
	if kind == eventComment {
		// object_attributes describes the note, not the issue
		j.DisplayNumber = 0
		j.IssueBody = p.str("issue.body", "issue.description")
	}

	if missing := missingFields(j); len(missing) > 0 {
		log.Errorf("Cannot create job for %s event: missing %s", eventType, strings.Join(missing, ", "))
		return nil, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}

	if err := c.authorize(j.Actor, j.Owner, j.Repo); err != nil {
		log.Warnf("Dropping %s event for %s/%s: %v", eventType, j.Owner, j.Repo, err)
		return nil, err
	}

	j.ID = newID()
	j.CreatedAt = nowFunc().UTC()
	j.Branch = job.BranchName(j.IssueNumber, j.CreatedAt)

	log.With("job_id", j.ID, "repo", j.FullName(), "issue", j.IssueNumber).
		Infof("Created job for %s by %s (trigger=%s)", j.DisplayRef(), j.Actor, j.Trigger)
	return j, nil
}

func (c *Classifier) isAssignment(eventType, action string, p payload) bool {
	switch action {
	case "assigned", "assign", "assignee_changed":
	case "update", "":
		// GitCode reports assignment changes as plain updates
		if eventType != "Issue Hook" {
			return false
		}
	default:
		return false
	}
	for _, name := range p.users(assigneePaths...) {
		if strings.EqualFold(name, c.cfg.BotUsername) {
			return true
		}
	}
	return false
}

func (c *Classifier) isSelf(author string) bool {
	if author == "" {
		return false
	}
	return strings.EqualFold(author, c.cfg.BotUsername) ||
		strings.EqualFold(author, c.cfg.BotName) ||
		strings.HasSuffix(strings.ToLower(author), "[bot]")
}

func missingFields(j *job.Job) []string {
	var missing []string
	if j.Owner == "" {
		missing = append(missing, "owner")
	}
	if j.Repo == "" {
		missing = append(missing, "repo")
	}
	if j.IssueNumber <= 0 {
		missing = append(missing, "issue_number")
	}
	if j.Actor == "" {
		missing = append(missing, "actor")
	}
	return missing
}

func ignore(format string, args ...any) Decision {
	return Decision{Process: false, Reason: fmt.Sprintf(format, args...)}
}
