package classifier

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Webhook payloads nest the same logical value differently per platform and event.
// Each logical field is read through an ordered list of paths; the first non-empty wins.

type eventKind int

const (
	eventUnsupported eventKind = iota
	eventIssue
	eventComment
)

func kindOf(eventType string) eventKind {
	switch eventType {
	case "issues", "Issue Hook":
		return eventIssue
	case "issue_comment", "Note Hook":
		return eventComment
	default:
		return eventUnsupported
	}
}

var (
	actionPaths = []string{"action", "object_attributes.action"}

	ownerPaths      = []string{"project.namespace", "repository.owner"}
	ownerSplitPaths = []string{"project.path_with_namespace", "repository.full_name", "repository.path_with_namespace"}
	repoPaths       = []string{"project.path", "project.name", "repository.path", "repository.name"}

	// API-valid issue numbers. Global ids are never used for API calls.
	issueNumberPaths   = []string{"object_attributes.number", "object_attributes.iid", "issue.number", "issue.iid"}
	commentNumberPaths = []string{"issue.number", "issue.iid", "object_attributes.noteable_iid"}
	displayNumberPaths = []string{"object_attributes.id"}

	titlePaths     = []string{"issue.title", "object_attributes.title"}
	issueBodyPaths = []string{"issue.body", "object_attributes.description"}
	commentPaths   = []string{"comment.body", "object_attributes.note"}
	branchPaths    = []string{"repository.default_branch", "project.default_branch"}

	assigneePaths = []string{
		"assignees.0",
		"object_attributes.assignee",
		"object_attributes.assignees.0",
		"issue.assignee",
		"issue.assignees.0",
		"assignee",
	}
	assignActorPaths  = []string{"user", "sender"}
	issueActorPaths   = []string{"issue.user", "issue.author", "object_attributes.author", "user", "sender"}
	commentActorPaths = []string{"comment.user", "comment.author", "object_attributes.author", "user", "sender"}
)

// payload is the normalized view the classifier reads from.
type payload struct {
	root gjson.Result
}

func parsePayload(raw []byte) (payload, bool) {
	if !gjson.ValidBytes(raw) {
		return payload{}, false
	}
	root := gjson.ParseBytes(raw)
	return payload{root: root}, root.IsObject()
}

func (p payload) str(paths ...string) string {
	for _, path := range paths {
		r := p.root.Get(path)
		if r.Type == gjson.String || r.Type == gjson.Number {
			if v := strings.TrimSpace(r.String()); v != "" {
				return v
			}
		}
	}
	return ""
}

func (p payload) positiveInt(paths ...string) int {
	for _, path := range paths {
		r := p.root.Get(path)
		if !r.Exists() {
			continue
		}
		if n := r.Int(); n > 0 {
			return int(n)
		}
	}
	return 0
}

// user reads an account name from a value that is either a string or an object.
func (p payload) user(paths ...string) string {
	for _, path := range paths {
		if name := userName(p.root.Get(path)); name != "" {
			return name
		}
	}
	return ""
}

// users collects every account name found under paths, in order.
func (p payload) users(paths ...string) []string {
	var out []string
	for _, path := range paths {
		if name := userName(p.root.Get(path)); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func userName(r gjson.Result) string {
	switch {
	case r.Type == gjson.String:
		return strings.TrimSpace(r.String())
	case r.IsObject():
		for _, key := range []string{"username", "login", "name"} {
			if v := strings.TrimSpace(r.Get(key).String()); v != "" {
				return v
			}
		}
	}
	return ""
}

func (p payload) action() string {
	return strings.ToLower(p.str(actionPaths...))
}

func (p payload) owner() string {
	if o := p.user(ownerPaths...); o != "" {
		return o
	}
	for _, path := range ownerSplitPaths {
		full := p.str(path)
		if i := strings.LastIndex(full, "/"); i > 0 {
			return full[:i]
		}
	}
	return ""
}

func (p payload) repo() string {
	if r := p.str(repoPaths...); r != "" {
		return r
	}
	for _, path := range ownerSplitPaths {
		full := p.str(path)
		if i := strings.LastIndex(full, "/"); i >= 0 && i < len(full)-1 {
			return full[i+1:]
		}
	}
	return ""
}

func (p payload) issueNumber(kind eventKind) int {
	if kind == eventComment {
		return p.positiveInt(commentNumberPaths...)
	}
	return p.positiveInt(issueNumberPaths...)
}

func (p payload) text(kind eventKind) string {
	if kind == eventComment {
		return p.str(commentPaths...)
	}
	return p.str(issueBodyPaths...)
}

func (p payload) actor(kind eventKind, assignment bool) string {
	switch {
	case assignment:
		return p.user(assignActorPaths...)
	case kind == eventComment:
		return p.user(commentActorPaths...)
	default:
		return p.user(issueActorPaths...)
	}
}

func (p payload) commentAuthorIsBot() bool {
	return strings.EqualFold(p.root.Get("comment.user.type").String(), "Bot")
}
