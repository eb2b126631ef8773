// Package platform wraps the hosting platform APIs the bot talks to.
package platform

import (
	"context"
	"errors"

	"github.com/cexll/fixbot/internal/job"
)

// ErrNotFound is returned when the platform reports a missing resource.
var ErrNotFound = errors.New("resource not found")

// Repository is the repository metadata the bot needs.
type Repository struct {
	Owner         string
	Name          string
	DefaultBranch string
	Private       bool
}

// Issue is an issue as seen by the bot.
type Issue struct {
	Number int
	Title  string
	Body   string
	State  string
	Author string
}

// PullRequest is a created or fetched pull request.
type PullRequest struct {
	Number int
	URL    string
	Draft  bool
}

// NewPullRequest describes a pull request to open.
type NewPullRequest struct {
	Head  string
	Base  string
	Title string
	Body  string
	Draft bool
}

// Client is the issue and pull request capability used by the orchestrator.
// GitHub and GitCode implement it with identical semantics.
type Client interface {
	Name() job.Platform
	GetRepo(ctx context.Context, owner, repo string) (*Repository, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error)
	CommentIssue(ctx context.Context, owner, repo string, number int, body string) error
	CreatePR(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error)
	UpdatePRBody(ctx context.Context, owner, repo string, number int, body string) error
	MarkPRReady(ctx context.Context, owner, repo string, number int) error
	CommentPR(ctx context.Context, owner, repo string, number int, body string) error
	// Token returns an access token usable for git transport on the repository.
	Token(ctx context.Context, owner, repo string) (string, error)
	// CloneURL returns an authenticated clone URL.
	CloneURL(owner, repo, token string) string
}

// TokenProvider supplies access tokens for a repository.
type TokenProvider interface {
	Token(ctx context.Context, owner, repo string) (string, error)
}

// StaticToken is a TokenProvider backed by a fixed personal token.
type StaticToken string

// Token implements TokenProvider.
func (s StaticToken) Token(context.Context, string, string) (string, error) {
	if s == "" {
		return "", errors.New("no access token configured")
	}
	return string(s), nil
}
