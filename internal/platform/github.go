package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/cexll/fixbot/internal/job"
)

// GitHubOptions configures the GitHub client.
type GitHubOptions struct {
	APIURL  string
	GitHost string
	Timeout time.Duration
}

// GitHub implements Client using the REST API, plus GraphQL for draft transitions.
type GitHub struct {
	tokens     TokenProvider
	baseURL    *url.URL
	graphqlURL string
	gitHost    string
	timeout    time.Duration
}

var _ Client = (*GitHub)(nil)

// NewGitHub creates a GitHub client.
func NewGitHub(tokens TokenProvider, opts GitHubOptions) (*GitHub, error) {
	if tokens == nil {
		return nil, errors.New("github: token provider is required")
	}
	if opts.APIURL == "" {
		opts.APIURL = "https://api.github.com/"
	}
	if opts.GitHost == "" {
		opts.GitHost = "github.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	base, err := parseBaseURL(opts.APIURL)
	if err != nil {
		return nil, fmt.Errorf("github: %w", err)
	}

	return &GitHub{
		tokens:     tokens,
		baseURL:    base,
		graphqlURL: graphqlEndpoint(base),
		gitHost:    opts.GitHost,
		timeout:    opts.Timeout,
	}, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL %q: %w", raw, err)
	}
	return u, nil
}

// graphqlEndpoint maps a REST base to its GraphQL endpoint.
// GitHub Enterprise serves REST under /api/v3/ and GraphQL under /api/graphql.
func graphqlEndpoint(base *url.URL) string {
	u := *base
	if strings.HasSuffix(u.Path, "/api/v3/") {
		u.Path = strings.TrimSuffix(u.Path, "v3/") + "graphql"
	} else {
		u.Path += "graphql"
	}
	return u.String()
}

// Name implements Client.
func (g *GitHub) Name() job.Platform { return job.PlatformGitHub }

// Token implements Client.
func (g *GitHub) Token(ctx context.Context, owner, repo string) (string, error) {
	return g.tokens.Token(ctx, owner, repo)
}

// CloneURL implements Client.
func (g *GitHub) CloneURL(owner, repo, token string) string {
	return fmt.Sprintf("https://x-access-token:%s@%s/%s/%s.git", token, g.gitHost, owner, repo)
}

func (g *GitHub) rest(ctx context.Context, owner, repo string) (*github.Client, error) {
	token, err := g.tokens.Token(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("github token: %w", err)
	}
	c := github.NewClient(&http.Client{Timeout: g.timeout}).WithAuthToken(token)
	c.BaseURL = g.baseURL
	return c, nil
}

func (g *GitHub) graphql(ctx context.Context, owner, repo string) (*githubv4.Client, error) {
	token, err := g.tokens.Token(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("github token: %w", err)
	}
	base := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: g.timeout})
	httpClient := oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	return githubv4.NewEnterpriseClient(g.graphqlURL, httpClient), nil
}

// GetRepo implements Client.
func (g *GitHub) GetRepo(ctx context.Context, owner, repo string) (*Repository, error) {
	c, err := g.rest(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	r, resp, err := c.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, wrapGitHubErr("get repository", resp, err)
	}
	return &Repository{
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
	}, nil
}

// GetIssue implements Client.
func (g *GitHub) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	c, err := g.rest(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	issue, resp, err := c.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, wrapGitHubErr("get issue", resp, err)
	}
	return &Issue{
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		State:  issue.GetState(),
		Author: issue.GetUser().GetLogin(),
	}, nil
}

// CommentIssue implements Client.
func (g *GitHub) CommentIssue(ctx context.Context, owner, repo string, number int, body string) error {
	c, err := g.rest(ctx, owner, repo)
	if err != nil {
		return err
	}
	_, resp, err := c.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.String(body)})
	return wrapGitHubErr("comment on issue", resp, err)
}

// CommentPR implements Client. Pull request conversation comments are issue comments on GitHub.
func (g *GitHub) CommentPR(ctx context.Context, owner, repo string, number int, body string) error {
	c, err := g.rest(ctx, owner, repo)
	if err != nil {
		return err
	}
	_, resp, err := c.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.String(body)})
	return wrapGitHubErr("comment on pull request", resp, err)
}

// CreatePR implements Client.
func (g *GitHub) CreatePR(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error) {
	c, err := g.rest(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	created, resp, err := c.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(pr.Title),
		Head:  github.String(pr.Head),
		Base:  github.String(pr.Base),
		Body:  github.String(pr.Body),
		Draft: github.Bool(pr.Draft),
	})
	if err != nil {
		return nil, wrapGitHubErr("create pull request", resp, err)
	}
	return &PullRequest{
		Number: created.GetNumber(),
		URL:    created.GetHTMLURL(),
		Draft:  created.GetDraft(),
	}, nil
}

// UpdatePRBody implements Client.
func (g *GitHub) UpdatePRBody(ctx context.Context, owner, repo string, number int, body string) error {
	c, err := g.rest(ctx, owner, repo)
	if err != nil {
		return err
	}
	_, resp, err := c.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{Body: github.String(body)})
	return wrapGitHubErr("update pull request", resp, err)
}

// MarkPRReady implements Client. The REST API cannot leave draft state, so this
// resolves the node id and runs the GraphQL mutation.
func (g *GitHub) MarkPRReady(ctx context.Context, owner, repo string, number int) error {
	c, err := g.rest(ctx, owner, repo)
	if err != nil {
		return err
	}
	pr, resp, err := c.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return wrapGitHubErr("get pull request", resp, err)
	}
	if !pr.GetDraft() {
		return nil
	}

	gql, err := g.graphql(ctx, owner, repo)
	if err != nil {
		return err
	}
	var m struct {
		MarkPullRequestReadyForReview struct {
			PullRequest struct {
				IsDraft bool
			}
		} `graphql:"markPullRequestReadyForReview(input: $input)"`
	}
	input := githubv4.MarkPullRequestReadyForReviewInput{PullRequestID: githubv4.ID(pr.GetNodeID())}
	if err := gql.Mutate(ctx, &m, input, nil); err != nil {
		return fmt.Errorf("mark pull request ready: %w", err)
	}
	if m.MarkPullRequestReadyForReview.PullRequest.IsDraft {
		return fmt.Errorf("mark pull request ready: #%d is still a draft", number)
	}
	return nil
}

func wrapGitHubErr(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
