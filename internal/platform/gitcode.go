package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cexll/fixbot/internal/job"
)

// GitCodeOptions configures the GitCode client.
type GitCodeOptions struct {
	APIURL  string
	GitHost string
	Timeout time.Duration
}

// GitCode implements Client against the GitCode v5 REST API.
type GitCode struct {
	tokens  TokenProvider
	baseURL string
	gitHost string
	http    *http.Client
}

var _ Client = (*GitCode)(nil)

// NewGitCode creates a GitCode client.
func NewGitCode(tokens TokenProvider, opts GitCodeOptions) (*GitCode, error) {
	if tokens == nil {
		return nil, errors.New("gitcode: token provider is required")
	}
	if opts.APIURL == "" {
		opts.APIURL = "https://api.gitcode.com/api/v5"
	}
	if opts.GitHost == "" {
		opts.GitHost = "gitcode.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &GitCode{
		tokens:  tokens,
		baseURL: strings.TrimSuffix(opts.APIURL, "/"),
		gitHost: opts.GitHost,
		http:    &http.Client{Timeout: opts.Timeout},
	}, nil
}

// Name implements Client.
func (g *GitCode) Name() job.Platform { return job.PlatformGitCode }

// Token implements Client.
func (g *GitCode) Token(ctx context.Context, owner, repo string) (string, error) {
	return g.tokens.Token(ctx, owner, repo)
}

// CloneURL implements Client.
func (g *GitCode) CloneURL(owner, repo, token string) string {
	return fmt.Sprintf("https://oauth2:%s@%s/%s/%s.git", token, g.gitHost, owner, repo)
}

type gitcodeUser struct {
	Login    string `json:"login"`
	Username string `json:"username"`
}

func (u gitcodeUser) name() string {
	if u.Login != "" {
		return u.Login
	}
	return u.Username
}

// GetRepo implements Client.
func (g *GitCode) GetRepo(ctx context.Context, owner, repo string) (*Repository, error) {
	var out struct {
		Name          string      `json:"name"`
		Path          string      `json:"path"`
		DefaultBranch string      `json:"default_branch"`
		Private       bool        `json:"private"`
		Owner         gitcodeUser `json:"owner"`
	}
	if err := g.do(ctx, owner, repo, http.MethodGet, repoPath(owner, repo), nil, &out); err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	name := out.Path
	if name == "" {
		name = out.Name
	}
	return &Repository{Owner: out.Owner.name(), Name: name, DefaultBranch: out.DefaultBranch, Private: out.Private}, nil
}

// GetIssue implements Client.
func (g *GitCode) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var out struct {
		Title string      `json:"title"`
		Body  string      `json:"body"`
		State string      `json:"state"`
		User  gitcodeUser `json:"user"`
	}
	path := fmt.Sprintf("%s/issues/%d", repoPath(owner, repo), number)
	if err := g.do(ctx, owner, repo, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return &Issue{Number: number, Title: out.Title, Body: out.Body, State: out.State, Author: out.User.name()}, nil
}

// CommentIssue implements Client.
func (g *GitCode) CommentIssue(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("%s/issues/%d/comments", repoPath(owner, repo), number)
	if err := g.do(ctx, owner, repo, http.MethodPost, path, map[string]string{"body": body}, nil); err != nil {
		return fmt.Errorf("comment on issue: %w", err)
	}
	return nil
}

// CommentPR implements Client.
func (g *GitCode) CommentPR(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("%s/pulls/%d/comments", repoPath(owner, repo), number)
	if err := g.do(ctx, owner, repo, http.MethodPost, path, map[string]string{"body": body}, nil); err != nil {
		return fmt.Errorf("comment on pull request: %w", err)
	}
	return nil
}

// CreatePR implements Client. GitCode rejects the draft field on creation, so a
// requested draft is applied with a follow-up update.
func (g *GitCode) CreatePR(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error) {
	req := map[string]string{
		"title": pr.Title,
		"head":  pr.Head,
		"base":  pr.Base,
		"body":  pr.Body,
	}
	var out struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
		Draft   bool   `json:"draft"`
	}
	if err := g.do(ctx, owner, repo, http.MethodPost, repoPath(owner, repo)+"/pulls", req, &out); err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	if out.Number <= 0 {
		return nil, errors.New("create pull request: response has no number")
	}

	created := &PullRequest{Number: out.Number, URL: out.HTMLURL, Draft: out.Draft}
	if pr.Draft && !out.Draft {
		if err := g.setDraft(ctx, owner, repo, out.Number, true); err == nil {
			created.Draft = true
		}
	}
	return created, nil
}

// UpdatePRBody implements Client.
func (g *GitCode) UpdatePRBody(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("%s/pulls/%d", repoPath(owner, repo), number)
	if err := g.do(ctx, owner, repo, http.MethodPatch, path, map[string]string{"body": body}, nil); err != nil {
		return fmt.Errorf("update pull request: %w", err)
	}
	return nil
}

// MarkPRReady implements Client.
func (g *GitCode) MarkPRReady(ctx context.Context, owner, repo string, number int) error {
	if err := g.setDraft(ctx, owner, repo, number, false); err != nil {
		return fmt.Errorf("mark pull request ready: %w", err)
	}
	return nil
}

func (g *GitCode) setDraft(ctx context.Context, owner, repo string, number int, draft bool) error {
	path := fmt.Sprintf("%s/pulls/%d", repoPath(owner, repo), number)
	return g.do(ctx, owner, repo, http.MethodPatch, path, map[string]bool{"draft": draft}, nil)
}

func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

func (g *GitCode) do(ctx context.Context, owner, repo, method, path string, in, out any) error {
	token, err := g.tokens.Token(ctx, owner, repo)
	if err != nil {
		return fmt.Errorf("gitcode token: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GitCode API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
