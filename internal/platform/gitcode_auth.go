package platform

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// GitCodeApp mints GitCode tokens with the OAuth2 client-credentials grant and
// caches them until five minutes before expiry.
type GitCodeApp struct {
	source oauth2.TokenSource
}

// NewGitCodeApp creates a token provider for a GitCode OAuth application.
func NewGitCodeApp(apiURL, clientID, clientSecret string, timeout time.Duration) *GitCodeApp {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     strings.TrimSuffix(apiURL, "/") + "/oauth/token",
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	return &GitCodeApp{
		source: oauth2.ReuseTokenSourceWithExpiry(nil, fetchSource{cfg: cfg, ctx: ctx}, tokenRefreshMargin),
	}
}

// Token implements TokenProvider. The token is app-wide, not per repository.
func (a *GitCodeApp) Token(context.Context, string, string) (string, error) {
	tok, err := a.source.Token()
	if err != nil {
		return "", fmt.Errorf("gitcode oauth: %w", err)
	}
	return tok.AccessToken, nil
}

// fetchSource requests a new token on every call; caching is left to the
// ReuseTokenSource wrapping it so the early-refresh margin is honored.
type fetchSource struct {
	cfg *clientcredentials.Config
	ctx context.Context
}

func (f fetchSource) Token() (*oauth2.Token, error) {
	return f.cfg.Token(f.ctx)
}
