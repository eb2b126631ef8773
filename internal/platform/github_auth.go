package platform

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v66/github"
)

// tokenRefreshMargin is how long before expiry a cached token is replaced.
const tokenRefreshMargin = 5 * time.Minute

var nowFunc = time.Now

// AppAuth holds GitHub App authentication configuration
type AppAuth struct {
	AppID      string
	PrivateKey string
	// APIURL defaults to https://api.github.com/
	APIURL  string
	Timeout time.Duration

	mu    sync.Mutex
	cache map[string]InstallationToken
}

// InstallationToken represents a GitHub App installation access token
type InstallationToken struct {
	Token     string
	ExpiresAt time.Time
}

func (t InstallationToken) fresh(now time.Time) bool {
	return t.Token != "" && now.Add(tokenRefreshMargin).Before(t.ExpiresAt)
}

// GenerateJWT creates a JWT token for GitHub App authentication
func (a *AppAuth) GenerateJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(a.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse private key: %w", err)
	}

	appID, err := strconv.ParseInt(a.AppID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid app ID: %w", err)
	}

	// Backdate issuance to tolerate clock drift with GitHub.
	now := nowFunc()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    strconv.FormatInt(appID, 10),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}

	return signedToken, nil
}

// Token returns a cached installation token for the repository, minting a new
// one when the cached token is within the refresh margin of expiry.
func (a *AppAuth) Token(ctx context.Context, owner, repo string) (string, error) {
	key := owner + "/" + repo

	a.mu.Lock()
	cached, ok := a.cache[key]
	a.mu.Unlock()
	if ok && cached.fresh(nowFunc()) {
		return cached.Token, nil
	}

	tok, err := a.GetInstallationToken(ctx, owner, repo)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	if a.cache == nil {
		a.cache = make(map[string]InstallationToken)
	}
	a.cache[key] = *tok
	a.mu.Unlock()

	return tok.Token, nil
}

// GetInstallationToken gets an installation access token for a repository
func (a *AppAuth) GetInstallationToken(ctx context.Context, owner, repo string) (*InstallationToken, error) {
	jwtToken, err := a.GenerateJWT()
	if err != nil {
		return nil, err
	}

	client, err := a.appClient(jwtToken)
	if err != nil {
		return nil, err
	}

	installation, _, err := client.Apps.FindRepositoryInstallation(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to get installation for %s/%s: %w", owner, repo, err)
	}

	token, _, err := client.Apps.CreateInstallationToken(ctx, installation.GetID(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	return &InstallationToken{
		Token:     token.GetToken(),
		ExpiresAt: token.GetExpiresAt().Time,
	}, nil
}

func (a *AppAuth) appClient(jwtToken string) (*github.Client, error) {
	apiURL := a.APIURL
	if apiURL == "" {
		apiURL = "https://api.github.com/"
	}
	base, err := parseBaseURL(apiURL)
	if err != nil {
		return nil, err
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := github.NewClient(&http.Client{Timeout: timeout}).WithAuthToken(jwtToken)
	client.BaseURL = base
	return client, nil
}
