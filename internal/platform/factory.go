package platform

import (
	"fmt"

	"github.com/cexll/fixbot/internal/config"
)

// FromConfig builds the Client selected by the PLATFORM setting.
func FromConfig(cfg *config.Config) (Client, error) {
	switch cfg.Platform {
	case "github":
		var tokens TokenProvider
		if cfg.GitHub.Token != "" {
			tokens = StaticToken(cfg.GitHub.Token)
		} else {
			tokens = &AppAuth{
				AppID:      cfg.GitHub.AppID,
				PrivateKey: cfg.GitHub.PrivateKey,
				APIURL:     cfg.GitHub.APIURL,
				Timeout:    cfg.PlatformTimeout,
			}
		}
		return NewGitHub(tokens, GitHubOptions{
			APIURL:  cfg.GitHub.APIURL,
			GitHost: cfg.GitHub.GitHost,
			Timeout: cfg.PlatformTimeout,
		})
	case "gitcode":
		var tokens TokenProvider
		if pat := cfg.GitCode.PersonalToken(); pat != "" {
			tokens = StaticToken(pat)
		} else {
			tokens = NewGitCodeApp(cfg.GitCode.APIURL, cfg.GitCode.AppID, cfg.GitCode.AppSecret, cfg.PlatformTimeout)
		}
		return NewGitCode(tokens, GitCodeOptions{
			APIURL:  cfg.GitCode.APIURL,
			GitHost: cfg.GitCode.GitHost,
			Timeout: cfg.PlatformTimeout,
		})
	default:
		return nil, fmt.Errorf("unsupported platform: %s", cfg.Platform)
	}
}
