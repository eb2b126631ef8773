package classifier

import (
	"fmt"
	"strings"
)

// authorize applies the user and repository allow-lists. An empty list allows everyone.
func (c *Classifier) authorize(actor, owner, repo string) error {
	if !allowed(c.cfg.AllowedUsers, actor) {
		return fmt.Errorf("%w: user %q", ErrUnauthorized, actor)
	}
	if !allowed(c.cfg.AllowedRepos, owner+"/"+repo) {
		return fmt.Errorf("%w: repository %s/%s", ErrUnauthorized, owner, repo)
	}
	return nil
}

func allowed(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), value) {
			return true
		}
	}
	return false
}
