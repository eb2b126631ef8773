package job

import (
	"fmt"
	"regexp"
	"time"
)

const branchTimeLayout = "0102-150405"

var branchPattern = regexp.MustCompile(`^agent/fix-\d+-\d{4}-\d{6}$`)

// BranchName derives the working branch for an issue from the job creation time.
// The UTC timestamp keeps repeated runs on one issue from colliding on the remote.
func BranchName(issueNumber int, created time.Time) string {
	return fmt.Sprintf("agent/fix-%d-%s", issueNumber, created.UTC().Format(branchTimeLayout))
}

// IsAgentBranch reports whether name looks like a branch produced by BranchName.
func IsAgentBranch(name string) bool {
	return branchPattern.MatchString(name)
}
