package syncer

import (
	"strings"

	"github.com/gitlab-students-monitor/gsm/pkg/config"
	"github.com/gitlab-students-monitor/gsm/pkg/store"
)

// Owns reports whether actor is the account holder expected to have
// triggered a pipeline or job. The comparison is exact and
// case-sensitive; an empty actor owns nothing.
func Owns(expectedAccount, actor string) bool {
	return actor != "" && actor == expectedAccount
}

// acceptedStatuses are the terminal pipeline statuses admitted as Runs.
// Anything else is left alone and reconsidered on the next sync.
var acceptedStatuses = map[string]struct{}{
	store.StatusSuccess:  {},
	store.StatusFailed:   {},
	store.StatusCanceled: {},
}

func accepted(status string) bool {
	_, ok := acceptedStatuses[status]

	return ok
}

// exerciseName maps a repository name onto the exercise name it is
// matched against under the given scheme. With MatchPrefix the
// repository must be named "{account}-{exercise}".
func exerciseName(scheme, accountName, repoName string) (string, bool) {
	if scheme != config.MatchPrefix {
		return repoName, true
	}

	name, ok := strings.CutPrefix(repoName, accountName+"-")
	if !ok || name == "" {
		return "", false
	}

	return name, true
}
