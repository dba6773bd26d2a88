package api

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/gitlab-students-monitor/gsm/pkg/config"
)

// linker builds deep links into the upstream web UI. All links are empty
// when no base URL is configured.
type linker struct {
	base   string
	prefix bool
}

func newLinker(base, match string) linker {
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}

	return linker{base: base, prefix: match == config.MatchPrefix}
}

func (l linker) account(account string) string {
	if l.base == "" {
		return ""
	}

	return l.base + url.PathEscape(account)
}

func (l linker) submission(account, exercise string) string {
	if l.base == "" {
		return ""
	}

	repo := exercise
	if l.prefix {
		repo = account + "-" + exercise
	}

	return l.account(account) + "/" + url.PathEscape(repo)
}

func (l linker) run(account, exercise string, id int64) string {
	if l.base == "" {
		return ""
	}

	return l.submission(account, exercise) + "/-/pipelines/" +
		strconv.FormatInt(id, 10)
}

func (l linker) runStep(account, exercise string, id int64) string {
	if l.base == "" {
		return ""
	}

	return l.submission(account, exercise) + "/-/jobs/" +
		strconv.FormatInt(id, 10)
}
