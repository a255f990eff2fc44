package git

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/relaywork/workstate/internal/vcs"
)

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
	logFormat = "--format=%H%x1f%an%x1f%at%x1f%s%x1f%b%x1e"
)

// Log returns commits matching q, newest first. An unborn branch has no
// history and yields an empty result.
func (g *Git) Log(ctx context.Context, q vcs.LogQuery) ([]vcs.CommitInfo, error) {
	ref := q.Ref
	if ref == "" {
		ref = "HEAD"
	}
	if _, err := g.GetCommitHash(ctx, ref); err != nil {
		if ref == "HEAD" {
			return nil, nil
		}
		return nil, err
	}

	args := []string{"log", logFormat}
	if q.Limit > 0 {
		args = append(args, "-n", strconv.Itoa(q.Limit))
	}
	if q.Grep != "" {
		args = append(args, "--fixed-strings", "--grep="+q.Grep)
	}
	if !q.Since.IsZero() {
		args = append(args, "--since="+q.Since.UTC().Format(time.RFC3339))
	}
	args = append(args, ref)
	if len(q.Paths) > 0 {
		args = append(args, "--")
		args = append(args, q.Paths...)
	}

	output, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	return parseLog(string(output)), nil
}

// parseLog splits the custom log format into commits.
func parseLog(output string) []vcs.CommitInfo {
	var commits []vcs.CommitInfo

	for _, rec := range strings.Split(output, recordSep) {
		rec = strings.TrimLeft(rec, "\n")
		if rec == "" {
			continue
		}

		fields := strings.SplitN(rec, fieldSep, 5)
		if len(fields) < 5 {
			continue
		}

		c := vcs.CommitInfo{
			Hash:    fields[0],
			Author:  fields[1],
			Subject: fields[3],
			Body:    strings.TrimSpace(fields[4]),
		}
		if ts, err := strconv.ParseInt(fields[2], 10, 64); err == nil {
			c.Time = time.Unix(ts, 0)
		}
		commits = append(commits, c)
	}

	return commits
}
