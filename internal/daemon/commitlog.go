package daemon

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/vcs"
)

// CommitEntry is a commit seen by the commit-log watcher.
type CommitEntry struct {
	Hash    string
	Subject string
	Time    time.Time

	// Managed is set for commits written by the state manager, recognised
	// by their envelope trailer
	Managed bool

	// AffectedFiles lists the documents the commit touched, repo-relative
	AffectedFiles []string
}

// CommitLogConfig configures WatchCommits.
type CommitLogConfig struct {
	// PollInterval is how often to check for new commits (default: 500ms)
	PollInterval time.Duration

	// DocsDir limits AffectedFiles to documents under it (default: "docs")
	DocsDir string

	// LastHash is the commit to start watching from; when empty only the
	// current HEAD is reported on the first poll
	LastHash string

	// Depth is how many recent commits are inspected per poll (default: 50)
	Depth int

	Logger *log.Logger
}

// CommitCallback receives new commits, oldest first. An error is logged and
// watching continues.
type CommitCallback func(entries []CommitEntry) error

// WatchCommits polls the current branch for new commits and calls callback.
// It blocks until ctx is cancelled.
func WatchCommits(ctx context.Context, v vcs.VCS, config CommitLogConfig, callback CommitCallback) error {
	if config.PollInterval == 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.DocsDir == "" {
		config.DocsDir = "docs"
	}
	if config.Depth <= 0 {
		config.Depth = 50
	}
	if config.Logger == nil {
		config.Logger = log.New(log.Writer(), "[commits] ", log.LstdFlags)
	}

	lastSeen := config.LastHash
	ticker := time.NewTicker(config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			commits, err := v.Log(ctx, vcs.LogQuery{Limit: config.Depth})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				config.Logger.Printf("failed to read log: %v", err)
				continue
			}
			if len(commits) == 0 {
				continue
			}

			fresh := findNewCommits(commits, lastSeen)
			lastSeen = commits[0].Hash
			if len(fresh) == 0 {
				continue
			}
			reverse(fresh)

			entries := make([]CommitEntry, 0, len(fresh))
			for _, c := range fresh {
				e := newEntry(c)
				files, err := AffectedFiles(ctx, v, c.Hash, config.DocsDir)
				if err != nil {
					config.Logger.Printf("failed to list files of %s: %v", shortHash(c.Hash), err)
				}
				e.AffectedFiles = files
				entries = append(entries, e)
			}

			if err := callback(entries); err != nil {
				config.Logger.Printf("callback error: %v", err)
			}
		}
	}
}

func newEntry(c vcs.CommitInfo) CommitEntry {
	_, managed := history.ParseTrailers(c.Body)[history.TrailerEnvelope]
	return CommitEntry{
		Hash:    c.Hash,
		Subject: c.Subject,
		Time:    c.Time,
		Managed: managed,
	}
}

// AffectedFiles lists the files under docsDir changed by commit.
func AffectedFiles(ctx context.Context, v vcs.VCS, commit, docsDir string) ([]string, error) {
	out, err := v.Exec(ctx, "show", "--name-only", "--format=", commit)
	if err != nil {
		return nil, err
	}
	return parseAffectedFiles(out, docsDir), nil
}

// parseAffectedFiles filters `git show --name-only` output to the files
// under docsDir, deduplicated and in order.
func parseAffectedFiles(output []byte, docsDir string) []string {
	var files []string
	seen := make(map[string]bool)
	prefix := strings.TrimSuffix(docsDir, "/") + "/"

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, prefix) || seen[line] {
			continue
		}
		seen[line] = true
		files = append(files, line)
	}
	return files
}

// findNewCommits returns the commits newer than lastSeen, newest first.
// With no lastSeen, or when lastSeen is no longer in the window (history
// was rewritten), only the newest commit is returned.
func findNewCommits(commits []vcs.CommitInfo, lastSeen string) []vcs.CommitInfo {
	if len(commits) == 0 {
		return nil
	}
	if lastSeen != "" {
		for i, c := range commits {
			if c.Hash == lastSeen {
				return commits[:i]
			}
		}
	}
	return commits[:1]
}

func reverse(commits []vcs.CommitInfo) {
	for i := 0; i < len(commits)/2; i++ {
		j := len(commits) - 1 - i
		commits[i], commits[j] = commits[j], commits[i]
	}
}

// LatestCommit returns the hash of HEAD.
func LatestCommit(ctx context.Context, v vcs.VCS) (string, error) {
	hash, err := v.GetCommitHash(ctx, "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return hash, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
