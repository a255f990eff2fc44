package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/txn"
	"github.com/relaywork/workstate/internal/types"
	"github.com/relaywork/workstate/internal/vcs"
)

func (a *Auditor) trackedDocs(ctx context.Context) (map[string]bool, error) {
	files, err := a.vcs.ListTracked(ctx, a.layout.DocsDir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(files))
	for _, f := range files {
		out[f] = true
	}
	return out, nil
}

// checkDrift reports every dirty path. Managed documents are repairable by
// restoring their committed content.
func (a *Auditor) checkDrift(ctx context.Context) ([]Finding, error) {
	status, err := a.vcs.Status(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := txn.PendingEnvelopes(ctx, a.ro)
	if err != nil {
		return nil, err
	}
	envelopes := make(map[string][]string)
	for _, p := range pending {
		for _, id := range p.RecordIDs() {
			envelopes[id] = append(envelopes[id], p.ID)
		}
	}

	var out []Finding
	var diffPaths []string
	seen := make(map[string]int)
	for _, fs := range status {
		code := fs.Effective()
		if code == vcs.StatusUnmodified || code == vcs.StatusIgnored {
			continue
		}
		if strings.HasPrefix(fs.Path, txn.StateDir+"/") {
			continue
		}
		fresh := notInHead(fs)

		// A rename source recreated in the worktree is listed twice
		if i, ok := seen[fs.Path]; ok {
			out[i].fresh = out[i].fresh && fresh
			continue
		}
		f := Finding{Kind: UncommittedDrift, Path: fs.Path, code: code, fresh: fresh, renamedFrom: fs.OrigPath}
		if fs.StagedCode != vcs.StatusRenamed {
			f.renamedFrom = ""
		}
		if kind, key, ok := a.layout.Classify(fs.Path); ok {
			f.ID = types.RecordID(kind, key)
			f.Repairable = true
			f.Envelopes = envelopes[f.ID]
		}
		if code != vcs.StatusUntracked {
			diffPaths = append(diffPaths, fs.Path)
		}
		seen[fs.Path] = len(out)
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, nil
	}

	stats := map[string]lineStats{}
	if len(diffPaths) > 0 {
		patch, err := a.vcs.Diff(ctx, diffPaths...)
		if err != nil {
			return nil, err
		}
		if stats, err = diffStats(patch); err != nil {
			a.logger.Printf("unreadable diff: %v", err)
		}
	}
	for i := range out {
		f := &out[i]
		desc := f.code.String()
		if f.renamedFrom != "" {
			desc += " from " + f.renamedFrom
		}
		if s, ok := stats[f.Path]; ok {
			desc = fmt.Sprintf("%s, +%d -%d lines", desc, s.added, s.deleted)
		}
		if f.ID == "" {
			desc += ", not a managed document"
		}
		if n := len(f.Envelopes); n > 0 {
			desc += fmt.Sprintf(", %d interrupted envelope(s)", n)
		}
		f.Description = desc
	}
	return out, nil
}

// notInHead reports whether the path of fs has no committed content, so
// restoring it means removing it.
func notInHead(fs vcs.FileStatus) bool {
	if fs.Effective() == vcs.StatusUntracked {
		return true
	}
	switch fs.StagedCode {
	case vcs.StatusAdded, vcs.StatusRenamed, vcs.StatusCopied:
		return true
	}
	return false
}

type lineStats struct {
	added, deleted int
}

// diffStats counts changed lines per file of a unified diff.
func diffStats(patch []byte) (map[string]lineStats, error) {
	out := make(map[string]lineStats)
	if len(bytes.TrimSpace(patch)) == 0 {
		return out, nil
	}
	files, err := diff.NewMultiFileDiffReader(bytes.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return out, err
	}
	for _, fd := range files {
		name := fd.NewName
		if name == "/dev/null" {
			name = fd.OrigName
		}
		name = strings.TrimPrefix(strings.TrimPrefix(name, "b/"), "a/")

		var s lineStats
		for _, h := range fd.Hunks {
			for _, line := range strings.Split(string(h.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
					s.added++
				case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
					s.deleted++
				}
			}
		}
		out[name] = s
	}
	return out, nil
}

// checkOrphans reports live records whose document is missing or untracked.
func (a *Auditor) checkOrphans(ctx context.Context, tracked map[string]bool) ([]Finding, error) {
	recs, err := a.ro.ListRecords(ctx, index.Filter{ExcludeArchived: true})
	if err != nil {
		return nil, err
	}
	var out []Finding
	for _, rec := range recs {
		desc := ""
		switch {
		case !a.layout.Exists(rec.FilePath):
			desc = "document is missing"
		case !tracked[rec.FilePath]:
			desc = "document is not tracked"
		default:
			continue
		}
		out = append(out, Finding{
			Kind:        OrphanedRecord,
			ID:          rec.ID,
			Path:        rec.FilePath,
			Description: fmt.Sprintf("%s, record is %s", desc, rec.State),
			Repairable:  true,
		})
	}
	return out, nil
}

// claim is an unregistered document and the id it claims.
type claim struct {
	finding Finding
	claimed string

	// registeredAt is the path of an existing record with the claimed id
	registeredAt string
	invalid      error
	unreadable   bool
}

// checkUnregistered reports tracked documents that no record points at.
func (a *Auditor) checkUnregistered(ctx context.Context, tracked map[string]bool) ([]claim, error) {
	entries, _, err := a.layout.Scan()
	if err != nil {
		return nil, err
	}
	var out []claim
	for _, e := range entries {
		if !tracked[e.Path] {
			continue
		}
		if _, err := a.ro.GetRecordByPath(ctx, e.Path); err == nil {
			continue
		} else if !errors.Is(err, index.ErrNotFound) {
			return nil, err
		}

		c := claim{
			finding: Finding{Kind: UnregisteredDocument, ID: e.ID, Path: e.Path, Description: "no index record"},
			claimed: e.ID,
		}
		doc, err := a.layout.ReadRel(e.Path)
		if err != nil {
			c.unreadable = true
			c.finding.Description = err.Error()
			out = append(out, c)
			continue
		}
		if doc.FrontMatter != nil && doc.FrontMatter.ID != "" {
			c.claimed = doc.FrontMatter.ID
		}
		c.invalid = doc.Validate(e.ID)

		rec, err := a.ro.GetRecord(ctx, c.claimed)
		switch {
		case err == nil:
			c.registeredAt = rec.FilePath
		case !errors.Is(err, index.ErrNotFound):
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// resolveClaims adds unregistered findings to rep and returns the conflicts
// among them. Conflicting findings, and orphans whose id a document claims,
// are not repairable.
func resolveClaims(rep *Report, claims []claim) []*ConsistencyRepairConflict {
	byID := make(map[string][]int)
	var order []string
	for i, c := range claims {
		if c.unreadable {
			continue
		}
		if _, ok := byID[c.claimed]; !ok {
			order = append(order, c.claimed)
		}
		byID[c.claimed] = append(byID[c.claimed], i)
	}

	var conflicts []*ConsistencyRepairConflict
	blocked := make(map[string]bool)
	for _, id := range order {
		idx := byID[id]
		var conflict *ConsistencyRepairConflict
		switch first := claims[idx[0]]; {
		case len(idx) > 1:
			conflict = &ConsistencyRepairConflict{ID: id, Reason: fmt.Sprintf("claimed by %d documents", len(idx))}
		case first.registeredAt != "":
			conflict = &ConsistencyRepairConflict{
				ID:     id,
				Paths:  []string{first.registeredAt},
				Reason: "id is already registered for another document",
			}
			blocked[id] = true
		case first.invalid != nil:
			conflict = &ConsistencyRepairConflict{ID: id, Reason: first.invalid.Error()}
		}
		for _, i := range idx {
			c := claims[i]
			if conflict != nil {
				conflict.Paths = append(conflict.Paths, c.finding.Path)
				c.finding.Description = "no index record, " + conflict.Reason
			} else {
				c.finding.Repairable = true
			}
			rep.Findings = append(rep.Findings, c.finding)
		}
		if conflict != nil {
			conflicts = append(conflicts, conflict)
		}
	}
	for _, c := range claims {
		if c.unreadable {
			rep.Findings = append(rep.Findings, c.finding)
		}
	}

	for i := range rep.Findings {
		f := &rep.Findings[i]
		if f.Kind == OrphanedRecord && blocked[f.ID] {
			f.Repairable = false
		}
	}
	return conflicts
}

// checkMismatch compares each record with its committed document: the
// status marker when present, otherwise the last commit that set a state.
func (a *Auditor) checkMismatch(ctx context.Context, tracked map[string]bool) ([]Finding, error) {
	recs, err := a.ro.ListRecords(ctx, index.Filter{ExcludeArchived: true})
	if err != nil {
		return nil, err
	}
	var out []Finding
	for _, rec := range recs {
		if !tracked[rec.FilePath] || !a.layout.Exists(rec.FilePath) {
			continue
		}
		doc, err := a.layout.ReadRel(rec.FilePath)
		if err != nil {
			a.logger.Printf("skipping %s: %v", rec.ID, err)
			continue
		}

		want, source := types.State(""), ""
		if st, ok := doc.State(rec.Kind); ok {
			want, source = st, "document"
		} else {
			commits, err := a.vcs.Log(ctx, vcs.LogQuery{Paths: []string{rec.FilePath}})
			if err != nil {
				return nil, err
			}
			inf, ok := history.FromCommits(rec.ID, rec.Kind, commits, false)
			if !ok {
				continue
			}
			want, source = inf.Value, "commit "+shortHash(inf.Commit)
		}
		if want == rec.State {
			continue
		}
		out = append(out, Finding{
			Kind:        StateMismatch,
			ID:          rec.ID,
			Path:        rec.FilePath,
			Description: fmt.Sprintf("%s says %s, index says %s", source, want, rec.State),
			Repairable:  true,
			Have:        rec.State,
			Want:        want,
		})
	}
	return out, nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
