package document

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/relaywork/workstate/internal/types"
)

// ManifestName is the tracked file migration phases update and commit.
const ManifestName = ".migration.json"

// Layout maps record identities onto repository paths.
type Layout struct {
	// Root is the absolute repository root
	Root string

	// DocsDir is the docs directory relative to Root, slash separated
	DocsDir string
}

// NewLayout returns a layout rooted at root with docsDir ("docs" when empty).
func NewLayout(root, docsDir string) Layout {
	if docsDir == "" {
		docsDir = "docs"
	}
	return Layout{Root: root, DocsDir: path.Clean(filepath.ToSlash(docsDir))}
}

// KindDir returns the repo-relative directory for documents of kind k.
func (l Layout) KindDir(k types.Kind) string {
	return path.Join(l.DocsDir, k.Table())
}

// PathFor returns the repo-relative path of the document for a record.
func (l Layout) PathFor(k types.Kind, key string) string {
	return path.Join(l.KindDir(k), types.RecordID(k, key)+".md")
}

// ManifestPath returns the repo-relative migration manifest path.
func (l Layout) ManifestPath() string {
	return path.Join(l.DocsDir, ManifestName)
}

// Abs converts a repo-relative path into an absolute filesystem path.
func (l Layout) Abs(rel string) string {
	return filepath.Join(l.Root, filepath.FromSlash(rel))
}

// Classify reports whether rel is a managed document path and, if so, the
// record it backs. Only files directly inside a kind directory whose name
// is a valid record id of that kind are managed.
func (l Layout) Classify(rel string) (types.Kind, string, bool) {
	rel = filepath.ToSlash(rel)
	for _, k := range types.Kinds {
		dir := l.KindDir(k) + "/"
		if !strings.HasPrefix(rel, dir) {
			continue
		}
		name := strings.TrimPrefix(rel, dir)
		if strings.Contains(name, "/") || !strings.HasSuffix(name, ".md") {
			return "", "", false
		}
		kind, key, err := types.ParseRecordID(strings.TrimSuffix(name, ".md"))
		if err != nil || kind != k {
			return "", "", false
		}
		return kind, key, true
	}
	return "", "", false
}

// Entry is a managed document found on disk.
type Entry struct {
	ID      string
	Kind    types.Kind
	Key     string
	Path    string
	ModTime time.Time
}

// Scan lists managed documents of the given kinds (all kinds when none are
// given) without reading their content. Markdown files that do not follow
// the naming convention are returned as warnings and skipped.
func (l Layout) Scan(kinds ...types.Kind) ([]Entry, []string, error) {
	if len(kinds) == 0 {
		kinds = types.Kinds
	}

	var entries []Entry
	var warnings []string
	for _, k := range kinds {
		dir := l.Abs(l.KindDir(k))
		items, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, nil, fmt.Errorf("failed to read %s: %w", dir, err)
		}

		for _, item := range items {
			if item.IsDir() || !strings.HasSuffix(item.Name(), ".md") {
				continue
			}
			rel := path.Join(l.KindDir(k), item.Name())
			kind, key, ok := l.Classify(rel)
			if !ok {
				warnings = append(warnings, fmt.Sprintf("skipping %s: name is not a valid %s id", rel, k))
				continue
			}

			var mod time.Time
			if info, err := item.Info(); err == nil {
				mod = info.ModTime()
			}
			entries = append(entries, Entry{
				ID:      types.RecordID(kind, key),
				Kind:    kind,
				Key:     key,
				Path:    rel,
				ModTime: mod,
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return lessEntry(entries[i], entries[j])
	})
	return entries, warnings, nil
}

// lessEntry orders entries parent-first, then numerically by key.
func lessEntry(a, b Entry) bool {
	if a.Kind != b.Kind {
		return kindOrder(a.Kind) < kindOrder(b.Kind)
	}
	if a.Kind == types.KindStory {
		ae, as, _ := types.StorySeq(a.Key)
		be, bs, _ := types.StorySeq(b.Key)
		if ae != be {
			return numLess(ae, be)
		}
		return as < bs
	}
	if a.Kind == types.KindEpic {
		return numLess(a.Key, b.Key)
	}
	return a.Key < b.Key
}

func kindOrder(k types.Kind) int {
	for i, kk := range types.Kinds {
		if kk == k {
			return i
		}
	}
	return len(types.Kinds)
}

func numLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// Count returns the number of managed documents per kind.
func (l Layout) Count() (map[types.Kind]int, error) {
	entries, _, err := l.Scan()
	if err != nil {
		return nil, err
	}
	counts := make(map[types.Kind]int, len(types.Kinds))
	for _, e := range entries {
		counts[e.Kind]++
	}
	return counts, nil
}

// Exists reports whether the document at rel exists on disk.
func (l Layout) Exists(rel string) bool {
	_, err := os.Stat(l.Abs(rel))
	return err == nil
}
