package document

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaywork/workstate/internal/types"
)

const (
	fmDelim      = "---"
	notesHeading = "## Notes"
)

// FrontMatter is the YAML header of a canonical document.
type FrontMatter struct {
	ID       string            `yaml:"id"`
	Kind     string            `yaml:"kind"`
	Title    string            `yaml:"title"`
	Status   string            `yaml:"status"`
	Parent   string            `yaml:"parent,omitempty"`
	Created  string            `yaml:"created,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// NoteLine is one entry of a document's Notes section.
type NoteLine struct {
	At    time.Time
	Actor string
	Text  string
}

// Document is a parsed work-item document.
type Document struct {
	// FrontMatter is nil for legacy documents
	FrontMatter *FrontMatter

	// Title is the first level-one heading (front matter title wins)
	Title string

	// Body is the content between the title and the Notes section
	Body string

	// Notes are the entries of the Notes section, oldest first
	Notes []NoteLine

	// Marker is the value of a legacy "Status:" line, if any
	Marker string
}

var statusLineRe = regexp.MustCompile(`(?im)^[ \t>*_-]*status[*_]*[ \t]*:[ \t]*[*_]*[ \t]*([A-Za-z][A-Za-z _-]*?)[ \t*_]*$`)

// Parse parses document bytes. Documents without front matter are accepted
// as legacy documents.
func Parse(data []byte) (*Document, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	doc := &Document{}

	if strings.HasPrefix(text, fmDelim+"\n") {
		rest := text[len(fmDelim)+1:]
		end := strings.Index(rest, "\n"+fmDelim+"\n")
		var header string
		switch {
		case end >= 0:
			header = rest[:end]
			text = rest[end+len(fmDelim)+2:]
		case strings.HasSuffix(rest, "\n"+fmDelim):
			header = strings.TrimSuffix(rest, "\n"+fmDelim)
			text = ""
		case strings.HasPrefix(rest, fmDelim+"\n"):
			text = rest[len(fmDelim)+1:]
		default:
			return nil, fmt.Errorf("unterminated front matter")
		}

		var fm FrontMatter
		if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
			return nil, fmt.Errorf("failed to parse front matter: %w", err)
		}
		doc.FrontMatter = &fm
	}

	lines := strings.Split(text, "\n")
	var body []string
	inNotes := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case doc.Title == "" && !inNotes && strings.HasPrefix(trimmed, "# "):
			doc.Title = strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
		case trimmed == notesHeading:
			inNotes = true
		case inNotes && strings.HasPrefix(trimmed, "## "):
			inNotes = false
			body = append(body, line)
		case inNotes:
			if n, ok := parseNoteLine(trimmed); ok {
				doc.Notes = append(doc.Notes, n)
			}
		default:
			body = append(body, line)
		}
	}
	doc.Body = strings.TrimSpace(strings.Join(body, "\n"))

	if doc.FrontMatter != nil && doc.FrontMatter.Title != "" {
		doc.Title = doc.FrontMatter.Title
	}
	if m := statusLineRe.FindStringSubmatch(doc.Body); m != nil {
		doc.Marker = strings.TrimSpace(m[1])
	}

	return doc, nil
}

func parseNoteLine(line string) (NoteLine, bool) {
	if !strings.HasPrefix(line, "- ") {
		return NoteLine{}, false
	}
	line = strings.TrimPrefix(line, "- ")
	stamp, rest, ok := strings.Cut(line, " ")
	if !ok {
		return NoteLine{}, false
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return NoteLine{}, false
	}
	actor, text, ok := strings.Cut(rest, ": ")
	if !ok {
		return NoteLine{At: at, Text: strings.TrimSpace(rest)}, true
	}
	return NoteLine{At: at, Actor: actor, Text: strings.TrimSpace(text)}, true
}

// State returns the lifecycle state the document declares for kind k: the
// front matter status when present, otherwise the legacy Status marker.
// The boolean is false when the document carries no recognisable marker.
func (d *Document) State(k types.Kind) (types.State, bool) {
	if d.FrontMatter != nil && d.FrontMatter.Status != "" {
		if s, ok := types.NormalizeState(k, d.FrontMatter.Status); ok {
			return s, true
		}
	}
	if d.Marker != "" {
		return types.NormalizeState(k, d.Marker)
	}
	return "", false
}

// Render serialises the document. Documents always render with front
// matter; callers normalise legacy documents by filling FrontMatter first.
func (d *Document) Render() ([]byte, error) {
	var buf bytes.Buffer

	if d.FrontMatter != nil {
		header, err := yaml.Marshal(d.FrontMatter)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal front matter: %w", err)
		}
		buf.WriteString(fmDelim + "\n")
		buf.Write(header)
		buf.WriteString(fmDelim + "\n\n")
	}

	if d.Title != "" {
		fmt.Fprintf(&buf, "# %s\n\n", d.Title)
	}
	if body := strings.TrimSpace(d.Body); body != "" {
		buf.WriteString(body)
		buf.WriteString("\n")
	}

	if len(d.Notes) > 0 {
		buf.WriteString("\n" + notesHeading + "\n\n")
		for _, n := range d.Notes {
			fmt.Fprintf(&buf, "- %s %s: %s\n", n.At.UTC().Format(time.RFC3339), n.Actor, oneLine(n.Text))
		}
	}

	return buf.Bytes(), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// SetStatus updates the front matter status, creating front matter if the
// document has none.
func (d *Document) SetStatus(s types.State) {
	if d.FrontMatter == nil {
		d.FrontMatter = &FrontMatter{}
	}
	d.FrontMatter.Status = string(s)
}

// AddNote appends a note line.
func (d *Document) AddNote(at time.Time, actor, text string) {
	d.Notes = append(d.Notes, NoteLine{At: at.UTC().Truncate(time.Second), Actor: actor, Text: oneLine(text)})
}

// Normalize fills missing front matter from the record, keeping any field
// the document already declares.
func (d *Document) Normalize(rec *types.WorkItemRecord) {
	if d.FrontMatter == nil {
		d.FrontMatter = &FrontMatter{}
	}
	fm := d.FrontMatter
	if fm.ID == "" {
		fm.ID = rec.ID
	}
	if fm.Kind == "" {
		fm.Kind = string(rec.Kind)
	}
	if fm.Title == "" {
		fm.Title = rec.Title
	}
	if fm.Status == "" {
		fm.Status = string(rec.State)
	}
	if fm.Parent == "" {
		fm.Parent = rec.ParentID
	}
	if fm.Created == "" && !rec.CreatedAt.IsZero() {
		fm.Created = rec.CreatedAt.UTC().Format(time.RFC3339)
	}
	if len(fm.Metadata) == 0 && len(rec.Metadata) > 0 {
		fm.Metadata = rec.Metadata
	}
	if d.Title == "" {
		d.Title = rec.Title
	}
}

// New builds the canonical document for a freshly created record.
func New(rec *types.WorkItemRecord, content string) *Document {
	d := &Document{Title: rec.Title, Body: content}
	d.Normalize(rec)
	return d
}

// Validate checks a canonical document against the identity it is stored
// under.
func (d *Document) Validate(id string) error {
	if d.FrontMatter == nil {
		return nil
	}
	if d.FrontMatter.ID != "" && d.FrontMatter.ID != id {
		return fmt.Errorf("front matter id %q does not match file name id %q", d.FrontMatter.ID, id)
	}
	if d.FrontMatter.Kind != "" {
		kind, _, err := types.ParseRecordID(id)
		if err != nil {
			return err
		}
		if types.Kind(d.FrontMatter.Kind) != kind {
			return fmt.Errorf("front matter kind %q does not match id %q", d.FrontMatter.Kind, id)
		}
	}
	return nil
}

// CreatedAt returns the parsed front matter creation time, if any.
func (d *Document) CreatedAt() (time.Time, bool) {
	if d.FrontMatter == nil || d.FrontMatter.Created == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, d.FrontMatter.Created)
	return t, err == nil
}
