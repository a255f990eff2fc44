// Package history implements the commit-message grammar of the state layer
// and infers lifecycle states from git history.
//
// Every envelope commit has a subject of the form
//
//	<operation>(<kind>-<key>): <summary>
//
// followed by a blank line and trailers:
//
//	Envelope: 7c1e...
//	Actor: dev-1
//
// Commits whose subject does not match are ignored by inference.
package history

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/relaywork/workstate/internal/types"
)

// Op is an operation token of the commit grammar.
type Op string

const (
	OpCreate     Op = "create"
	OpTransition Op = "transition"
	OpComplete   Op = "complete"
	OpRepair     Op = "repair"
	OpMigrate    Op = "migrate"
	OpNote       Op = "note"
)

// Trailer keys.
const (
	TrailerEnvelope = "Envelope"
	TrailerActor    = "Actor"
)

// PhaseSubject is the pseudo-kind used for migration phase commits:
// "migrate(phase-2): epic backfill".
const PhaseSubject = "phase"

// Message is a parsed or to-be-written envelope commit message.
type Message struct {
	Op      Op
	Subject string // "<kind>-<key>"
	Summary string

	Envelope string
	Actor    string
}

var subjectRe = regexp.MustCompile(`^(create|transition|complete|repair|migrate|note)\(([a-z]+-[^()\s]+)\): (.+)$`)

// Format renders the full commit message.
func (m Message) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(%s): %s", m.Op, m.Subject, oneLine(m.Summary))

	var trailers []string
	if m.Envelope != "" {
		trailers = append(trailers, TrailerEnvelope+": "+m.Envelope)
	}
	if m.Actor != "" {
		trailers = append(trailers, TrailerActor+": "+m.Actor)
	}
	if len(trailers) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(trailers, "\n"))
	}
	return b.String()
}

// SubjectLine returns only the first line of the message.
func (m Message) SubjectLine() string {
	return fmt.Sprintf("%s(%s): %s", m.Op, m.Subject, oneLine(m.Summary))
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}

// Parse parses a commit subject (and optional body) into a Message.
// The boolean is false when the subject does not follow the grammar.
func Parse(subject, body string) (Message, bool) {
	m := subjectRe.FindStringSubmatch(strings.TrimSpace(subject))
	if m == nil {
		return Message{}, false
	}

	msg := Message{Op: Op(m[1]), Subject: m[2], Summary: m[3]}
	trailers := ParseTrailers(body)
	msg.Envelope = trailers[TrailerEnvelope]
	msg.Actor = trailers[TrailerActor]
	return msg, true
}

// ParseTrailers extracts "Key: value" lines from a commit body.
func ParseTrailers(body string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ": ")
		if !ok || strings.ContainsAny(key, " \t") {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// Record returns the kind and key of the message subject when it names a
// work item (migration phase commits do not).
func (m Message) Record() (types.Kind, string, bool) {
	kind, key, err := types.ParseRecordID(m.Subject)
	if err != nil {
		return "", "", false
	}
	return kind, key, true
}

// ResultingState returns the state the record is in after this commit.
// Only create, transition, complete and state repairs carry a state.
func (m Message) ResultingState() (types.State, bool) {
	kind, _, ok := m.Record()
	if !ok {
		return "", false
	}

	switch m.Op {
	case OpCreate:
		return types.InitialState(kind), true
	case OpTransition, OpComplete:
		return arrowTarget(kind, m.Summary)
	case OpRepair:
		if rest, ok := strings.CutPrefix(m.Summary, "state "); ok {
			return arrowTarget(kind, rest)
		}
	}
	return "", false
}

// arrowTarget extracts "<to>" from "<from> -> <to>".
func arrowTarget(kind types.Kind, summary string) (types.State, bool) {
	_, to, ok := strings.Cut(summary, " -> ")
	if !ok {
		return "", false
	}
	to = strings.TrimSpace(to)
	if i := strings.IndexAny(to, " \t("); i >= 0 {
		to = to[:i]
	}
	s := types.State(to)
	return s, types.ValidState(kind, s)
}

// Arrow formats a "<from> -> <to>" summary.
func Arrow(from, to types.State) string {
	return fmt.Sprintf("%s -> %s", from, to)
}

// NewMessage builds a message for an operation on a record.
func NewMessage(op Op, recordID, summary string) Message {
	return Message{Op: op, Subject: recordID, Summary: summary}
}
