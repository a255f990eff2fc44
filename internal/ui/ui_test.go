package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaywork/workstate/internal/types"
)

func TestPrinterIsPlainOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)

	p.Success("created %s", "story-1.1")
	p.Warn("1 finding")
	p.Record(&types.WorkItemRecord{ID: "story-1.1", State: types.StateInReview, Title: "Login"})

	out := buf.String()
	assert.NotContains(t, out, "\x1b[")
	assert.Contains(t, out, "✓ created story-1.1")
	assert.Contains(t, out, "! 1 finding")
	assert.Contains(t, out, "story-1.1      in-review    Login")
}

func TestTableAlignsColumns(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Table([]string{"ID", "STATE"}, [][]string{
		{"epic-1", "in-progress"},
		{"story-1.10", "done"},
	})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Equal(t, []string{
		"ID          STATE",
		"epic-1      in-progress",
		"story-1.10  done",
	}, lines)
}
