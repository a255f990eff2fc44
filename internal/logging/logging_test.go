package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerPrefixesComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Stderr: &buf})
	require.NoError(t, err)
	defer l.Close()

	l.Logger("audit").Printf("checked %d documents", 3)
	assert.Contains(t, buf.String(), "[audit] ")
	assert.Contains(t, buf.String(), "checked 3 documents")
}

func TestFileReceivesEverything(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "state", "workstate.log")
	l, err := New(Options{File: path, MaxSizeMB: 1, Stderr: &buf, Quiet: true})
	require.NoError(t, err)

	l.Logger("txn").Println("committed")
	l.Logger("daemon").Println("started")
	require.NoError(t, l.Close())

	assert.Empty(t, buf.String())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "[txn] "))
	assert.True(t, strings.HasPrefix(lines[1], "[daemon] "))
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Logger("x").Println("nothing")
	assert.NoError(t, l.Close())
}
