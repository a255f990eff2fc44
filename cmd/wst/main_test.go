package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestHelpListsCommandGroups(t *testing.T) {
	out, _, err := run(t, "--help")
	require.NoError(t, err)
	for _, want := range []string{"Records:", "Context:", "Consistency:", "Advanced:", "transition", "migrate"} {
		assert.Contains(t, out, want)
	}
}

func TestOutsideRepository(t *testing.T) {
	_, stderr, err := run(t, "--repo", t.TempDir(), "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not inside a git repository")
	assert.Contains(t, stderr, "Error: ")
}

func TestLoadtestNeedsNoRepository(t *testing.T) {
	out, _, err := run(t, "--repo", t.TempDir(), "loadtest",
		"--agents", "4", "--loads", "3", "--epics", "3", "--stories", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "12 stories")
	assert.Contains(t, out, "Total Loads:   12")
}

func TestUncleanMessage(t *testing.T) {
	err := errUnclean{findings: 2, conflicts: 1}
	assert.Equal(t, "consistency check found 2 findings and 1 conflicts", err.Error())
}
