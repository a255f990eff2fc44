package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"
	"rsc.io/script"
	"rsc.io/script/scripttest"
)

// wstCommand runs the CLI in-process against the script's working
// directory.
func wstCommand() script.Cmd {
	return script.Command(
		script.CmdUsage{
			Summary: "run wst in the current directory",
			Args:    "args...",
		},
		func(s *script.State, args ...string) (script.WaitFunc, error) {
			var stdout, stderr bytes.Buffer
			argv := append([]string{"--repo", s.Getwd()}, args...)
			err := execute(s.Context(), argv, &stdout, &stderr)
			return func(*script.State) (string, string, error) {
				return stdout.String(), stderr.String(), err
			}, nil
		})
}

func newEngine() *script.Engine {
	cmds := scripttest.DefaultCmds()
	cmds["wst"] = wstCommand()
	return &script.Engine{
		Cmds:  cmds,
		Conds: scripttest.DefaultConds(),
		Quiet: !testing.Verbose(),
	}
}

func TestScripts(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("GIT_AUTHOR_NAME", "Test User")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "Test User")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@example.com")

	files, err := filepath.Glob(filepath.Join("testdata", "script", "*.txt"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	engine := newEngine()
	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".txt")
		t.Run(name, func(t *testing.T) {
			data, err := os.ReadFile(file)
			require.NoError(t, err)
			ar := txtar.Parse(data)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			work := t.TempDir()
			s, err := script.NewState(ctx, work, append(os.Environ(), "WORK="+work))
			require.NoError(t, err)
			require.NoError(t, s.ExtractFiles(ar))

			scripttest.Run(t, engine, s, file, bytes.NewReader(ar.Comment))
		})
	}
}
