package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaywork/workstate/internal/loadtest"
)

func (a *app) loadtestCmd() *cobra.Command {
	var (
		agents int
		loads  int
		verify time.Duration
		keep   bool
	)
	opts := loadtest.DefaultFixtureOptions()
	cmd := &cobra.Command{
		Use:         "loadtest",
		GroupID:     "advanced",
		Short:       "Measure context loads under many concurrent agents",
		Annotations: map[string]string{skipSetup: "true"},
		Long: `Build a synthetic index in a temporary directory and have many agents
load epic contexts from it concurrently, then report the latency
distribution.

With --verify the loads also run against a concurrent writer, and every
context is checked to stay within its bounds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir, err := os.MkdirTemp("", "wst-loadtest-")
			if err != nil {
				return err
			}
			if !keep {
				defer os.RemoveAll(dir)
			}

			p := a.printer()
			p.Line("building fixture: %d epics x %d stories", opts.Epics, opts.StoriesPerEpic)
			fx, err := loadtest.CreateFixture(ctx, filepath.Join(dir, "index.db"), opts)
			if err != nil {
				return err
			}
			defer fx.Close()
			p.Line("%d stories, %d audit entries, %d notes", fx.Stories, fx.Audits, fx.Notes)

			stats, err := fx.RunConcurrentLoads(ctx, agents, loads)
			if err != nil {
				return err
			}
			if a.jsonOut {
				stats.Durations = nil
				if err := a.printJSON(stats); err != nil {
					return err
				}
			} else {
				stats.Print(a.stdout)
			}

			if verify > 0 {
				if err := fx.VerifyBounded(ctx, agents, verify); err != nil {
					return err
				}
				p.Success("contexts stayed bounded under concurrent writes for %s", verify)
			}
			if keep {
				p.Line("fixture kept in %s", dir)
			}
			if stats.Errors > 0 {
				return fmt.Errorf("%d of %d loads failed", stats.Errors, stats.TotalLoads)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&agents, "agents", 100, "Concurrent agents")
	cmd.Flags().IntVar(&loads, "loads", 10, "Loads per agent")
	cmd.Flags().IntVar(&opts.Epics, "epics", opts.Epics, "Epics in the fixture")
	cmd.Flags().IntVar(&opts.StoriesPerEpic, "stories", opts.StoriesPerEpic, "Stories per epic")
	cmd.Flags().IntVar(&opts.AuditPerStory, "audit", opts.AuditPerStory, "Audit entries per story")
	cmd.Flags().IntVar(&opts.NotesPerStory, "notes", opts.NotesPerStory, "Notes per story")
	cmd.Flags().DurationVar(&verify, "verify", 0, "Also verify bounds under concurrent writes for this long")
	cmd.Flags().BoolVar(&keep, "keep", false, "Keep the fixture directory")
	return cmd
}
