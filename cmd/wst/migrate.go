package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/relaywork/workstate/internal/migrate"
	"github.com/relaywork/workstate/internal/types"
)

func (a *app) coordinator(cmd *cobra.Command) (*migrate.Coordinator, error) {
	mgr, err := a.openManager(cmd.Context(), nil, false)
	if err != nil {
		return nil, err
	}
	return migrate.New(mgr, migrate.Options{
		BranchPrefix:  a.cfg.Migration.BranchPrefix,
		RecencyWindow: a.cfg.Migration.RecencyWindow,
		Actor:         a.cfg.Actor,
		Logger:        a.logs.Logger("migrate"),
	}), nil
}

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "migrate",
		GroupID: "advanced",
		Short:   "Backfill the index from an existing project",
		Long: `Backfill the index from the documents and commit history of a project
that predates workstate.

A migration runs on its own branch (state-migration/<run> by default) in
four phases: schema, features and epics, stories, validation. Every phase
ends in a checkpoint commit, so a run can be resumed or rolled back to any
phase. The branch the migration started from is never touched.`,
	}
	cmd.AddCommand(a.migrateRunCmd(), a.migrateRollbackCmd(), a.migrateStatusCmd())
	return cmd
}

func (a *app) migrateRunCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run or resume a migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.coordinator(cmd)
			if err != nil {
				return err
			}
			if dryRun {
				plan, err := c.Plan(cmd.Context(), true)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(plan)
				}
				a.printPlan(plan)
				return nil
			}

			res, err := c.Run(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(res)
			}
			a.printResult(res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be backfilled without changing anything")
	return cmd
}

func (a *app) printPlan(plan *migrate.Plan) {
	p := a.printer()
	if plan.UpToDate() {
		p.Success("already migrated; nothing to do")
		return
	}
	if !plan.SchemaPresent {
		p.Line("the index schema would be created")
	}
	rows := make([][]string, 0, len(plan.Pending))
	for _, r := range plan.Pending {
		rows = append(rows, []string{r.ID, string(r.State), r.Source, r.Path})
	}
	if len(rows) > 0 {
		p.Table([]string{"RECORD", "STATE", "FROM", "PATH"}, rows)
	}
	for _, s := range plan.Skipped {
		p.Warn("skipping %s: not a recognised document name", s)
	}
}

func (a *app) printResult(res *migrate.Result) {
	p := a.printer()
	if res.UpToDate {
		p.Success("already migrated; nothing to do")
		return
	}
	verb := "migrated"
	if res.Resumed {
		verb = "resumed and migrated"
	}
	p.Success("%s on branch %s (run %s)", verb, res.Branch, res.RunID)

	rows := make([][]string, 0, len(res.Phases))
	for _, ph := range res.Phases {
		rows = append(rows, []string{strconv.Itoa(ph.Phase), ph.Name, strconv.Itoa(ph.Rows), shortCommit(ph.CommitID)})
	}
	p.Table([]string{"PHASE", "NAME", "ROWS", "CHECKPOINT"}, rows)

	for _, k := range types.Kinds {
		src := res.CountSources(k)
		if len(src) == 0 {
			continue
		}
		names := make([]string, 0, len(src))
		for s := range src {
			names = append(names, s)
		}
		sort.Strings(names)
		line := ""
		for _, s := range names {
			line += fmt.Sprintf(" %s=%d", s, src[s])
		}
		p.Line("%s states:%s", k, line)
	}
	for _, w := range res.Warnings {
		p.Warn("%s", w)
	}
}

func (a *app) migrateRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <run-id> <phase>",
		Short: "Return a migration to an earlier checkpoint",
		Long: `Reset the migration branch to the checkpoint of <phase> and undo the
index effects of every later phase. Phase 0 discards the run entirely:
the branch is deleted and the original branch checked out again.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid phase %q", args[1])
			}
			c, err := a.coordinator(cmd)
			if err != nil {
				return err
			}
			if err := c.Rollback(cmd.Context(), args[0], phase); err != nil {
				return err
			}
			if phase == 0 {
				a.printer().Success("discarded run %s", args[0])
			} else {
				a.printer().Success("rolled %s back to phase %d (%s)", args[0], phase, migrate.PhaseName(phase))
			}
			return nil
		},
	}
}

func (a *app) migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List migration runs and abandoned branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.coordinator(cmd)
			if err != nil {
				return err
			}
			runs, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			abandoned, err := c.DetectAbandoned(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(struct {
					Runs      []migrate.RunStatus
					Abandoned []string
				}{runs, abandoned})
			}

			p := a.printer()
			if len(runs) == 0 {
				p.Line("no migrations")
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				state := fmt.Sprintf("phase %d", r.LastPhase())
				switch {
				case r.Completed():
					state = "completed"
				case !r.Exists:
					state += ", branch gone"
				}
				cur := ""
				if r.Current {
					cur = "*"
				}
				rows = append(rows, []string{cur, r.RunID, r.Branch, state})
			}
			if len(rows) > 0 {
				p.Table([]string{"", "RUN", "BRANCH", "STATUS"}, rows)
			}
			for _, b := range abandoned {
				p.Warn("abandoned migration branch %s", b)
			}
			return nil
		},
	}
}
