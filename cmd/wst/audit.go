package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaywork/workstate/internal/audit"
	"github.com/relaywork/workstate/internal/ui"
)

// errUnclean makes check exit non-zero when it finds anything.
type errUnclean struct{ findings, conflicts int }

func (e errUnclean) Error() string {
	return fmt.Sprintf("consistency check found %d findings and %d conflicts", e.findings, e.conflicts)
}

func (a *app) printReport(rep *audit.Report) {
	p := a.printer()
	if rep.Clean() {
		p.Success("index, documents and history are consistent")
		return
	}
	rows := make([][]string, 0, len(rep.Findings))
	for _, f := range rep.Findings {
		fix := "no"
		if f.Repairable {
			fix = "yes"
		}
		rows = append(rows, []string{string(f.Kind), f.ID, f.Path, fix, f.Description})
	}
	if len(rows) > 0 {
		p.Table([]string{"KIND", "ID", "PATH", "REPAIRABLE", "DETAIL"}, rows)
	}
	for _, c := range rep.Conflicts {
		p.Error("%v", c)
	}
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "check",
		GroupID: "consistency",
		Short:   "Compare the index with the documents and the commit history",
		Long: `Run every consistency check: uncommitted drift, orphaned records,
unregistered documents and state mismatches. Nothing is changed.

The exit status is non-zero when anything was found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context(), nil)
			if err != nil {
				return err
			}
			aud, err := a.auditor(mgr)
			if err != nil {
				return err
			}
			rep, err := aud.CheckConsistency(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				data, err := rep.JSON()
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, string(data))
			} else {
				a.printReport(rep)
			}
			if !rep.Clean() {
				return errUnclean{findings: len(rep.Findings), conflicts: len(rep.Conflicts)}
			}
			return nil
		},
	}
}

func (a *app) repairCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:     "repair",
		GroupID: "consistency",
		Short:   "Bring the index back in line with the committed documents",
		Long: `Check consistency and apply every repairable finding in one commit.

Committed documents are ground truth. Drifted documents are backed up under
.workstate/drift/ and restored, orphaned records are archived, unregistered
documents are registered and mismatched states are corrected. Conflicts
are reported and left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := a.manager(ctx, nil)
			if err != nil {
				return err
			}
			aud, err := a.auditor(mgr)
			if err != nil {
				return err
			}
			rep, err := aud.CheckConsistency(ctx)
			if err != nil {
				return err
			}
			p := a.printer()
			if rep.Clean() {
				p.Success("nothing to repair")
				return nil
			}
			if !a.jsonOut {
				a.printReport(rep)
			}

			if n := len(rep.Repairable()); n > 0 && !yes {
				ok, err := ui.Confirm(fmt.Sprintf("Repair %d findings?", n), false)
				if err != nil {
					return err
				}
				if !ok {
					p.Warn("aborted; pass --yes to repair without asking")
					return nil
				}
			}

			res, rerr := aud.Repair(ctx, rep)
			if res == nil {
				return rerr
			}
			if a.jsonOut {
				if err := a.printJSON(res); err != nil {
					return err
				}
				return rerr
			}
			if len(res.Repaired) > 0 {
				p.Success("repaired %d findings in %s", len(res.Repaired), shortCommit(res.CommitID))
			}
			if n := len(res.Stale); n > 0 {
				p.Warn("%d findings were resolved by another writer and left alone", n)
			}
			if res.BackupDir != "" {
				p.Line("dirty copies saved in %s", res.BackupDir)
			}
			if len(res.Skipped) > 0 {
				p.Warn("%d findings need manual attention", len(res.Skipped))
			}
			return rerr
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Repair without asking")
	return cmd
}

func (a *app) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "recover",
		GroupID: "consistency",
		Short:   "Finish or undo envelopes interrupted by a crash",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context(), nil)
			if err != nil {
				return err
			}
			rep, err := mgr.Recover(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(rep)
			}
			p := a.printer()
			if rep.Empty() {
				p.Success("no interrupted envelopes")
				return nil
			}
			for _, id := range rep.Attached {
				p.Success("attached %s to its commit", id)
			}
			for _, id := range rep.Compensated {
				p.Success("rolled back %s", id)
			}
			for _, id := range rep.Pending {
				p.Warn("%s left document changes behind; run 'wst repair'", id)
			}
			return nil
		},
	}
}
