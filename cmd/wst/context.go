package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relaywork/workstate/internal/contextload"
	"github.com/relaywork/workstate/internal/types"
)

func (a *app) contextCmd() *cobra.Command {
	var role string
	roles := make([]string, 0, len(contextload.Roles))
	for _, r := range contextload.Roles {
		roles = append(roles, string(r))
	}
	cmd := &cobra.Command{
		Use:     "context <epic-id>",
		GroupID: "context",
		Short:   "Print the bounded working context of an epic",
		Long: `Print an epic with its feature, its stories, the most recent audit
entries and the most recent notes, read from the index in a single query.

With --role the stories are limited to the states that role works on.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := a.loader(cmd.Context())
			if err != nil {
				return err
			}
			if role == "" {
				ec, err := loader.GetEpicContext(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(ec)
				}
				a.printEpicContext(ec, "")
				return nil
			}

			r, err := contextload.ParseRole(role)
			if err != nil {
				return err
			}
			rc, err := loader.GetAgentContext(cmd.Context(), r, args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(rc)
			}
			a.printEpicContext(&rc.EpicContext, fmt.Sprintf("%s view", rc.Role))
			return nil
		},
	}
	cmd.Flags().StringVarP(&role, "role", "r", "", "Agent role ("+strings.Join(roles, ", ")+")")
	return cmd
}

func (a *app) printEpicContext(ec *contextload.EpicContext, view string) {
	p := a.printer()
	if !ec.Found() {
		p.Warn("%s not found", ec.EpicID)
		return
	}
	title := fmt.Sprintf("%s  %s  %s", ec.Epic.ID, ec.Epic.Title, p.State(ec.Epic.State))
	if view != "" {
		title += "  (" + view + ")"
	}
	p.Header("%s", title)
	if ec.Feature != nil {
		p.Line("feature: %s  %s", ec.Feature.ID, ec.Feature.Title)
	}

	p.Line("")
	p.Header("Stories (%d of %d)", len(ec.Stories), ec.TotalStories)
	for _, s := range ec.Stories {
		p.Record(s)
	}

	if len(ec.ActionItems) > 0 {
		p.Line("")
		p.Header("Recent activity")
		a.auditTable(ec.ActionItems)
	}
	if len(ec.Notes) > 0 {
		p.Line("")
		p.Header("Notes")
		for _, n := range ec.Notes {
			p.Line("%s %s  %s", n.RecordID, p.Dim(n.CreatedAt.Format("2006-01-02")), n.Body)
		}
	}
	for _, id := range ec.Missing {
		p.Warn("missing: %s", id)
	}
}

func (a *app) analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "analyze",
		GroupID: "context",
		Short:   "Describe what state already exists in the repository",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := contextload.AnalyzeExistingProject(cmd.Context(), a.root, contextload.AnalyzeOptions{
				IndexPath:    a.indexPath(),
				DocsDir:      a.cfg.DocsDir,
				BranchPrefix: a.cfg.Migration.BranchPrefix,
				VCS:          a.vcs,
			})
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(st)
			}

			p := a.printer()
			p.Header("Project %s", st.Root)
			switch {
			case !st.IndexExists:
				p.Line("index:     none")
			case !st.SchemaPresent:
				p.Line("index:     present, no schema")
			default:
				compat := "compatible"
				if !st.SchemaCompatible {
					compat = "incompatible"
				}
				p.Line("index:     schema %s (%s)", st.SchemaVersion, compat)
			}
			if st.CurrentBranch != "" {
				p.Line("branch:    %s", st.CurrentBranch)
			}

			rows := make([][]string, 0, len(types.Kinds))
			for _, k := range types.Kinds {
				rows = append(rows, []string{string(k), fmt.Sprint(st.Documents[k]), fmt.Sprint(st.Records[k])})
			}
			p.Line("")
			p.Table([]string{"KIND", "DOCUMENTS", "RECORDS"}, rows)

			if m := st.Manifest; m != nil {
				status := fmt.Sprintf("phase %d", m.LastPhase())
				if m.Completed {
					status = "completed"
				}
				p.Line("")
				p.Line("migration: %s on %s (%s)", m.RunID, m.Branch, status)
			}
			for _, b := range st.AbandonedBranches() {
				p.Warn("abandoned migration branch %s", b)
			}
			if st.NeedsMigration() {
				p.Warn("documents are not fully indexed; run 'wst migrate run'")
			}
			return nil
		},
	}
}
