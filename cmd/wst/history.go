package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/timeparse"
)

func (a *app) historyCmd() *cobra.Command {
	var (
		since string
		limit int
	)
	cmd := &cobra.Command{
		Use:     "history [id]",
		GroupID: "records",
		Short:   "Show the audit log, newest first",
		Example: `  wst history
  wst history story-1.2 --since yesterday
  wst history --since "3 days ago" --limit 100`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := index.AuditQuery{Limit: limit}
			if len(args) == 1 {
				q.RecordID = args[0]
			}
			if since != "" {
				t, err := timeparse.ParseSince(since, time.Now())
				if err != nil {
					return err
				}
				q.Since = t
			}

			db, err := a.reader(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := db.History(cmd.Context(), q)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(entries)
			}
			if len(entries) == 0 {
				a.printer().Line("no entries")
				return nil
			}
			a.auditTable(entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", `Only entries at or after this time ("2024-05-01", "36h", "yesterday")`)
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries (0 for all)")
	return cmd
}
