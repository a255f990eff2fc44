package main

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/txn"
	"github.com/relaywork/workstate/internal/types"
)

// readContent returns the text of --content or --content-file ("-" reads
// stdin).
func readContent(cmd *cobra.Command, text, file string) (string, error) {
	if file == "" {
		return text, nil
	}
	if text != "" {
		return "", errors.New("--content and --content-file are mutually exclusive")
	}
	if file == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func opOptions(meta map[string]string) []txn.OpOption {
	if len(meta) == 0 {
		return nil
	}
	return []txn.OpOption{txn.WithMetadata(meta)}
}

func (a *app) printRecord(rec *types.WorkItemRecord) error {
	if a.jsonOut {
		return a.printJSON(rec)
	}
	p := a.printer()
	p.Record(rec)
	p.Line("  %s  %s", rec.FilePath, p.Dim(shortCommit(rec.CommitID)))
	return nil
}

func shortCommit(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func (a *app) createCmd() *cobra.Command {
	var (
		parent  string
		content string
		file    string
		meta    map[string]string
	)
	cmd := &cobra.Command{
		Use:     "create <feature|epic|story> <title>",
		GroupID: "records",
		Short:   "Create a record, its document and one commit",
		Example: `  wst create feature "Billing"
  wst create epic "Invoices" --parent feature-billing
  wst create story "Send invoice email" --parent epic-1 --content-file notes.md`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := types.ParseKind(args[0])
			if err != nil {
				return err
			}
			body, err := readContent(cmd, content, file)
			if err != nil {
				return err
			}
			mgr, err := a.manager(cmd.Context(), nil)
			if err != nil {
				return err
			}
			title := strings.Join(args[1:], " ")
			rec, err := mgr.CreateRecord(cmd.Context(), kind, parent, title, body, opOptions(meta)...)
			if err != nil {
				return err
			}
			return a.printRecord(rec)
		},
	}
	cmd.Flags().StringVarP(&parent, "parent", "p", "", "Parent record id (epics: feature, stories: epic)")
	cmd.Flags().StringVar(&content, "content", "", "Document body")
	cmd.Flags().StringVar(&file, "content-file", "", "Read the document body from a file (- for stdin)")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "Metadata key=value pairs")
	return cmd
}

func (a *app) transitionCmd() *cobra.Command {
	var meta map[string]string
	cmd := &cobra.Command{
		Use:     "transition <id> <state>",
		Aliases: []string{"mv"},
		GroupID: "records",
		Short:   "Move a record to another state",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context(), nil)
			if err != nil {
				return err
			}
			rec, err := mgr.TransitionState(cmd.Context(), args[0], types.State(args[1]), opOptions(meta)...)
			if err != nil {
				return err
			}
			return a.printRecord(rec)
		},
	}
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "Metadata key=value pairs")
	return cmd
}

func (a *app) completeCmd() *cobra.Command {
	var (
		content string
		file    string
		meta    map[string]string
	)
	cmd := &cobra.Command{
		Use:     "complete <id>",
		GroupID: "records",
		Short:   "Move a record to its done state, optionally replacing its body",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readContent(cmd, content, file)
			if err != nil {
				return err
			}
			mgr, err := a.manager(cmd.Context(), nil)
			if err != nil {
				return err
			}
			rec, err := mgr.CompleteRecord(cmd.Context(), args[0], body, opOptions(meta)...)
			if err != nil {
				return err
			}
			return a.printRecord(rec)
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "Final document body")
	cmd.Flags().StringVar(&file, "content-file", "", "Read the final body from a file (- for stdin)")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "Metadata key=value pairs")
	return cmd
}

func (a *app) noteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "note <id> <text>",
		GroupID: "records",
		Short:   "Append a note to a record",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context(), nil)
			if err != nil {
				return err
			}
			n, err := mgr.AddNote(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(n)
			}
			a.printer().Success("noted on %s", n.RecordID)
			return nil
		},
	}
}

func (a *app) showCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "show <id>",
		GroupID: "records",
		Short:   "Show a record with its recent history and notes",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.reader(ctx)
			if err != nil {
				return err
			}
			rec, err := db.GetRecord(ctx, args[0])
			if err != nil {
				return err
			}
			entries, err := db.AuditFor(ctx, rec.ID, limit)
			if err != nil {
				return err
			}
			notes, err := db.NotesFor(ctx, rec.ID, limit)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(struct {
					Record  *types.WorkItemRecord
					History []types.AuditEntry
					Notes   []types.Note
				}{rec, entries, notes})
			}

			p := a.printer()
			p.Header("%s  %s", rec.ID, rec.Title)
			p.Line("state:   %s", p.State(rec.State))
			if rec.ParentID != "" {
				p.Line("parent:  %s", rec.ParentID)
			}
			p.Line("file:    %s", rec.FilePath)
			p.Line("commit:  %s", shortCommit(rec.CommitID))
			for k, v := range rec.Metadata {
				p.Line("%s: %s", k, v)
			}
			if len(entries) > 0 {
				p.Line("")
				p.Header("History")
				a.auditTable(entries)
			}
			if len(notes) > 0 {
				p.Line("")
				p.Header("Notes")
				for _, n := range notes {
					p.Line("%s %s  %s", n.CreatedAt.Format("2006-01-02 15:04"), p.Dim(n.Actor), n.Body)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum history entries and notes")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	var (
		kind   string
		state  string
		parent string
		all    bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		GroupID: "records",
		Short:   "List records",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := index.Filter{
				State:           types.State(state),
				ParentID:        parent,
				ExcludeArchived: !all,
			}
			if kind != "" {
				k, err := types.ParseKind(kind)
				if err != nil {
					return err
				}
				f.Kind = k
			}
			db, err := a.reader(cmd.Context())
			if err != nil {
				return err
			}
			recs, err := db.ListRecords(cmd.Context(), f)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(recs)
			}
			p := a.printer()
			for _, r := range recs {
				p.Record(r)
			}
			if len(recs) == 0 {
				p.Line("no records")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Only this kind (feature, epic, story)")
	cmd.Flags().StringVarP(&state, "state", "s", "", "Only this state")
	cmd.Flags().StringVarP(&parent, "parent", "p", "", "Only children of this record")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include archived records")
	return cmd
}

func (a *app) auditTable(entries []types.AuditEntry) {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		change := string(e.NewState)
		if e.PrevState != "" && e.PrevState != e.NewState {
			change = history.Arrow(e.PrevState, e.NewState)
		}
		rows = append(rows, []string{
			e.Timestamp.Local().Format("2006-01-02 15:04"),
			e.RecordID,
			e.Operation,
			change,
			e.Actor,
			shortCommit(e.CommitID),
		})
	}
	a.printer().Table([]string{"WHEN", "RECORD", "OP", "STATE", "ACTOR", "COMMIT"}, rows)
}
