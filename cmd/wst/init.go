package main

import (
	"errors"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/relaywork/workstate/internal/config"
	"github.com/relaywork/workstate/internal/contextload"
	"github.com/relaywork/workstate/internal/index"
)

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Set up workstate in a repository",
		Long: `Write the default settings file and create the index schema.

A repository that already holds planning documents is not initialised
directly: its documents are backfilled by 'wst migrate run' instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p := a.printer()

			path := config.Path(a.root)
			switch err := config.WriteDefault(path); {
			case err == nil:
				p.Success("wrote %s", a.rel(path))
			case errors.Is(err, fs.ErrExist):
				p.Line("%s already exists", a.rel(path))
			default:
				return err
			}

			st, err := contextload.AnalyzeExistingProject(ctx, a.root, contextload.AnalyzeOptions{
				IndexPath:    a.indexPath(),
				DocsDir:      a.cfg.DocsDir,
				BranchPrefix: a.cfg.Migration.BranchPrefix,
			})
			if err != nil {
				return err
			}
			if st.SchemaPresent {
				p.Line("index already initialised (schema %s)", st.SchemaVersion)
				return nil
			}
			if st.NeedsMigration() {
				p.Warn("found existing documents; run 'wst migrate run' to index them")
				return nil
			}

			db, err := index.Open(a.indexPath())
			if err != nil {
				return err
			}
			a.closers = append(a.closers, db.Close)
			if err := db.InitSchemaContext(ctx); err != nil {
				return err
			}
			p.Success("initialised %s", a.rel(a.indexPath()))
			return nil
		},
	}
}
