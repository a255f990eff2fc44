package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/relaywork/workstate/internal/audit"
	"github.com/relaywork/workstate/internal/config"
	"github.com/relaywork/workstate/internal/contextload"
	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/logging"
	"github.com/relaywork/workstate/internal/txn"
	"github.com/relaywork/workstate/internal/ui"
	"github.com/relaywork/workstate/internal/vcs"
	_ "github.com/relaywork/workstate/internal/vcs/git"
)

// skipSetup marks commands that run outside a repository.
const skipSetup = "wst/skip-setup"

// errNotInitialised is returned by commands that need an index schema.
var errNotInitialised = errors.New("index is not initialised; run 'wst init' or 'wst migrate run'")

// app holds the state of one invocation.
type app struct {
	repo    string
	jsonOut bool
	verbose bool
	actor   string

	stdout io.Writer
	stderr io.Writer

	root string
	vcs  vcs.VCS
	cfg  *config.Config
	logs *logging.Logging
	reg  *prometheus.Registry

	closers []func() error
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, logs: logging.Discard()}
}

// execute runs one invocation and reports its error on stderr.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := newApp(stdout, stderr)
	root := a.rootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return err
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wst",
		Short: "Transactional work-item state for git repositories",
		Long: `wst keeps a SQLite index of features, epics and stories in lock-step
with the markdown documents and the commits of a git repository.

Every change is an envelope: the document, the index row, the audit entry
and exactly one commit either all happen or none of them do.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipSetup] == "true" {
				return nil
			}
			return a.setup()
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.PersistentFlags().StringVarP(&a.repo, "repo", "C", ".", "Repository to operate on")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Print JSON instead of text")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log to stderr as well as the log file")
	root.PersistentFlags().StringVar(&a.actor, "actor", "", "Actor recorded in audit entries (overrides config)")

	root.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "context", Title: "Context:"},
		&cobra.Group{ID: "consistency", Title: "Consistency:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	root.AddCommand(
		a.initCmd(),
		a.createCmd(),
		a.transitionCmd(),
		a.completeCmd(),
		a.noteCmd(),
		a.showCmd(),
		a.listCmd(),
		a.historyCmd(),
		a.contextCmd(),
		a.analyzeCmd(),
		a.checkCmd(),
		a.repairCmd(),
		a.recoverCmd(),
		a.migrateCmd(),
		a.daemonCmd(),
		a.dashboardCmd(),
		a.loadtestCmd(),
	)
	return root
}

// setup resolves the repository, loads its config and opens the log.
func (a *app) setup() error {
	v, err := vcs.GetForPath(a.repo)
	if err != nil {
		return fmt.Errorf("%s is not inside a git repository: %w", a.repo, err)
	}
	root, err := v.RepoRoot()
	if err != nil {
		return err
	}
	// before anything is written under the state directory
	if err := v.IgnoreLocal(txn.StateDir + "/"); err != nil {
		return err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	if a.actor != "" {
		cfg.Actor = a.actor
	}

	logFile := ""
	if cfg.Log.File != "" {
		logFile = filepath.Join(root, filepath.FromSlash(cfg.Log.File))
	}
	logs, err := logging.New(logging.Options{
		File:       logFile,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stderr:     a.stderr,
		Quiet:      !a.verbose,
	})
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}

	a.vcs = v
	a.root = root
	a.cfg = cfg
	a.logs = logs
	a.reg = prometheus.NewRegistry()
	return nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	errs = append(errs, a.logs.Close())
	return errors.Join(errs...)
}

func (a *app) indexPath() string {
	return filepath.Join(a.root, txn.StateDir, "index.db")
}

func (a *app) layout() document.Layout {
	return document.NewLayout(a.root, a.cfg.DocsDir)
}

func (a *app) printer() *ui.Printer {
	return ui.New(a.stdout)
}

// manager opens the index for writing and returns a transactional manager
// over it. It must be called at most once per invocation.
func (a *app) manager(ctx context.Context, pub txn.Publisher) (*txn.Manager, error) {
	return a.openManager(ctx, pub, true)
}

func (a *app) openManager(ctx context.Context, pub txn.Publisher, needSchema bool) (*txn.Manager, error) {
	db, err := index.Open(a.indexPath())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	if needSchema {
		ok, err := db.HasSchema(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errNotInitialised
		}
	}

	policy, err := txn.ParseLockPolicy(a.cfg.Lock.Policy)
	if err != nil {
		return nil, err
	}
	return txn.New(a.vcs, db, a.layout(), txn.Options{
		Actor:       a.cfg.Actor,
		LockPolicy:  policy,
		LockTimeout: a.cfg.Lock.Timeout,
		Publisher:   pub,
		Metrics:     txn.NewMetrics(a.reg),
		Logger:      a.logs.Logger("txn"),
	})
}

func (a *app) auditor(mgr *txn.Manager) (*audit.Auditor, error) {
	aud, err := audit.New(mgr, audit.Options{
		RecencyWindow: a.cfg.Migration.RecencyWindow,
		Logger:        a.logs.Logger("audit"),
		Registerer:    a.reg,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, aud.Close)
	return aud, nil
}

// reader opens the index read-only for queries.
func (a *app) reader(ctx context.Context) (*index.DB, error) {
	db, err := index.OpenReadOnly(a.indexPath())
	if err != nil {
		return nil, errNotInitialised
	}
	a.closers = append(a.closers, db.Close)
	ok, err := db.HasSchema(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotInitialised
	}
	return db, nil
}

func (a *app) loader(ctx context.Context) (*contextload.Loader, error) {
	db, err := a.reader(ctx)
	if err != nil {
		return nil, err
	}
	return contextload.New(db, contextload.Options{
		MaxActionItems: a.cfg.Context.MaxActionItems,
		MaxNotes:       a.cfg.Context.MaxNotes,
		Registerer:     a.reg,
	}), nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// rel shows an absolute path relative to the repository root.
func (a *app) rel(path string) string {
	if r, err := filepath.Rel(a.root, path); err == nil {
		return filepath.ToSlash(r)
	}
	return path
}
