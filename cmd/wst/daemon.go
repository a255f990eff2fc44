package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaywork/workstate/internal/audit"
	"github.com/relaywork/workstate/internal/daemon"
	"github.com/relaywork/workstate/internal/feed"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/txn"
)

func (a *app) daemonCmd() *cobra.Command {
	var (
		withFeed bool
		addr     string
		repair   bool
	)
	cmd := &cobra.Command{
		Use:     "daemon",
		GroupID: "advanced",
		Short:   "Watch the repository and audit it continuously",
		Long: `Recover interrupted envelopes, then audit the repository on startup,
whenever a document changes, whenever a commit lands outside workstate and
at a fixed interval.

With --repair (or daemon.auto_repair) findings are repaired as they
appear. Uncommitted drift is never repaired automatically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("repair") {
				a.cfg.Daemon.AutoRepair = repair
			}
			if !cmd.Flags().Changed("addr") {
				addr = a.cfg.Feed.Addr
			}
			return a.serve(cmd, withFeed, addr)
		},
	}
	cmd.Flags().BoolVar(&withFeed, "feed", false, "Also serve the live feed")
	cmd.Flags().StringVar(&addr, "addr", feed.DefaultAddr, "Feed listen address")
	cmd.Flags().BoolVar(&repair, "repair", false, "Repair findings automatically")
	return cmd
}

func (a *app) dashboardCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "dashboard",
		GroupID: "advanced",
		Short:   "Serve the live feed of record changes and consistency reports",
		Long: `Start the daemon together with an HTTP server for monitoring state in
real time.

Endpoints:
  /ws        WebSocket feed of record, report and stats messages
  /context   GET ?epic=<id>[&role=<role>] bounded epic context as JSON
  /metrics   Prometheus metrics
  /health    liveness`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				addr = a.cfg.Feed.Addr
			}
			return a.serve(cmd, true, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", feed.DefaultAddr, "Listen address")
	return cmd
}

// serve runs the daemon, optionally with the feed server, until interrupted.
func (a *app) serve(cmd *cobra.Command, withFeed bool, addr string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	p := a.printer()

	var (
		server  *feed.Server
		handler *feed.Handler
		pub     txn.Publisher
	)
	if withFeed {
		loader, err := a.loader(ctx)
		if err != nil {
			return err
		}
		server = feed.NewServer(feed.Config{
			Addr:     addr,
			Logger:   a.logs.Logger("feed"),
			Gatherer: a.reg,
			Context:  loader,
		})
		handler = feed.NewHandler(server, nil)
		pub = handler
	}

	mgr, err := a.manager(ctx, pub)
	if err != nil {
		return err
	}
	aud, err := a.auditor(mgr)
	if err != nil {
		return err
	}
	d, err := daemon.New(mgr, aud, &daemon.Config{
		AuditInterval:    a.cfg.Daemon.AuditInterval,
		DebounceInterval: a.cfg.Daemon.DebounceInterval,
		PollInterval:     a.cfg.Daemon.PollInterval,
		AutoRepair:       a.cfg.Daemon.AutoRepair,
		Registerer:       a.reg,
		Logger:           a.logs.Logger("daemon"),
	})
	if err != nil {
		return err
	}

	d.OnReport(func(rep *audit.Report) {
		if !rep.Clean() {
			p.Warn("%d findings, %d conflicts; run 'wst check' for details", len(rep.Findings), len(rep.Conflicts))
		}
	})

	if server != nil {
		refresh := func() {
			recs, err := mgr.Index().ListRecords(ctx, index.Filter{ExcludeArchived: true})
			if err != nil {
				a.logs.Logger("feed").Printf("failed to refresh stats: %v", err)
				return
			}
			handler.UpdateStats(recs)
		}
		refresh()
		d.OnReport(handler.OnReport)
		d.OnReport(func(*audit.Report) { refresh() })

		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			if err := server.Stop(); err != nil {
				p.Error("feed shutdown: %v", err)
			}
		}()
		p.Line("feed:    ws://%s/ws", server.Addr())
		p.Line("context: http://%s/context?epic=<id>", server.Addr())
		p.Line("metrics: http://%s/metrics", server.Addr())
	}

	p.Line("watching %s (Ctrl+C to stop)", a.root)
	if err := d.Start(ctx); err != nil {
		_ = d.Stop()
		return err
	}
	p.Line("stopped")
	return nil
}
