// Package daemon keeps the state index honest while a project is being
// worked on.
//
// The daemon:
//  1. Recovers envelopes interrupted before it started
//  2. Watches the document directories and audits after changes settle
//  3. Watches the branch for commits made outside the state manager
//  4. Audits periodically, optionally repairing what is safe to repair
//  5. Hands every report to its subscribers
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaywork/workstate/internal/audit"
	"github.com/relaywork/workstate/internal/txn"
)

// Config holds configuration for the daemon.
type Config struct {
	// AuditInterval is how often to run a full consistency check
	AuditInterval time.Duration

	// DebounceInterval is how long a document must stay quiet before its
	// change triggers an audit
	DebounceInterval time.Duration

	// PollInterval is how often the branch is checked for new commits
	PollInterval time.Duration

	// AutoRepair repairs findings after an audit. Reports with uncommitted
	// drift are never repaired automatically: the drift may be an edit in
	// progress.
	AutoRepair bool

	// Registerer receives the daemon counters when set
	Registerer prometheus.Registerer

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AuditInterval:    time.Minute,
		DebounceInterval: 250 * time.Millisecond,
		PollInterval:     time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Trigger names what caused an audit.
type Trigger string

const (
	TriggerStartup  Trigger = "startup"
	TriggerDocument Trigger = "document"
	TriggerCommit   Trigger = "commit"
	TriggerPeriodic Trigger = "periodic"
	TriggerManual   Trigger = "manual"
)

// Daemon orchestrates document watching, commit watching and auditing.
type Daemon struct {
	mgr     *txn.Manager
	auditor *audit.Auditor
	config  *Config

	watcher       *DocWatcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	requests chan Trigger

	subsMu      sync.Mutex
	subscribers []func(*audit.Report)

	lastMu sync.Mutex
	last   *audit.Report

	audits  *prometheus.CounterVec
	repairs prometheus.Counter

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon over a manager and an auditor of the same
// repository. Use Start to run it.
func New(mgr *txn.Manager, auditor *audit.Auditor, config *Config) (*Daemon, error) {
	if mgr == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor cannot be nil")
	}
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.AuditInterval <= 0 {
		config.AuditInterval = def.AuditInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	watcher, err := NewDocWatcher(mgr.Layout())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		mgr:         mgr,
		auditor:     auditor,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		requests:    make(chan Trigger, 1),
		audits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workstate",
			Subsystem: "daemon",
			Name:      "audits_total",
			Help:      "Consistency checks run by the daemon, by trigger.",
		}, []string{"trigger"}),
		repairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workstate",
			Subsystem: "daemon",
			Name:      "repairs_total",
			Help:      "Repairs applied automatically by the daemon.",
		}),
		ctx:    ctx,
		cancel: cancel,
	}
	if config.Registerer != nil {
		config.Registerer.MustRegister(d.audits, d.repairs)
	}
	return d, nil
}

// OnReport registers fn to receive every report. It must be called before
// Start.
func (d *Daemon) OnReport(fn func(*audit.Report)) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	d.subscribers = append(d.subscribers, fn)
}

// LastReport returns the most recent report, or nil before the first audit.
func (d *Daemon) LastReport() *audit.Report {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	return d.last
}

// Start recovers interrupted envelopes, runs a first audit and then watches
// until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	logger := d.config.Logger
	logger.Println("starting")

	rec, err := d.mgr.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	if !rec.Empty() {
		logger.Printf("recovered envelopes: %d attached, %d compensated, %d pending",
			len(rec.Attached), len(rec.Compensated), len(rec.Pending))
	}

	if _, err := d.Audit(ctx, TriggerStartup); err != nil {
		return fmt.Errorf("initial audit failed: %w", err)
	}

	head, err := LatestCommit(ctx, d.mgr.VCS())
	if err != nil {
		return err
	}

	if err := d.watcher.Start(); err != nil {
		logger.Printf("document watching disabled: %v", err)
	} else {
		logger.Printf("watching %d document directories", len(d.watcher.Dirs()))
		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}

	d.wg.Add(3)
	go d.auditLoop()
	go d.periodicAudit()
	go d.watchCommits(head)

	select {
	case <-ctx.Done():
		logger.Println("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for its goroutines.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.config.Logger.Println("stopping")
		d.cancel()
		if e := d.watcher.Stop(); e != nil {
			err = e
		}
		d.wg.Wait()
		d.config.Logger.Println("stopped")
	})
	return err
}

// Audit checks consistency now and, when configured, repairs. Subscribers
// receive the final report.
func (d *Daemon) Audit(ctx context.Context, trigger Trigger) (*audit.Report, error) {
	d.audits.WithLabelValues(string(trigger)).Inc()

	rep, err := d.check(ctx)
	if err != nil {
		return nil, err
	}

	if d.config.AutoRepair && rep.Count(audit.UncommittedDrift) == 0 && len(rep.Repairable()) > 0 {
		res, rerr := d.auditor.Repair(ctx, rep)
		var conflict *audit.ConsistencyRepairConflict
		switch {
		case res != nil && res.CommitID != "":
			d.repairs.Inc()
			d.config.Logger.Printf("repaired %d findings (%s)", len(res.Repaired), trigger)
			if rerr != nil && !errors.As(rerr, &conflict) {
				d.config.Logger.Printf("repair: %v", rerr)
			}
			if rep, err = d.check(ctx); err != nil {
				return nil, err
			}
		case rerr != nil:
			d.config.Logger.Printf("automatic repair failed: %v", rerr)
		case res != nil && len(res.Stale) > 0:
			// another writer settled the findings; report what holds now
			if rep, err = d.check(ctx); err != nil {
				return nil, err
			}
		}
	}

	d.lastMu.Lock()
	d.last = rep
	d.lastMu.Unlock()

	d.subsMu.Lock()
	subs := make([]func(*audit.Report), len(d.subscribers))
	copy(subs, d.subscribers)
	d.subsMu.Unlock()
	for _, fn := range subs {
		fn(rep)
	}

	if !rep.Clean() {
		d.config.Logger.Printf("%s audit: %d findings, %d conflicts", trigger, len(rep.Findings), len(rep.Conflicts))
	}
	return rep, nil
}

// check runs under the write lock so that no envelope is half-applied
// while the tree is inspected.
func (d *Daemon) check(ctx context.Context) (*audit.Report, error) {
	var rep *audit.Report
	err := d.mgr.WithLock(ctx, func(ctx context.Context) error {
		var err error
		rep, err = d.auditor.CheckConsistency(ctx)
		return err
	})
	return rep, err
}

// requestAudit queues an audit. Requests arriving while one is queued are
// coalesced.
func (d *Daemon) requestAudit(trigger Trigger) {
	select {
	case d.requests <- trigger:
	default:
	}
}

func (d *Daemon) auditLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case trigger := <-d.requests:
			if _, err := d.Audit(d.ctx, trigger); err != nil && d.ctx.Err() == nil {
				d.config.Logger.Printf("%s audit failed: %v", trigger, err)
			}
		}
	}
}

func (d *Daemon) periodicAudit() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.AuditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.requestAudit(TriggerPeriodic)
		}
	}
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.queueChange(ev.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if d.settledChanges() > 0 {
				d.requestAudit(TriggerDocument)
			}
		}
	}
}

// settledChanges drops the queued paths that have been quiet for the
// debounce interval and returns how many there were.
func (d *Daemon) settledChanges() int {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	n := 0
	for path, at := range d.changeQueue {
		if now.Sub(at) < d.config.DebounceInterval {
			continue
		}
		delete(d.changeQueue, path)
		n++
	}
	return n
}

func (d *Daemon) watchCommits(head string) {
	defer d.wg.Done()

	cfg := CommitLogConfig{
		PollInterval: d.config.PollInterval,
		DocsDir:      d.mgr.Layout().DocsDir,
		LastHash:     head,
		Logger:       d.config.Logger,
	}
	err := WatchCommits(d.ctx, d.mgr.VCS(), cfg, func(entries []CommitEntry) error {
		for _, e := range entries {
			if !e.Managed && len(e.AffectedFiles) > 0 {
				d.config.Logger.Printf("external commit %s touched %d documents", shortHash(e.Hash), len(e.AffectedFiles))
				d.requestAudit(TriggerCommit)
				return nil
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		d.config.Logger.Printf("commit watcher stopped: %v", err)
	}
}
