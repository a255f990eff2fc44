// Package audit detects and repairs divergence between the working tree,
// the git history and the index.
//
// Four checks run concurrently against a read-only index connection:
//
//   - uncommitted drift: dirty paths in the working tree
//   - orphaned records: records whose document is gone or untracked
//   - unregistered documents: tracked documents with no record
//   - state mismatch: a record whose state disagrees with its document
//     marker or, without a marker, with the last commit that set it
//
// Repairs treat the committed files as ground truth and run as a single
// envelope through the transactional manager.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/txn"
	"github.com/relaywork/workstate/internal/types"
	"github.com/relaywork/workstate/internal/vcs"
)

// FindingKind classifies a finding.
type FindingKind string

const (
	UncommittedDrift     FindingKind = "uncommitted-drift"
	OrphanedRecord       FindingKind = "orphaned-record"
	UnregisteredDocument FindingKind = "unregistered-document"
	StateMismatch        FindingKind = "state-mismatch"
)

// FindingKinds lists the kinds in report order.
var FindingKinds = []FindingKind{UncommittedDrift, OrphanedRecord, UnregisteredDocument, StateMismatch}

func (k FindingKind) order() int {
	for i, fk := range FindingKinds {
		if fk == k {
			return i
		}
	}
	return len(FindingKinds)
}

// Finding is one divergence.
type Finding struct {
	Kind        FindingKind `json:"kind"`
	ID          string      `json:"id,omitempty"`
	Path        string      `json:"path"`
	Description string      `json:"description"`
	Repairable  bool        `json:"repairable"`

	// Have and Want are the index and file states of a state mismatch
	Have types.State `json:"have,omitempty"`
	Want types.State `json:"want,omitempty"`

	// Envelopes lists interrupted envelopes that touched a drifted record
	Envelopes []string `json:"envelopes,omitempty"`

	code        vcs.StatusCode
	fresh       bool
	renamedFrom string
}

// key identifies a finding across two checks. Drift must keep its status
// and a mismatch its target state to count as the same finding.
func (f Finding) key() string {
	k := string(f.Kind) + "\x00" + f.ID + "\x00" + f.Path
	switch f.Kind {
	case UncommittedDrift:
		k += fmt.Sprintf("\x00%d\x00%t", f.code, f.fresh)
	case StateMismatch:
		k += "\x00" + string(f.Want)
	}
	return k
}

// Report is the result of CheckConsistency.
type Report struct {
	CheckedAt time.Time                    `json:"checked_at"`
	Findings  []Finding                    `json:"findings"`
	Conflicts []*ConsistencyRepairConflict `json:"conflicts,omitempty"`
}

// Clean reports whether nothing diverges.
func (r *Report) Clean() bool {
	return len(r.Findings) == 0 && len(r.Conflicts) == 0
}

// Count returns the number of findings of kind k.
func (r *Report) Count(k FindingKind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == k {
			n++
		}
	}
	return n
}

// Repairable returns the findings Repair would act on.
func (r *Report) Repairable() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Repairable {
			out = append(out, f)
		}
	}
	return out
}

// JSON renders the report for machine consumption.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Options configures an Auditor.
type Options struct {
	RecencyWindow time.Duration
	Logger        *log.Logger
	Now           func() time.Time

	// Registerer receives the findings gauge; nil disables it.
	Registerer prometheus.Registerer
}

// Auditor checks and repairs one repository.
type Auditor struct {
	mgr    *txn.Manager
	vcs    vcs.VCS
	layout document.Layout
	ro     *index.DB

	inferrer *history.Inferrer
	logger   *log.Logger
	now      func() time.Time
	findings *prometheus.GaugeVec
}

// New returns an auditor for the repository mgr manages. Checks read the
// index through their own read-only connection.
func New(mgr *txn.Manager, opts Options) (*Auditor, error) {
	ro, err := index.OpenReadOnly(mgr.Index().Path())
	if err != nil {
		return nil, err
	}
	a := &Auditor{
		mgr:    mgr,
		vcs:    mgr.VCS(),
		layout: mgr.Layout(),
		ro:     ro,
		logger: opts.Logger,
		now:    opts.Now,
	}
	if a.logger == nil {
		a.logger = log.New(os.Stderr, "[audit] ", log.LstdFlags)
	}
	if a.now == nil {
		a.now = time.Now
	}
	a.inferrer = history.NewInferrer(a.vcs)
	a.inferrer.Now = a.now
	if opts.RecencyWindow > 0 {
		a.inferrer.RecencyWindow = opts.RecencyWindow
	}
	if opts.Registerer != nil {
		a.findings = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workstate_audit_findings",
			Help: "Findings of the last consistency check by kind.",
		}, []string{"kind"})
		if err := opts.Registerer.Register(a.findings); err != nil {
			ro.Close()
			return nil, err
		}
	}
	return a, nil
}

// Close releases the read-only connection.
func (a *Auditor) Close() error {
	return a.ro.Close()
}

// CheckConsistency runs every check and merges the findings, sorted by kind
// then id. A finding on a drifted path is reported only as drift.
func (a *Auditor) CheckConsistency(ctx context.Context) (*Report, error) {
	ok, err := a.ro.HasSchema(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSchema
	}

	tracked, err := a.trackedDocs(ctx)
	if err != nil {
		return nil, err
	}

	var (
		drift, orphans, mismatches []Finding
		unregistered               []claim
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		drift, err = a.checkDrift(gCtx)
		return err
	})
	g.Go(func() (err error) {
		orphans, err = a.checkOrphans(gCtx, tracked)
		return err
	})
	g.Go(func() (err error) {
		unregistered, err = a.checkUnregistered(gCtx, tracked)
		return err
	})
	g.Go(func() (err error) {
		mismatches, err = a.checkMismatch(gCtx, tracked)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("consistency check failed: %w", err)
	}

	rep := &Report{CheckedAt: a.now().UTC()}
	dirty := make(map[string]bool, len(drift))
	for _, f := range drift {
		dirty[f.Path] = true
	}
	rep.Findings = append(rep.Findings, drift...)
	keep := func(fs []Finding) {
		for _, f := range fs {
			if !dirty[f.Path] {
				rep.Findings = append(rep.Findings, f)
			}
		}
	}
	var clean []claim
	for _, c := range unregistered {
		if !dirty[c.finding.Path] {
			clean = append(clean, c)
		}
	}
	keep(orphans)
	keep(mismatches)
	rep.Conflicts = resolveClaims(rep, clean)

	sort.SliceStable(rep.Findings, func(i, j int) bool {
		fi, fj := rep.Findings[i], rep.Findings[j]
		if fi.Kind != fj.Kind {
			return fi.Kind.order() < fj.Kind.order()
		}
		if fi.ID != fj.ID {
			return fi.ID < fj.ID
		}
		return fi.Path < fj.Path
	})
	a.observe(rep)
	return rep, nil
}

func (a *Auditor) observe(rep *Report) {
	if a.findings == nil {
		return
	}
	for _, k := range FindingKinds {
		a.findings.WithLabelValues(string(k)).Set(float64(rep.Count(k)))
	}
	a.findings.WithLabelValues("conflict").Set(float64(len(rep.Conflicts)))
}
