package feed

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/relaywork/workstate/internal/audit"
	"github.com/relaywork/workstate/internal/txn"
	"github.com/relaywork/workstate/internal/types"
)

// StatsData counts live records by state.
type StatsData struct {
	Total   int                 `json:"total"`
	ByState map[types.State]int `json:"by_state"`
}

// ReportData summarises a consistency report.
type ReportData struct {
	Clean      bool                      `json:"clean"`
	ByKind     map[audit.FindingKind]int `json:"by_kind"`
	Repairable int                       `json:"repairable"`
	Conflicts  int                       `json:"conflicts"`
	Findings   []audit.Finding           `json:"findings,omitempty"`
}

// Handler turns manager events and audit reports into feed messages. It
// implements txn.Publisher.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

var _ txn.Publisher = (*Handler)(nil)

// NewHandler returns a handler broadcasting through server. New clients
// are greeted with the current stats.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = server.logger
	}
	h := &Handler{
		server: server,
		logger: logger,
		stats:  StatsData{ByState: make(map[types.State]int)},
	}
	server.welcome = h.statsMessage
	return h
}

// Publish broadcasts a committed record change and the updated stats.
func (h *Handler) Publish(ev txn.Event) {
	h.mu.Lock()
	switch {
	case ev.PrevState == "":
		h.stats.Total++
	default:
		h.decrement(ev.PrevState)
	}
	if ev.NewState != "" {
		h.stats.ByState[ev.NewState]++
	}
	h.mu.Unlock()

	h.send(MessageTypeRecord, ev)
	h.server.Broadcast(h.statsMessage())
}

func (h *Handler) decrement(s types.State) {
	if h.stats.ByState[s] <= 1 {
		delete(h.stats.ByState, s)
		return
	}
	h.stats.ByState[s]--
}

// OnReport broadcasts a consistency report.
func (h *Handler) OnReport(rep *audit.Report) {
	data := ReportData{
		Clean:      rep.Clean(),
		ByKind:     make(map[audit.FindingKind]int),
		Repairable: len(rep.Repairable()),
		Conflicts:  len(rep.Conflicts),
		Findings:   rep.Findings,
	}
	for _, k := range audit.FindingKinds {
		if n := rep.Count(k); n > 0 {
			data.ByKind[k] = n
		}
	}
	if !data.Clean {
		h.logger.Printf("consistency check: %d findings, %d conflicts", len(rep.Findings), len(rep.Conflicts))
	}
	h.send(MessageTypeReport, data)
}

// UpdateStats resets the counts from a full record list.
func (h *Handler) UpdateStats(recs []*types.WorkItemRecord) {
	h.mu.Lock()
	h.stats = StatsData{Total: len(recs), ByState: make(map[types.State]int)}
	for _, r := range recs {
		h.stats.ByState[r.State]++
	}
	h.mu.Unlock()
	h.server.Broadcast(h.statsMessage())
}

// Stats returns a copy of the current counts.
func (h *Handler) Stats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := StatsData{Total: h.stats.Total, ByState: make(map[types.State]int, len(h.stats.ByState))}
	for k, v := range h.stats.ByState {
		out.ByState[k] = v
	}
	return out
}

func (h *Handler) statsMessage() Message {
	data, _ := json.Marshal(h.Stats())
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

func (h *Handler) send(t MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("failed to marshal %s message: %v", t, err)
		return
	}
	h.server.Broadcast(Message{Type: t, Timestamp: time.Now(), Data: data})
}
