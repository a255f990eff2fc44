package txn

import (
	"time"

	"github.com/relaywork/workstate/internal/types"
)

// Event describes one committed record change.
type Event struct {
	EnvelopeID string      `json:"envelope_id"`
	Operation  string      `json:"operation"`
	RecordID   string      `json:"record_id"`
	PrevState  types.State `json:"prev_state,omitempty"`
	NewState   types.State `json:"new_state"`
	CommitID   string      `json:"commit_id"`
	Actor      string      `json:"actor"`
	At         time.Time   `json:"at"`
}

// Publisher receives events after an envelope commits. Publish must not
// block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }
