package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ManifestVersion is the format version written into new manifests.
const ManifestVersion = 1

// Manifest is the tracked record of a migration run. It lives next to the
// documents so every phase commit carries its own progress.
type Manifest struct {
	Version   int             `json:"version"`
	RunID     string          `json:"run_id"`
	Branch    string          `json:"branch"`
	Origin    string          `json:"origin,omitempty"`
	Base      string          `json:"base"`
	StartedAt time.Time       `json:"started_at"`
	Phases    []ManifestPhase `json:"phases"`
	Warnings  []string        `json:"warnings,omitempty"`
	Completed bool            `json:"completed"`
}

// ManifestPhase describes one completed phase.
type ManifestPhase struct {
	Phase       int            `json:"phase"`
	Name        string         `json:"name"`
	Rows        int            `json:"rows"`
	Sources     map[string]int `json:"sources,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// LastPhase returns the highest completed phase, or 0.
func (m *Manifest) LastPhase() int {
	last := 0
	for _, p := range m.Phases {
		if p.Phase > last {
			last = p.Phase
		}
	}
	return last
}

// Render serialises the manifest with a trailing newline.
func (m *Manifest) Render() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// ReadManifest loads the manifest of the layout. It returns nil, nil when
// no migration has been recorded.
func (l Layout) ReadManifest() (*Manifest, error) {
	data, err := os.ReadFile(l.Abs(l.ManifestPath()))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes manifest bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}
