package document

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// Read parses the document at an absolute path.
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", path, err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid document %s: %w", path, err)
	}

	return doc, nil
}

// ReadRel parses the document at a repo-relative path.
func (l Layout) ReadRel(rel string) (*Document, error) {
	return Read(l.Abs(rel))
}

// WriteFile atomically replaces the file at path with data, creating parent
// directories as needed.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Write renders doc and atomically writes it to an absolute path.
func Write(path string, doc *Document) error {
	data, err := doc.Render()
	if err != nil {
		return err
	}
	return WriteFile(path, data)
}

// PreImage is the captured state of a file before an envelope touched it.
type PreImage struct {
	// Path is absolute
	Path string

	// Existed is false when the file did not exist
	Existed bool

	// Data is the original content when Existed is true
	Data []byte

	// Mode is the original permission bits
	Mode os.FileMode
}

// Capture records the current content of path so it can be restored.
func Capture(path string) (*PreImage, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PreImage{Path: path}, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return &PreImage{Path: path, Existed: true, Data: data, Mode: info.Mode().Perm()}, nil
}

// Restore puts the file back exactly as captured, removing it if it did not
// exist before.
func (p *PreImage) Restore() error {
	if !p.Existed {
		if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p.Path, err)
		}
		return nil
	}
	if err := WriteFile(p.Path, p.Data); err != nil {
		return err
	}
	if p.Mode != 0 {
		_ = os.Chmod(p.Path, p.Mode)
	}
	return nil
}
