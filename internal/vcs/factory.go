package vcs

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Factory creates VCS instances for a path.
//
// Instances are cached per absolute path so that the manager, the auditor
// and the migration coordinator of one process share a collaborator.
type Factory struct {
	// enableCache enables caching of VCS instances
	enableCache bool
}

// Global cache for VCS instances
var (
	vcsCache   sync.Map
	cacheMutex sync.RWMutex
)

// FactoryOption configures the factory
type FactoryOption func(*Factory)

// WithCache enables or disables instance caching
func WithCache(enabled bool) FactoryOption {
	return func(f *Factory) {
		f.enableCache = enabled
	}
}

// NewFactory creates a new VCS factory. Caching is enabled by default.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{enableCache: true}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create detects the repository containing path and returns its
// registered implementation.
func (f *Factory) Create(path string) (VCS, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	if f.enableCache {
		cacheMutex.RLock()
		cached, ok := vcsCache.Load(key)
		cacheMutex.RUnlock()
		if ok {
			return cached.(VCS), nil
		}
	}

	result, err := DetectWithAvailability(key)
	if err != nil {
		return nil, err
	}

	constructor := getConstructor(result.Type)
	if constructor == nil {
		return nil, fmt.Errorf("no registered constructor for VCS type: %s (available: %v)", result.Type, RegisteredTypes())
	}

	v, err := constructor(result.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s VCS instance: %w", result.Type, err)
	}

	if f.enableCache {
		cacheMutex.RLock()
		vcsCache.Store(key, v)
		cacheMutex.RUnlock()
	}

	return v, nil
}

// GetForPath returns a VCS instance for the specified path.
func GetForPath(path string) (VCS, error) {
	return NewFactory().Create(path)
}

// ResetCache clears the VCS instance cache.
// Tests that create many temporary repositories call this between cases.
func ResetCache() {
	cacheMutex.Lock()
	defer cacheMutex.Unlock()
	vcsCache = sync.Map{}
}
