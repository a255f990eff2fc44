package vcs_test

import (
	"testing"

	"github.com/relaywork/workstate/internal/vcs"
	// Import implementations to trigger auto-registration
	_ "github.com/relaywork/workstate/internal/vcs/git"
)

// TestRegistrationIntegration verifies that the git implementation
// registers itself via init().
func TestRegistrationIntegration(t *testing.T) {
	if !vcs.IsRegistered(vcs.TypeGit) {
		t.Error("Expected git to be auto-registered")
	}

	found := false
	for _, typ := range vcs.RegisteredTypes() {
		if typ == vcs.TypeGit {
			found = true
		}
	}
	if !found {
		t.Error("Expected TypeGit in registered types")
	}
}
