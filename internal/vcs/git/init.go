package git

import "github.com/relaywork/workstate/internal/vcs"

// init registers the git VCS implementation with the factory.
//
//	import _ "github.com/relaywork/workstate/internal/vcs/git"
func init() {
	vcs.Register(vcs.TypeGit, func(path string) (vcs.VCS, error) {
		return New(path)
	})
}
