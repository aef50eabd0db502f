package git

import "github.com/sentinelhq/sentinel/internal/vcs"

// init registers the git VCS implementation with the registry.
// This is called automatically when the package is imported.
func init() {
	vcs.Register(vcs.TypeGit, vcs.Backend{
		Open: func(path string, opts vcs.Options) (vcs.VCS, error) {
			return New(path, opts)
		},
		Clone: Clone,
	})
}
