package tool

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

// CollectOutputs expands patterns relative to dir and returns the matched
// regular files, sorted and without duplicates. Patterns use filepath.Match
// syntax. Matching nothing is a KindArtifact error, since a build that
// declares outputs and produces none has failed.
func CollectOutputs(fs afero.Fs, dir string, patterns []string) ([]string, error) {
	const op = "tool.CollectOutputs"

	seen := make(map[string]bool)
	var files []string
	for _, p := range patterns {
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		matches, err := afero.Glob(fs, p)
		if err != nil {
			return nil, rperrors.ValidationWrap(err, op, fmt.Sprintf("invalid output pattern %q", p))
		}
		for _, m := range matches {
			info, err := fs.Stat(m)
			if err != nil || !info.Mode().IsRegular() || seen[m] {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return nil, rperrors.Artifact(op, fmt.Sprintf("no files match %v in %s", patterns, dir))
	}
	sort.Strings(files)
	return files, nil
}
