package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/codemachine-ai/codemachine/pkg/errors"
)

// ResolvePromptPaths expands prompt path entries relative to baseDir.
// Entries may be glob patterns; matches are sorted so composition order is
// stable. A non-glob entry that matches nothing is an error, a glob that
// matches nothing is an empty contribution.
func ResolvePromptPaths(baseDir string, paths []string) ([]string, error) {
	var resolved []string
	for _, p := range paths {
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(baseDir, p)
		}

		if !strings.ContainsAny(p, "*?[{") {
			if _, err := os.Stat(full); err != nil {
				return nil, &errors.NotFoundError{Resource: "prompt", ID: p}
			}
			resolved = append(resolved, full)
			continue
		}

		matches, err := doublestar.FilepathGlob(full)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:      "promptPath",
				Message:    fmt.Sprintf("bad glob %q: %v", p, err),
				Suggestion: "check the glob syntax",
			}
		}
		sort.Strings(matches)
		resolved = append(resolved, matches...)
	}
	return resolved, nil
}

// ComposePrompt concatenates the resolved prompt files, separated by a
// blank line. This is the primary-prompt merge operation.
func ComposePrompt(baseDir string, paths []string) (string, error) {
	files, err := ResolvePromptPaths(baseDir, paths)
	if err != nil {
		return "", err
	}

	var parts []string
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return "", fmt.Errorf("read prompt %s: %w", f, err)
		}
		parts = append(parts, strings.TrimRight(string(data), "\n"))
	}
	return strings.Join(parts, "\n\n"), nil
}
