package reconcile

import (
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// DefaultSourceDirs are top-level directory names that usually hold
// versioned content.
var DefaultSourceDirs = []string{"Source", "Content", "Config", "Plugins", "src", "lib", "include", "assets"}

// cloneNameRe matches directories that look like accidental copies of real
// ones, e.g. "Source - Copy", "Content (2)", "src_old".
var cloneNameRe = regexp.MustCompile(`(?i)(copy|clone|backup|\(\d+\)$|_old$|\.bak$)`)

func isCloneName(name string) bool {
	return cloneNameRe.MatchString(name)
}

// sourceGlobs picks reconcile targets under root. Directories matching a
// known source convention win; otherwise every visible top-level directory
// is used; otherwise the whole root. Globs are root-relative.
func sourceGlobs(root string, conventions []string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return []string{"./..."}
	}

	var known, visible []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") || isCloneName(name) {
			continue
		}
		visible = append(visible, name)
		if slices.ContainsFunc(conventions, func(c string) bool { return strings.EqualFold(c, name) }) {
			known = append(known, name)
		}
	}

	pick := known
	if len(pick) == 0 {
		pick = visible
	}
	if len(pick) == 0 {
		return []string{"./..."}
	}
	globs := make([]string, 0, len(pick))
	for _, name := range pick {
		globs = append(globs, "./"+filepath.ToSlash(name)+"/...")
	}
	return globs
}
