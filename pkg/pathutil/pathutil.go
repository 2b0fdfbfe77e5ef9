// Package pathutil expands a path into its ancestor prefixes, used to declare
// every parent directory of a managed path.
package pathutil

import (
	"errors"
	"path"
	"strings"
)

var (
	// ErrNoPath is returned when no path argument is given.
	ErrNoPath = errors.New("path argument required")

	// ErrTooManyPaths is returned when more than one path argument is given.
	ErrTooManyPaths = errors.New("only 1 path may be supplied")
)

// SplitPath returns the absolute prefixes of a single path, shortest first:
// "a/b/c" yields ["/a", "/a/b", "/a/b/c"]. The path is cleaned first, so empty
// segments and "." disappear and ".." consumes its parent. The root itself is
// never returned.
func SplitPath(args ...string) ([]string, error) {
	switch {
	case len(args) == 0:
		return nil, ErrNoPath
	case len(args) > 1:
		return nil, ErrTooManyPaths
	}

	cleaned := path.Clean("/" + args[0])
	if cleaned == "/" {
		return []string{}, nil
	}

	segments := strings.Split(strings.TrimPrefix(cleaned, "/"), "/")
	out := make([]string, 0, len(segments))
	prefix := ""
	for _, s := range segments {
		prefix += "/" + s
		out = append(out, prefix)
	}
	return out, nil
}

// Ancestors is SplitPath for a single path without the path itself.
func Ancestors(p string) []string {
	prefixes, _ := SplitPath(p)
	if len(prefixes) == 0 {
		return prefixes
	}
	return prefixes[:len(prefixes)-1]
}
