// Package locator finds the binary a compiler produced somewhere under its
// output directory. Compilers differ in whether they write the artifact at
// the top level, inside a distribution folder or deeper, so the search runs
// from most to least specific and the first match wins.
package locator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrArtifactNotFound is returned when no candidate exists under the output directory
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrAmbiguousArtifact is returned in strict mode when a recursive pass matches more than one file
	ErrAmbiguousArtifact = errors.New("ambiguous artifact")
)

// Options tunes the search
type Options struct {
	// Strict rejects a recursive pass that matches more than one file
	Strict bool
}

// genericExtensions are accepted as a last resort in any directory
var genericExtensions = []string{".bin", ".exe"}

// Locate returns the path of the artifact named expectedName under outputDir.
func Locate(outputDir, expectedName string, opts Options) (string, error) {
	if expectedName == "" {
		return "", fmt.Errorf("locating artifact: empty name")
	}
	stem := strings.TrimSuffix(expectedName, filepath.Ext(expectedName))

	// 1. Top level
	if p := filepath.Join(outputDir, expectedName); isRegular(p) {
		return p, nil
	}

	// 2. Distribution folders
	for _, dist := range []string{stem + ".dist", "dist"} {
		if p := filepath.Join(outputDir, dist, expectedName); isRegular(p) {
			return p, nil
		}
	}

	// 3. Anywhere, exact name
	matches, err := walk(outputDir, func(name string) bool { return name == expectedName })
	if err != nil {
		return "", err
	}
	if p, err := pick(matches, opts); p != "" || err != nil {
		return p, err
	}

	// 4. Anywhere, generic names in order of preference
	generic := []func(string) bool{
		func(name string) bool { return name == stem },
		func(name string) bool { return name == stem+".bin" },
		func(name string) bool { return name == stem+".exe" },
		func(name string) bool {
			ext := strings.ToLower(filepath.Ext(name))
			for _, g := range genericExtensions {
				if ext == g {
					return true
				}
			}
			return false
		},
	}
	for _, match := range generic {
		matches, err := walk(outputDir, match)
		if err != nil {
			return "", err
		}
		if p, err := pick(matches, opts); p != "" || err != nil {
			return p, err
		}
	}

	return "", fmt.Errorf("%w in %s (expected %s)", ErrArtifactNotFound, outputDir, expectedName)
}

func pick(matches []string, opts Options) (string, error) {
	switch {
	case len(matches) == 0:
		return "", nil
	case len(matches) > 1 && opts.Strict:
		return "", fmt.Errorf("%w: %s", ErrAmbiguousArtifact, strings.Join(matches, ", "))
	default:
		return matches[0], nil
	}
}

// walk returns regular files whose base name satisfies match, in lexical order.
// Compiler scratch directories (*.build) are skipped.
func walk(root string, match func(string) bool) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// Unreadable subtrees do not hide artifacts elsewhere
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasSuffix(d.Name(), ".build") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && match(d.Name()) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: output directory %s does not exist", ErrArtifactNotFound, root)
		}
		return nil, fmt.Errorf("searching %s: %w", root, err)
	}
	return found, nil
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
