package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Locate returns the path of the newest extract in dir matching pattern.
// Registry deliveries embed the extract date in the file name, so the
// lexically last match is the newest one.
func Locate(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("bad pattern %q: %w", pattern, err)
	}

	files := matches[:0]
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && !info.IsDir() {
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no file matching %q in %s: %w", pattern, dir, os.ErrNotExist)
	}

	sort.Strings(files)
	return files[len(files)-1], nil
}

// Newest returns a source that locates the newest file matching pattern in dir when
// opened and reads it with the source built by open. A missing file fails Open.
func Newest(dir, pattern string, open func(path string) Source) Source {
	return newest{dir: dir, pattern: pattern, open: open}
}

type newest struct {
	dir     string
	pattern string
	open    func(path string) Source
}

func (s newest) Name() string { return s.pattern }

func (s newest) Open(ctx context.Context) (Reader, error) {
	path, err := Locate(s.dir, s.pattern)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	return s.open(path).Open(ctx)
}
