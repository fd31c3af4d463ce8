package recorder

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"chimera/internal/errors"
)

// Segments lists the files of the log at basePath in index order.
// Indexes must be contiguous from 0.
func Segments(basePath string) ([]string, error) {
	matches, err := filepath.Glob(basePath + "_*.bin")
	if err != nil {
		return nil, errors.Wrap(err, "glob log files")
	}

	type indexed struct {
		index int
		path  string
	}
	files := make([]indexed, 0, len(matches))
	for _, m := range matches {
		suffix := strings.TrimSuffix(strings.TrimPrefix(m, basePath+"_"), ".bin")
		idx, err := strconv.Atoi(suffix)
		if err != nil || idx < 0 {
			continue
		}
		files = append(files, indexed{index: idx, path: m})
	}
	if len(files) == 0 {
		return nil, errors.Wrap(os.ErrNotExist, "no log files for "+basePath)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].index < files[j].index })

	paths := make([]string, len(files))
	for i, f := range files {
		if f.index != i {
			return nil, errors.Wrap(ErrMissingSegment, SegmentPath(basePath, i))
		}
		paths[i] = f.path
	}
	return paths, nil
}

// Resolve accepts either a single .bin file or a base path.
func Resolve(target string) ([]string, error) {
	if strings.HasSuffix(target, ".bin") {
		if info, err := os.Stat(target); err == nil && !info.IsDir() {
			return []string{target}, nil
		}
	}
	return Segments(target)
}
