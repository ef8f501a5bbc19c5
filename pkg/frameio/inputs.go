package frameio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// ErrNoInputs is returned when input patterns match no files
var ErrNoInputs = errors.New("no input frames")

// ExpandInputs resolves files and glob patterns into a list of paths.
// Each pattern's matches are ordered by frame number; duplicates are
// dropped and the first occurrence kept.
func ExpandInputs(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad input pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			if _, err := os.Stat(pattern); err != nil {
				return nil, fmt.Errorf("%w: %q matches nothing", ErrNoInputs, pattern)
			}
			matches = []string{pattern}
		}

		SortByFrameNumber(matches)
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && info.IsDir() {
				continue
			}
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}

	if len(paths) == 0 {
		return nil, ErrNoInputs
	}
	return paths, nil
}

// SortByFrameNumber orders paths by the number embedded in their file
// names, so frame_2 comes before frame_10. Ties keep name order.
func SortByFrameNumber(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		numI := extractNumber(paths[i])
		numJ := extractNumber(paths[j])
		if numI != numJ {
			return numI < numJ
		}
		return filepath.Base(paths[i]) < filepath.Base(paths[j])
	})
}

// extractNumber extracts the digits of a file name as one number
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}
