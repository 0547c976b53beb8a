// Package engines lists the serving engines available in a local directory.
package engines

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
)

// List returns the names of the entries in dir sorted ascending. A missing
// directory yields an empty, non-nil list.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read engine directory %q: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
