package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
)

// Compile-time interface check.
var _ Registry = (*localRegistry)(nil)

type localRegistry struct {
	dir string
}

// NewLocal creates a Registry whose exercises are the sub-directories of
// dir. Regular files are ignored.
func NewLocal(dir string) Registry {
	return &localRegistry{dir: dir}
}

func (r *localRegistry) Location() string {
	return r.dir
}

func (r *localRegistry) Names(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("reading exercise directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	return names, nil
}
