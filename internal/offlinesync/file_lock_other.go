//go:build !unix

package offlinesync

import (
	"os"
	"path/filepath"
)

// Without flock only the in-process mutex serializes writers.
func lockFile(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return func() {}, nil
}
