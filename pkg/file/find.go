package file

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FindStaleDirs lists direct subdirectories of root whose name carries
// the given prefix and whose mtime is older than cutoff.
func FindStaleDirs(root, prefix string, cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var stale []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, filepath.Join(root, entry.Name()))
		}
	}
	return stale, nil
}
