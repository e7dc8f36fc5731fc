package download

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StaleCache is a cache directory removed by CleanStaleCaches.
type StaleCache struct {
	Dir   string
	Bytes uint64
}

// CleanStaleCaches removes cache directories under root left behind by
// sessions that did not shut down cleanly. Directories modified within
// minAge are kept since they may belong to a running session.
func CleanStaleCaches(root string, minAge time.Duration) ([]StaleCache, error) {
	if root == "" {
		root = os.TempDir()
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	cutoff := time.Now().Add(-minAge)
	var removed []StaleCache
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), CacheDirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return removed, err
		}
		if minAge > 0 && info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		size := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			return removed, err
		}
		removed = append(removed, StaleCache{Dir: dir, Bytes: size})
	}
	return removed, nil
}

func dirSize(dir string) uint64 {
	var total uint64
	filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}
