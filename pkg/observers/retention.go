package observers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	timelineSuffix = ".jsonl"
	usageSuffix    = ".usage.json"
)

// artifactSuffixes are the files this package writes into the artifacts
// directory. Anything else there belongs to someone else and is left alone.
var artifactSuffixes = []string{timelineSuffix, usageSuffix}

// PurgeArtifacts removes session timelines and usage summaries in dir whose
// modification time is older than maxAge. It returns how many were deleted.
func PurgeArtifacts(dir string, maxAge time.Duration) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var removed int
	var errs error
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !isArtifact(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

func isArtifact(name string) bool {
	for _, suffix := range artifactSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
