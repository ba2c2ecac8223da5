package recording

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"driftpursuit/prediction/internal/logging"
)

// RetentionPolicy bounds how many journals stay on disk. Zero fields disable that limit.
type RetentionPolicy struct {
	MaxJournals int
	MaxAge      time.Duration
}

// StorageStats summarises the journals left after a prune.
type StorageStats struct {
	Journals int
	Removed  int
	Bytes    int64
}

type journalDir struct {
	path    string
	size    int64
	modTime time.Time
}

// Prune removes journals under root that violate policy, newest kept first.
// Directories without a manifest are left alone.
func Prune(root string, policy RetentionPolicy, now time.Time, logger *logging.Logger) (StorageStats, error) {
	if logger == nil {
		logger = logging.L()
	}
	var stats StorageStats
	if strings.TrimSpace(root) == "" {
		return stats, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stats, nil
		}
		return stats, fmt.Errorf("scan journals: %w", err)
	}

	journals := make([]journalDir, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name())
		info, err := os.Stat(filepath.Join(path, manifestFile))
		if err != nil {
			continue
		}
		size, err := directorySize(path)
		if err != nil {
			logger.Warn("journal size failed", logging.String("path", path), logging.Error(err))
			continue
		}
		journals = append(journals, journalDir{path: path, size: size, modTime: info.ModTime()})
	}
	//1.- Newest first so the count limit keeps recent sessions.
	sort.Slice(journals, func(i, j int) bool { return journals[i].modTime.After(journals[j].modTime) })

	var errs error
	for _, j := range journals {
		reason := expired(j, policy, now, stats.Journals)
		if reason == "" {
			stats.Journals++
			stats.Bytes += j.size
			continue
		}
		if err := os.RemoveAll(j.path); err != nil {
			errs = errors.Join(errs, err)
			stats.Journals++
			stats.Bytes += j.size
			continue
		}
		stats.Removed++
		logger.Info("journal pruned", logging.String("path", j.path), logging.String("reason", reason))
	}
	return stats, errs
}

func expired(j journalDir, policy RetentionPolicy, now time.Time, kept int) string {
	reasons := make([]string, 0, 2)
	if policy.MaxAge > 0 && now.Sub(j.modTime) > policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", policy.MaxAge))
	}
	if policy.MaxJournals > 0 && kept >= policy.MaxJournals {
		reasons = append(reasons, fmt.Sprintf(">=%d journals", policy.MaxJournals))
	}
	return strings.Join(reasons, ", ")
}

func directorySize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
