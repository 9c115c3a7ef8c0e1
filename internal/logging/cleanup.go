package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LogFileInfo holds information about a dated log file.
type LogFileInfo struct {
	Name    string
	Path    string
	Date    time.Time
	Size    int64
	ModTime time.Time
}

// logDate parses the date out of promptpilot-2006-01-02.log.
func logDate(name string) (time.Time, bool) {
	if name == currentLink || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	s := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CleanupLogs removes dated log files older than retentionDays.
// retentionDays of 0 means keep forever.
func CleanupLogs(dir string, retentionDays int, logger *zap.Logger) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read log directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		date, ok := logDate(entry.Name())
		if !ok || !date.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			logger.Warn("Failed to remove old log", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		deleted++
	}

	return deleted, nil
}

// ListLogFiles returns the dated log files, newest first.
func ListLogFiles(dir string) ([]LogFileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var logs []LogFileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		date, ok := logDate(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logs = append(logs, LogFileInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			Date:    date,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].Date.After(logs[j].Date) })
	return logs, nil
}

// TotalLogSize returns the total size of all dated log files.
func TotalLogSize(dir string) (int64, error) {
	logs, err := ListLogFiles(dir)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, l := range logs {
		total += l.Size
	}
	return total, nil
}
