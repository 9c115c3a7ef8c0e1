package monitor

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"promptpilot/internal/util"
)

// transcriptExts are the file extensions followed when watching a directory.
var transcriptExts = map[string]bool{
	".log":   true,
	".txt":   true,
	".out":   true,
	".json":  true,
	".jsonl": true,
}

// Tailer follows a transcript file, returning complete lines as they are
// appended. Truncation or replacement of the file restarts reading from the
// top of the new content.
type Tailer struct {
	Path    string
	file    *os.File
	offset  int64  // Bytes consumed so far
	pending string // Trailing partial line
	started bool   // First open already happened
	fromBeg bool   // Read existing content on first open
}

// NewTailer creates a Tailer for path. With fromBeginning false the content
// present at first open is skipped.
func NewTailer(path string, fromBeginning bool) *Tailer {
	return &Tailer{Path: path, fromBeg: fromBeginning}
}

func (t *Tailer) open() error {
	if t.file != nil {
		return nil
	}

	f, err := os.Open(t.Path)
	if err != nil {
		return err
	}
	t.file = f
	t.offset = 0
	t.pending = ""

	if !t.fromBeg && !t.started {
		if info, err := f.Stat(); err == nil {
			t.offset = info.Size()
		}
	}
	t.started = true
	return nil
}

// Reset closes the file. The next read reopens it from the start.
func (t *Tailer) Reset() {
	if t.file != nil {
		t.file.Close()
	}
	t.file = nil
	t.offset = 0
	t.pending = ""
}

// Close closes the underlying file.
func (t *Tailer) Close() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// ReadNewLines returns the complete lines appended since the last call.
// A partial trailing line is held back until its newline arrives.
func (t *Tailer) ReadNewLines() ([]string, error) {
	if err := t.open(); err != nil {
		return nil, err
	}

	info, err := t.file.Stat()
	if err != nil {
		t.Reset()
		return nil, err
	}

	if info.Size() < t.offset || t.replaced(info) {
		// Truncated or rotated: start over on whatever is there now.
		t.Reset()
		if err := t.open(); err != nil {
			return nil, err
		}
		if info, err = t.file.Stat(); err != nil {
			t.Reset()
			return nil, err
		}
	}

	if info.Size() == t.offset {
		return nil, nil
	}

	if _, err := t.file.Seek(t.offset, io.SeekStart); err != nil {
		t.Reset()
		return nil, err
	}

	buf := util.GetBuffer()
	defer util.PutBuffer(buf)

	var data bytes.Buffer
	data.WriteString(t.pending)
	for {
		n, readErr := t.file.Read(*buf)
		if n > 0 {
			data.Write((*buf)[:n])
			t.offset += int64(n)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
	}

	text := strings.ReplaceAll(data.String(), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	t.pending = lines[len(lines)-1]
	return lines[:len(lines)-1], nil
}

// replaced reports whether the path now names a different file than the one
// held open.
func (t *Tailer) replaced(open os.FileInfo) bool {
	cur, err := os.Stat(t.Path)
	if err != nil {
		return false
	}
	return !os.SameFile(open, cur)
}

// TailSnippet returns up to maxLines trailing lines of path, clipped to
// maxBytes when maxBytes is positive. It reads at most the last 64KiB.
func TailSnippet(path string, maxLines, maxBytes int) string {
	if maxLines <= 0 {
		return ""
	}

	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}

	const window = 64 * 1024
	start := info.Size() - window
	if start < 0 {
		start = 0
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return ""
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return ""
	}

	text := strings.TrimRight(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")
	lines := strings.Split(text, "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}

	snippet := strings.Join(lines, "\n")
	if maxBytes > 0 && len(snippet) > maxBytes {
		// Keep the newest bytes.
		return snippet[len(snippet)-maxBytes:]
	}
	return snippet
}

// FileEntry is a transcript candidate with its modification time.
type FileEntry struct {
	Path    string
	ModTime time.Time
}

// FindRecentFiles lists transcript files under basePath, newest first, at most
// limit entries (0 = no limit). An explicit file path is returned as-is.
func FindRecentFiles(basePath string, maxDepth, limit int) []FileEntry {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil
	}

	if !info.IsDir() {
		return []FileEntry{{Path: basePath, ModTime: info.ModTime()}}
	}

	var entries []FileEntry
	filepath.WalkDir(basePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if depthBelow(basePath, path) > maxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isTranscript(path) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, FileEntry{Path: path, ModTime: fi.ModTime()})
		return nil
	})

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime.After(entries[j].ModTime)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func isTranscript(path string) bool {
	return transcriptExts[strings.ToLower(filepath.Ext(path))]
}

// depthBelow counts directory levels between base and path; files directly
// inside base are at depth 0.
func depthBelow(base, path string) int {
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(os.PathSeparator))
}

// TailerManager keeps one Tailer per recently active transcript under a path.
type TailerManager struct {
	BasePath string
	MaxFiles int
	MaxDepth int
	FromBeg  bool
	tailers  map[string]*Tailer
	scanned  bool
	lastScan time.Time
	scanTTL  time.Duration
}

// NewTailerManager creates a manager for basePath, a file or a directory.
func NewTailerManager(basePath string, maxFiles, maxDepth int, fromBeg bool) *TailerManager {
	return &TailerManager{
		BasePath: basePath,
		MaxFiles: maxFiles,
		MaxDepth: maxDepth,
		FromBeg:  fromBeg,
		tailers:  make(map[string]*Tailer),
		scanTTL:  5 * time.Second,
	}
}

// RefreshFiles re-selects the followed files, at most once per scan TTL,
// and returns the current set sorted by path.
func (m *TailerManager) RefreshFiles() []string {
	if time.Since(m.lastScan) >= m.scanTTL {
		m.rescan()
	}
	return m.Paths()
}

// ForceRefresh re-selects the followed files ignoring the scan TTL.
func (m *TailerManager) ForceRefresh() []string {
	m.rescan()
	return m.Paths()
}

func (m *TailerManager) rescan() {
	entries := FindRecentFiles(m.BasePath, m.MaxDepth, m.MaxFiles)
	m.lastScan = time.Now()

	desired := make(map[string]bool, len(entries))
	for _, e := range entries {
		desired[e.Path] = true
	}

	for path, t := range m.tailers {
		if !desired[path] {
			t.Close()
			delete(m.tailers, path)
		}
	}
	for path := range desired {
		if _, ok := m.tailers[path]; !ok {
			// Files appearing after the first scan are new transcripts; read them whole.
			m.tailers[path] = NewTailer(path, m.FromBeg || m.scanned)
		}
	}
	m.scanned = true
}

// Paths returns the followed files sorted by path.
func (m *TailerManager) Paths() []string {
	paths := make([]string, 0, len(m.tailers))
	for path := range m.tailers {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// ReadAllNew reads new lines from every followed file, keyed by path.
// A tailer that fails is reset and retried on the next call.
func (m *TailerManager) ReadAllNew() map[string][]string {
	result := make(map[string][]string)
	for path, t := range m.tailers {
		lines, err := t.ReadNewLines()
		if err != nil {
			t.Reset()
			continue
		}
		if len(lines) > 0 {
			result[path] = lines
		}
	}
	return result
}

// Close closes every tailer.
func (m *TailerManager) Close() {
	for _, t := range m.tailers {
		t.Close()
	}
	m.tailers = make(map[string]*Tailer)
}
