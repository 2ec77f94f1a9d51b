// Package workspace manages the per-task on-disk area: screenshots, atomic
// JSON state files, append-only record logs, and the dispatcher log sink.
// One task owns one workspace; a single process owns all workspaces, so
// in-process per-file locking is sufficient.
package workspace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	dirScreens = "screens"
	dirState   = "state"
	dirLogs    = "logs"
)

// Workspace is the scoped filesystem area for one task.
type Workspace struct {
	root   string
	logger *zap.SugaredLogger

	mu        sync.Mutex
	fileLocks map[string]*sync.Mutex

	shotMu     sync.Mutex
	lastShotMs int64
	lastShot   string
}

// New creates the workspace directory tree under logDir. The directory name
// embeds the creation timestamp so runs sort chronologically on disk.
func New(logDir, taskID string, logger *zap.SugaredLogger) (*Workspace, error) {
	root := filepath.Join(logDir, fmt.Sprintf("%s_%s", time.Now().Format("20060102_150405"), taskID))
	for _, sub := range []string{dirScreens, dirState, dirLogs} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace dir: %w", err)
		}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}
	return &Workspace{
		root:      abs,
		logger:    logger,
		fileLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Path returns the absolute workspace root.
func (w *Workspace) Path() string { return w.root }

// Destroy removes the workspace tree.
func (w *Workspace) Destroy() error {
	return os.RemoveAll(w.root)
}

// lockFor returns the mutex serializing access to one named state file.
func (w *Workspace) lockFor(name string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.fileLocks[name]
	if !ok {
		l = &sync.Mutex{}
		w.fileLocks[name] = l
	}
	return l
}

// WriteState serializes v as JSON and writes state/<name>.json atomically:
// tmp file, fsync, rename. Readers never observe a partial file.
func (w *Workspace) WriteState(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", name, err)
	}

	l := w.lockFor(name)
	l.Lock()
	defer l.Unlock()

	final := filepath.Join(w.root, dirState, name+".json")
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// ReadState loads state/<name>.json into out. It returns false when the file
// is absent or unreadable; a malformed file is logged and treated as absent
// so a caller's default always applies.
func (w *Workspace) ReadState(name string, out any) (bool, error) {
	l := w.lockFor(name)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(filepath.Join(w.root, dirState, name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read state %s: %w", name, err)
	}
	if err := json.Unmarshal(sanitizeText(data), out); err != nil {
		w.logger.Warnw("Unreadable state file, using default", "name", name, "error", err)
		return false, nil
	}
	return true, nil
}

// AppendRecord appends one JSON line to state/<name>.jsonl.
func (w *Workspace) AppendRecord(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", name, err)
	}

	l := w.lockFor(name)
	l.Lock()
	defer l.Unlock()

	path := filepath.Join(w.root, dirState, name+".jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

// ReadRecords returns every complete JSON line from state/<name>.jsonl. A
// truncated final line (no trailing newline, or unparseable) is skipped; a
// crash mid-append must not poison the whole log.
func (w *Workspace) ReadRecords(name string) ([]json.RawMessage, error) {
	l := w.lockFor(name)
	l.Lock()
	defer l.Unlock()

	f, err := os.Open(filepath.Join(w.root, dirState, name+".jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open records %s: %w", name, err)
	}
	defer f.Close()

	var out []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			w.logger.Warnw("Skipping malformed record line", "name", name)
			continue
		}
		out = append(out, append(json.RawMessage(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan records %s: %w", name, err)
	}
	return out, nil
}

// SaveScreenshot writes image bytes under screens/ with a strictly
// increasing millisecond-timestamp name and returns the absolute path.
func (w *Workspace) SaveScreenshot(img []byte) (string, error) {
	w.shotMu.Lock()
	ms := time.Now().UnixMilli()
	if ms <= w.lastShotMs {
		ms = w.lastShotMs + 1
	}
	w.lastShotMs = ms
	path := filepath.Join(w.root, dirScreens, fmt.Sprintf("%d.png", ms))
	w.lastShot = path
	w.shotMu.Unlock()

	if err := os.WriteFile(path, img, 0o644); err != nil {
		return "", fmt.Errorf("save screenshot: %w", err)
	}
	return path, nil
}

// LatestScreenshot returns the most recently saved screenshot bytes.
func (w *Workspace) LatestScreenshot() ([]byte, bool) {
	w.shotMu.Lock()
	path := w.lastShot
	w.shotMu.Unlock()

	if path == "" {
		// Fall back to a directory scan so a reopened workspace still works.
		entries, err := os.ReadDir(filepath.Join(w.root, dirScreens))
		if err != nil || len(entries) == 0 {
			return nil, false
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
		if len(names) == 0 {
			return nil, false
		}
		sort.Strings(names)
		path = filepath.Join(w.root, dirScreens, names[len(names)-1])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// LogFile opens logs/dispatcher.log for appending. The caller owns the
// handle; it backs the per-task zap sink.
func (w *Workspace) LogFile() (*os.File, error) {
	path := filepath.Join(w.root, dirLogs, "dispatcher.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dispatcher log: %w", err)
	}
	return f, nil
}

// sanitizeText strips a UTF-8 BOM and repairs invalid byte sequences once.
// Files written by this process are always clean UTF-8; this guards against
// externally edited state.
func sanitizeText(data []byte) []byte {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return data
	}
	return []byte(strings.ToValidUTF8(string(data), ""))
}
