// Package history keeps a per-workspace ledger of completed builds, one
// JSON line per run.
package history

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
)

// Entry records the outcome of one completed build.
type Entry struct {
	Timestamp  int64  `json:"timestamp"`
	Module     string `json:"module"`
	Mode       string `json:"mode"`
	Artifact   string `json:"artifact"`
	Checksum   string `json:"checksum,omitempty"`
	Changed    int    `json:"changed"`
	Unchanged  int    `json:"unchanged"`
	Skipped    int    `json:"skipped"`
	Warnings   int    `json:"warnings"`
	DurationMS int64  `json:"duration_ms"`
}

// Backend defines the storage interface for build entries.
type Backend interface {
	Append(e Entry) error
	Load(n int) ([]Entry, error)
}

// Ledger manages the build history.
type Ledger struct {
	backend Backend
}

func New(backend Backend) *Ledger {
	return &Ledger{backend: backend}
}

// Append records a completed build.
func (l *Ledger) Append(e Entry) error {
	return l.backend.Append(e)
}

// Recent retrieves up to n of the newest entries, oldest first.
func (l *Ledger) Recent(n int) ([]Entry, error) {
	return l.backend.Load(n)
}

// NewFileBackend creates a jsonl-file backend at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

// FileBackend implements append-only jsonl storage.
type FileBackend struct {
	Path string
}

func (b *FileBackend) Append(e Entry) error {
	if err := os.MkdirAll(filepath.Dir(b.Path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(b.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func (b *FileBackend) Load(n int) ([]Entry, error) {
	f, err := os.Open(b.Path)
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// Tolerate partial lines from interrupted runs.
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(entries) > n {
		return entries[len(entries)-n:], nil
	}
	return entries, nil
}
