// Package logfile manages the persisted per-run build log. Every fatal
// diagnostic the tool prints points at the file written here.
package logfile

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// keep this many plain-text logs before compressing older ones.
const keepPlain = 3

// RunLog owns the log file of one pipeline invocation.
type RunLog struct {
	Path string
	file *os.File
}

// Open creates the log file for a new run under dir and compresses logs
// from older runs.
func Open(dir string) (*RunLog, error) {
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := rotate(logDir); err != nil {
		// Rotation failure never blocks a build.
		slog.Warn("log rotation failed", "error", err)
	}

	path := filepath.Join(logDir, "build-"+time.Now().Format("20060102-150405")+".log")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create run log: %w", err)
	}
	return &RunLog{Path: path, file: f}, nil
}

// Logger builds the run's slog.Logger: JSON records into the log file and,
// when verbose, human-readable text on stderr.
func (r *RunLog) Logger(verbose, jsonStderr bool) *slog.Logger {
	fileHandler := slog.NewJSONHandler(r.file, &slog.HandlerOptions{Level: slog.LevelDebug})
	if !verbose {
		return slog.New(fileHandler)
	}
	var stderrHandler slog.Handler
	if jsonStderr {
		stderrHandler = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		stderrHandler = slog.NewTextHandler(os.Stderr, nil)
	}
	return slog.New(teeHandler{fileHandler, stderrHandler})
}

func (r *RunLog) Close() error {
	return r.file.Close()
}

// rotate compresses all but the newest plain logs to .zst.
func rotate(logDir string) error {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return err
	}
	var plain []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "build-") && strings.HasSuffix(name, ".log") {
			plain = append(plain, name)
		}
	}
	sort.Strings(plain)
	if len(plain) <= keepPlain {
		return nil
	}

	for _, name := range plain[:len(plain)-keepPlain] {
		src := filepath.Join(logDir, name)
		if err := compressFile(src); err != nil {
			return err
		}
		if err := os.Remove(src); err != nil {
			return err
		}
	}
	return nil
}

func compressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".zst")
	if err != nil {
		return err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}
