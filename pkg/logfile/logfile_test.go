package logfile

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWritesJSONRecords(t *testing.T) {
	dir := t.TempDir()
	rl, err := Open(dir)
	require.NoError(t, err)

	log := rl.Logger(false, false)
	log.Info("stage complete", "stage", "resolving", "objects", 3)
	require.NoError(t, rl.Close())

	data, err := os.ReadFile(rl.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"stage complete"`)
	assert.Contains(t, string(data), `"stage":"resolving"`)
}

func TestRotateCompressesOldLogs(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	require.NoError(t, os.MkdirAll(logDir, 0755))

	names := []string{
		"build-20240101-000000.log",
		"build-20240102-000000.log",
		"build-20240103-000000.log",
		"build-20240104-000000.log",
		"build-20240105-000000.log",
	}
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(logDir, n), []byte("log body "+n), 0644))
	}

	rl, err := Open(dir)
	require.NoError(t, err)
	defer rl.Close()

	// The two oldest are compressed, the newest three stay plain.
	for _, n := range names[:2] {
		_, err := os.Stat(filepath.Join(logDir, n))
		assert.True(t, os.IsNotExist(err), "%s should be removed", n)
		_, err = os.Stat(filepath.Join(logDir, n+".zst"))
		assert.NoError(t, err, "%s.zst should exist", n)
	}
	for _, n := range names[2:] {
		_, err := os.Stat(filepath.Join(logDir, n))
		assert.NoError(t, err, "%s should stay plain", n)
	}

	// Compressed content round-trips.
	f, err := os.Open(filepath.Join(logDir, names[0]+".zst"))
	require.NoError(t, err)
	defer f.Close()
	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()
	var buf bytes.Buffer
	_, err = io.Copy(&buf, dec)
	require.NoError(t, err)
	assert.Equal(t, "log body "+names[0], buf.String())
}
