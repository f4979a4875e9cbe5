package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builds", "history.jsonl")
	l := New(NewFileBackend(path))

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(Entry{
			Timestamp: int64(1700000000 + i),
			Module:    "fix_null_deref",
			Mode:      "livepatch",
			Changed:   i + 1,
		}))
	}

	entries, err := l.Recent(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(1700000002), entries[0].Timestamp)
	assert.Equal(t, 5, entries[2].Changed)
}

func TestRecentMissingFile(t *testing.T) {
	l := New(NewFileBackend(filepath.Join(t.TempDir(), "absent.jsonl")))
	entries, err := l.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadSkipsPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"timestamp":1700000000,"module":"a","mode":"kpatch"}`+"\n"+
			`{"timestamp":1700000001,"mod`+"\n"+
			`{"timestamp":1700000002,"module":"b","mode":"livepatch"}`+"\n"), 0644))

	entries, err := New(NewFileBackend(path)).Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[1].Module)
}
